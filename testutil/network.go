// Package testutil provides an in-memory stream network for tests that
// exercise relays and the supervisor without a NATS server.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sidguru2/EEG-Neurofeedback-Ball-Game/relay"
	"github.com/sidguru2/EEG-Neurofeedback-Ball-Game/stream"
)

// MockNetwork is a thread-safe fake network. It implements relay.Opener and
// stream.Resolver. Samples pushed by a source reach every open inlet whose
// descriptor has the same identity, so a source that disappears and comes
// back with the same identity keeps feeding existing inlets.
type MockNetwork struct {
	mu      sync.Mutex
	sources map[string]*MockSource
	inlets  []*MockInlet
	outlets []*MockOutlet

	// Error injection
	ResolveErr    error
	OpenInletErr  func(src stream.Descriptor) error
	OpenOutletErr func(desc stream.Descriptor) error

	// Call counts for verification
	ResolveCalls    int
	OpenInletCalls  int
	OpenOutletCalls int
}

// NewMockNetwork creates an empty network
func NewMockNetwork() *MockNetwork {
	return &MockNetwork{sources: make(map[string]*MockSource)}
}

// Resolves returns how many times Resolve was called
func (n *MockNetwork) Resolves() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ResolveCalls
}

// MockSource is an advertised source stream
type MockSource struct {
	network *MockNetwork
	desc    stream.Descriptor
}

// AddSource advertises a source. A fresh uid and creation time are assigned,
// as a real outlet would.
func (n *MockNetwork) AddSource(desc stream.Descriptor) *MockSource {
	n.mu.Lock()
	defer n.mu.Unlock()

	desc = desc.Clone()
	desc.UID = uuid.NewString()
	desc.CreatedAt = time.Now()
	src := &MockSource{network: n, desc: desc}
	n.sources[desc.UID] = src
	return src
}

// RemoveSource withdraws every advertisement with the given source id.
// Inlets already open on it stay open and simply stop receiving.
func (n *MockNetwork) RemoveSource(sourceID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for uid, src := range n.sources {
		if src.desc.SourceID == sourceID {
			delete(n.sources, uid)
		}
	}
}

// Descriptor returns the advertised descriptor
func (s *MockSource) Descriptor() stream.Descriptor {
	return s.desc.Clone()
}

// Push delivers a sample to every open inlet following this source
func (s *MockSource) Push(sample stream.Sample) {
	s.network.mu.Lock()
	var targets []*MockInlet
	for _, in := range s.network.inlets {
		if in.desc.Identity() == s.desc.Identity() {
			targets = append(targets, in)
		}
	}
	s.network.mu.Unlock()

	for _, in := range targets {
		in.Deliver(sample)
	}
}

// Resolve returns advertised sources and open outlets matching q
func (n *MockNetwork) Resolve(ctx context.Context, q stream.Query) ([]stream.Descriptor, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.ResolveCalls++
	if n.ResolveErr != nil {
		return nil, n.ResolveErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var found []stream.Descriptor
	for _, src := range n.sources {
		if q.Matches(src.desc) {
			found = append(found, src.desc.Clone())
		}
	}
	for _, out := range n.outlets {
		if !out.Closed() && q.Matches(out.desc) {
			found = append(found, out.desc.Clone())
		}
	}
	return found, nil
}

// OpenInlet opens an inlet following src's identity
func (n *MockNetwork) OpenInlet(_ context.Context, src stream.Descriptor) (relay.Inlet, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.OpenInletCalls++
	if n.OpenInletErr != nil {
		if err := n.OpenInletErr(src); err != nil {
			return nil, err
		}
	}
	in := &MockInlet{desc: src.Clone(), opened: time.Now()}
	n.inlets = append(n.inlets, in)
	return in, nil
}

// OpenOutlet publishes desc
func (n *MockNetwork) OpenOutlet(_ context.Context, desc stream.Descriptor) (relay.Outlet, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.OpenOutletCalls++
	if n.OpenOutletErr != nil {
		if err := n.OpenOutletErr(desc); err != nil {
			return nil, err
		}
	}
	desc = desc.Clone()
	desc.UID = uuid.NewString()
	desc.CreatedAt = time.Now()
	desc.Subject = stream.DataSubject(stream.DefaultPrefix, desc)
	out := &MockOutlet{desc: desc}
	n.outlets = append(n.outlets, out)
	return out, nil
}

// Inlets returns every inlet opened so far
func (n *MockNetwork) Inlets() []*MockInlet {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*MockInlet(nil), n.inlets...)
}

// Outlets returns every outlet opened so far
func (n *MockNetwork) Outlets() []*MockOutlet {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*MockOutlet(nil), n.outlets...)
}

// Outlet returns the open outlet published under name
func (n *MockNetwork) Outlet(name string) (*MockOutlet, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, out := range n.outlets {
		if out.desc.Name == name && !out.Closed() {
			return out, nil
		}
	}
	return nil, fmt.Errorf("no outlet named %q", name)
}

// MockInlet queues delivered samples until pulled
type MockInlet struct {
	mu         sync.Mutex
	desc       stream.Descriptor
	queue      []stream.Sample
	opened     time.Time
	lastSample time.Time
	closed     bool

	// PullErr, when set, is returned by every PullSample
	PullErr   error
	PullCalls int
}

// Deliver queues a sample as if it arrived from the network
func (in *MockInlet) Deliver(s stream.Sample) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return
	}
	in.queue = append(in.queue, s.Clone())
	in.lastSample = time.Now()
}

// SetPullErr sets or clears the injected pull error
func (in *MockInlet) SetPullErr(err error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.PullErr = err
}

// PullSample implements relay.Inlet
func (in *MockInlet) PullSample() (stream.Sample, bool, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	in.PullCalls++
	if in.PullErr != nil {
		return stream.Sample{}, false, in.PullErr
	}
	if in.closed || len(in.queue) == 0 {
		return stream.Sample{}, false, nil
	}
	s := in.queue[0]
	in.queue = in.queue[1:]
	return s, true, nil
}

// QuietFor implements relay.Inlet
func (in *MockInlet) QuietFor() time.Duration {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.lastSample.IsZero() {
		return time.Since(in.opened)
	}
	return time.Since(in.lastSample)
}

// Close implements relay.Inlet
func (in *MockInlet) Close() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.closed = true
	return nil
}

// Descriptor returns the followed descriptor
func (in *MockInlet) Descriptor() stream.Descriptor {
	return in.desc.Clone()
}

// Closed reports whether Close was called
func (in *MockInlet) Closed() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.closed
}

// MockOutlet records pushed samples
type MockOutlet struct {
	mu     sync.Mutex
	desc   stream.Descriptor
	pushed []stream.Sample
	closed bool

	// PushErr, when set, is returned by every PushSample
	PushErr error
}

// SetPushErr sets or clears the injected push error
func (out *MockOutlet) SetPushErr(err error) {
	out.mu.Lock()
	defer out.mu.Unlock()
	out.PushErr = err
}

// PushSample implements relay.Outlet
func (out *MockOutlet) PushSample(_ context.Context, s stream.Sample) error {
	out.mu.Lock()
	defer out.mu.Unlock()
	if out.PushErr != nil {
		return out.PushErr
	}
	out.pushed = append(out.pushed, s.Clone())
	return nil
}

// Descriptor implements relay.Outlet
func (out *MockOutlet) Descriptor() stream.Descriptor {
	return out.desc.Clone()
}

// Close implements relay.Outlet
func (out *MockOutlet) Close(context.Context) error {
	out.mu.Lock()
	defer out.mu.Unlock()
	out.closed = true
	return nil
}

// Pushed returns a copy of every sample pushed so far
func (out *MockOutlet) Pushed() []stream.Sample {
	out.mu.Lock()
	defer out.mu.Unlock()
	return append([]stream.Sample(nil), out.pushed...)
}

// Closed reports whether Close has been called
func (out *MockOutlet) Closed() bool {
	out.mu.Lock()
	defer out.mu.Unlock()
	return out.closed
}
