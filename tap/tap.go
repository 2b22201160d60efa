// Package tap serves live streams to websocket clients as JSON frames, so
// a presentation layer can follow relayed values without speaking NATS.
package tap

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sidguru2/EEG-Neurofeedback-Ball-Game/pkg/cache"
	"github.com/sidguru2/EEG-Neurofeedback-Ball-Game/relay"
	"github.com/sidguru2/EEG-Neurofeedback-Ball-Game/stream"
)

// PathPrefix is where the tap is mounted; the stream name follows it
const PathPrefix = "/ws/streams/"

// Frame is one sample as sent to clients
type Frame struct {
	Stream    string    `json:"stream"`
	Timestamp float64   `json:"timestamp"`
	Values    []float64 `json:"values,omitempty"`
	Ints      []int64   `json:"ints,omitempty"`
	Strings   []string  `json:"strings,omitempty"`
}

// MarshalJSON writes non-finite channel values as null and a non-finite
// timestamp as zero, neither of which JSON can represent.
func (f Frame) MarshalJSON() ([]byte, error) {
	type plain Frame
	out := struct {
		plain
		Values []*float64 `json:"values,omitempty"`
	}{plain: plain(f)}
	if !finite(f.Timestamp) {
		out.Timestamp = 0
	}
	if f.Values != nil {
		out.Values = make([]*float64, len(f.Values))
		for i := range f.Values {
			if finite(f.Values[i]) {
				out.Values[i] = &f.Values[i]
			}
		}
	}
	return json.Marshal(out)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Option configures a Tap
type Option func(*Tap)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tap) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithPollInterval sets how often queued samples are flushed to clients
func WithPollInterval(d time.Duration) Option {
	return func(t *Tap) {
		if d > 0 {
			t.poll = d
		}
	}
}

// WithPingInterval sets the keep-alive ping period
func WithPingInterval(d time.Duration) Option {
	return func(t *Tap) {
		if d > 0 {
			t.ping = d
		}
	}
}

// WithLookupTTL sets how long a resolved stream is reused for new clients
// of the same name. Zero resolves on every connect.
func WithLookupTTL(d time.Duration) Option {
	return func(t *Tap) {
		if d >= 0 {
			t.lookupTTL = d
		}
	}
}

// Tap is an http.Handler upgrading /ws/streams/{name} requests
type Tap struct {
	resolver stream.Resolver
	opener   relay.Opener
	upgrader websocket.Upgrader
	logger   *slog.Logger

	poll           time.Duration
	ping           time.Duration
	writeTimeout   time.Duration
	resolveTimeout time.Duration
	lookupTTL      time.Duration
	lookups        *cache.TTL[stream.Descriptor]

	clients atomic.Int64
	stop    chan struct{}
	mu      sync.Mutex
	closed  bool
	wg      sync.WaitGroup
}

// New creates a Tap that finds streams with resolver and follows them
// through inlets from opener
func New(resolver stream.Resolver, opener relay.Opener, opts ...Option) *Tap {
	t := &Tap{
		resolver: resolver,
		opener:   opener,
		upgrader: websocket.Upgrader{
			// Local visualisation clients connect from arbitrary origins
			CheckOrigin:     func(*http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger:         slog.Default(),
		poll:           10 * time.Millisecond,
		ping:           15 * time.Second,
		writeTimeout:   10 * time.Second,
		resolveTimeout: 2 * time.Second,
		lookupTTL:      5 * time.Second,
		stop:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.lookupTTL > 0 {
		// Only fails for a non-positive ttl
		t.lookups, _ = cache.NewTTL[stream.Descriptor](t.lookupTTL)
	}
	return t
}

// Clients returns the number of connected clients
func (t *Tap) Clients() int {
	return int(t.clients.Load())
}

// ServeHTTP resolves the named stream, then upgrades and streams it
func (t *Tap) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, PathPrefix)
	if name == "" || strings.Contains(name, "/") {
		http.Error(w, "stream name required", http.StatusNotFound)
		return
	}
	if !t.enter() {
		http.Error(w, "relay shutting down", http.StatusServiceUnavailable)
		return
	}
	defer t.wg.Done()

	desc, found, err := t.lookup(r.Context(), name)
	if err != nil {
		t.logger.Warn("Tap could not resolve stream", "stream", name, "error", err)
		http.Error(w, "stream lookup failed", http.StatusBadGateway)
		return
	}
	if !found {
		http.Error(w, "no live stream named "+name, http.StatusNotFound)
		return
	}

	inlet, err := t.opener.OpenInlet(r.Context(), desc)
	if err != nil {
		t.forget(name)
		t.logger.Warn("Tap could not open inlet", "stream", name, "error", err)
		http.Error(w, "stream unavailable", http.StatusBadGateway)
		return
	}
	defer func() { _ = inlet.Close() }()

	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client
		t.logger.Debug("Tap upgrade failed", "stream", name, "error", err)
		return
	}
	defer conn.Close()

	t.clients.Add(1)
	defer t.clients.Add(-1)

	t.logger.Info("Tap client connected", "stream", name, "remote", r.RemoteAddr)
	t.serve(conn, inlet, name)
	t.logger.Info("Tap client disconnected", "stream", name, "remote", r.RemoteAddr)
}

// lookup returns the most recently created stream with the given name
func (t *Tap) lookup(ctx context.Context, name string) (stream.Descriptor, bool, error) {
	if t.lookups != nil {
		if d, ok := t.lookups.Get(name); ok {
			return d, true, nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, t.resolveTimeout)
	defer cancel()

	found, err := t.resolver.Resolve(ctx, stream.Query{Name: name})
	if err != nil {
		return stream.Descriptor{}, false, err
	}
	var best stream.Descriptor
	ok := false
	for _, d := range found {
		if d.Name != name {
			continue
		}
		if !ok || d.CreatedAt.After(best.CreatedAt) {
			best, ok = d, true
		}
	}
	if ok && t.lookups != nil {
		_ = t.lookups.Set(name, best)
	}
	return best, ok, nil
}

func (t *Tap) forget(name string) {
	if t.lookups != nil {
		t.lookups.Delete(name)
	}
}

func (t *Tap) serve(conn *websocket.Conn, inlet relay.Inlet, name string) {
	pongWait := 2 * t.ping
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// Clients never send data; reading only surfaces close and pong frames
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	poll := time.NewTicker(t.poll)
	defer poll.Stop()
	ping := time.NewTicker(t.ping)
	defer ping.Stop()

	for {
		select {
		case <-gone:
			return
		case <-t.stop:
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay shutting down")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.writeTimeout)); err != nil {
				return
			}
		case <-poll.C:
			if err := t.flush(conn, inlet, name); err != nil {
				t.logger.Debug("Tap write failed", "stream", name, "error", err)
				return
			}
		}
	}
}

// flush writes every queued sample
func (t *Tap) flush(conn *websocket.Conn, inlet relay.Inlet, name string) error {
	for {
		s, ok, err := inlet.PullSample()
		if err != nil {
			// Source loss is transient for a recovering inlet; keep the client
			t.logger.Debug("Tap pull failed", "stream", name, "error", err)
			return nil
		}
		if !ok {
			return nil
		}
		data, err := json.Marshal(Frame{Stream: name, Timestamp: s.Timestamp, Values: s.Values, Ints: s.Ints, Strings: s.Strings})
		if err != nil {
			return err
		}
		_ = conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return err
		}
	}
}

// enter registers a handler unless Close has begun
func (t *Tap) enter() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.wg.Add(1)
	return true
}

// Close disconnects every client and waits for their handlers to finish.
// Requests arriving afterwards are refused with 503.
func (t *Tap) Close() {
	t.mu.Lock()
	if !t.closed {
		t.closed = true
		close(t.stop)
	}
	t.mu.Unlock()
	t.wg.Wait()
}
