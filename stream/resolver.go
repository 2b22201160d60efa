package stream

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/sidguru2/EEG-Neurofeedback-Ball-Game/errors"
)

// DefaultResolveTimeout bounds a query round when the caller sets no deadline
const DefaultResolveTimeout = 2 * time.Second

// QueryResolver finds streams by broadcasting a query and gathering the
// descriptors outlets reply with until the timeout expires.
type QueryResolver struct {
	conn    Conn
	prefix  string
	timeout time.Duration
	logger  *slog.Logger
}

// NewQueryResolver creates a scatter-gather resolver
func NewQueryResolver(conn Conn, prefix string, timeout time.Duration, logger *slog.Logger) *QueryResolver {
	if timeout <= 0 {
		timeout = DefaultResolveTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &QueryResolver{conn: conn, prefix: normalizePrefix(prefix), timeout: timeout, logger: logger}
}

// Resolve gathers every matching descriptor that answers within the timeout
func (r *QueryResolver) Resolve(ctx context.Context, q Query) ([]Descriptor, error) {
	data, err := json.Marshal(q)
	if err != nil {
		return nil, errors.WrapInvalid(err, "QueryResolver", "Resolve", "encode query")
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	seen := make(map[string]struct{})
	var found []Descriptor
	err = r.conn.RequestMany(ctx, DiscoverSubject(r.prefix), data, func(msg *nats.Msg) bool {
		var d Descriptor
		if err := json.Unmarshal(msg.Data, &d); err != nil {
			r.logger.Debug("Ignoring malformed discovery reply", "error", err)
			return true
		}
		if _, dup := seen[d.UID]; dup || !q.Matches(d) {
			return true
		}
		seen[d.UID] = struct{}{}
		found = append(found, d)
		return true
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "QueryResolver", "Resolve", "gather discovery replies")
	}

	sortDescriptors(found)
	return found, nil
}

// DirectoryResolver finds streams by listing a KV directory that outlets
// keep their descriptors in
type DirectoryResolver struct {
	kv     jetstream.KeyValue
	logger *slog.Logger
}

// NewDirectoryResolver creates a resolver over an existing directory bucket
func NewDirectoryResolver(kv jetstream.KeyValue, logger *slog.Logger) *DirectoryResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &DirectoryResolver{kv: kv, logger: logger}
}

// Resolve lists the directory and returns every matching live entry
func (r *DirectoryResolver) Resolve(ctx context.Context, q Query) ([]Descriptor, error) {
	lister, err := r.kv.ListKeys(ctx)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, errors.WrapTransient(err, "DirectoryResolver", "Resolve", "list directory")
	}
	defer func() { _ = lister.Stop() }()

	var found []Descriptor
	for key := range lister.Keys() {
		entry, err := r.kv.Get(ctx, key)
		if err != nil {
			// Entries expire between listing and reading
			if stderrors.Is(err, jetstream.ErrKeyNotFound) {
				continue
			}
			return nil, errors.WrapTransient(err, "DirectoryResolver", "Resolve", "read entry "+key)
		}
		var d Descriptor
		if err := json.Unmarshal(entry.Value(), &d); err != nil {
			r.logger.Debug("Ignoring malformed directory entry", "key", key, "error", err)
			continue
		}
		if q.Matches(d) {
			found = append(found, d)
		}
	}

	sortDescriptors(found)
	return found, nil
}
