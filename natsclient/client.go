// Package natsclient manages the connection to the NATS server that carries
// stream advertisements and samples. The client reconnects forever by
// default, fronts connection attempts with a circuit breaker and exposes
// the handful of primitives the stream layer needs: subscribe, publish,
// scatter-gather requests and JetStream KV buckets.
package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/sidguru2/EEG-Neurofeedback-Ball-Game/errors"
	"github.com/sidguru2/EEG-Neurofeedback-Ball-Game/metric"
)

// ConnectionStatus represents the state of the NATS connection
type ConnectionStatus int

// Possible connection statuses
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusCircuitOpen
)

// String returns the string representation of ConnectionStatus
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

// Error messages
var (
	ErrNotConnected = stderrors.New("not connected to NATS")
	ErrCircuitOpen  = stderrors.New("circuit breaker is open")
)

// Status holds runtime status information for the client
type Status struct {
	Status          ConnectionStatus `json:"status"`
	FailureCount    int32            `json:"failure_count"`
	LastFailureTime time.Time        `json:"last_failure_time,omitempty"`
	Reconnects      int32            `json:"reconnects"`
	RTT             time.Duration    `json:"rtt"`
}

// Client manages a NATS connection with a circuit breaker
type Client struct {
	url      string
	status   atomic.Value // ConnectionStatus
	failures atomic.Int32
	logger   Logger
	metrics  *metric.Metrics

	conn *nats.Conn
	js   jetstream.JetStream
	subs []*nats.Subscription

	lastFailure      atomic.Value // time.Time
	backoff          atomic.Value // time.Duration
	circuitFailures  atomic.Int32
	circuitThreshold int32
	maxBackoff       time.Duration
	reconnects       atomic.Int32

	maxReconnects int
	reconnectWait time.Duration
	pingInterval  time.Duration
	timeout       time.Duration
	drainTimeout  time.Duration

	username string
	password string
	token    string

	clientName string

	onDisconnect   func(error)
	onReconnect    func()
	onHealthChange func(bool)

	mu      sync.RWMutex
	closeMu sync.Mutex
	closed  atomic.Bool
}

// NewClient creates a new NATS client with optional configuration
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		url:              url,
		logger:           &defaultLogger{},
		maxReconnects:    -1,
		reconnectWait:    2 * time.Second,
		pingInterval:     30 * time.Second,
		circuitThreshold: 5,
		maxBackoff:       time.Minute,
		timeout:          5 * time.Second,
		drainTimeout:     30 * time.Second,
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}

	c.status.Store(StatusDisconnected)
	c.backoff.Store(time.Second)
	c.lastFailure.Store(time.Time{})

	return c, nil
}

// URL returns the NATS server URL
func (m *Client) URL() string {
	return m.url
}

// Status returns the current connection status
func (m *Client) Status() ConnectionStatus {
	val := m.status.Load()
	if val == nil {
		return StatusDisconnected
	}
	return val.(ConnectionStatus)
}

// GetConnection returns the current NATS connection
func (m *Client) GetConnection() *nats.Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conn
}

func (m *Client) setStatus(status ConnectionStatus) {
	m.status.Store(status)
	m.metrics.RecordNATSStatus(status == StatusConnected)
	if status == StatusCircuitOpen {
		m.metrics.RecordCircuitBreakerState(1)
	}
}

// IsHealthy returns true if the connection is healthy
func (m *Client) IsHealthy() bool {
	return m.Status() == StatusConnected
}

// Failures returns the current failure count
func (m *Client) Failures() int32 {
	return m.failures.Load()
}

// Backoff returns the current circuit breaker backoff
func (m *Client) Backoff() time.Duration {
	return m.backoff.Load().(time.Duration)
}

func (m *Client) recordFailure() {
	m.failures.Add(1)
	m.lastFailure.Store(time.Now())

	circuitFailures := m.circuitFailures.Add(1)
	if circuitFailures < m.circuitThreshold {
		return
	}

	currentBackoff := m.Backoff()
	newBackoff := currentBackoff * 2
	if newBackoff > m.maxBackoff {
		newBackoff = m.maxBackoff
	}

	currentStatus := m.Status()
	if currentStatus == StatusCircuitOpen {
		m.backoff.Store(newBackoff)
		m.circuitFailures.Store(0)
		m.logger.Printf("Circuit breaker still open, backoff now %v", newBackoff)
		return
	}

	if m.status.CompareAndSwap(currentStatus, StatusCircuitOpen) {
		m.metrics.RecordCircuitBreakerState(1)
		m.backoff.Store(newBackoff)
		m.circuitFailures.Store(0)
		m.logger.Printf("Circuit breaker opened after %d failures, backing off for %v",
			circuitFailures, currentBackoff)
		time.AfterFunc(currentBackoff, m.halfOpen)
	}
}

func (m *Client) resetCircuit() {
	m.failures.Store(0)
	m.circuitFailures.Store(0)
	m.backoff.Store(time.Second)
	m.lastFailure.Store(time.Time{})
	m.metrics.RecordCircuitBreakerState(0)

	if m.Status() == StatusCircuitOpen {
		m.setStatus(StatusDisconnected)
	}
}

// halfOpen lets the next Connect through after the backoff elapsed
func (m *Client) halfOpen() {
	if m.status.CompareAndSwap(StatusCircuitOpen, StatusDisconnected) {
		m.metrics.RecordCircuitBreakerState(2)
		m.logger.Debugf("Circuit breaker half-open, next connect attempt allowed")
	}
}

// WaitForConnection waits for the connection to be established
func (m *Client) WaitForConnection(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if m.IsHealthy() {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.WrapTransient(ctx.Err(), "Client", "WaitForConnection", "wait for connection")
		case <-ticker.C:
		}
	}
}

func (m *Client) buildConnectionOptions() []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(m.maxReconnects),
		nats.ReconnectWait(m.reconnectWait),
		nats.PingInterval(m.pingInterval),
		nats.Timeout(m.timeout),
		nats.DrainTimeout(m.drainTimeout),
		nats.RetryOnFailedConnect(false),
		nats.DisconnectErrHandler(m.handleDisconnect),
		nats.ReconnectHandler(m.handleReconnect),
		nats.ClosedHandler(m.handleClosed),
		nats.ErrorHandler(m.handleError),
	}

	if m.username != "" && m.password != "" {
		opts = append(opts, nats.UserInfo(m.username, m.password))
	}
	if m.token != "" {
		opts = append(opts, nats.Token(m.token))
	}
	if m.clientName != "" {
		opts = append(opts, nats.Name(m.clientName))
	}

	return opts
}

// GetStatus returns current status information
func (m *Client) GetStatus() *Status {
	status := &Status{
		Status:          m.Status(),
		FailureCount:    m.failures.Load(),
		LastFailureTime: m.lastFailure.Load().(time.Time),
		Reconnects:      m.reconnects.Load(),
	}

	if rtt, err := m.RTT(); err == nil {
		status.RTT = rtt
	}

	return status
}

// Connect establishes the connection to the NATS server
func (m *Client) Connect(ctx context.Context) error {
	if m.closed.Load() {
		return errors.WrapFatal(errors.ErrClosed, "Client", "Connect", "connect closed client")
	}
	if m.Status() == StatusCircuitOpen {
		return ErrCircuitOpen
	}

	m.setStatus(StatusConnecting)
	m.logger.Printf("Connecting to NATS at %s", m.url)

	opts := m.buildConnectionOptions()

	type result struct {
		conn *nats.Conn
		err  error
	}
	connectDone := make(chan result, 1)
	go func() {
		conn, err := nats.Connect(m.url, opts...)
		connectDone <- result{conn, err}
	}()

	select {
	case r := <-connectDone:
		if r.err != nil {
			m.recordFailure()
			if m.Status() == StatusCircuitOpen {
				return ErrCircuitOpen
			}
			m.setStatus(StatusDisconnected)
			return errors.WrapTransient(r.err, "Client", "Connect", "establish connection")
		}

		js, err := jetstream.New(r.conn)
		m.mu.Lock()
		m.conn = r.conn
		if err == nil {
			m.js = js
		}
		m.mu.Unlock()
	case <-ctx.Done():
		m.recordFailure()
		if m.Status() != StatusCircuitOpen {
			m.setStatus(StatusDisconnected)
		}
		// A late connection from the abandoned dial is closed when it lands.
		go func() {
			if r := <-connectDone; r.conn != nil {
				r.conn.Close()
			}
		}()
		return errors.WrapTransient(ctx.Err(), "Client", "Connect", "connection cancelled")
	}

	m.setStatus(StatusConnected)
	m.resetCircuit()
	m.logger.Printf("Connected to NATS at %s", m.url)

	m.mu.RLock()
	onHealthChange := m.onHealthChange
	m.mu.RUnlock()
	if onHealthChange != nil {
		onHealthChange(true)
	}

	return nil
}

// Close unsubscribes everything, drains and closes the connection
func (m *Client) Close(ctx context.Context) error {
	m.closeMu.Lock()
	defer m.closeMu.Unlock()

	if m.closed.Swap(true) {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error

	for _, sub := range m.subs {
		if !sub.IsValid() {
			continue
		}
		if err := sub.Unsubscribe(); err != nil {
			errs = append(errs, errors.Wrap(err, "Client", "Close", "unsubscribe"))
		}
	}
	m.subs = nil

	if m.conn != nil {
		drainTimeout := m.drainTimeout
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining > 0 && remaining < drainTimeout {
				drainTimeout = remaining
			}
		}

		conn := m.conn
		drainDone := make(chan error, 1)
		go func() {
			drainDone <- conn.Drain()
		}()

		select {
		case err := <-drainDone:
			if err != nil && !stderrors.Is(err, nats.ErrConnectionClosed) {
				errs = append(errs, errors.Wrap(err, "Client", "Close", "drain connection"))
			}
		case <-time.After(drainTimeout):
			errs = append(errs, errors.WrapTransient(
				fmt.Errorf("drain timeout after %v", drainTimeout), "Client", "Close", "drain"))
		case <-ctx.Done():
			errs = append(errs, errors.Wrap(ctx.Err(), "Client", "Close", "drain"))
		}

		conn.Close()
		m.conn = nil
		m.js = nil
	}

	m.username = ""
	m.password = ""
	m.token = ""

	m.setStatus(StatusDisconnected)

	return stderrors.Join(errs...)
}

// RTT returns the round-trip time to the NATS server
func (m *Client) RTT() (time.Duration, error) {
	conn := m.GetConnection()
	if conn == nil || !conn.IsConnected() {
		return 0, ErrNotConnected
	}
	return conn.RTT()
}

// liveConn returns the connection if it can currently carry traffic. While
// the underlying connection is reconnecting, publishes are buffered by the
// NATS client, so a reconnecting connection counts as live.
func (m *Client) liveConn() (*nats.Conn, error) {
	conn := m.GetConnection()
	if conn == nil || conn.IsClosed() {
		return nil, ErrNotConnected
	}
	return conn, nil
}

// Subscribe registers handler for subject. The subscription is tracked and
// removed when the client closes; callers may Unsubscribe it earlier.
func (m *Client) Subscribe(subject string, handler nats.MsgHandler) (*nats.Subscription, error) {
	conn, err := m.liveConn()
	if err != nil {
		return nil, err
	}

	sub, err := conn.Subscribe(subject, handler)
	if err != nil {
		return nil, errors.WrapTransient(err, "Client", "Subscribe", fmt.Sprintf("subscribe %s", subject))
	}

	m.mu.Lock()
	m.subs = append(m.subs, sub)
	m.mu.Unlock()
	return sub, nil
}

// Unsubscribe removes a subscription created by Subscribe
func (m *Client) Unsubscribe(sub *nats.Subscription) error {
	if sub == nil {
		return nil
	}

	m.mu.Lock()
	for i, s := range m.subs {
		if s == sub {
			m.subs = append(m.subs[:i], m.subs[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	if !sub.IsValid() {
		return nil
	}
	if err := sub.Unsubscribe(); err != nil && !stderrors.Is(err, nats.ErrConnectionClosed) {
		return errors.Wrap(err, "Client", "Unsubscribe", fmt.Sprintf("unsubscribe %s", sub.Subject))
	}
	return nil
}

// Publish publishes data to subject
func (m *Client) Publish(_ context.Context, subject string, data []byte) error {
	conn, err := m.liveConn()
	if err != nil {
		return err
	}
	if err := conn.Publish(subject, data); err != nil {
		return errors.WrapTransient(err, "Client", "Publish", fmt.Sprintf("publish %s", subject))
	}
	return nil
}

// PublishMsg publishes a message with headers
func (m *Client) PublishMsg(_ context.Context, msg *nats.Msg) error {
	conn, err := m.liveConn()
	if err != nil {
		return err
	}
	if err := conn.PublishMsg(msg); err != nil {
		return errors.WrapTransient(err, "Client", "PublishMsg", fmt.Sprintf("publish %s", msg.Subject))
	}
	return nil
}

// RequestMany publishes data on subject with a private reply inbox and
// hands every reply to collect until ctx ends or collect returns false.
// Running out of time is the normal end of a gather, not an error.
func (m *Client) RequestMany(ctx context.Context, subject string, data []byte, collect func(*nats.Msg) bool) error {
	conn, err := m.liveConn()
	if err != nil {
		return err
	}

	inbox := nats.NewInbox()
	replies := make(chan *nats.Msg, 64)
	sub, err := conn.ChanSubscribe(inbox, replies)
	if err != nil {
		return errors.WrapTransient(err, "Client", "RequestMany", "subscribe reply inbox")
	}
	defer func() { _ = sub.Unsubscribe() }()

	if err := conn.PublishRequest(subject, inbox, data); err != nil {
		return errors.WrapTransient(err, "Client", "RequestMany", fmt.Sprintf("publish %s", subject))
	}
	if _, ok := ctx.Deadline(); ok {
		err = conn.FlushWithContext(ctx)
	} else {
		err = conn.Flush()
	}
	if err != nil && ctx.Err() == nil {
		return errors.WrapTransient(err, "Client", "RequestMany", "flush request")
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-replies:
			if !collect(msg) {
				return nil
			}
		}
	}
}

// JetStream returns the JetStream context
func (m *Client) JetStream() (jetstream.JetStream, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.js == nil {
		return nil, errors.WrapTransient(
			fmt.Errorf("JetStream not initialized"),
			"Client", "JetStream", "get JetStream context")
	}
	return m.js, nil
}

func (m *Client) ready() (jetstream.JetStream, error) {
	if m.Status() == StatusCircuitOpen {
		return nil, ErrCircuitOpen
	}
	if m.Status() != StatusConnected {
		return nil, ErrNotConnected
	}
	return m.JetStream()
}

// CreateKeyValueBucket creates a KV bucket, or returns it if it exists
func (m *Client) CreateKeyValueBucket(ctx context.Context, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error) {
	js, err := m.ready()
	if err != nil {
		return nil, err
	}

	if bucket, err := js.KeyValue(ctx, cfg.Bucket); err == nil {
		return bucket, nil
	}

	bucket, err := js.CreateKeyValue(ctx, cfg)
	if err != nil {
		if !isAlreadyExistsError(err) {
			return nil, errors.WrapTransient(err, "Client", "CreateKeyValueBucket",
				fmt.Sprintf("create bucket %s", cfg.Bucket))
		}
		// Lost a creation race; the winner's bucket is as good as ours.
		bucket, err = js.KeyValue(ctx, cfg.Bucket)
		if err != nil {
			return nil, errors.Wrap(err, "Client", "CreateKeyValueBucket",
				fmt.Sprintf("access existing bucket %s", cfg.Bucket))
		}
		return bucket, nil
	}

	m.logger.Printf("Created KV bucket %s", cfg.Bucket)
	return bucket, nil
}

// GetKeyValueBucket gets an existing KV bucket
func (m *Client) GetKeyValueBucket(ctx context.Context, name string) (jetstream.KeyValue, error) {
	js, err := m.ready()
	if err != nil {
		return nil, err
	}

	bucket, err := js.KeyValue(ctx, name)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrBucketNotFound) {
			return nil, errors.WrapInvalid(errors.ErrBucketNotFound, "Client", "GetKeyValueBucket",
				fmt.Sprintf("open bucket %s", name))
		}
		return nil, errors.WrapTransient(err, "Client", "GetKeyValueBucket", fmt.Sprintf("open bucket %s", name))
	}
	return bucket, nil
}

// DeleteKeyValueBucket deletes a KV bucket
func (m *Client) DeleteKeyValueBucket(ctx context.Context, name string) error {
	js, err := m.ready()
	if err != nil {
		return err
	}
	if err := js.DeleteKeyValue(ctx, name); err != nil {
		return errors.Wrap(err, "Client", "DeleteKeyValueBucket", fmt.Sprintf("delete bucket %s", name))
	}
	return nil
}

func (m *Client) handleDisconnect(_ *nats.Conn, err error) {
	if m.closed.Load() {
		return
	}
	m.setStatus(StatusReconnecting)
	if err != nil {
		m.logger.Errorf("Disconnected from NATS: %v", err)
	}

	m.mu.RLock()
	onDisconnect := m.onDisconnect
	onHealthChange := m.onHealthChange
	m.mu.RUnlock()

	if onDisconnect != nil {
		go onDisconnect(err)
	}
	if onHealthChange != nil {
		go onHealthChange(false)
	}
}

func (m *Client) handleReconnect(conn *nats.Conn) {
	m.setStatus(StatusConnected)
	m.resetCircuit()
	m.reconnects.Add(1)
	m.metrics.RecordNATSReconnect()
	m.logger.Printf("Reconnected to NATS at %s", conn.ConnectedUrlRedacted())

	m.mu.RLock()
	onReconnect := m.onReconnect
	onHealthChange := m.onHealthChange
	m.mu.RUnlock()

	if onReconnect != nil {
		go onReconnect()
	}
	if onHealthChange != nil {
		go onHealthChange(true)
	}
}

func (m *Client) handleClosed(_ *nats.Conn) {
	m.setStatus(StatusDisconnected)

	m.mu.RLock()
	onHealthChange := m.onHealthChange
	m.mu.RUnlock()

	if onHealthChange != nil && !m.closed.Load() {
		go onHealthChange(false)
	}
}

func (m *Client) handleError(_ *nats.Conn, sub *nats.Subscription, err error) {
	if sub != nil {
		m.logger.Errorf("NATS error on %s: %v", sub.Subject, err)
		return
	}
	m.logger.Errorf("NATS error: %v", err)
}

func isAlreadyExistsError(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, jetstream.ErrBucketExists) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "already in use") || strings.Contains(errStr, "already exists")
}
