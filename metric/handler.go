package metric

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sidguru2/EEG-Neurofeedback-Ball-Game/errors"
)

// Server is the operational HTTP server: Prometheus metrics plus whatever
// handlers the process mounts with Handle before Start.
type Server struct {
	port     int
	path     string
	server   *http.Server
	listener net.Listener
	registry *MetricsRegistry
	routes   map[string]http.Handler
	stopped  bool
	mu       sync.Mutex
}

// NewServer creates a new metrics server with the provided registry.
// Port 0 selects 9090; a negative port binds an ephemeral port.
func NewServer(port int, path string, registry *MetricsRegistry) *Server {
	if path == "" {
		path = "/metrics"
	}
	if port == 0 {
		port = 9090
	}

	return &Server{
		port:     port,
		path:     path,
		registry: registry,
		routes:   make(map[string]http.Handler),
	}
}

// Handle mounts an additional handler. Must be called before Start.
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes[pattern] = handler
}

// Listen binds the listening socket without serving. Start calls it
// implicitly; calling it first lets the caller learn the bound address.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listenLocked()
}

func (s *Server) listenLocked() error {
	if s.listener != nil {
		return nil
	}
	addr := fmt.Sprintf(":%d", s.port)
	if s.port < 0 {
		addr = "127.0.0.1:0"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.WrapFatal(err, "Server", "Listen", fmt.Sprintf("bind %s", addr))
	}
	s.listener = ln
	return nil
}

// Start serves until Shutdown is called. It blocks, so callers run it in
// its own goroutine. Once Shutdown has run, Start returns nil immediately.
func (s *Server) Start() error {
	s.mu.Lock()

	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	if s.server != nil {
		s.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Server", "Start", "start metrics server")
	}
	if s.registry == nil {
		s.mu.Unlock()
		return errors.WrapFatal(fmt.Errorf("nil registry"), "Server", "Start", "metrics registry not provided")
	}
	if err := s.listenLocked(); err != nil {
		s.mu.Unlock()
		return err
	}

	mux := http.NewServeMux()
	mux.Handle(s.path, promhttp.HandlerFor(
		s.registry.PrometheusRegistry(),
		promhttp.HandlerOpts{EnableOpenMetrics: true},
	))
	for pattern, handler := range s.routes {
		mux.Handle(pattern, handler)
	}
	if _, ok := s.routes["/health"]; !ok {
		mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("OK"))
		})
	}

	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	server, ln := s.server, s.listener
	s.mu.Unlock()

	if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
		return errors.WrapFatal(err, "Server", "Start", fmt.Sprintf("serve on %s", ln.Addr()))
	}
	return nil
}

// Shutdown stops the server, waiting for in-flight requests until ctx ends
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	server, ln := s.server, s.listener
	s.server = nil
	s.listener = nil
	s.mu.Unlock()

	if server == nil {
		if ln != nil {
			_ = ln.Close()
		}
		return nil
	}
	if err := server.Shutdown(ctx); err != nil {
		return errors.WrapTransient(err, "Server", "Shutdown", "stop HTTP server")
	}
	return nil
}

// Addr returns the bound address, or the configured one before Listen
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return fmt.Sprintf(":%d", s.port)
}

// Address returns the metrics URL
func (s *Server) Address() string {
	addr := s.Addr()
	host, port, err := net.SplitHostPort(addr)
	if err != nil || host == "" || host == "::" {
		host = "localhost"
	}
	return fmt.Sprintf("http://%s%s", net.JoinHostPort(host, port), s.path)
}
