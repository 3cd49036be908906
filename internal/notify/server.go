// Package notify implements the HTTP endpoint that receives GENA NOTIFY
// callbacks from devices.
//
// A device that accepted a subscription sends each change as
//
//	NOTIFY /sub/basicevent HTTP/1.1
//	SID: uuid:...
//	SEQ: 3
//	NT: upnp:event
//	NTS: upnp:propchange
//
//	<e:propertyset xmlns:e="urn:schemas-upnp-org:event-1-0">...</e:propertyset>
//
// The server resolves the SID to a subscription, parses the body and hands
// the update to the dispatcher. Status codes are the only signal the device
// sees:
//
//	200  parsed and queued (also when no listener matched)
//	400  body too large or not a propertyset
//	404  missing or unknown SID
//	503  dispatcher queue full or shutting down
//
// The server follows the same lifecycle pattern as other components:
//
//	srv := notify.New(cfg, store, dispatcher)
//	srv.Start(ctx)
//	defer srv.Close()
package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-eventhub/internal/device"
	"github.com/nerrad567/gray-logic-eventhub/internal/dispatch"
	"github.com/nerrad567/gray-logic-eventhub/internal/propertyset"
	"github.com/nerrad567/gray-logic-eventhub/internal/subscription"
)

// MethodNotify is the GENA event delivery method.
const MethodNotify = "NOTIFY"

// Default server settings.
const (
	DefaultPathPrefix     = "/sub"
	DefaultMaxBodyBytes   = 64 << 10
	DefaultHandlerTimeout = 5 * time.Second
	DefaultShutdownGrace  = 10 * time.Second
	DefaultReadTimeout    = 10 * time.Second
	DefaultWriteTimeout   = 10 * time.Second
	DefaultIdleTimeout    = 60 * time.Second
)

func init() {
	chi.RegisterMethod(MethodNotify)
}

// Logger defines the logging interface used by the Server.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Resolver maps a SID to its subscription.
type Resolver interface {
	Resolve(sid string) (subscription.Entry, error)
}

// Dispatcher accepts parsed updates.
type Dispatcher interface {
	Dispatch(ctx context.Context, dev device.Device, update propertyset.Update) error
}

// Config holds the listener settings.
type Config struct {
	Host string
	// Port 0 picks an ephemeral port; see Server.Port.
	Port int

	PathPrefix     string
	MaxBodyBytes   int64
	HandlerTimeout time.Duration
	ShutdownGrace  time.Duration

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.PathPrefix == "" {
		c.PathPrefix = DefaultPathPrefix
	}
	c.PathPrefix = "/" + strings.Trim(c.PathPrefix, "/")
	if c.PathPrefix == "/" {
		c.PathPrefix = ""
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = DefaultHandlerTimeout
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = DefaultShutdownGrace
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	return c
}

// Stats holds request counters.
type Stats struct {
	Received    uint64 `json:"received"`
	Accepted    uint64 `json:"accepted"`
	NotFound    uint64 `json:"not_found"`
	BadRequest  uint64 `json:"bad_request"`
	Unavailable uint64 `json:"unavailable"`
}

// Server receives NOTIFY callbacks.
type Server struct {
	cfg        Config
	resolver   Resolver
	dispatcher Dispatcher
	logger     Logger

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	port     int

	received    atomic.Uint64
	accepted    atomic.Uint64
	notFound    atomic.Uint64
	badRequest  atomic.Uint64
	unavailable atomic.Uint64
}

// New creates a NOTIFY server. It does not listen until Start.
func New(cfg Config, resolver Resolver, dispatcher Dispatcher) *Server {
	return &Server{
		cfg:        cfg.withDefaults(),
		resolver:   resolver,
		dispatcher: dispatcher,
		logger:     noopLogger{},
	}
}

// SetLogger sets the logger for the server.
func (s *Server) SetLogger(logger Logger) {
	s.logger = logger
}

// PathPrefix returns the normalised callback path prefix.
func (s *Server) PathPrefix() string {
	return s.cfg.PathPrefix
}

// Start binds the listener and serves in the background.
//
// Parameters:
//   - ctx: Unused for the listener lifetime; Close stops the server
//
// Returns:
//   - error: If the address cannot be bound or the server is already started
func (s *Server) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return errors.New("notify: server already started")
	}

	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("notify: listening on %s: %w", addr, err)
	}

	s.listener = ln
	if tcp, ok := ln.Addr().(*net.TCPAddr); ok {
		s.port = tcp.Port
	}
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
	}

	srv := s.server
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("notify server error", "error", err)
		}
	}()

	s.logger.Info("notify server listening", "address", ln.Addr().String(), "path_prefix", s.cfg.PathPrefix)
	return nil
}

// Port returns the bound port, or 0 before Start.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// Close stops accepting connections and waits up to the shutdown grace
// period for in-flight requests, then closes the rest.
func (s *Server) Close() error {
	s.mu.Lock()
	srv := s.server
	s.server = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace)
	defer cancel()

	s.logger.Info("notify server shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		_ = srv.Close()
		return fmt.Errorf("shutting down notify server: %w", err)
	}
	return nil
}

// Stats returns the request counters.
func (s *Server) Stats() Stats {
	return Stats{
		Received:    s.received.Load(),
		Accepted:    s.accepted.Load(),
		NotFound:    s.notFound.Load(),
		BadRequest:  s.badRequest.Load(),
		Unavailable: s.unavailable.Load(),
	}
}

// Handler returns the router serving NOTIFY requests.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)

	r.Method(MethodNotify, s.cfg.PathPrefix+"/{service}", http.HandlerFunc(s.handleNotify))
	return r
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	s.received.Add(1)

	sid := strings.TrimSpace(r.Header.Get("SID"))
	if sid == "" {
		s.reject(w, r, http.StatusNotFound, "missing SID header", nil)
		return
	}

	entry, err := s.resolver.Resolve(sid)
	if err != nil {
		s.reject(w, r, http.StatusNotFound, "unknown subscription", err)
		return
	}

	if service := chi.URLParam(r, "service"); service != entry.Service {
		s.logger.Debug("notify path does not match subscribed service",
			"device_id", entry.DeviceID,
			"path_service", service,
			"service", entry.Service,
		)
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		s.reject(w, r, http.StatusBadRequest, "reading body", err)
		return
	}

	update, err := propertyset.Parse(body)
	if err != nil {
		s.reject(w, r, http.StatusBadRequest, "malformed propertyset", err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HandlerTimeout)
	defer cancel()

	if err := s.dispatcher.Dispatch(dispatch.WithService(ctx, entry.Service), entry.Device, update); err != nil {
		s.reject(w, r, http.StatusServiceUnavailable, "dispatch refused update", err)
		return
	}

	s.accepted.Add(1)
	s.logger.Debug("notify accepted",
		"device_id", entry.DeviceID,
		"service", entry.Service,
		"seq", r.Header.Get("SEQ"),
		"properties", len(update),
	)
	w.WriteHeader(http.StatusOK)
}

// reject writes an empty-bodied error status. Payload bytes are never logged.
func (s *Server) reject(w http.ResponseWriter, r *http.Request, status int, reason string, err error) {
	switch status {
	case http.StatusNotFound:
		s.notFound.Add(1)
	case http.StatusBadRequest:
		s.badRequest.Add(1)
	case http.StatusServiceUnavailable:
		s.unavailable.Add(1)
	}

	args := []any{
		"status", status,
		"path", r.URL.Path,
		"remote", r.RemoteAddr,
		"request_id", r.Context().Value(ctxKeyRequestID),
	}
	if err != nil {
		args = append(args, "error", err)
	}
	if status == http.StatusServiceUnavailable {
		s.logger.Warn("notify rejected: "+reason, args...)
	} else {
		s.logger.Debug("notify rejected: "+reason, args...)
	}

	w.WriteHeader(status)
}
