package socket

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"time"

	"renki.org/internal/obs"
	"renki.org/internal/ticket"
)

const (
	defaultReadTimeout = time.Second

	bindAttempts = 5
	bindBackoff  = time.Second
)

// Server owns the listening socket and the set of live connection
// workers. One goroutine accepts; each accepted connection gets its own
// worker goroutine.
type Server struct {
	addr        string
	tlsConfig   *tls.Config
	readTimeout time.Duration
	handlers    map[MsgType]Handler

	registry *Registry
	stop     *Token
	listener net.Listener
	served   chan struct{}
}

// ServerOption configures the server.
type ServerOption func(*Server)

// WithTLSConfig enables server-side TLS wrapping of accepted connections.
func WithTLSConfig(cfg *tls.Config) ServerOption {
	return func(s *Server) { s.tlsConfig = cfg }
}

// WithReadTimeout overrides the per-poll read timeout. Shorter values make
// Stop faster at the cost of more wakeups.
func WithReadTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.readTimeout = d
		}
	}
}

// WithHandler registers or replaces the handler for one message type.
func WithHandler(t MsgType, h Handler) ServerOption {
	return func(s *Server) { s.handlers[t] = h }
}

// NewServer constructs a server bound to addr once Listen is called.
func NewServer(addr string, handlers map[MsgType]Handler, opts ...ServerOption) *Server {
	if handlers == nil {
		handlers = make(map[MsgType]Handler)
	}
	s := &Server{
		addr:        addr,
		readTimeout: defaultReadTimeout,
		handlers:    handlers,
		registry:    NewRegistry(),
		stop:        NewToken(),
		served:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Listen binds the listening socket, retrying with a fixed backoff so a
// fast restart does not fail while the OS is still releasing the port.
func (s *Server) Listen() error {
	var lastErr error
	for attempt := 0; attempt < bindAttempts; attempt++ {
		l, err := net.Listen("tcp", s.addr)
		if err == nil {
			s.listener = l
			obs.LogEvent("socket", "listening", map[string]any{"addr": l.Addr().String()})
			return nil
		}
		lastErr = err
		obs.LogEvent("socket", "bind failed, retrying", map[string]any{
			"addr": s.addr, "error": err.Error(),
		})
		select {
		case <-s.stop.Done():
			return lastErr
		case <-time.After(bindBackoff):
		}
	}
	return lastErr
}

// Addr returns the bound address. Only valid after Listen.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Serve runs the accept loop until Stop or a fatal listener error. Each
// iteration first reaps finished workers so the tracked set stays bounded.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		return errors.New("socket: Serve before Listen")
	}
	defer close(s.served)

	for {
		s.registry.Reap()

		raw, err := s.listener.Accept()
		if err != nil {
			if s.stop.Stopped() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			// Server failure is not silently swallowed: log, shut down,
			// and surface the error.
			obs.LogEvent("socket", "accept failed", map[string]any{"error": err.Error()})
			s.Stop()
			return err
		}
		if s.stop.Stopped() {
			_ = raw.Close()
			return nil
		}

		conn := raw
		if s.tlsConfig != nil {
			conn = tls.Server(raw, s.tlsConfig)
		}
		c := newConn(conn, s.handlers, s.readTimeout)
		s.track(c)
		go c.run(ctx)
	}
}

// track registers a worker, then re-checks the stop token: Stop may have
// taken its SignalAll snapshot between the accept loop's stop check and
// the Add, and a worker registered in that window would otherwise never
// be signalled while JoinAll waits on it.
func (s *Server) track(c *Conn) {
	s.registry.Add(c)
	if s.stop.Stopped() {
		c.stop.Stop()
	}
}

// Stop shuts the server down: mark stopped, signal every worker, join
// them in creation order, then close the listening socket. Signalling all
// before joining any bounds shutdown latency to roughly one poll interval.
func (s *Server) Stop() {
	if s.stop.Stopped() {
		return
	}
	s.stop.Stop()
	s.registry.SignalAll()
	s.registry.JoinAll()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	obs.LogEvent("socket", "stopped", nil)
}

// Connections returns the live tracked connections.
func (s *Server) Connections() []*Conn {
	return s.registry.Snapshot()
}

// WatchStream pushes every published ticket event to the authenticated
// connection claiming the ticket's server id. Runs until ctx ends.
func (s *Server) WatchStream(ctx context.Context, st *ticket.Stream) {
	ch := st.Subscribe(ctx)
	for evt := range ch {
		for _, c := range s.registry.Snapshot() {
			_, serverID, ok := c.Identity()
			if !ok || serverID != evt.Ticket.ServerID {
				continue
			}
			c.SendTicket(evt.Ticket)
		}
	}
}
