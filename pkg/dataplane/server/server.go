// Package server implements the data plane's request dispatch: accepted
// connections are handed to net/http/httputil.ReverseProxy, which is
// used deliberately instead of a dedicated WebSocket library so that a
// client's own upgrade handshake is relayed to the upstream byte for
// byte, rather than terminated and re-originated by this process.
package server

import (
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"net/http/httputil"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/meshrelay/gateway/pkg/apis/config"
	apierrors "github.com/meshrelay/gateway/pkg/apis/errors"
	"github.com/meshrelay/gateway/pkg/dataplane/listener"
	"github.com/meshrelay/gateway/pkg/dataplane/reconciler"
	"github.com/meshrelay/gateway/pkg/metrics"
)

// Server accepts connections handed to it by a listener.Manager and
// forwards them to the upstream target chosen by the currently-active
// reconciler state.
type Server struct {
	reconciler *reconciler.Reconciler
	listeners  *listener.Manager

	mu     sync.Mutex
	byPort map[int]*portServer

	logger *logrus.Entry
}

type portServer struct {
	tlsEnabled bool
	chanLn     *chanListener
	httpServer *http.Server
}

// New constructs a Server dispatching against rec's active state and
// accepting connections handed to it by listeners.
func New(rec *reconciler.Reconciler, listeners *listener.Manager) *Server {
	return &Server{
		reconciler: rec,
		listeners:  listeners,
		byPort:     make(map[int]*portServer),
		logger:     logrus.WithField("component", "dataplane.server"),
	}
}

// Activate implements reconciler.Dispatcher: it ensures an HTTP server is
// running for l.Port, creating one on first use. Certificate rotation on
// an already-running HTTPS port is handled by the TLS resolver's
// hot-swap, not by recreating the server.
func (s *Server) Activate(l config.Listener, tlsConfig *tls.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wantTLS := tlsConfig != nil
	if existing, ok := s.byPort[l.Port]; ok && existing.tlsEnabled == wantTLS {
		return nil
	} else if ok {
		s.teardown(existing)
		delete(s.byPort, l.Port)
	}

	chanLn := newChanListener()
	httpServer := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.handle(l.Port, w, r)
	})}

	var serveLn net.Listener = chanLn
	if wantTLS {
		serveLn = tls.NewListener(chanLn, tlsConfig)
	}

	go func() {
		if err := httpServer.Serve(serveLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.WithError(err).WithField("port", l.Port).Warn("port server stopped")
		}
	}()

	s.byPort[l.Port] = &portServer{tlsEnabled: wantTLS, chanLn: chanLn, httpServer: httpServer}

	if err := s.listeners.Activate(l.Port, s.connHandler(l.Port)); err != nil {
		return err
	}
	return nil
}

// Park implements reconciler.Dispatcher: it tears down the HTTP server
// for port, if one is running, and parks the underlying listener.
func (s *Server) Park(port int) error {
	s.mu.Lock()
	ps, ok := s.byPort[port]
	if ok {
		delete(s.byPort, port)
	}
	s.mu.Unlock()

	if ok {
		s.teardown(ps)
	}
	return s.listeners.Park(port)
}

func (s *Server) teardown(ps *portServer) {
	_ = ps.httpServer.Close()
}

// connHandler returns the listener.Handler Server hands accepted
// connections to for dispatch into the per-port HTTP server.
func (s *Server) connHandler(port int) listener.Handler {
	return connHandlerFunc(func(conn net.Conn) {
		s.mu.Lock()
		ps, ok := s.byPort[port]
		s.mu.Unlock()
		if !ok {
			_ = conn.Close()
			return
		}
		ps.chanLn.hand(conn)
	})
}

type connHandlerFunc func(net.Conn)

func (f connHandlerFunc) ServeConn(conn net.Conn) { f(conn) }

func (s *Server) handle(port int, w http.ResponseWriter, r *http.Request) {
	state := s.reconciler.Active()
	ls, ok := state.ByPort[port]
	if !ok {
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}

	isUpgrade := isWebSocketUpgrade(r)
	entry, matched := ls.Table.Match(r, isUpgrade)
	if !matched {
		metrics.RouteUnmatchedTotal.WithLabelValues(strconv.Itoa(port)).Inc()
		http.NotFound(w, r)
		return
	}
	metrics.RouteMatchTotal.WithLabelValues(strconv.Itoa(port)).Inc()

	pool := ls.Pools[entry.UpstreamPoolID]
	if pool == nil {
		metrics.DispatchOutcomeTotal.WithLabelValues("no_pool").Inc()
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}

	selection, err := pool.Select()
	if err != nil {
		metrics.DispatchOutcomeTotal.WithLabelValues("no_healthy_target").Inc()
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	defer selection.Release()

	failed := false
	proxy := &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			req.URL.Scheme = "http"
			req.URL.Host = selection.Target.Address
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			failed = true
			metrics.DispatchOutcomeTotal.WithLabelValues("upstream_error").Inc()
			s.logger.WithError(&apierrors.UpstreamError{Target: selection.Target.Address, Err: err}).
				Debug("upstream dispatch failed")
			http.Error(w, "bad gateway", http.StatusBadGateway)
		},
	}
	proxy.ServeHTTP(w, r)
	if !failed {
		metrics.DispatchOutcomeTotal.WithLabelValues("ok").Inc()
	}
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

// chanListener adapts connections accepted by a listener.Manager into a
// net.Listener that http.Server can Serve against.
type chanListener struct {
	conns  chan net.Conn
	closed chan struct{}
	once   sync.Once
}

func newChanListener() *chanListener {
	return &chanListener{
		conns:  make(chan net.Conn, 64),
		closed: make(chan struct{}),
	}
}

func (c *chanListener) hand(conn net.Conn) {
	select {
	case c.conns <- conn:
	case <-c.closed:
		_ = conn.Close()
	}
}

func (c *chanListener) Accept() (net.Conn, error) {
	select {
	case conn := <-c.conns:
		return conn, nil
	case <-c.closed:
		return nil, net.ErrClosed
	}
}

func (c *chanListener) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *chanListener) Addr() net.Addr { return chanAddr{} }

type chanAddr struct{}

func (chanAddr) Network() string { return "chan" }
func (chanAddr) String() string  { return "chan" }
