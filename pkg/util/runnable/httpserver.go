package runnable

import (
	"context"
	"net"
	"net/http"
	"time"
)

// gracefulStopTimeout bounds how long an HTTPServer waits for in-flight
// requests to drain during a graceful stop.
const gracefulStopTimeout = 15 * time.Second

// HTTPServer adapts a plain http.Handler into a Server manageable by a
// Manager alongside the process's other background tasks.
type HTTPServer struct {
	name       string
	httpServer *http.Server
	ln         net.Listener
}

// NewHTTPServer constructs an HTTPServer named name, serving handler.
func NewHTTPServer(name string, handler http.Handler) *HTTPServer {
	return &HTTPServer{
		name:       name,
		httpServer: &http.Server{Handler: handler},
	}
}

// Name implements Instance.
func (s *HTTPServer) Name() string { return s.name }

// Listen implements Server.
func (s *HTTPServer) Listen(address string) error {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	s.ln = ln
	return nil
}

// Start implements Instance: it serves on the bound listener and blocks
// until the server is stopped.
func (s *HTTPServer) Start() error {
	err := s.httpServer.Serve(s.ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop implements Instance: it closes the listener immediately.
func (s *HTTPServer) Stop() error {
	return s.httpServer.Close()
}

// GracefulStop implements Instance: it drains in-flight requests before
// closing the listener.
func (s *HTTPServer) GracefulStop() error {
	ctx, cancel := context.WithTimeout(context.Background(), gracefulStopTimeout)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// Close implements Server.
func (s *HTTPServer) Close() error {
	if s.ln == nil {
		return nil
	}
	return s.ln.Close()
}
