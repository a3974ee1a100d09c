// Package listener manages the data plane's pre-bound range of TCP
// listeners. Ports inside the configured range are bound once, at
// startup, and stay bound for the process lifetime; reconciliation only
// ever flips a port between "parked" (accepts and immediately closes) and
// "active" (dispatches to a handler), so adding or removing a listener
// from a published snapshot never drops an in-flight connection on any
// other port, and never requires a bind/unbind syscall.
package listener

import (
	"errors"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	apierrors "github.com/meshrelay/gateway/pkg/apis/errors"
	"github.com/meshrelay/gateway/pkg/util/envconfig"
)

// Range is an inclusive, independently-disableable port interval to
// pre-bind. A zero-value Range ({0,0}) means "pre-binding disabled".
type Range struct {
	Low, High int
}

// ParseRange parses an inclusive "low-high" port range such as
// "10000-19999". An empty string disables pre-binding and returns the
// zero Range.
func ParseRange(s string) (Range, error) {
	low, high, err := envconfig.ParsePortRange(s)
	if err != nil {
		return Range{}, err
	}
	return Range{Low: low, High: high}, nil
}

func (r Range) enabled() bool {
	return r.Low > 0 && r.High > 0
}

func (r Range) contains(port int) bool {
	return r.enabled() && port >= r.Low && port <= r.High
}

// Handler dispatches one accepted connection. Implementations must not
// block the caller beyond handing the connection off.
type Handler interface {
	ServeConn(conn net.Conn)
}

type portState struct {
	port     int
	ln       net.Listener
	handler  atomic.Pointer[Handler]
	stopOnce sync.Once
	done     chan struct{}
}

func (p *portState) active() bool {
	return p.handler.Load() != nil
}

// Manager owns a fixed set of pre-bound ports, one or more disjoint
// ranges (typically one for HTTP listeners, one for HTTPS), and tracks
// which are currently "active" (serving a handler) versus "parked"
// (bound but draining connections immediately). A disabled Range
// (zero-value) is skipped entirely, so pre-binding can be turned off
// independently per range.
type Manager struct {
	ranges []Range

	mu    sync.RWMutex
	ports map[int]*portState

	logger *logrus.Entry
}

// New constructs a Manager over ranges. No ports are bound until Bind is
// called.
func New(ranges ...Range) *Manager {
	return &Manager{
		ranges: ranges,
		ports:  make(map[int]*portState),
		logger: logrus.WithField("component", "dataplane.listener"),
	}
}

// InRange reports whether port falls inside any configured, enabled
// pre-bound range.
func (m *Manager) InRange(port int) bool {
	for _, r := range m.ranges {
		if r.contains(port) {
			return true
		}
	}
	return false
}

// Bind pre-binds every port in every enabled configured range, parked.
// It must be called once before any call to Activate.
func (m *Manager) Bind() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.ranges {
		if !r.enabled() {
			continue
		}
		for port := r.Low; port <= r.High; port++ {
			ln, err := net.Listen("tcp", addrForPort(port))
			if err != nil {
				return &apierrors.ListenerBindError{Port: port, Err: err}
			}

			ps := &portState{port: port, ln: ln, done: make(chan struct{})}
			m.ports[port] = ps
			go m.acceptLoop(ps)
		}
		m.logger.WithFields(logrus.Fields{"low": r.Low, "high": r.High}).Info("bound pre-allocated listener range")
	}

	return nil
}

func addrForPort(port int) string {
	return net.JoinHostPort("", strconv.Itoa(port))
}

func (m *Manager) acceptLoop(ps *portState) {
	for {
		conn, err := ps.ln.Accept()
		if err != nil {
			select {
			case <-ps.done:
				return
			default:
				m.logger.WithError(err).WithField("port", ps.port).Warn("accept error")
				return
			}
		}

		h := ps.handler.Load()
		if h == nil {
			// Parked: no route currently targets this port.
			_ = conn.Close()
			continue
		}
		go (*h).ServeConn(conn)
	}
}

// Activate installs handler on port, bringing it out of the parked state.
// Calling Activate on an out-of-range port binds it on demand (outside
// the pre-allocated range, used only for listeners explicitly configured
// beyond it).
func (m *Manager) Activate(port int, handler Handler) error {
	m.mu.Lock()
	ps, ok := m.ports[port]
	if !ok {
		ln, err := net.Listen("tcp", addrForPort(port))
		if err != nil {
			m.mu.Unlock()
			return &apierrors.ListenerBindError{Port: port, Err: err}
		}
		ps = &portState{port: port, ln: ln, done: make(chan struct{})}
		m.ports[port] = ps
		go m.acceptLoop(ps)
	}
	m.mu.Unlock()

	ps.handler.Store(&handler)
	m.logger.WithField("port", port).Info("listener activated")
	return nil
}

// Park removes the handler from port, returning it to the parked state.
// If the port lies outside the pre-bound range, it is closed entirely
// instead (it was opened on demand by Activate).
func (m *Manager) Park(port int) error {
	m.mu.Lock()
	ps, ok := m.ports[port]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	inRange := m.InRange(port)
	if !inRange {
		delete(m.ports, port)
	}
	m.mu.Unlock()

	if !inRange {
		return m.closePort(ps)
	}

	ps.handler.Store(nil)
	m.logger.WithField("port", port).Info("listener parked")
	return nil
}

func (m *Manager) closePort(ps *portState) error {
	ps.stopOnce.Do(func() {
		close(ps.done)
		_ = ps.ln.Close()
	})
	return nil
}

// Active reports whether port currently has a handler installed.
func (m *Manager) Active(port int) bool {
	m.mu.RLock()
	ps, ok := m.ports[port]
	m.mu.RUnlock()
	return ok && ps.active()
}

// Close stops every listener, in-range and out-of-range alike.
func (m *Manager) Close() error {
	m.mu.Lock()
	ports := make([]*portState, 0, len(m.ports))
	for _, ps := range m.ports {
		ports = append(ports, ps)
	}
	m.ports = make(map[int]*portState)
	m.mu.Unlock()

	var errs []error
	for _, ps := range ports {
		if err := m.closePort(ps); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
