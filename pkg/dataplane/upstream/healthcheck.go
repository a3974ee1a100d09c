package upstream

import (
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/meshrelay/gateway/pkg/apis/config"
	"github.com/meshrelay/gateway/pkg/metrics"
)

const (
	defaultHealthCheckInterval = 10 * time.Second
	defaultHealthCheckTimeout  = 2 * time.Second
)

// HealthChecker runs one cooperative TCP-probe loop per pool, marking
// targets healthy or unhealthy as probes succeed or fail.
type HealthChecker struct {
	pool *Pool

	interval time.Duration
	timeout  time.Duration

	stop chan struct{}
	done chan struct{}

	logger *logrus.Entry
}

// NewHealthChecker constructs a checker for pool, using hc's interval and
// timeout when set, falling back to the process-wide defaults otherwise.
func NewHealthChecker(pool *Pool, hc *config.HealthCheck, defaultIntervalSec, defaultTimeoutMS int) *HealthChecker {
	interval := defaultHealthCheckInterval
	if defaultIntervalSec > 0 {
		interval = time.Duration(defaultIntervalSec) * time.Second
	}
	timeout := defaultHealthCheckTimeout
	if defaultTimeoutMS > 0 {
		timeout = time.Duration(defaultTimeoutMS) * time.Millisecond
	}
	if hc != nil {
		if hc.IntervalSec != nil {
			interval = time.Duration(*hc.IntervalSec) * time.Second
		}
		if hc.TimeoutMS != nil {
			timeout = time.Duration(*hc.TimeoutMS) * time.Millisecond
		}
	}

	return &HealthChecker{
		pool:     pool,
		interval: interval,
		timeout:  timeout,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		logger:   logrus.WithField("component", "dataplane.upstream.healthcheck"),
	}
}

// Run probes every target in the pool on each tick, until Stop is called.
func (h *HealthChecker) Run() {
	defer close(h.done)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.probeAll()
	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			h.probeAll()
		}
	}
}

func (h *HealthChecker) probeAll() {
	for _, t := range h.pool.Targets() {
		healthy := probeTCP(t.Address, h.timeout)
		transitioned := h.pool.MarkHealth(t.ID, healthy)
		if transitioned {
			metrics.UpstreamHealthTransitionsTotal.WithLabelValues(h.pool.id.String(), boolLabel(healthy)).Inc()
			h.logger.WithFields(logrus.Fields{
				"target":  t.Address,
				"healthy": healthy,
			}).Info("upstream target health transitioned")
		}
	}
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func probeTCP(address string, timeout time.Duration) bool {
	conn, err := net.DialTimeout("tcp", address, timeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// Stop signals Run to return and waits for it to do so.
func (h *HealthChecker) Stop() {
	close(h.stop)
	<-h.done
}
