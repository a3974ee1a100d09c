package upstream

import (
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshrelay/gateway/pkg/apis/config"
	"github.com/meshrelay/gateway/pkg/metrics"
	"github.com/meshrelay/gateway/pkg/util/id"
)

func listeningAddr(t *testing.T) (addr string, closeFn func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	return ln.Addr().String(), func() { ln.Close() }
}

func transitionCount(poolID id.ID, healthy bool) float64 {
	return testutil.ToFloat64(metrics.UpstreamHealthTransitionsTotal.WithLabelValues(poolID.String(), boolLabel(healthy)))
}

func TestProbeAll_OnlyCountsTransitionsNotEveryProbe(t *testing.T) {
	poolID := id.New()
	p := NewPool(poolID, config.LBRoundRobin)

	addr, closeLn := listeningAddr(t)
	defer closeLn()

	targetID := id.New()
	p.SetTargets([]config.UpstreamTarget{{ID: targetID, Address: addr, Weight: 1, Enabled: true}})

	before := transitionCount(poolID, true)

	checker := NewHealthChecker(p, nil, 10, 100)
	checker.probeAll()
	checker.probeAll()
	checker.probeAll()

	// The target started healthy and every probe succeeds, so no
	// transition ever occurs despite three probes running.
	assert.Equal(t, before, transitionCount(poolID, true))
}

func TestProbeAll_CountsExactlyOneTransitionPerStateChange(t *testing.T) {
	poolID := id.New()
	p := NewPool(poolID, config.LBRoundRobin)

	// Nothing listens on this address, so every probe fails.
	unreachable := "127.0.0.1:1"
	targetID := id.New()
	p.SetTargets([]config.UpstreamTarget{{ID: targetID, Address: unreachable, Weight: 1, Enabled: true}})

	beforeDown := transitionCount(poolID, false)

	checker := NewHealthChecker(p, nil, 10, 50)
	checker.probeAll()
	checker.probeAll()
	checker.probeAll()

	// The target starts healthy; only the first failing probe is a
	// down-transition, the rest repeat the same (unhealthy) outcome.
	assert.Equal(t, beforeDown+1, transitionCount(poolID, false))
}

func TestHealthChecker_RunReturnsAfterStop(t *testing.T) {
	poolID := id.New()
	p := NewPool(poolID, config.LBRoundRobin)

	addr, closeLn := listeningAddr(t)
	defer closeLn()

	p.SetTargets([]config.UpstreamTarget{{ID: id.New(), Address: addr, Weight: 1, Enabled: true}})

	checker := NewHealthChecker(p, nil, 10, 100)
	done := make(chan struct{})
	go func() {
		checker.Run()
		close(done)
	}()

	require.Eventually(t, func() bool {
		targets := p.Targets()
		return len(targets) == 1
	}, time.Second, time.Millisecond)

	checker.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}
}
