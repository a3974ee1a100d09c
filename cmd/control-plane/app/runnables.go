package app

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meshrelay/gateway/pkg/controlplane/certsweep"
	"github.com/meshrelay/gateway/pkg/util/runnable"
)

// newMetricsServer builds the Prometheus /metrics runnable.Server.
func newMetricsServer() *runnable.HTTPServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return runnable.NewHTTPServer("controlplane-metrics", mux)
}

// sweeperInstance adapts certsweep.Sweeper's cron-scheduled sweep into a
// runnable.Instance: Start blocks on the sweeper's own lifecycle, so the
// manager's wait group reflects it like any other task.
type sweeperInstance struct {
	sweeper  *certsweep.Sweeper
	done     chan struct{}
	stopOnce sync.Once
}

func newSweeperInstance(s *certsweep.Sweeper) *sweeperInstance {
	return &sweeperInstance{sweeper: s, done: make(chan struct{})}
}

func (s *sweeperInstance) Name() string { return "controlplane-certsweep" }

func (s *sweeperInstance) Start() error {
	s.sweeper.Start()
	<-s.done
	return nil
}

func (s *sweeperInstance) Stop() error {
	s.stopOnce.Do(func() {
		s.sweeper.Stop()
		close(s.done)
	})
	return nil
}

func (s *sweeperInstance) GracefulStop() error { return s.Stop() }
