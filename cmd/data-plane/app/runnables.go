package app

import (
	"github.com/meshrelay/gateway/pkg/dataplane/heartbeat"
	"github.com/meshrelay/gateway/pkg/dataplane/reconciler"
)

// reconcilerInstance adapts reconciler.Reconciler's ticker-driven poll loop
// into a runnable.Instance: Start blocks for the reconciler's lifetime, so
// the manager's wait group reflects it like any other task.
type reconcilerInstance struct {
	rec *reconciler.Reconciler
}

func newReconcilerInstance(rec *reconciler.Reconciler) *reconcilerInstance {
	return &reconcilerInstance{rec: rec}
}

func (r *reconcilerInstance) Name() string { return "dataplane-reconciler" }

func (r *reconcilerInstance) Start() error {
	r.rec.Run()
	return nil
}

func (r *reconcilerInstance) Stop() error {
	r.rec.Stop()
	return nil
}

func (r *reconcilerInstance) GracefulStop() error { return r.Stop() }

// heartbeatInstance adapts heartbeat.Emitter's periodic POST loop into a
// runnable.Instance.
type heartbeatInstance struct {
	emitter *heartbeat.Emitter
}

func newHeartbeatInstance(e *heartbeat.Emitter) *heartbeatInstance {
	return &heartbeatInstance{emitter: e}
}

func (h *heartbeatInstance) Name() string { return "dataplane-heartbeat" }

func (h *heartbeatInstance) Start() error {
	h.emitter.Run()
	return nil
}

func (h *heartbeatInstance) Stop() error {
	h.emitter.Stop()
	return nil
}

func (h *heartbeatInstance) GracefulStop() error { return h.Stop() }
