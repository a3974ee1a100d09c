// Package heartbeat periodically reports a data-plane node's liveness
// and currently-applied version to the control plane. Failures are
// logged and retried on the next tick; a heartbeat failure never takes
// the node itself down.
package heartbeat

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/meshrelay/gateway/pkg/util/id"
)

type payload struct {
	NodeID           string         `json:"node_id"`
	AppliedVersionID string         `json:"applied_version_id,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// StateFunc returns the node's currently-applied version id, called once
// per tick so the heartbeat always reports the latest value.
type StateFunc func() id.ID

// Emitter posts a heartbeat to the control plane on a fixed interval.
type Emitter struct {
	controlPlaneURL string
	nodeID          string
	interval        time.Duration
	metadata        map[string]any
	appliedVersion  StateFunc
	client          *http.Client

	stop chan struct{}
	done chan struct{}

	logger *logrus.Entry
}

// New constructs an Emitter that POSTs to controlPlaneURL every interval.
func New(controlPlaneURL, nodeID string, interval time.Duration, metadata map[string]any, appliedVersion StateFunc) *Emitter {
	return &Emitter{
		controlPlaneURL: controlPlaneURL,
		nodeID:          nodeID,
		interval:        interval,
		metadata:        metadata,
		appliedVersion:  appliedVersion,
		client:          &http.Client{Timeout: 10 * time.Second},
		stop:            make(chan struct{}),
		done:            make(chan struct{}),
		logger:          logrus.WithField("component", "dataplane.heartbeat"),
	}
}

// Run sends a heartbeat immediately and then every interval, until Stop
// is called.
func (e *Emitter) Run() {
	defer close(e.done)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	e.beat()
	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			e.beat()
		}
	}
}

func (e *Emitter) beat() {
	p := payload{NodeID: e.nodeID, Metadata: e.metadata}
	if v := e.appliedVersion(); !v.IsNil() {
		p.AppliedVersionID = v.String()
	}

	body, err := json.Marshal(p)
	if err != nil {
		e.logger.WithError(err).Error("failed to encode heartbeat")
		return
	}

	url := e.controlPlaneURL + "/api/v1/nodes/heartbeat"
	resp, err := e.client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		e.logger.WithError(err).Warn("heartbeat request failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		e.logger.WithField("status", resp.StatusCode).Warn("heartbeat rejected")
	}
}

// Stop signals Run to return and waits for it to do so.
func (e *Emitter) Stop() {
	close(e.stop)
	<-e.done
}
