// Package reconciler polls the control plane's published-snapshot feed
// and applies the difference against the data plane's current forwarding
// state: listeners, routes, TLS certificates, and upstream pools. Apply
// never drops a connection on an untouched listener, and the active
// state is swapped into place with a single atomic pointer store so
// request-handling goroutines never observe a half-applied version.
package reconciler

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/meshrelay/gateway/pkg/apis/config"
	apierrors "github.com/meshrelay/gateway/pkg/apis/errors"
	"github.com/meshrelay/gateway/pkg/dataplane/cache"
	"github.com/meshrelay/gateway/pkg/dataplane/listener"
	"github.com/meshrelay/gateway/pkg/dataplane/router"
	"github.com/meshrelay/gateway/pkg/dataplane/tlsresolver"
	"github.com/meshrelay/gateway/pkg/dataplane/upstream"
	"github.com/meshrelay/gateway/pkg/metrics"
	"github.com/meshrelay/gateway/pkg/util/id"
)

// Dispatcher is implemented by the data-plane server: it is notified of
// each listener's compiled state so it knows where to route accepted
// connections. The reconciler owns state transitions; the server only
// reads them.
type Dispatcher interface {
	// Activate brings up (or updates) a listener on l.Port, serving via
	// tlsConfig when protocol is HTTPS.
	Activate(l config.Listener, tlsConfig *tls.Config) error
	// Park takes a listener out of service without unbinding its port
	// when it is inside the pre-bound range.
	Park(port int) error
}

// Reconciler polls the control plane and applies published snapshots to
// the data plane's live forwarding state.
type Reconciler struct {
	controlPlaneURL string
	pollInterval    time.Duration
	client          *http.Client

	listeners   *listener.Manager
	tlsResolver *tlsresolver.Resolver
	dispatcher  Dispatcher
	cache       *cache.Cache

	state atomic.Pointer[State]

	pools          map[id.ID]*upstream.Pool
	healthCheckers map[id.ID]*upstream.HealthChecker

	appliedVersion atomic.Pointer[id.ID]

	defaultHealthCheckIntervalSec int
	defaultHealthCheckTimeoutMS   int

	stop chan struct{}
	done chan struct{}

	logger *logrus.Entry
}

// Config carries the Reconciler's construction-time parameters.
type Config struct {
	ControlPlaneURL             string
	PollInterval                time.Duration
	DefaultHealthCheckInterval  int
	DefaultHealthCheckTimeoutMS int
}

// New constructs a Reconciler. It starts with empty state; call Run to
// begin polling.
func New(cfg Config, listeners *listener.Manager, tlsResolver *tlsresolver.Resolver, dispatcher Dispatcher, snapshotCache *cache.Cache) *Reconciler {
	r := &Reconciler{
		controlPlaneURL:               cfg.ControlPlaneURL,
		pollInterval:                  cfg.PollInterval,
		client:                        &http.Client{Timeout: 10 * time.Second},
		listeners:                     listeners,
		tlsResolver:                   tlsResolver,
		dispatcher:                    dispatcher,
		cache:                         snapshotCache,
		pools:                         make(map[id.ID]*upstream.Pool),
		healthCheckers:                make(map[id.ID]*upstream.HealthChecker),
		defaultHealthCheckIntervalSec: cfg.DefaultHealthCheckInterval,
		defaultHealthCheckTimeoutMS:   cfg.DefaultHealthCheckTimeoutMS,
		stop:                          make(chan struct{}),
		done:                          make(chan struct{}),
		logger:                        logrus.WithField("component", "dataplane.reconciler"),
	}
	r.state.Store(Empty())

	zero := id.Nil
	r.appliedVersion.Store(&zero)

	return r
}

// RestoreFromCache applies the last successfully-applied snapshot found
// in the local durable cache, if any. It must be called after
// SetDispatcher and before Run, so a restart can serve last-known-good
// forwarding state before the first successful poll.
func (r *Reconciler) RestoreFromCache() {
	if r.cache == nil {
		return
	}
	versionID, snapshot, ok, err := r.cache.Load()
	if err != nil {
		r.logger.WithError(err).Warn("failed to load cached snapshot")
		return
	}
	if !ok {
		return
	}

	r.logger.WithField("version_id", versionID.String()).Info("restoring last-known-good snapshot from local cache")
	if err := r.apply(versionID, snapshot); err != nil {
		r.logger.WithError(err).Warn("failed to apply cached snapshot")
	}
}

// SetDispatcher installs the dispatcher that Activate/Park calls are
// issued against. It must be called before Run, since constructing a
// Dispatcher typically requires a reference back to the Reconciler
// itself.
func (r *Reconciler) SetDispatcher(dispatcher Dispatcher) {
	r.dispatcher = dispatcher
}

// Active returns the currently-active forwarding state.
func (r *Reconciler) Active() *State {
	return r.state.Load()
}

// AppliedVersion returns the id of the currently-applied version, for
// the heartbeat emitter.
func (r *Reconciler) AppliedVersion() id.ID {
	return *r.appliedVersion.Load()
}

// Run polls the control plane on a fixed interval and applies whatever
// it finds, until Stop is called.
func (r *Reconciler) Run() {
	defer close(r.done)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	r.pollOnce()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.pollOnce()
		}
	}
}

// Stop signals Run to return and waits for it to do so.
func (r *Reconciler) Stop() {
	close(r.stop)
	<-r.done
}

func (r *Reconciler) pollOnce() {
	version, err := r.fetchPublished()
	if err != nil {
		r.logger.WithError(err).Warn("failed to fetch published snapshot")
		return
	}

	if version.ID == r.AppliedVersion() {
		return
	}

	if err := r.apply(version.ID, version.Snapshot); err != nil {
		metrics.ReconcileApplyTotal.WithLabelValues("error").Inc()
		r.logger.WithError(err).Error("failed to apply new snapshot")
		return
	}
	metrics.ReconcileApplyTotal.WithLabelValues("success").Inc()

	if r.cache != nil {
		if err := r.cache.Save(version.ID, version.Snapshot); err != nil {
			r.logger.WithError(err).Warn("failed to persist snapshot to local cache")
		}
	}
}

func (r *Reconciler) fetchPublished() (*config.ConfigVersion, error) {
	url := r.controlPlaneURL + "/api/v1/config/published"
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	if err != nil {
		return nil, &apierrors.SnapshotFeedError{Err: err}
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, &apierrors.SnapshotFeedError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &apierrors.SnapshotFeedError{Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	var version config.ConfigVersion
	if err := json.NewDecoder(resp.Body).Decode(&version); err != nil {
		return nil, &apierrors.SnapshotFeedError{Err: err}
	}
	return &version, nil
}

// apply diffs snapshot against the reconciler's current state across the
// five dimensions (listeners, routes+pools+targets, TLS policies,
// certificates, health-check params) and brings the live state in line,
// then atomically swaps the active State pointer.
func (r *Reconciler) apply(versionID id.ID, snapshot config.Snapshot) error {
	r.applyPools(snapshot)

	next := &State{VersionID: versionID, ByPort: make(map[int]*ListenerState)}

	for _, l := range snapshot.Listeners {
		if !l.Enabled {
			continue
		}

		table := router.Compile(l.ID, snapshot.Routes)
		pools := make(map[id.ID]*upstream.Pool)
		for _, route := range snapshot.Routes {
			if route.ListenerID == l.ID {
				if p := r.pools[route.UpstreamPoolID]; p != nil {
					pools[route.UpstreamPoolID] = p
				}
			}
		}

		var tlsConfig *tls.Config
		if l.Protocol == config.ProtocolHTTPS {
			if err := r.applyTLS(l, snapshot); err != nil {
				r.logger.WithError(err).WithField("listener_id", l.ID.String()).Error("failed to resolve certificate")
				continue
			}
			tlsConfig = &tls.Config{
				MinVersion:     tls.VersionTLS12,
				GetCertificate: r.tlsResolver.ForPort(l.Port),
			}
		}

		if err := r.dispatcher.Activate(l, tlsConfig); err != nil {
			r.logger.WithError(err).WithField("listener_id", l.ID.String()).Error("failed to activate listener")
			continue
		}

		next.ByPort[l.Port] = &ListenerState{Listener: l, Table: table, Pools: pools}
	}

	// Park any previously-active port no longer present in the new state.
	prev := r.state.Load()
	for port := range prev.ByPort {
		if _, ok := next.ByPort[port]; !ok {
			if err := r.dispatcher.Park(port); err != nil {
				r.logger.WithError(err).WithField("port", port).Warn("failed to park listener")
			}
			r.tlsResolver.Remove(port)
		}
	}

	r.state.Store(next)
	r.appliedVersion.Store(&versionID)
	return nil
}

// applyTLS resolves, for every domain l's TLS policy covers, the newest
// non-expired active certificate for that domain, builds the port's full
// SNI-keyed certificate set, and installs it in the resolver. The
// policy's first domain is the fallback used when a handshake carries no
// SNI hostname.
func (r *Reconciler) applyTLS(l config.Listener, snapshot config.Snapshot) error {
	var policy *config.TLSPolicy
	for i := range snapshot.TLSPolicies {
		if snapshot.TLSPolicies[i].ID == l.TLSPolicyID {
			policy = &snapshot.TLSPolicies[i]
			break
		}
	}
	if policy == nil || len(policy.Domains) == 0 {
		return &apierrors.CertificateError{Reason: "tls policy not found for listener"}
	}

	now := time.Now()
	newestByDomain := make(map[string]*config.Certificate, len(policy.Domains))
	for i := range snapshot.Certificates {
		c := &snapshot.Certificates[i]
		if c.Status != config.CertificateActive {
			continue
		}
		if !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt) {
			continue
		}
		if !domainIn(c.Domain, policy.Domains) {
			continue
		}
		if existing, ok := newestByDomain[c.Domain]; !ok || c.ExpiresAt.After(existing.ExpiresAt) {
			newestByDomain[c.Domain] = c
		}
	}
	if len(newestByDomain) == 0 {
		return &apierrors.CertificateError{Domain: policy.Domains[0], Reason: "no active certificate available"}
	}

	certsByDomain := make(map[string]*tls.Certificate, len(newestByDomain))
	for domain, cert := range newestByDomain {
		tlsCert, err := tls.X509KeyPair([]byte(cert.CertPEM), []byte(cert.KeyPEM))
		if err != nil {
			return &apierrors.CertificateError{Domain: cert.Domain, Reason: err.Error()}
		}
		certsByDomain[strings.ToLower(domain)] = &tlsCert
	}

	r.tlsResolver.Set(l.Port, certsByDomain, policy.Domains[0])
	return nil
}

func domainIn(domain string, domains []string) bool {
	for _, d := range domains {
		if d == domain {
			return true
		}
	}
	return false
}

// applyPools diffs snapshot's pools/targets against the reconciler's
// persistent pool map: it creates pools new to the snapshot, updates
// existing ones' target membership, restarts every pool's health checker
// with the pool's current settings, and stops+removes pools the snapshot
// no longer lists.
func (r *Reconciler) applyPools(snapshot config.Snapshot) {
	seen := make(map[id.ID]bool, len(snapshot.UpstreamPools))

	targetsByPool := make(map[id.ID][]config.UpstreamTarget)
	for _, t := range snapshot.UpstreamTargets {
		targetsByPool[t.PoolID] = append(targetsByPool[t.PoolID], t)
	}

	for _, poolCfg := range snapshot.UpstreamPools {
		seen[poolCfg.ID] = true

		pool, exists := r.pools[poolCfg.ID]
		if !exists {
			pool = upstream.NewPool(poolCfg.ID, poolCfg.Policy)
			r.pools[poolCfg.ID] = pool
		}
		pool.SetTargets(targetsByPool[poolCfg.ID])

		if checker, ok := r.healthCheckers[poolCfg.ID]; ok {
			checker.Stop()
		}
		checker := upstream.NewHealthChecker(pool, poolCfg.HealthCheck, r.defaultHealthCheckIntervalSec, r.defaultHealthCheckTimeoutMS)
		r.healthCheckers[poolCfg.ID] = checker
		go checker.Run()
	}

	for poolID, checker := range r.healthCheckers {
		if !seen[poolID] {
			checker.Stop()
			delete(r.healthCheckers, poolID)
			delete(r.pools, poolID)
		}
	}
}
