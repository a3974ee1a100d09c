package reconciler

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshrelay/gateway/pkg/apis/config"
	"github.com/meshrelay/gateway/pkg/dataplane/tlsresolver"
	"github.com/meshrelay/gateway/pkg/util/id"
)

// selfSignedPEM generates a throwaway self-signed leaf certificate and
// private key for "example.com", PEM-encoded, for tests that exercise
// certificate resolution without depending on any external CA.
func selfSignedPEM(t *testing.T) (certPEM, keyPEM string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "example.com"},
		DNSNames:     []string{"example.com"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	certPEM = string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
	keyPEM = string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}))
	return certPEM, keyPEM
}

// recordingDispatcher captures Activate/Park calls without binding any
// real sockets, so these tests exercise the reconciler's diff-and-apply
// logic in isolation from the listener.Manager/server.Server wiring
// covered by their own package tests.
type recordingDispatcher struct {
	mu          sync.Mutex
	activated   map[int]bool
	tls         map[int]bool
	parked      map[int]bool
	activations int
}

func newRecordingDispatcher() *recordingDispatcher {
	return &recordingDispatcher{
		activated: make(map[int]bool),
		tls:       make(map[int]bool),
		parked:    make(map[int]bool),
	}
}

func (d *recordingDispatcher) Activate(l config.Listener, tlsConfig *tls.Config) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.activated[l.Port] = true
	d.activations++
	d.tls[l.Port] = tlsConfig != nil
	delete(d.parked, l.Port)
	return nil
}

func (d *recordingDispatcher) Park(port int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.activated, port)
	d.parked[port] = true
	return nil
}

func (d *recordingDispatcher) isActive(port int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.activated[port]
}

func (d *recordingDispatcher) isParked(port int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.parked[port]
}

func newTestReconciler(dispatcher *recordingDispatcher) *Reconciler {
	return New(Config{PollInterval: time.Hour}, nil, tlsresolver.New(), dispatcher, nil)
}

func httpOnlySnapshot(port int) (id.ID, config.Snapshot) {
	listenerID := id.New()
	poolID := id.New()
	return listenerID, config.Snapshot{
		Listeners: []config.Listener{
			{ID: listenerID, Port: port, Protocol: config.ProtocolHTTP, Enabled: true},
		},
		Routes: []config.Route{
			{ID: id.New(), ListenerID: listenerID, Kind: config.RouteKindPort, UpstreamPoolID: poolID, Enabled: true},
		},
		UpstreamPools: []config.UpstreamPool{
			{ID: poolID, Name: "default", Policy: config.LBRoundRobin},
		},
		UpstreamTargets: []config.UpstreamTarget{
			{ID: id.New(), PoolID: poolID, Address: "127.0.0.1:9000", Weight: 1, Enabled: true},
		},
	}
}

func TestApply_ActivatesEnabledListenerAndPool(t *testing.T) {
	d := newRecordingDispatcher()
	r := newTestReconciler(d)

	listenerID, snapshot := httpOnlySnapshot(8080)
	versionID := id.New()
	require.NoError(t, r.apply(versionID, snapshot))

	assert.True(t, d.isActive(8080))
	assert.Equal(t, versionID, r.AppliedVersion())

	state := r.Active()
	ls, ok := state.ByPort[8080]
	require.True(t, ok)
	assert.Equal(t, listenerID, ls.Listener.ID)
	require.Len(t, state.ByPort, 1)
}

func TestApply_DisabledListenerIsSkipped(t *testing.T) {
	d := newRecordingDispatcher()
	r := newTestReconciler(d)

	_, snapshot := httpOnlySnapshot(8080)
	snapshot.Listeners[0].Enabled = false

	require.NoError(t, r.apply(id.New(), snapshot))
	assert.False(t, d.isActive(8080))
	assert.Empty(t, r.Active().ByPort)
}

func TestApply_RemovingAListenerParksItsPort(t *testing.T) {
	d := newRecordingDispatcher()
	r := newTestReconciler(d)

	_, snapshot := httpOnlySnapshot(8080)
	require.NoError(t, r.apply(id.New(), snapshot))
	assert.True(t, d.isActive(8080))

	require.NoError(t, r.apply(id.New(), config.Snapshot{}))
	assert.False(t, d.isActive(8080))
	assert.True(t, d.isParked(8080))
	assert.Empty(t, r.Active().ByPort)
}

func TestApply_UnrelatedPortIsUndisturbedAcrossReapply(t *testing.T) {
	d := newRecordingDispatcher()
	r := newTestReconciler(d)

	_, snapshotA := httpOnlySnapshot(8080)
	listenerB, poolB := id.New(), id.New()
	snapshotA.Listeners = append(snapshotA.Listeners, config.Listener{ID: listenerB, Port: 9090, Protocol: config.ProtocolHTTP, Enabled: true})
	snapshotA.Routes = append(snapshotA.Routes, config.Route{ID: id.New(), ListenerID: listenerB, Kind: config.RouteKindPort, UpstreamPoolID: poolB, Enabled: true})
	snapshotA.UpstreamPools = append(snapshotA.UpstreamPools, config.UpstreamPool{ID: poolB, Name: "b", Policy: config.LBRoundRobin})

	require.NoError(t, r.apply(id.New(), snapshotA))
	require.True(t, d.isActive(8080))
	require.True(t, d.isActive(9090))

	// Re-apply dropping only the 8080 listener; 9090 must never be parked.
	snapshotB := snapshotA
	snapshotB.Listeners = snapshotA.Listeners[1:]
	snapshotB.Routes = snapshotA.Routes[1:]

	require.NoError(t, r.apply(id.New(), snapshotB))
	assert.False(t, d.isActive(8080))
	assert.True(t, d.isParked(8080))
	assert.True(t, d.isActive(9090))
	assert.False(t, d.isParked(9090))
}

func TestApply_ActivatesHTTPSWithResolvedCertificate(t *testing.T) {
	d := newRecordingDispatcher()
	resolver := tlsresolver.New()
	r := New(Config{PollInterval: time.Hour}, nil, resolver, d, nil)

	listenerID := id.New()
	policyID := id.New()
	poolID := id.New()
	cert, key := selfSignedPEM(t)

	snapshot := config.Snapshot{
		Listeners: []config.Listener{
			{ID: listenerID, Port: 8443, Protocol: config.ProtocolHTTPS, TLSPolicyID: policyID, Enabled: true},
		},
		Routes: []config.Route{
			{ID: id.New(), ListenerID: listenerID, Kind: config.RouteKindPort, UpstreamPoolID: poolID, Enabled: true},
		},
		UpstreamPools: []config.UpstreamPool{{ID: poolID, Name: "default", Policy: config.LBRoundRobin}},
		TLSPolicies:   []config.TLSPolicy{{ID: policyID, Mode: config.TLSModeManual, Domains: []string{"example.com"}, Status: config.TLSPolicyActive}},
		Certificates: []config.Certificate{
			{ID: id.New(), Domain: "example.com", CertPEM: cert, KeyPEM: key, Status: config.CertificateActive},
		},
	}

	require.NoError(t, r.apply(id.New(), snapshot))
	assert.True(t, d.isActive(8443))
	assert.True(t, d.tls[8443])

	_, err := resolver.ForPort(8443)(nil)
	assert.NoError(t, err)
}

func TestApply_MultiDomainPolicyResolvesEachDomainBySNI(t *testing.T) {
	d := newRecordingDispatcher()
	resolver := tlsresolver.New()
	r := New(Config{PollInterval: time.Hour}, nil, resolver, d, nil)

	listenerID := id.New()
	policyID := id.New()
	poolID := id.New()
	certA, keyA := selfSignedPEM(t)
	certB, keyB := selfSignedPEM(t)

	snapshot := config.Snapshot{
		Listeners: []config.Listener{
			{ID: listenerID, Port: 8443, Protocol: config.ProtocolHTTPS, TLSPolicyID: policyID, Enabled: true},
		},
		Routes: []config.Route{
			{ID: id.New(), ListenerID: listenerID, Kind: config.RouteKindPort, UpstreamPoolID: poolID, Enabled: true},
		},
		UpstreamPools: []config.UpstreamPool{{ID: poolID, Name: "default", Policy: config.LBRoundRobin}},
		TLSPolicies: []config.TLSPolicy{
			{ID: policyID, Mode: config.TLSModeManual, Domains: []string{"a.example.com", "b.example.com"}, Status: config.TLSPolicyActive},
		},
		Certificates: []config.Certificate{
			{ID: id.New(), Domain: "a.example.com", CertPEM: certA, KeyPEM: keyA, Status: config.CertificateActive},
			{ID: id.New(), Domain: "b.example.com", CertPEM: certB, KeyPEM: keyB, Status: config.CertificateActive},
		},
	}

	require.NoError(t, r.apply(id.New(), snapshot))
	assert.True(t, d.isActive(8443))

	getCert := resolver.ForPort(8443)

	gotA, err := getCert(&tls.ClientHelloInfo{ServerName: "a.example.com"})
	require.NoError(t, err)
	gotB, err := getCert(&tls.ClientHelloInfo{ServerName: "b.example.com"})
	require.NoError(t, err)
	assert.NotSame(t, gotA, gotB, "each domain must resolve its own certificate")

	// No SNI at all falls back to the policy's first domain.
	gotDefault, err := getCert(nil)
	require.NoError(t, err)
	assert.Same(t, gotA, gotDefault)
}

func TestApply_NewestNonExpiredCertificateIsChosenPerDomain(t *testing.T) {
	d := newRecordingDispatcher()
	resolver := tlsresolver.New()
	r := New(Config{PollInterval: time.Hour}, nil, resolver, d, nil)

	listenerID := id.New()
	policyID := id.New()
	poolID := id.New()
	older, olderKey := selfSignedPEM(t)
	newer, newerKey := selfSignedPEM(t)

	snapshot := config.Snapshot{
		Listeners: []config.Listener{
			{ID: listenerID, Port: 8443, Protocol: config.ProtocolHTTPS, TLSPolicyID: policyID, Enabled: true},
		},
		Routes: []config.Route{
			{ID: id.New(), ListenerID: listenerID, Kind: config.RouteKindPort, UpstreamPoolID: poolID, Enabled: true},
		},
		UpstreamPools: []config.UpstreamPool{{ID: poolID, Name: "default", Policy: config.LBRoundRobin}},
		TLSPolicies:   []config.TLSPolicy{{ID: policyID, Mode: config.TLSModeManual, Domains: []string{"example.com"}, Status: config.TLSPolicyActive}},
		Certificates: []config.Certificate{
			{ID: id.New(), Domain: "example.com", CertPEM: older, KeyPEM: olderKey, Status: config.CertificateActive, ExpiresAt: time.Now().Add(24 * time.Hour)},
			{ID: id.New(), Domain: "example.com", CertPEM: newer, KeyPEM: newerKey, Status: config.CertificateActive, ExpiresAt: time.Now().Add(48 * time.Hour)},
		},
	}

	require.NoError(t, r.apply(id.New(), snapshot))

	got, err := resolver.ForPort(8443)(nil)
	require.NoError(t, err)

	wantLeaf, err := tls.X509KeyPair([]byte(newer), []byte(newerKey))
	require.NoError(t, err)
	assert.Equal(t, wantLeaf.Certificate, got.Certificate, "the later-expiring certificate must be the one served")
}

func TestApply_MissingCertificateSkipsListenerActivation(t *testing.T) {
	d := newRecordingDispatcher()
	resolver := tlsresolver.New()
	r := New(Config{PollInterval: time.Hour}, nil, resolver, d, nil)

	listenerID := id.New()
	policyID := id.New()
	snapshot := config.Snapshot{
		Listeners:   []config.Listener{{ID: listenerID, Port: 8443, Protocol: config.ProtocolHTTPS, TLSPolicyID: policyID, Enabled: true}},
		TLSPolicies: []config.TLSPolicy{{ID: policyID, Mode: config.TLSModeManual, Domains: []string{"example.com"}, Status: config.TLSPolicyActive}},
	}

	require.NoError(t, r.apply(id.New(), snapshot))
	assert.False(t, d.isActive(8443))
}

func TestPollOnce_SkipsApplyWhenVersionUnchanged(t *testing.T) {
	versionID := id.New()
	_, snapshot := httpOnlySnapshot(8080)
	version := config.ConfigVersion{ID: versionID, Snapshot: snapshot, Status: config.VersionPublished}

	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		require.NoError(t, json.NewEncoder(w).Encode(version))
	}))
	defer srv.Close()

	d := newRecordingDispatcher()
	r := New(Config{ControlPlaneURL: srv.URL, PollInterval: time.Hour}, nil, tlsresolver.New(), d, nil)

	r.pollOnce()
	r.pollOnce()

	assert.Equal(t, 2, requests, "both polls hit the control plane")
	assert.Equal(t, versionID, r.AppliedVersion())
	assert.Equal(t, 1, d.activations, "the second poll must not re-activate an unchanged version")
}

func TestRun_StopReturnsPromptly(t *testing.T) {
	versionID := id.New()
	_, snapshot := httpOnlySnapshot(8080)
	version := config.ConfigVersion{ID: versionID, Snapshot: snapshot, Status: config.VersionPublished}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewEncoder(w).Encode(version))
	}))
	defer srv.Close()

	d := newRecordingDispatcher()
	r := New(Config{ControlPlaneURL: srv.URL, PollInterval: time.Millisecond}, nil, tlsresolver.New(), d, nil)

	done := make(chan struct{})
	go func() {
		r.Run()
		close(done)
	}()

	require.Eventually(t, func() bool { return d.isActive(8080) }, time.Second, time.Millisecond)
	r.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}
}
