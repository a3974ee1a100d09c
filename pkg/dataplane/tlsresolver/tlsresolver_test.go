package tlsresolver

import (
	"crypto/tls"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func selfSignedCert(t *testing.T) *tls.Certificate {
	t.Helper()
	// A minimal, statically-valid leaf/key pair is unnecessary here: the
	// resolver never inspects certificate contents, only stores and
	// returns pointers, so an empty struct exercises the same code paths.
	return &tls.Certificate{}
}

func helloFor(serverName string) *tls.ClientHelloInfo {
	return &tls.ClientHelloInfo{ServerName: serverName}
}

func TestForPort_UnknownPortFails(t *testing.T) {
	r := New()
	_, err := r.ForPort(8443)(nil)
	assert.Error(t, err)
}

func TestSet_ThenForPortResolvesDefaultDomainWithNoSNI(t *testing.T) {
	r := New()
	cert := selfSignedCert(t)
	r.Set(8443, map[string]*tls.Certificate{"example.com": cert}, "example.com")

	got, err := r.ForPort(8443)(nil)
	require.NoError(t, err)
	assert.Same(t, cert, got)
}

func TestForPort_ResolvesBySNIHostname(t *testing.T) {
	r := New()
	certA := selfSignedCert(t)
	certB := selfSignedCert(t)
	r.Set(8443, map[string]*tls.Certificate{
		"a.example.com": certA,
		"b.example.com": certB,
	}, "a.example.com")

	got, err := r.ForPort(8443)(helloFor("b.example.com"))
	require.NoError(t, err)
	assert.Same(t, certB, got)
}

func TestForPort_SNILookupIsCaseInsensitive(t *testing.T) {
	r := New()
	cert := selfSignedCert(t)
	r.Set(8443, map[string]*tls.Certificate{"example.com": cert}, "example.com")

	got, err := r.ForPort(8443)(helloFor("Example.COM"))
	require.NoError(t, err)
	assert.Same(t, cert, got)
}

func TestForPort_UnknownSNIFallsBackToDefaultDomain(t *testing.T) {
	r := New()
	cert := selfSignedCert(t)
	r.Set(8443, map[string]*tls.Certificate{"example.com": cert}, "example.com")

	got, err := r.ForPort(8443)(helloFor("other.example.com"))
	require.NoError(t, err)
	assert.Same(t, cert, got)
}

func TestSet_HotSwapReplacesPreviousCertificateSet(t *testing.T) {
	r := New()
	first := selfSignedCert(t)
	second := selfSignedCert(t)

	r.Set(9443, map[string]*tls.Certificate{"example.com": first}, "example.com")
	r.Set(9443, map[string]*tls.Certificate{"example.com": second}, "example.com")

	got, err := r.ForPort(9443)(nil)
	require.NoError(t, err)
	assert.Same(t, second, got)
}

func TestRemove_ForPortFailsAfterward(t *testing.T) {
	r := New()
	r.Set(8443, map[string]*tls.Certificate{"example.com": selfSignedCert(t)}, "example.com")
	r.Remove(8443)

	_, err := r.ForPort(8443)(nil)
	assert.Error(t, err)
}

func TestForPort_IsPortScoped(t *testing.T) {
	r := New()
	r.Set(8443, map[string]*tls.Certificate{"example.com": selfSignedCert(t)}, "example.com")

	_, err := r.ForPort(9443)(nil)
	assert.Error(t, err, "a certificate bound to one port must not resolve for another")
}
