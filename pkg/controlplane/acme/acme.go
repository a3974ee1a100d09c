// Package acme exposes the HTTP-01 challenge contract consumed by an
// external ACME client: it stores a token's key authorization and serves
// it back over HTTP. No ACME protocol client is implemented here.
package acme

import (
	"net/http"

	"github.com/go-chi/chi"
	"github.com/sirupsen/logrus"

	"github.com/meshrelay/gateway/pkg/controlplane/store"
)

// Challenges serves GET /api/v1/acme/challenge/{token} and accepts
// Put(token, keyAuth) from the (external) ACME client integration.
type Challenges struct {
	store  *store.Store
	logger *logrus.Entry
}

// New constructs a Challenges handler over an already-open Store.
func New(s *store.Store) *Challenges {
	return &Challenges{
		store:  s,
		logger: logrus.WithField("component", "controlplane.acme"),
	}
}

// Put records the key authorization an ACME server expects to find at
// /.well-known/acme-challenge/{token} for a given domain validation.
func (c *Challenges) Put(token, keyAuth string) error {
	return c.store.PutACMEChallenge(token, keyAuth)
}

// Routes mounts the challenge-serving endpoint onto r.
func (c *Challenges) Routes(r chi.Router) {
	r.Get("/api/v1/acme/challenge/{token}", c.handleGet)
}

func (c *Challenges) handleGet(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	keyAuth, err := c.store.GetACMEChallenge(token)
	if err != nil {
		c.logger.WithField("token", token).Debug("unknown acme challenge token")
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(keyAuth))
}
