// Package certsweep runs the control plane's periodic certificate-expiry
// sweep: a calendar-style background job, not a sub-second poll loop, so
// it is scheduled with robfig/cron rather than a plain ticker.
package certsweep

import (
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/meshrelay/gateway/pkg/apis/config"
	"github.com/meshrelay/gateway/pkg/controlplane/store"
)

// Sweeper periodically logs each published certificate past its
// expires_at (unless already marked expired) and prunes its PEM mirrors
// from certsDir. It does not change any certificate's status.
type Sweeper struct {
	store    *store.Store
	certsDir string
	cron     *cron.Cron
	logger   *logrus.Entry
}

// New constructs a Sweeper that runs on the given cron schedule
// (standard 5-field syntax, e.g. "0 * * * *" for hourly).
func New(s *store.Store, certsDir, schedule string) (*Sweeper, error) {
	sw := &Sweeper{
		store:    s,
		certsDir: certsDir,
		cron:     cron.New(),
		logger:   logrus.WithField("component", "controlplane.certsweep"),
	}

	if _, err := sw.cron.AddFunc(schedule, sw.sweep); err != nil {
		return nil, err
	}
	return sw, nil
}

// Start begins running the schedule in the background.
func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop waits for any in-progress run to finish, then stops the schedule.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Sweeper) sweep() {
	published, err := s.store.GetPublished()
	if err != nil {
		s.logger.WithError(err).Debug("no published version to sweep")
		return
	}

	now := time.Now()
	for _, cert := range published.Snapshot.Certificates {
		if cert.Status != config.CertificateExpired && now.After(cert.ExpiresAt) {
			s.logger.WithField("domain", cert.Domain).Info("certificate expired")
			s.pruneMirror(cert.Domain)
		}
	}
}

func (s *Sweeper) pruneMirror(domain string) {
	if s.certsDir == "" {
		return
	}
	for _, suffix := range []string{".crt", ".key"} {
		path := filepath.Join(s.certsDir, domain+suffix)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.logger.WithError(err).WithField("path", path).Warn("failed to prune certificate mirror")
		}
	}
}
