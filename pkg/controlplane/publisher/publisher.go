// Package publisher implements the control plane's publish/rollback
// workflow: validating a draft snapshot, committing it as the new
// published version, and archiving whatever it replaces.
package publisher

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/meshrelay/gateway/pkg/apis/config"
	apierrors "github.com/meshrelay/gateway/pkg/apis/errors"
	"github.com/meshrelay/gateway/pkg/controlplane/store"
	"github.com/meshrelay/gateway/pkg/controlplane/validator"
	"github.com/meshrelay/gateway/pkg/metrics"
	"github.com/meshrelay/gateway/pkg/util/id"
)

// Publisher wraps a Store and the validator into the operations exposed
// to the control plane's admin surface: publish, rollback, and version
// reads.
type Publisher struct {
	store  *store.Store
	opts   validator.Options
	logger *logrus.Entry
}

// New constructs a Publisher over an already-open Store.
func New(s *store.Store, opts validator.Options) *Publisher {
	return &Publisher{
		store:  s,
		opts:   opts,
		logger: logrus.WithField("component", "controlplane.publisher"),
	}
}

// Publish validates snapshot and, if it passes, commits it as a new
// published version, archiving whatever was published before. On
// validation failure nothing is persisted and *apierrors.ValidationFailed
// is returned.
func (p *Publisher) Publish(snapshot config.Snapshot, actor string) (*config.ConfigVersion, error) {
	result := validator.Validate(&snapshot, p.opts)
	if !result.Valid {
		metrics.PublishTotal.WithLabelValues("validation_failed").Inc()
		return nil, &apierrors.ValidationFailed{Errors: result.Errors}
	}

	version := &config.ConfigVersion{
		ID:        id.New(),
		Snapshot:  snapshot,
		Status:    config.VersionPublished,
		CreatedBy: actor,
		CreatedAt: time.Now(),
	}

	archived, err := p.store.PublishAtomic(version)
	if err != nil {
		metrics.PublishTotal.WithLabelValues("storage_error").Inc()
		return nil, err
	}
	metrics.PublishTotal.WithLabelValues("success").Inc()

	p.logger.WithFields(logrus.Fields{
		"version_id":  version.ID.String(),
		"archived_id": archived.String(),
		"actor":       actor,
	}).Info("published new configuration version")

	if err := p.store.AppendAudit(config.AuditEntry{
		Actor:     actor,
		Action:    "publish",
		Diff:      fmt.Sprintf("published %s (archived %s)", version.ID, archived),
		CreatedAt: version.CreatedAt,
	}); err != nil {
		p.logger.WithError(err).Warn("failed to append audit entry for publish")
	}

	return version, nil
}

// Rollback republishes an already-validated past version's snapshot as a
// brand new version (never reactivates the old row directly, so every
// publish gets a fresh version id and the audit trail stays linear).
func (p *Publisher) Rollback(targetVersionID id.ID, actor string) (*config.ConfigVersion, error) {
	target, err := p.store.GetVersion(targetVersionID)
	if err != nil {
		return nil, err
	}

	version, err := p.Publish(target.Snapshot.Clone(), actor)
	if err != nil {
		return nil, err
	}

	if err := p.store.AppendAudit(config.AuditEntry{
		Actor:     actor,
		Action:    "rollback",
		Diff:      fmt.Sprintf("rolled back to %s as new version %s", targetVersionID, version.ID),
		CreatedAt: version.CreatedAt,
	}); err != nil {
		p.logger.WithError(err).Warn("failed to append audit entry for rollback")
	}

	return version, nil
}

// ListVersions returns every known version, most recent first.
func (p *Publisher) ListVersions() ([]config.ConfigVersion, error) {
	return p.store.ListVersions()
}

// GetVersion returns a single version by id.
func (p *Publisher) GetVersion(versionID id.ID) (*config.ConfigVersion, error) {
	return p.store.GetVersion(versionID)
}

// GetPublished returns the currently published version.
func (p *Publisher) GetPublished() (*config.ConfigVersion, error) {
	return p.store.GetPublished()
}

// Validate runs the validator without persisting anything, for admin-side
// "dry run" checks before publish.
func (p *Publisher) Validate(snapshot config.Snapshot) validator.Result {
	return validator.Validate(&snapshot, p.opts)
}
