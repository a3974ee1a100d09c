// Package store implements the control plane's relational persistence
// layer: configuration versions, node status and the audit log, all keyed
// by 128-bit ids and backed by SQLite.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // driver: sqlite3 (cgo)
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite" // driver: sqlite (pure-Go fallback)

	"github.com/meshrelay/gateway/pkg/apis/config"
	apierrors "github.com/meshrelay/gateway/pkg/apis/errors"
	"github.com/meshrelay/gateway/pkg/util/id"
)

const schema = `
CREATE TABLE IF NOT EXISTS config_versions (
	id TEXT PRIMARY KEY,
	snapshot TEXT NOT NULL,
	status TEXT NOT NULL,
	created_by TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_config_versions_status ON config_versions(status);

CREATE TABLE IF NOT EXISTS node_status (
	node_id TEXT PRIMARY KEY,
	applied_version_id TEXT,
	heartbeat_at TIMESTAMP NOT NULL,
	metadata TEXT
);

CREATE TABLE IF NOT EXISTS audit_log (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	actor TEXT NOT NULL,
	action TEXT NOT NULL,
	diff TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS acme_challenges (
	token TEXT PRIMARY KEY,
	key_auth TEXT NOT NULL
);
`

// Store is the control plane's SQL-backed store of versions, node status
// and the audit log. Publish/rollback atomicity is enforced by a
// process-wide mutex held only across the archive-insert transaction,
// never across network I/O.
type Store struct {
	db *sql.DB

	publishLock sync.Mutex

	logger *logrus.Entry
}

// driverForURL picks the registered database/sql driver name for a
// DATABASE_URL. A "modernc:" scheme selects the pure-Go fallback driver;
// anything else (including a bare file path) uses the cgo mattn driver.
func driverForURL(databaseURL string) (driver, dsn string) {
	if strings.HasPrefix(databaseURL, "modernc:") {
		return "sqlite", strings.TrimPrefix(databaseURL, "modernc:")
	}
	return "sqlite3", strings.TrimPrefix(databaseURL, "sqlite3:")
}

// Open opens (creating if necessary) the control plane's relational store.
func Open(databaseURL string) (*Store, error) {
	driver, dsn := driverForURL(databaseURL)

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, &apierrors.StorageError{Op: "open", Err: err}
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, &apierrors.StorageError{Op: "enable-wal", Err: err}
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, &apierrors.StorageError{Op: "set-busy-timeout", Err: err}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, &apierrors.StorageError{Op: "migrate", Err: err}
	}

	return &Store{
		db:     db,
		logger: logrus.WithField("component", "controlplane.store"),
	}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// PublishAtomic inserts newVersion with status=published and archives
// whatever version was previously published, as a single linearizable
// storage transaction, so at most one version is ever published at
// once. It returns the id of the version that was archived, or a nil
// id if none was published before.
func (s *Store) PublishAtomic(newVersion *config.ConfigVersion) (id.ID, error) {
	s.publishLock.Lock()
	defer s.publishLock.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return id.Nil, &apierrors.StorageError{Op: "publish.begin", Err: err}
	}
	defer tx.Rollback() //nolint:errcheck

	var archived id.ID
	row := tx.QueryRow(`SELECT id FROM config_versions WHERE status = ?`, config.VersionPublished)
	var prevIDStr string
	switch err := row.Scan(&prevIDStr); err {
	case nil:
		archived, err = id.Parse(prevIDStr)
		if err != nil {
			return id.Nil, &apierrors.StorageError{Op: "publish.parse-prev", Err: err}
		}
		if _, err := tx.Exec(`UPDATE config_versions SET status = ? WHERE id = ?`,
			config.VersionArchived, prevIDStr); err != nil {
			return id.Nil, &apierrors.StorageError{Op: "publish.archive", Err: err}
		}
	case sql.ErrNoRows:
		// nothing published yet
	default:
		return id.Nil, &apierrors.StorageError{Op: "publish.lookup-prev", Err: err}
	}

	snapshotJSON, err := json.Marshal(newVersion.Snapshot)
	if err != nil {
		return id.Nil, &apierrors.StorageError{Op: "publish.marshal", Err: err}
	}

	if _, err := tx.Exec(
		`INSERT INTO config_versions (id, snapshot, status, created_by, created_at) VALUES (?, ?, ?, ?, ?)`,
		newVersion.ID.String(), string(snapshotJSON), newVersion.Status, newVersion.CreatedBy, newVersion.CreatedAt,
	); err != nil {
		return id.Nil, &apierrors.StorageError{Op: "publish.insert", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return id.Nil, &apierrors.StorageError{Op: "publish.commit", Err: err}
	}

	return archived, nil
}

// GetPublished returns the currently published version, or
// apierrors.ErrNoPublishedVersion if none exists.
func (s *Store) GetPublished() (*config.ConfigVersion, error) {
	return s.getByStatus(config.VersionPublished)
}

func (s *Store) getByStatus(status config.VersionStatus) (*config.ConfigVersion, error) {
	row := s.db.QueryRow(
		`SELECT id, snapshot, status, created_by, created_at FROM config_versions WHERE status = ?`, status)
	v, err := scanVersion(row)
	if err == sql.ErrNoRows {
		return nil, apierrors.ErrNoPublishedVersion
	}
	if err != nil {
		return nil, &apierrors.StorageError{Op: "get-by-status", Err: err}
	}
	return v, nil
}

// GetVersion returns a version by id.
func (s *Store) GetVersion(versionID id.ID) (*config.ConfigVersion, error) {
	row := s.db.QueryRow(
		`SELECT id, snapshot, status, created_by, created_at FROM config_versions WHERE id = ?`, versionID.String())
	v, err := scanVersion(row)
	if err == sql.ErrNoRows {
		return nil, &apierrors.NotFound{Kind: "ConfigVersion", ID: versionID.String()}
	}
	if err != nil {
		return nil, &apierrors.StorageError{Op: "get-version", Err: err}
	}
	return v, nil
}

// ListVersions returns every version, most recently created first.
func (s *Store) ListVersions() ([]config.ConfigVersion, error) {
	rows, err := s.db.Query(
		`SELECT id, snapshot, status, created_by, created_at FROM config_versions ORDER BY created_at DESC`)
	if err != nil {
		return nil, &apierrors.StorageError{Op: "list-versions", Err: err}
	}
	defer rows.Close()

	var versions []config.ConfigVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, &apierrors.StorageError{Op: "list-versions.scan", Err: err}
		}
		versions = append(versions, *v)
	}
	return versions, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVersion(row rowScanner) (*config.ConfigVersion, error) {
	var (
		idStr, snapshotJSON, status, createdBy string
		createdAt                              time.Time
	)
	if err := row.Scan(&idStr, &snapshotJSON, &status, &createdBy, &createdAt); err != nil {
		return nil, err
	}

	versionID, err := id.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("corrupt version id %q: %w", idStr, err)
	}

	var snapshot config.Snapshot
	if err := json.Unmarshal([]byte(snapshotJSON), &snapshot); err != nil {
		return nil, fmt.Errorf("corrupt snapshot for version %q: %w", idStr, err)
	}

	return &config.ConfigVersion{
		ID:        versionID,
		Snapshot:  snapshot,
		Status:    config.VersionStatus(status),
		CreatedBy: createdBy,
		CreatedAt: createdAt,
	}, nil
}

// AppendAudit appends an immutable audit entry.
func (s *Store) AppendAudit(entry config.AuditEntry) error {
	_, err := s.db.Exec(
		`INSERT INTO audit_log (actor, action, diff, created_at) VALUES (?, ?, ?, ?)`,
		entry.Actor, entry.Action, entry.Diff, entry.CreatedAt)
	if err != nil {
		return &apierrors.StorageError{Op: "append-audit", Err: err}
	}
	return nil
}

// UpsertNodeStatus records a node's heartbeat.
func (s *Store) UpsertNodeStatus(status config.NodeStatus) error {
	var metadataJSON []byte
	if status.Metadata != nil {
		var err error
		metadataJSON, err = json.Marshal(status.Metadata)
		if err != nil {
			return &apierrors.StorageError{Op: "upsert-node.marshal", Err: err}
		}
	}

	_, err := s.db.Exec(`
		INSERT INTO node_status (node_id, applied_version_id, heartbeat_at, metadata)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(node_id) DO UPDATE SET
			applied_version_id = excluded.applied_version_id,
			heartbeat_at = excluded.heartbeat_at,
			metadata = excluded.metadata`,
		status.NodeID, nullableID(status.AppliedVersionID), status.HeartbeatAt, string(metadataJSON))
	if err != nil {
		return &apierrors.StorageError{Op: "upsert-node", Err: err}
	}
	return nil
}

func nullableID(i id.ID) any {
	if i.IsNil() {
		return nil
	}
	return i.String()
}

// ListNodes returns every node's last known status.
func (s *Store) ListNodes() ([]config.NodeStatus, error) {
	rows, err := s.db.Query(`SELECT node_id, applied_version_id, heartbeat_at, metadata FROM node_status`)
	if err != nil {
		return nil, &apierrors.StorageError{Op: "list-nodes", Err: err}
	}
	defer rows.Close()

	var nodes []config.NodeStatus
	for rows.Next() {
		var (
			nodeID, metadataJSON string
			appliedVersionID     sql.NullString
			heartbeatAt          time.Time
		)
		if err := rows.Scan(&nodeID, &appliedVersionID, &heartbeatAt, &metadataJSON); err != nil {
			return nil, &apierrors.StorageError{Op: "list-nodes.scan", Err: err}
		}

		status := config.NodeStatus{NodeID: nodeID, HeartbeatAt: heartbeatAt}
		if appliedVersionID.Valid {
			parsed, err := id.Parse(appliedVersionID.String)
			if err == nil {
				status.AppliedVersionID = parsed
			}
		}
		if metadataJSON != "" {
			_ = json.Unmarshal([]byte(metadataJSON), &status.Metadata)
		}
		nodes = append(nodes, status)
	}
	return nodes, rows.Err()
}

// PutACMEChallenge records the key authorization for an HTTP-01 token.
func (s *Store) PutACMEChallenge(token, keyAuth string) error {
	_, err := s.db.Exec(`
		INSERT INTO acme_challenges (token, key_auth) VALUES (?, ?)
		ON CONFLICT(token) DO UPDATE SET key_auth = excluded.key_auth`, token, keyAuth)
	if err != nil {
		return &apierrors.StorageError{Op: "put-acme-challenge", Err: err}
	}
	return nil
}

// GetACMEChallenge returns the key authorization for a token.
func (s *Store) GetACMEChallenge(token string) (string, error) {
	var keyAuth string
	err := s.db.QueryRow(`SELECT key_auth FROM acme_challenges WHERE token = ?`, token).Scan(&keyAuth)
	if err == sql.ErrNoRows {
		return "", &apierrors.NotFound{Kind: "ACMEChallenge", ID: token}
	}
	if err != nil {
		return "", &apierrors.StorageError{Op: "get-acme-challenge", Err: err}
	}
	return keyAuth, nil
}
