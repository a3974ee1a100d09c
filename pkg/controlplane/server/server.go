// Package server implements the control plane's HTTP surface: the
// published-snapshot feed consumed by data-plane nodes, node heartbeats,
// and the ACME HTTP-01 challenge contract. The admin CRUD surface that
// shapes draft snapshots is an external collaborator; this package only
// exposes the boundary operations named in the interface contract
// (publish, rollback, version reads, snapshot feed).
package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/sirupsen/logrus"

	"github.com/meshrelay/gateway/pkg/apis/config"
	apierrors "github.com/meshrelay/gateway/pkg/apis/errors"
	"github.com/meshrelay/gateway/pkg/controlplane/acme"
	"github.com/meshrelay/gateway/pkg/controlplane/publisher"
	"github.com/meshrelay/gateway/pkg/controlplane/store"
	"github.com/meshrelay/gateway/pkg/util/id"
	"github.com/meshrelay/gateway/pkg/util/runnable"
)

// Server is the control plane's HTTP-JSON API. It embeds a
// runnable.HTTPServer so it can be managed by a runnable.Manager
// alongside the process's other background tasks.
type Server struct {
	*runnable.HTTPServer

	publisher  *publisher.Publisher
	store      *store.Store
	challenges *acme.Challenges

	logger *logrus.Entry
}

// New constructs a Server wired to pub and s.
func New(pub *publisher.Publisher, s *store.Store) *Server {
	srv := &Server{
		publisher:  pub,
		store:      s,
		challenges: acme.New(s),
		logger:     logrus.WithField("component", "controlplane.server"),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger(srv.logger))
	r.Use(middleware.Recoverer)

	r.Get("/api/v1/config/published", srv.handleGetPublished)
	r.Get("/api/v1/config/versions", srv.handleListVersions)
	r.Get("/api/v1/config/versions/{id}", srv.handleGetVersion)
	r.Post("/api/v1/config/publish", srv.handlePublish)
	r.Post("/api/v1/config/rollback", srv.handleRollback)
	r.Post("/api/v1/config/validate", srv.handleValidate)
	r.Post("/api/v1/nodes/register", srv.handleRegisterNode)
	r.Post("/api/v1/nodes/heartbeat", srv.handleHeartbeat)
	r.Get("/api/v1/nodes", srv.handleListNodes)
	srv.challenges.Routes(r)

	srv.HTTPServer = runnable.NewHTTPServer("controlplane-http", r)

	return srv
}

func requestLogger(logger *logrus.Entry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			logger.WithFields(logrus.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"duration": time.Since(start),
			}).Debug("handled request")
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	switch e := err.(type) {
	case *apierrors.ValidationFailed:
		writeJSON(w, http.StatusBadRequest, map[string]any{"errors": e.Errors})
	case *apierrors.NotFound:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": e.Error()})
	case *apierrors.Conflict:
		writeJSON(w, http.StatusConflict, map[string]string{"error": e.Error()})
	default:
		if err == apierrors.ErrNoPublishedVersion {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func (s *Server) handleGetPublished(w http.ResponseWriter, _ *http.Request) {
	version, err := s.publisher.GetPublished()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, version)
}

func (s *Server) handleListVersions(w http.ResponseWriter, _ *http.Request) {
	versions, err := s.publisher.ListVersions()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, versions)
}

func (s *Server) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	versionID, err := id.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	version, err := s.publisher.GetVersion(versionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, version)
}

type publishRequest struct {
	Snapshot config.Snapshot `json:"snapshot"`
	Actor    string          `json:"actor"`
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	version, err := s.publisher.Publish(req.Snapshot, req.Actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, version)
}

type rollbackRequest struct {
	VersionID string `json:"version_id"`
	Actor     string `json:"actor"`
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	var req rollbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	targetID, err := id.Parse(req.VersionID)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	version, err := s.publisher.Rollback(targetID, req.Actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, version)
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var snapshot config.Snapshot
	if err := json.NewDecoder(r.Body).Decode(&snapshot); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, s.publisher.Validate(snapshot))
}

// handleRegisterNode records a node's first appearance. It is functionally
// a heartbeat upsert keyed by a node id carried in the body rather than the
// URL: a node's periodic heartbeat would upsert the same row regardless,
// but registration lets a node announce itself once, before it has
// anything to report, rather than waiting for its first poll cycle.
func (s *Server) handleRegisterNode(w http.ResponseWriter, r *http.Request) {
	var body struct {
		NodeID   string         `json:"node_id"`
		Metadata map[string]any `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if body.NodeID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "node_id is required"})
		return
	}

	status := config.NodeStatus{
		NodeID:      body.NodeID,
		HeartbeatAt: time.Now(),
		Metadata:    body.Metadata,
	}
	if err := s.store.UpsertNodeStatus(status); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var body struct {
		NodeID           string         `json:"node_id"`
		AppliedVersionID string         `json:"applied_version_id"`
		Metadata         map[string]any `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if body.NodeID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "node_id is required"})
		return
	}

	status := config.NodeStatus{
		NodeID:      body.NodeID,
		HeartbeatAt: time.Now(),
		Metadata:    body.Metadata,
	}
	if body.AppliedVersionID != "" {
		versionID, err := id.Parse(body.AppliedVersionID)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		status.AppliedVersionID = versionID
	}

	if err := s.store.UpsertNodeStatus(status); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListNodes(w http.ResponseWriter, _ *http.Request) {
	nodes, err := s.store.ListNodes()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nodes)
}
