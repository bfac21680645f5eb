// Package api is the node's HTTP surface: the operator REST API and
// WebSocket chat for the web UI, plus the mounted peer RPC endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/amaydixit11/meshd/internal/audit"
	"github.com/amaydixit11/meshd/internal/auth"
	"github.com/amaydixit11/meshd/internal/chat"
	"github.com/amaydixit11/meshd/internal/collector"
	"github.com/amaydixit11/meshd/internal/config"
	"github.com/amaydixit11/meshd/internal/identity"
	"github.com/amaydixit11/meshd/internal/mesh"
	"github.com/amaydixit11/meshd/internal/metrics"
	"github.com/amaydixit11/meshd/internal/peer"
	"github.com/amaydixit11/meshd/internal/registry"
	"github.com/amaydixit11/meshd/internal/search"
	"github.com/amaydixit11/meshd/internal/snippets"
	"github.com/amaydixit11/meshd/internal/tasks"
)

// Prefix is the path all API routes mount under
const Prefix = "/api/v1"

// maxBodyBytes bounds operator request bodies
const maxBodyBytes = 1 << 20

// Deps is everything the API serves. Discovery and Search may be nil
// when disabled.
type Deps struct {
	Config    *config.Config
	Identity  *identity.Identity
	Registry  *registry.Registry
	Docs      *mesh.Documents
	Engine    *mesh.Engine
	Joiner    *mesh.Joiner
	Hub       *chat.Hub
	Auth      *auth.Service
	Snippets  *snippets.Service
	Search    *search.Index
	Tasks     *tasks.Service
	Collector *collector.Collector
	Discovery *peer.Discovery
	PeerSrv   *peer.Server
	Metrics   *metrics.Metrics
	Audit     *audit.Log
	Version   string
}

// Server is the app HTTP server
type Server struct {
	Deps
	log     *zap.Logger
	started time.Time
	httpSrv *http.Server
}

// NewServer wires the router
func NewServer(deps Deps, log *zap.Logger) *Server {
	s := &Server{Deps: deps, log: log, started: time.Now()}
	s.httpSrv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", deps.Config.Server.Host, deps.Config.Server.Port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router builds the full route table
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	api := r.PathPrefix(Prefix).Subrouter()

	// peer RPC carries its own signature auth
	s.PeerSrv.Mount(api)

	// public surface
	api.HandleFunc("/auth/login", s.handleLogin).Methods(http.MethodPost)
	api.HandleFunc("/system/health", s.handleHealth).Methods(http.MethodGet)

	// websocket authenticates inside the upgrade so it can close 4001
	api.HandleFunc("/chat/ws", s.handleChatWS).Methods(http.MethodGet)

	if s.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.Metrics.Registry, promhttp.HandlerOpts{}))
	}

	// everything else needs a session
	sess := api.NewRoute().Subrouter()
	sess.Use(s.Auth.Middleware)

	sess.HandleFunc("/auth/logout", s.handleLogout).Methods(http.MethodPost)
	sess.HandleFunc("/auth/me", s.handleMe).Methods(http.MethodGet)

	sess.HandleFunc("/nodes", s.handleNodesList).Methods(http.MethodGet)
	sess.HandleFunc("/nodes/join", s.handleNodesJoin).Methods(http.MethodPost)
	sess.HandleFunc("/nodes/sync", s.handleTriggerSync).Methods(http.MethodPost)
	sess.HandleFunc("/nodes/discovered", s.handleNodesDiscovered).Methods(http.MethodGet)
	sess.HandleFunc("/nodes/invite", s.handleNodesInvite).Methods(http.MethodPost)
	sess.HandleFunc("/nodes/{id}", s.handleNodeGet).Methods(http.MethodGet)
	sess.HandleFunc("/nodes/{id}", s.handleNodeDelete).Methods(http.MethodDelete)
	sess.HandleFunc("/nodes/{id}/approve", s.handleNodeApprove).Methods(http.MethodPost)
	sess.HandleFunc("/nodes/{id}/reject", s.handleNodeReject).Methods(http.MethodPost)
	sess.HandleFunc("/nodes/{id}/kick", s.handleNodeKick).Methods(http.MethodPost)

	sess.HandleFunc("/peer/trigger-sync", s.handleTriggerSync).Methods(http.MethodPost)

	sess.HandleFunc("/chat/messages", s.handleChatList).Methods(http.MethodGet)
	sess.HandleFunc("/chat/messages", s.handleChatSend).Methods(http.MethodPost)

	sess.HandleFunc("/snippets", s.handleSnippetsList).Methods(http.MethodGet)
	sess.HandleFunc("/snippets", s.handleSnippetCreate).Methods(http.MethodPost)
	sess.HandleFunc("/snippets/{id}", s.handleSnippetGet).Methods(http.MethodGet)
	sess.HandleFunc("/snippets/{id}", s.handleSnippetUpdate).Methods(http.MethodPut)
	sess.HandleFunc("/snippets/{id}", s.handleSnippetDelete).Methods(http.MethodDelete)

	sess.HandleFunc("/search", s.handleSearch).Methods(http.MethodGet)

	sess.HandleFunc("/tasks", s.handleTasksList).Methods(http.MethodGet)
	sess.HandleFunc("/tasks", s.handleTaskCreate).Methods(http.MethodPost)
	sess.HandleFunc("/tasks/{id}", s.handleTaskGet).Methods(http.MethodGet)

	sess.HandleFunc("/system/info", s.handleSystemInfo).Methods(http.MethodGet)
	sess.HandleFunc("/audit", s.handleAuditList).Methods(http.MethodGet)

	sess.HandleFunc("/config", s.handleConfigGet).Methods(http.MethodGet)
	sess.HandleFunc("/config", s.handleConfigPut).Methods(http.MethodPut)

	return r
}

// Run serves until the context is cancelled, then drains
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", zap.String("addr", s.httpSrv.Addr))
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return <-errCh
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, format string, args ...interface{}) {
	writeJSON(w, code, map[string]string{"error": fmt.Sprintf(format, args...)})
}

// decode reads a bounded JSON body
func decode(r *http.Request, v interface{}) error {
	return json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes)).Decode(v)
}

func (s *Server) actor(r *http.Request) string {
	if user, ok := auth.UserFrom(r.Context()); ok {
		return user
	}
	return "unknown"
}

func (s *Server) recordAudit(r *http.Request, action, target, detail string) {
	if s.Audit == nil {
		return
	}
	if err := s.Audit.Record(s.actor(r), action, target, detail); err != nil {
		s.log.Warn("audit write failed", zap.Error(err))
	}
}
