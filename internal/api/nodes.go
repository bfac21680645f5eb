package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/amaydixit11/meshd/internal/core"
	"github.com/amaydixit11/meshd/internal/mesh"
	"github.com/amaydixit11/meshd/internal/peer"
	"github.com/amaydixit11/meshd/internal/registry"
)

// nodeView pairs a membership record with its last known liveness
type nodeView struct {
	Record      core.NodeRecord `json:"record"`
	Fingerprint string          `json:"fingerprint"`
	State       *core.NodeState `json:"state,omitempty"`
}

func (s *Server) handleNodesList(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.Registry.All()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "%s", err)
		return
	}
	states, err := s.Docs.States()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "%s", err)
		return
	}

	views := make([]nodeView, 0, len(nodes))
	for id, rec := range nodes {
		view := nodeView{Record: rec, Fingerprint: rec.Fingerprint()}
		if st, ok := states[id]; ok {
			st := st
			view.State = &st
		}
		views = append(views, view)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"self_id": s.Registry.SelfID(),
		"nodes":   views,
	})
}

func (s *Server) handleNodeGet(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, ok, err := s.Registry.Get(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "%s", err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "unknown node %s", id)
		return
	}

	view := nodeView{Record: rec, Fingerprint: rec.Fingerprint()}
	states, err := s.Docs.States()
	if err == nil {
		if st, ok := states[id]; ok {
			view.State = &st
		}
	}
	writeJSON(w, http.StatusOK, view)
}

// trustError maps registry sentinels to HTTP codes
func trustError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		writeError(w, http.StatusNotFound, "%s", err)
	case errors.Is(err, registry.ErrNotPending), errors.Is(err, registry.ErrNotTrusted):
		writeError(w, http.StatusConflict, "%s", err)
	case errors.Is(err, registry.ErrSelfTarget):
		writeError(w, http.StatusBadRequest, "%s", err)
	default:
		writeError(w, http.StatusInternalServerError, "%s", err)
	}
}

func (s *Server) handleNodeApprove(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.Registry.Approve(id); err != nil {
		trustError(w, err)
		return
	}
	s.recordAudit(r, "node.approve", id, "")
	s.log.Info("node approved", zap.String("node_id", id))

	// push the admission out so the joiner stops polling against
	// other members too
	go s.Engine.TriggerSync(context.Background())
	writeJSON(w, http.StatusOK, map[string]string{"status": "trusted"})
}

func (s *Server) handleNodeReject(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.Registry.Reject(id); err != nil {
		trustError(w, err)
		return
	}
	s.recordAudit(r, "node.reject", id, "")
	s.log.Info("node rejected", zap.String("node_id", id))
	writeJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
}

func (s *Server) handleNodeKick(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.Registry.Kick(id); err != nil {
		trustError(w, err)
		return
	}
	s.recordAudit(r, "node.kick", id, "")
	s.log.Warn("node kicked", zap.String("node_id", id))

	// the kick must reach the rest of the mesh before the victim's
	// record goes stale
	go s.Engine.TriggerSync(context.Background())
	writeJSON(w, http.StatusOK, map[string]string{"status": "kicked"})
}

func (s *Server) handleNodeDelete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.Registry.Delete(id); err != nil {
		trustError(w, err)
		return
	}
	s.recordAudit(r, "node.delete", id, "")
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleNodesJoin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL string `json:"url"`
	}
	if err := decode(r, &req); err != nil || req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}

	var (
		state mesh.JoinState
		err   error
	)
	if peer.IsInviteCode(req.URL) {
		inv, perr := peer.ParseInvite(req.URL)
		if perr != nil {
			writeError(w, http.StatusBadRequest, "%s", perr)
			return
		}
		state, err = s.Joiner.JoinInvite(r.Context(), inv)
	} else {
		state, err = s.Joiner.Join(r.Context(), req.URL)
	}

	s.recordAudit(r, "node.join", req.URL, string(state.Phase))
	if err != nil {
		writeJSON(w, http.StatusBadGateway, state)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleTriggerSync(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Engine.TriggerSync(r.Context()))
}

func (s *Server) handleNodesDiscovered(w http.ResponseWriter, r *http.Request) {
	discovered := []peer.DiscoveredPeer{}
	if s.Discovery != nil {
		discovered = s.Discovery.Discovered()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"discovered": discovered})
}

func (s *Server) handleNodesInvite(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TTLHours int `json:"ttl_hours"`
	}
	_ = decode(r, &req)

	rec, ok, err := s.Registry.Self()
	if err != nil || !ok {
		writeError(w, http.StatusInternalServerError, "self record missing")
		return
	}

	ttl := time.Duration(req.TTLHours) * time.Hour
	inv := peer.NewInvite(s.Identity, rec.URL(), rec.Name, ttl)
	s.recordAudit(r, "node.invite", "", "")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"code":        inv.Encode(),
		"expires_at":  inv.ExpiresAt,
		"fingerprint": inv.Fingerprint(),
	})
}
