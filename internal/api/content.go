package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/amaydixit11/meshd/internal/search"
	"github.com/amaydixit11/meshd/internal/snippets"
	"github.com/amaydixit11/meshd/internal/tasks"
)

func snippetError(w http.ResponseWriter, err error) {
	var verr *snippets.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":    "validation failed",
			"problems": verr.Problems,
		})
	case errors.Is(err, snippets.ErrNotFound), errors.Is(err, snippets.ErrDeleted):
		writeError(w, http.StatusNotFound, "%s", err)
	default:
		writeError(w, http.StatusInternalServerError, "%s", err)
	}
}

func (s *Server) handleSnippetsList(w http.ResponseWriter, r *http.Request) {
	snips, err := s.Snippets.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "%s", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"snippets": snips})
}

func (s *Server) handleSnippetCreate(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	snip, err := s.Snippets.Create(raw)
	if err != nil {
		snippetError(w, err)
		return
	}
	s.recordAudit(r, "snippet.create", snip.ID, snip.Title)
	writeJSON(w, http.StatusCreated, snip)
}

func (s *Server) handleSnippetGet(w http.ResponseWriter, r *http.Request) {
	snip, err := s.Snippets.Get(mux.Vars(r)["id"])
	if err != nil {
		snippetError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snip)
}

func (s *Server) handleSnippetUpdate(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	snip, err := s.Snippets.Update(mux.Vars(r)["id"], raw)
	if err != nil {
		snippetError(w, err)
		return
	}
	s.recordAudit(r, "snippet.update", snip.ID, snip.Title)
	writeJSON(w, http.StatusOK, snip)
}

func (s *Server) handleSnippetDelete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.Snippets.Delete(id); err != nil {
		snippetError(w, err)
		return
	}
	s.recordAudit(r, "snippet.delete", id, "")
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if s.Search == nil {
		writeError(w, http.StatusServiceUnavailable, "search is disabled")
		return
	}

	q := r.URL.Query()
	query := q.Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}

	kind := q.Get("kind")
	switch kind {
	case "", search.KindSnippet, search.KindChat:
	default:
		writeError(w, http.StatusBadRequest, "kind must be %s or %s", search.KindSnippet, search.KindChat)
		return
	}

	limit := search.DefaultLimit
	if raw := q.Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	hits, err := s.Search.Search(query, kind, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "%s", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"hits": hits})
}

func (s *Server) handleTasksList(w http.ResponseWriter, r *http.Request) {
	infos, err := s.Tasks.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "%s", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": infos})
}

func (s *Server) handleTaskCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NodeID  string  `json:"node_id"`
		Command string  `json:"command"`
		Timeout float64 `json:"timeout"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.NodeID == "" {
		req.NodeID = s.Registry.SelfID()
	}

	info, err := s.Tasks.Create(req.NodeID, req.Command, req.Timeout, s.actor(r))
	switch {
	case errors.Is(err, tasks.ErrEmptyCommand), errors.Is(err, tasks.ErrBlacklisted):
		writeError(w, http.StatusBadRequest, "%s", err)
		return
	case errors.Is(err, tasks.ErrQueueFull):
		writeError(w, http.StatusTooManyRequests, "%s", err)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "%s", err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (s *Server) handleTaskGet(w http.ResponseWriter, r *http.Request) {
	info, err := s.Tasks.Get(mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, tasks.ErrNotFound) {
			writeError(w, http.StatusNotFound, "%s", err)
			return
		}
		writeError(w, http.StatusInternalServerError, "%s", err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}
