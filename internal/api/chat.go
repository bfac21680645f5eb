package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/amaydixit11/meshd/internal/auth"
	"github.com/amaydixit11/meshd/internal/chat"
	"github.com/amaydixit11/meshd/internal/core"
)

// closePolicyUnauthorized is sent to websocket clients that connect
// without a valid session
const closePolicyUnauthorized = 4001

const (
	wsWriteWait = 10 * time.Second
	wsPongWait  = 60 * time.Second
	wsPingEvery = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// the API is same-node; the UI is served from this origin
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *Server) handleChatList(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.Docs.Chat()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "%s", err)
		return
	}

	q := r.URL.Query()
	if raw := q.Get("before"); raw != "" {
		before, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "before must be a unix timestamp")
			return
		}
		filtered := msgs[:0]
		for _, m := range msgs {
			if m.Timestamp < before {
				filtered = append(filtered, m)
			}
		}
		msgs = filtered
	}

	limit := 50
	if raw := q.Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"messages": msgs})
}

func (s *Server) handleChatSend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content  string `json:"content"`
		ClientID string `json:"client_id"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	msg, err := s.Hub.Send(req.Content, req.ClientID)
	switch {
	case errors.Is(err, chat.ErrEmptyMessage), errors.Is(err, chat.ErrTooLong):
		writeError(w, http.StatusBadRequest, "%s", err)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "%s", err)
		return
	}

	if s.Search != nil {
		if ierr := s.Search.IndexChat(msg); ierr != nil {
			s.log.Warn("indexing chat message failed", zap.Error(ierr))
		}
	}
	writeJSON(w, http.StatusCreated, msg)
}

// handleChatWS streams mesh chat to a browser. Authentication happens
// after the upgrade so an invalid session gets a proper close frame
// instead of a failed handshake the client cannot distinguish from a
// network error.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	token := auth.TokenFromRequest(r)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	user, err := s.Auth.Validate(token)
	if err != nil {
		deadline := time.Now().Add(wsWriteWait)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(closePolicyUnauthorized, "unauthorized"), deadline)
		_ = conn.Close()
		return
	}

	sub := s.Hub.Subscribe()
	defer s.Hub.Unsubscribe(sub)
	s.log.Debug("chat websocket connected", zap.String("user", user))

	done := make(chan struct{})

	// read pump: inbound frames are messages to send into the mesh
	go func() {
		defer close(done)
		conn.SetReadLimit(int64(core.MaxChatContentLen) * 4)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			var in struct {
				Content  string `json:"content"`
				ClientID string `json:"client_id"`
			}
			if err := conn.ReadJSON(&in); err != nil {
				return
			}
			msg, err := s.Hub.Send(in.Content, in.ClientID)
			if err != nil {
				continue
			}
			if s.Search != nil {
				_ = s.Search.IndexChat(msg)
			}
		}
	}()

	ping := time.NewTicker(wsPingEvery)
	defer ping.Stop()
	defer conn.Close()

	for {
		select {
		case <-done:
			return
		case msg, ok := <-sub.Messages():
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ping.C:
			deadline := time.Now().Add(wsWriteWait)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}
