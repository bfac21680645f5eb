package peer

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/amaydixit11/meshd/internal/core"
	"github.com/amaydixit11/meshd/internal/identity"
	"github.com/amaydixit11/meshd/internal/registry"
)

// maxRequestBytes bounds what the server will read from a peer
const maxRequestBytes = 32 << 20

// DocumentPlane is the replicated document surface the handlers
// operate on, implemented by the mesh engine's document service
type DocumentPlane interface {
	Merge(remote Delta) (changed bool, newChat []core.ChatMessage, err error)
	DeltaSince(since float64) (Delta, error)
	TouchPeerState(peerID string, systemInfo map[string]interface{}) error
	AppendChat(msg core.ChatMessage) (bool, error)
}

// Broadcaster fans merged-in chat messages out to local subscribers
type Broadcaster interface {
	Broadcast(msg core.ChatMessage)
	BroadcastMany(msgs []core.ChatMessage)
}

// TaskExchange is the relay task queue the heartbeat handler drains
type TaskExchange interface {
	DrainFor(nodeID string) []TaskOrder
	AcceptResults(fromNodeID string, results []TaskResult)
}

// Server holds the signed peer RPC handlers. The app server mounts it
// under its API prefix.
type Server struct {
	docs  DocumentPlane
	reg   *registry.Registry
	hub   Broadcaster
	tasks TaskExchange
	clock *core.Clock
	log   *zap.Logger
}

// NewServer builds the peer handler set
func NewServer(docs DocumentPlane, reg *registry.Registry, hub Broadcaster, tasks TaskExchange, clock *core.Clock, log *zap.Logger) *Server {
	return &Server{docs: docs, reg: reg, hub: hub, tasks: tasks, clock: clock, log: log}
}

// Mount registers the peer endpoints on a router. Handshake and the
// join endpoints are the unsigned bootstrap surface; sync, heartbeat
// and chat-push verify the sender's signature before decoding.
func (s *Server) Mount(r *mux.Router) {
	r.HandleFunc(PathHandshake, s.handleHandshake).Methods(http.MethodGet)
	r.HandleFunc(PathJoinRequest, s.handleJoinRequest).Methods(http.MethodPost)
	r.HandleFunc(PathJoinStatus, s.handleJoinStatus).Methods(http.MethodGet)
	r.HandleFunc(PathSync, s.signed(s.handleSync)).Methods(http.MethodPost)
	r.HandleFunc(PathHeartbeat, s.signed(s.handleHeartbeat)).Methods(http.MethodPost)
	r.HandleFunc(PathChatPush, s.signed(s.handleChatPush)).Methods(http.MethodPost)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// signed wraps a handler with signature verification. The raw body is
// read before any JSON decoding so the hash check and the decode see
// the same bytes; the verified sender id and body are handed through.
func (s *Server) signed(next func(w http.ResponseWriter, r *http.Request, senderID string, body []byte)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
		if err != nil {
			writeError(w, http.StatusBadRequest, "read body failed")
			return
		}

		nodeID := r.Header.Get(identity.HeaderNodeID)
		publicKey, err := s.reg.VerifySender(nodeID)
		if err != nil {
			s.log.Warn("rejected peer request",
				zap.String("path", r.URL.Path),
				zap.String("node_id", nodeID),
				zap.Error(err))
			writeError(w, http.StatusForbidden, err.Error())
			return
		}

		err = identity.Verify(
			nodeID,
			r.Header.Get(identity.HeaderTimestamp),
			r.Header.Get(identity.HeaderBodyHash),
			r.Header.Get(identity.HeaderSignature),
			body,
			publicKey,
		)
		if err != nil {
			s.log.Warn("signature verification failed",
				zap.String("path", r.URL.Path),
				zap.String("node_id", nodeID),
				zap.Error(err))
			writeError(w, http.StatusForbidden, err.Error())
			return
		}

		next(w, r, nodeID, body)
	}
}

// selfHandshake builds the public identity response from the local
// record
func (s *Server) selfHandshake() (Handshake, error) {
	rec, ok, err := s.reg.Self()
	if err != nil {
		return Handshake{}, err
	}
	if !ok {
		return Handshake{}, errors.New("self record missing")
	}
	return Handshake{
		NodeID:      rec.NodeID,
		Name:        rec.Name,
		Mode:        rec.Mode,
		Connectable: rec.Connectable,
		Host:        rec.Host,
		Port:        rec.Port,
		PublicURL:   rec.PublicURL,
		PublicKey:   rec.PublicKey,
	}, nil
}

func (s *Server) handleHandshake(w http.ResponseWriter, r *http.Request) {
	hs, err := s.selfHandshake()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, hs)
}

// trustedSnapshot is the nodes view handed to a freshly approved
// joiner: every trusted record plus our own
func (s *Server) trustedSnapshot() (map[string]core.NodeRecord, error) {
	all, err := s.reg.All()
	if err != nil {
		return nil, err
	}
	out := map[string]core.NodeRecord{}
	for id, rec := range all {
		if rec.TrustStatus == core.TrustTrusted || rec.TrustStatus == core.TrustSelf {
			out[id] = rec
		}
	}
	return out, nil
}

func (s *Server) handleJoinRequest(w http.ResponseWriter, r *http.Request) {
	var hs Handshake
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes)).Decode(&hs); err != nil {
		writeError(w, http.StatusBadRequest, "malformed join request")
		return
	}
	if hs.NodeID == "" || hs.PublicKey == "" {
		writeError(w, http.StatusBadRequest, "node_id and public_key are required")
		return
	}

	outcome, err := s.reg.SavePending(hs.Record())
	if err != nil {
		if errors.Is(err, registry.ErrSelfTarget) {
			writeError(w, http.StatusBadRequest, "cannot join yourself")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	switch outcome {
	case registry.JoinKicked:
		s.log.Warn("join request from kicked node", zap.String("node_id", hs.NodeID))
		writeJSON(w, http.StatusForbidden, JoinStatusResponse{
			Status:  string(registry.JoinKicked),
			Message: "this node was kicked from the mesh",
		})
	case registry.JoinTrusted:
		nodes, err := s.trustedSnapshot()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, JoinStatusResponse{
			Status: string(registry.JoinTrusted),
			Nodes:  nodes,
		})
	default:
		s.log.Info("join request saved as pending",
			zap.String("node_id", hs.NodeID),
			zap.String("name", hs.Name),
			zap.String("fingerprint", core.KeyFingerprint(hs.PublicKey)))
		writeJSON(w, http.StatusOK, JoinStatusResponse{
			Status:  string(registry.JoinPending),
			Message: "waiting for operator approval",
		})
	}
}

func (s *Server) handleJoinStatus(w http.ResponseWriter, r *http.Request) {
	nodeID := r.URL.Query().Get("node_id")
	publicKey := r.URL.Query().Get("public_key")
	if nodeID == "" || publicKey == "" {
		writeError(w, http.StatusBadRequest, "node_id and public_key are required")
		return
	}

	rec, ok, err := s.reg.Get(nodeID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "unknown node")
		return
	}
	// the key in the query proves the poller is the node that asked
	if rec.PublicKey != publicKey {
		writeError(w, http.StatusForbidden, "public key mismatch")
		return
	}

	switch rec.TrustStatus {
	case core.TrustTrusted:
		nodes, err := s.trustedSnapshot()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, JoinStatusResponse{Status: string(registry.JoinTrusted), Nodes: nodes})
	case core.TrustKicked:
		writeJSON(w, http.StatusOK, JoinStatusResponse{Status: string(registry.JoinKicked)})
	default:
		writeJSON(w, http.StatusOK, JoinStatusResponse{Status: string(registry.JoinPending)})
	}
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request, senderID string, body []byte) {
	var req SyncRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed sync request")
		return
	}
	if req.NodeID != senderID {
		writeError(w, http.StatusForbidden, "body node_id does not match signature")
		return
	}

	_, newChat, err := s.docs.Merge(Delta{
		Nodes:    req.Nodes,
		States:   req.States,
		Chat:     req.Chat,
		Snippets: req.Snippets,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.docs.TouchPeerState(senderID, req.SystemInfo); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if len(newChat) > 0 && s.hub != nil {
		s.hub.BroadcastMany(newChat)
	}

	// response deltas come from the merged state, filtered by the
	// sender's cursor
	delta, err := s.docs.DeltaSince(req.Since)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, SyncResponse{
		NodeID:         s.reg.SelfID(),
		CurrentVersion: s.clock.Current(),
		Nodes:          delta.Nodes,
		States:         delta.States,
		Chat:           delta.Chat,
		Snippets:       delta.Snippets,
	})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request, senderID string, body []byte) {
	var req HeartbeatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed heartbeat")
		return
	}
	if req.NodeID != senderID {
		writeError(w, http.StatusForbidden, "body node_id does not match signature")
		return
	}

	// the sender passed signature verification, so its record exists;
	// refresh the mode it reports and its liveness
	if err := s.reg.RefreshPeer(senderID, req.Mode); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.docs.TouchPeerState(senderID, req.SystemInfo); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if len(req.TaskResults) > 0 && s.tasks != nil {
		s.tasks.AcceptResults(senderID, req.TaskResults)
	}

	delta, err := s.docs.DeltaSince(req.Since)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := HeartbeatResponse{
		Accepted:       true,
		NodeID:         s.reg.SelfID(),
		CurrentVersion: s.clock.Current(),
		Nodes:          delta.Nodes,
		States:         delta.States,
		Chat:           delta.Chat,
		Snippets:       delta.Snippets,
	}
	if s.tasks != nil {
		resp.Tasks = s.tasks.DrainFor(senderID)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleChatPush(w http.ResponseWriter, r *http.Request, senderID string, body []byte) {
	var req ChatPushRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed chat push")
		return
	}
	if req.NodeID != senderID {
		writeError(w, http.StatusForbidden, "body node_id does not match signature")
		return
	}
	msg := req.Message
	if msg.ID == "" || msg.Content == "" || len(msg.Content) > core.MaxChatContentLen {
		writeError(w, http.StatusBadRequest, "invalid chat message")
		return
	}

	added, err := s.docs.AppendChat(msg)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if added && s.hub != nil {
		s.hub.Broadcast(msg)
	}
	writeJSON(w, http.StatusOK, ChatPushResponse{OK: true})
}
