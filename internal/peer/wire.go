// Package peer implements the signed RPC between mesh nodes: the wire
// schemas, the HTTP client with signature headers, the verifying
// handlers, per-peer sync cursors, LAN discovery and join invites.
package peer

import (
	"fmt"

	"github.com/amaydixit11/meshd/internal/core"
)

// Peer endpoint paths, mounted under the API prefix by the server.
// Handshake, join-request and join-status are the unsigned bootstrap
// endpoints; everything else requires signature verification.
const (
	PathHandshake   = "/peer/handshake"
	PathJoinRequest = "/peer/join-request"
	PathJoinStatus  = "/peer/join-status"
	PathSync        = "/peer/sync"
	PathHeartbeat   = "/peer/heartbeat"
	PathChatPush    = "/peer/chat-push"
	PathTriggerSync = "/peer/trigger-sync"
)

// Delta is one side of an incremental exchange: everything that
// changed after a peer's cursor
type Delta struct {
	Nodes    map[string]core.NodeRecord
	States   map[string]core.NodeState
	Chat     []core.ChatMessage
	Snippets []core.Snippet
}

// Empty reports whether the delta carries nothing
func (d Delta) Empty() bool {
	return len(d.Nodes) == 0 && len(d.States) == 0 && len(d.Chat) == 0 && len(d.Snippets) == 0
}

// Handshake is this node's public identity as returned by
// GET /peer/handshake and carried inside join requests
type Handshake struct {
	NodeID      string        `json:"node_id"`
	Name        string        `json:"name"`
	Mode        core.NodeMode `json:"mode"`
	Connectable bool          `json:"connectable"`
	Host        string        `json:"host,omitempty"`
	Port        int           `json:"port,omitempty"`
	PublicURL   string        `json:"public_url,omitempty"`
	PublicKey   string        `json:"public_key"`
}

// Record converts the handshake to a NodeRecord shell. Trust status
// and registered_at are the receiver's decision.
func (h Handshake) Record() core.NodeRecord {
	return core.NodeRecord{
		NodeID:      h.NodeID,
		Name:        h.Name,
		Mode:        h.Mode,
		Connectable: h.Connectable,
		Host:        h.Host,
		Port:        h.Port,
		PublicURL:   h.PublicURL,
		PublicKey:   h.PublicKey,
	}
}

// JoinStatusResponse answers a join-request and a join-status poll
type JoinStatusResponse struct {
	Status  string                     `json:"status"` // pending, trusted or kicked
	Message string                     `json:"message,omitempty"`
	Nodes   map[string]core.NodeRecord `json:"nodes,omitempty"`
}

// SyncRequest is the sender's half of a bidirectional incremental
// exchange: its deltas since the cursor it keeps for the receiver
type SyncRequest struct {
	NodeID     string                     `json:"node_id"`
	Since      float64                    `json:"since"`
	Nodes      map[string]core.NodeRecord `json:"nodes"`
	States     map[string]core.NodeState  `json:"states"`
	Chat       []core.ChatMessage         `json:"chat"`
	Snippets   []core.Snippet             `json:"snippets"`
	SystemInfo map[string]interface{}     `json:"system_info,omitempty"`
}

// SyncResponse carries the receiver's deltas, filtered by the
// request's since against the merged state
type SyncResponse struct {
	NodeID         string                     `json:"node_id"`
	CurrentVersion int64                      `json:"current_version"`
	Nodes          map[string]core.NodeRecord `json:"nodes"`
	States         map[string]core.NodeState  `json:"states"`
	Chat           []core.ChatMessage         `json:"chat"`
	Snippets       []core.Snippet             `json:"snippets"`
}

// HeartbeatRequest is a relay's upload: its liveness, system snapshot
// and results of tasks the hub queued for it
type HeartbeatRequest struct {
	NodeID      string                 `json:"node_id"`
	Mode        core.NodeMode          `json:"mode"`
	Since       float64                `json:"since"`
	SystemInfo  map[string]interface{} `json:"system_info,omitempty"`
	TaskResults []TaskResult           `json:"task_results,omitempty"`
}

// HeartbeatResponse is the hub's download: the global view since the
// relay's cursor plus any tasks queued for it
type HeartbeatResponse struct {
	Accepted       bool                       `json:"accepted"`
	NodeID         string                     `json:"node_id"`
	CurrentVersion int64                      `json:"current_version"`
	Nodes          map[string]core.NodeRecord `json:"nodes"`
	States         map[string]core.NodeState  `json:"states"`
	Chat           []core.ChatMessage         `json:"chat"`
	Snippets       []core.Snippet             `json:"snippets"`
	Tasks          []TaskOrder                `json:"tasks,omitempty"`
}

// TaskOrder is a queued command a hub hands to a relay
type TaskOrder struct {
	TaskID  string  `json:"task_id"`
	Command string  `json:"command"`
	Timeout float64 `json:"timeout,omitempty"`
}

// TaskResult reports a finished task back to the hub that queued it
type TaskResult struct {
	TaskID     string  `json:"task_id"`
	Status     string  `json:"status"`
	ExitCode   int     `json:"exit_code"`
	Stdout     string  `json:"stdout,omitempty"`
	Stderr     string  `json:"stderr,omitempty"`
	FinishedAt float64 `json:"finished_at"`
}

// ChatPushRequest is a fire-and-forget single-message push
type ChatPushRequest struct {
	NodeID  string           `json:"node_id"`
	Message core.ChatMessage `json:"message"`
}

// ChatPushResponse acknowledges a push
type ChatPushResponse struct {
	OK bool `json:"ok"`
}

// TriggerSummary is the result of a manual sync round
type TriggerSummary struct {
	Success     bool    `json:"success"`
	SyncedPeers int     `json:"synced_peers"`
	FailedPeers int     `json:"failed_peers"`
	TotalPeers  int     `json:"total_peers"`
	Elapsed     float64 `json:"elapsed"`
}

// StatusError carries an HTTP status from a handler or a client call.
// Handlers map it to `{"error": message}` with the given code; the
// client surfaces the receiver's code to the loops so they can tell
// auth rejections from transient failures.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%d: %s", e.Code, e.Message)
}

// NewStatusError builds a StatusError with a formatted message
func NewStatusError(code int, format string, args ...interface{}) *StatusError {
	return &StatusError{Code: code, Message: fmt.Sprintf(format, args...)}
}
