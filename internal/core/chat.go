package core

import (
	"github.com/google/uuid"
)

// MaxChatContentLen bounds a single message body
const MaxChatContentLen = 2000

// ChatMessage is one entry in the replicated chat list. Messages merge
// by union over ID; ordering is by timestamp with ID as the only
// tie-break.
type ChatMessage struct {
	ID        string  `json:"id"`
	NodeID    string  `json:"node_id"`
	NodeName  string  `json:"node_name"`
	Content   string  `json:"content"`
	Timestamp float64 `json:"timestamp"`
	ClientID  string  `json:"client_id,omitempty"`
	Status    string  `json:"status,omitempty"`

	Extra ExtraFields `json:"-"`
}

// NewChatMessage creates a message originating on this node
func NewChatMessage(nodeID, nodeName, content string) ChatMessage {
	return ChatMessage{
		ID:        uuid.NewString(),
		NodeID:    nodeID,
		NodeName:  nodeName,
		Content:   content,
		Timestamp: Now(),
	}
}

// MarshalJSON preserves unrecognized fields captured at decode time
func (m ChatMessage) MarshalJSON() ([]byte, error) {
	type plain ChatMessage
	return marshalWithExtra(plain(m), m.Extra)
}

// UnmarshalJSON captures unrecognized fields for later re-encoding
func (m *ChatMessage) UnmarshalJSON(data []byte) error {
	type plain ChatMessage
	var p plain
	extra, err := unmarshalWithExtra(data, &p)
	if err != nil {
		return err
	}
	*m = ChatMessage(p)
	m.Extra = extra
	return nil
}

// Clone creates a deep copy of the message
func (m ChatMessage) Clone() ChatMessage {
	out := m
	out.Extra = m.Extra.Clone()
	return out
}
