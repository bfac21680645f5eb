package core

// NodeStatus is the advisory liveness of a node
type NodeStatus string

const (
	StatusOnline  NodeStatus = "online"
	StatusOffline NodeStatus = "offline"
	StatusUnknown NodeStatus = "unknown"
)

// NodeState is the liveness unit replicated through the states
// document. Key in the document map is NodeID. Entries merge by
// last_seen, newest wins.
type NodeState struct {
	NodeID     string                 `json:"node_id"`
	Status     NodeStatus             `json:"status"`
	LastSeen   float64                `json:"last_seen"`
	Version    int64                  `json:"version"`
	SystemInfo map[string]interface{} `json:"system_info,omitempty"`

	Extra ExtraFields `json:"-"`
}

// MarshalJSON preserves unrecognized fields captured at decode time
func (s NodeState) MarshalJSON() ([]byte, error) {
	type plain NodeState
	return marshalWithExtra(plain(s), s.Extra)
}

// UnmarshalJSON captures unrecognized fields for later re-encoding
func (s *NodeState) UnmarshalJSON(data []byte) error {
	type plain NodeState
	var p plain
	extra, err := unmarshalWithExtra(data, &p)
	if err != nil {
		return err
	}
	*s = NodeState(p)
	s.Extra = extra
	return nil
}

// Clone creates a deep copy of the state
func (s NodeState) Clone() NodeState {
	out := s
	if s.SystemInfo != nil {
		info := make(map[string]interface{}, len(s.SystemInfo))
		for k, v := range s.SystemInfo {
			info[k] = v
		}
		out.SystemInfo = info
	}
	out.Extra = s.Extra.Clone()
	return out
}
