package core

import "encoding/json"

// ExtraFields carries JSON members this binary does not recognize.
// Records travel between nodes that may run different versions, so a
// field added by a newer binary must survive decode, merge, and
// re-encode on an older one instead of being silently dropped.
type ExtraFields map[string]json.RawMessage

// Clone returns a copy of the field map
func (x ExtraFields) Clone() ExtraFields {
	if x == nil {
		return nil
	}
	out := make(ExtraFields, len(x))
	for k, v := range x {
		out[k] = v
	}
	return out
}

// marshalWithExtra encodes known and overlays extra members. Known
// fields always win over a stale extra with the same key.
func marshalWithExtra(known interface{}, extra ExtraFields) ([]byte, error) {
	b, err := json.Marshal(known)
	if err != nil {
		return nil, err
	}
	if len(extra) == 0 {
		return b, nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	for k, v := range extra {
		if _, ok := m[k]; !ok {
			m[k] = v
		}
	}
	return json.Marshal(m)
}

// unmarshalWithExtra decodes data into known and returns every member
// the struct did not claim. The claimed set is derived by re-encoding
// the decoded struct, so it tracks the type's json tags automatically.
func unmarshalWithExtra(data []byte, known interface{}) (ExtraFields, error) {
	if err := json.Unmarshal(data, known); err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(known)
	if err != nil {
		return nil, err
	}
	var claimed map[string]json.RawMessage
	if err := json.Unmarshal(encoded, &claimed); err != nil {
		return nil, err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, err
	}
	var extra ExtraFields
	for k, v := range all {
		if _, ok := claimed[k]; !ok {
			if extra == nil {
				extra = ExtraFields{}
			}
			extra[k] = v
		}
	}
	return extra, nil
}
