package core

import (
	"github.com/google/uuid"
)

// SnippetCategory represents the kind of a shared snippet
type SnippetCategory string

const (
	CategoryAccount SnippetCategory = "account"
	CategoryServer  SnippetCategory = "server"
	CategoryCommand SnippetCategory = "command"
	CategoryNote    SnippetCategory = "note"
)

// ValidSnippetCategories contains all valid categories for validation
var ValidSnippetCategories = map[SnippetCategory]bool{
	CategoryAccount: true,
	CategoryServer:  true,
	CategoryCommand: true,
	CategoryNote:    true,
}

// IsValid checks if the category is valid
func (c SnippetCategory) IsValid() bool {
	return ValidSnippetCategories[c]
}

// SnippetField is one key/value pair inside a snippet. Sensitive fields
// are masked in list views and excluded from the search index.
type SnippetField struct {
	Key       string `json:"key"`
	Value     string `json:"value"`
	Sensitive bool   `json:"sensitive"`
}

// Snippet is a small shared record replicated through the snippets
// document. Snippets merge by union over ID with updated_at deciding
// conflicts; deletion writes a tombstone that outlives merges so a
// stale replica cannot resurrect it.
type Snippet struct {
	ID        string          `json:"id"`
	Category  SnippetCategory `json:"category"`
	Title     string          `json:"title"`
	Fields    []SnippetField  `json:"fields"`
	Hidden    bool            `json:"hidden"`
	CreatedAt float64         `json:"created_at"`
	UpdatedAt float64         `json:"updated_at"`
	Deleted   bool            `json:"_deleted,omitempty"`

	Extra ExtraFields `json:"-"`
}

// NewSnippet creates a snippet originating on this node
func NewSnippet(category SnippetCategory, title string, fields []SnippetField) Snippet {
	if fields == nil {
		fields = []SnippetField{}
	}
	now := Now()
	return Snippet{
		ID:        uuid.NewString(),
		Category:  category,
		Title:     title,
		Fields:    fields,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// MarshalJSON preserves unrecognized fields captured at decode time
func (s Snippet) MarshalJSON() ([]byte, error) {
	type plain Snippet
	return marshalWithExtra(plain(s), s.Extra)
}

// UnmarshalJSON captures unrecognized fields for later re-encoding
func (s *Snippet) UnmarshalJSON(data []byte) error {
	type plain Snippet
	var p plain
	extra, err := unmarshalWithExtra(data, &p)
	if err != nil {
		return err
	}
	*s = Snippet(p)
	s.Extra = extra
	return nil
}

// Clone creates a deep copy of the snippet
func (s Snippet) Clone() Snippet {
	out := s
	fields := make([]SnippetField, len(s.Fields))
	copy(fields, s.Fields)
	out.Fields = fields
	out.Extra = s.Extra.Clone()
	return out
}

// Tombstone marks the snippet deleted and bumps updated_at so the
// deletion wins merges against any copy older than now
func (s *Snippet) Tombstone() {
	s.Deleted = true
	s.UpdatedAt = After(s.UpdatedAt)
}
