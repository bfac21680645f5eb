// Package snippets is the CRUD service over the replicated snippets
// document: payload validation, tombstone deletes and masking of
// sensitive fields for list views.
package snippets

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"

	"github.com/amaydixit11/meshd/internal/core"
	"github.com/amaydixit11/meshd/internal/mesh"
)

// MaskedValue replaces sensitive field values in list views
const MaskedValue = "••••••••"

var (
	ErrNotFound = errors.New("snippet not found")
	ErrDeleted  = errors.New("snippet was deleted")
)

// ValidationError carries the schema violations of a rejected payload
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid snippet: %v", e.Problems)
}

// payloadSchema validates create and update bodies
const payloadSchema = `{
	"type": "object",
	"required": ["category", "title"],
	"properties": {
		"category": {"type": "string", "enum": ["account", "server", "command", "note"]},
		"title": {"type": "string", "minLength": 1, "maxLength": 200},
		"hidden": {"type": "boolean"},
		"fields": {
			"type": "array",
			"maxItems": 64,
			"items": {
				"type": "object",
				"required": ["key"],
				"properties": {
					"key": {"type": "string", "minLength": 1, "maxLength": 100},
					"value": {"type": "string", "maxLength": 10000},
					"sensitive": {"type": "boolean"}
				}
			}
		}
	}
}`

// Payload is a validated create/update body
type Payload struct {
	Category core.SnippetCategory `json:"category"`
	Title    string               `json:"title"`
	Fields   []core.SnippetField  `json:"fields"`
	Hidden   bool                 `json:"hidden"`
}

// Indexer receives snippet changes for the search index. May be nil.
type Indexer interface {
	IndexSnippet(s core.Snippet) error
	RemoveSnippet(id string) error
}

// Service is the snippet CRUD surface
type Service struct {
	docs   *mesh.Documents
	index  Indexer
	schema *gojsonschema.Schema
	log    *zap.Logger
}

// NewService compiles the payload schema once and wires the service
func NewService(docs *mesh.Documents, index Indexer, log *zap.Logger) (*Service, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(payloadSchema))
	if err != nil {
		return nil, fmt.Errorf("compile snippet schema: %w", err)
	}
	return &Service{docs: docs, index: index, schema: schema, log: log}, nil
}

// ParsePayload validates a raw body against the schema and decodes it
func (s *Service) ParsePayload(raw []byte) (Payload, error) {
	result, err := s.schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return Payload{}, &ValidationError{Problems: []string{"malformed JSON"}}
	}
	if !result.Valid() {
		verr := &ValidationError{}
		for _, problem := range result.Errors() {
			verr.Problems = append(verr.Problems, problem.String())
		}
		return Payload{}, verr
	}
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{}, &ValidationError{Problems: []string{err.Error()}}
	}
	return p, nil
}

func (s *Service) reindex(snip core.Snippet) {
	if s.index == nil {
		return
	}
	var err error
	if snip.Deleted {
		err = s.index.RemoveSnippet(snip.ID)
	} else {
		err = s.index.IndexSnippet(snip)
	}
	if err != nil {
		s.log.Warn("snippet indexing failed",
			zap.String("id", snip.ID),
			zap.Error(err))
	}
}

// Create validates the body and writes a new snippet
func (s *Service) Create(raw []byte) (core.Snippet, error) {
	p, err := s.ParsePayload(raw)
	if err != nil {
		return core.Snippet{}, err
	}
	snip := core.NewSnippet(p.Category, p.Title, p.Fields)
	snip.Hidden = p.Hidden
	if err := s.docs.WriteSnippet(snip); err != nil {
		return core.Snippet{}, err
	}
	s.reindex(snip)
	return snip, nil
}

// Get returns one live snippet with full field values
func (s *Service) Get(id string) (core.Snippet, error) {
	all, err := s.docs.Snippets()
	if err != nil {
		return core.Snippet{}, err
	}
	for _, snip := range all {
		if snip.ID != id {
			continue
		}
		if snip.Deleted {
			return core.Snippet{}, ErrDeleted
		}
		return snip, nil
	}
	return core.Snippet{}, ErrNotFound
}

// Update replaces a snippet's content, bumping updated_at so the
// change wins merges against older copies
func (s *Service) Update(id string, raw []byte) (core.Snippet, error) {
	p, err := s.ParsePayload(raw)
	if err != nil {
		return core.Snippet{}, err
	}
	snip, err := s.Get(id)
	if err != nil {
		return core.Snippet{}, err
	}
	snip.Category = p.Category
	snip.Title = p.Title
	snip.Fields = p.Fields
	if snip.Fields == nil {
		snip.Fields = []core.SnippetField{}
	}
	snip.Hidden = p.Hidden
	snip.UpdatedAt = core.After(snip.UpdatedAt)
	if err := s.docs.WriteSnippet(snip); err != nil {
		return core.Snippet{}, err
	}
	s.reindex(snip)
	return snip, nil
}

// Delete tombstones a snippet. The tombstone replicates so no stale
// copy can resurrect the content.
func (s *Service) Delete(id string) error {
	snip, err := s.Get(id)
	if err != nil {
		return err
	}
	snip.Tombstone()
	if err := s.docs.WriteSnippet(snip); err != nil {
		return err
	}
	s.reindex(snip)
	return nil
}

// List returns live snippets newest first, sensitive values masked
func (s *Service) List() ([]core.Snippet, error) {
	all, err := s.docs.Snippets()
	if err != nil {
		return nil, err
	}
	out := make([]core.Snippet, 0, len(all))
	for _, snip := range all {
		if snip.Deleted {
			continue
		}
		out = append(out, Mask(snip))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt > out[j].UpdatedAt
	})
	return out, nil
}

// Mask returns a copy with sensitive field values hidden
func Mask(snip core.Snippet) core.Snippet {
	out := snip.Clone()
	for i, f := range out.Fields {
		if f.Sensitive {
			out.Fields[i].Value = MaskedValue
		}
	}
	return out
}
