// Package search maintains the node-local full-text index over
// snippets and chat messages. The index is derived state: it is
// rebuilt from the document store whenever it is missing, and never
// replicated.
package search

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/blevesearch/bleve/v2"
	indexmapping "github.com/blevesearch/bleve/v2/mapping"

	"github.com/amaydixit11/meshd/internal/core"
)

// Kinds of indexed documents
const (
	KindSnippet = "snippet"
	KindChat    = "chat"
)

// DefaultLimit caps result sets when the caller asks for none
const DefaultLimit = 50

// Index wraps the bleve index
type Index struct {
	idx  bleve.Index
	path string
}

// document is the indexed shape for both kinds
type document struct {
	Kind     string `json:"kind"`
	Title    string `json:"title,omitempty"`
	Category string `json:"category,omitempty"`
	Content  string `json:"content"`
	NodeName string `json:"node_name,omitempty"`
}

// Hit is one search result
type Hit struct {
	ID    string  `json:"id"`
	Kind  string  `json:"kind"`
	Score float64 `json:"score"`
}

func buildMapping() *indexmapping.IndexMappingImpl {
	mapping := bleve.NewIndexMapping()

	docMapping := bleve.NewDocumentMapping()

	keyword := bleve.NewTextFieldMapping()
	keyword.Analyzer = "keyword"
	docMapping.AddFieldMappingsAt("kind", keyword)
	docMapping.AddFieldMappingsAt("category", keyword)

	text := bleve.NewTextFieldMapping()
	text.Analyzer = "standard"
	docMapping.AddFieldMappingsAt("title", text)
	docMapping.AddFieldMappingsAt("content", text)
	docMapping.AddFieldMappingsAt("node_name", text)

	mapping.DefaultMapping = docMapping
	return mapping
}

// Open opens the index at <dataDir>/search.bleve, creating it when
// missing. created tells the caller to rebuild from the store.
func Open(dataDir string) (idx *Index, created bool, err error) {
	path := filepath.Join(dataDir, "search.bleve")

	b, err := bleve.Open(path)
	if err == bleve.ErrorIndexPathDoesNotExist {
		b, err = bleve.New(path, buildMapping())
		if err != nil {
			return nil, false, fmt.Errorf("create search index: %w", err)
		}
		return &Index{idx: b, path: path}, true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("open search index: %w", err)
	}
	return &Index{idx: b, path: path}, false, nil
}

// OpenMemory builds an in-memory index, used in tests
func OpenMemory() (*Index, error) {
	b, err := bleve.NewMemOnly(buildMapping())
	if err != nil {
		return nil, err
	}
	return &Index{idx: b}, nil
}

// Close releases the index
func (i *Index) Close() error {
	return i.idx.Close()
}

func snippetKey(id string) string { return KindSnippet + ":" + id }
func chatKey(id string) string    { return KindChat + ":" + id }

// IndexSnippet indexes a snippet's title and non-sensitive field
// values. Sensitive values never reach the index.
func (i *Index) IndexSnippet(s core.Snippet) error {
	if s.Deleted {
		return i.RemoveSnippet(s.ID)
	}
	var values []string
	for _, f := range s.Fields {
		if f.Sensitive {
			continue
		}
		values = append(values, f.Key, f.Value)
	}
	return i.idx.Index(snippetKey(s.ID), document{
		Kind:     KindSnippet,
		Title:    s.Title,
		Category: string(s.Category),
		Content:  strings.Join(values, " "),
	})
}

// RemoveSnippet drops a snippet from the index
func (i *Index) RemoveSnippet(id string) error {
	return i.idx.Delete(snippetKey(id))
}

// IndexChat indexes one chat message
func (i *Index) IndexChat(msg core.ChatMessage) error {
	return i.idx.Index(chatKey(msg.ID), document{
		Kind:     KindChat,
		Content:  msg.Content,
		NodeName: msg.NodeName,
	})
}

// IndexChatMany indexes a batch of merge-introduced messages
func (i *Index) IndexChatMany(msgs []core.ChatMessage) error {
	batch := i.idx.NewBatch()
	for _, msg := range msgs {
		if err := batch.Index(chatKey(msg.ID), document{
			Kind:     KindChat,
			Content:  msg.Content,
			NodeName: msg.NodeName,
		}); err != nil {
			return err
		}
	}
	return i.idx.Batch(batch)
}

// Rebuild replaces the index content from store snapshots. Called on
// startup when the index directory was missing.
func (i *Index) Rebuild(snips []core.Snippet, msgs []core.ChatMessage) error {
	for _, s := range snips {
		if s.Deleted {
			continue
		}
		if err := i.IndexSnippet(s); err != nil {
			return err
		}
	}
	return i.IndexChatMany(msgs)
}

// Search runs a full-text query, optionally restricted to one kind
func (i *Index) Search(query, kind string, limit int) ([]Hit, error) {
	match := bleve.NewMatchQuery(query)

	var req *bleve.SearchRequest
	if kind != "" {
		kindQuery := bleve.NewTermQuery(kind)
		kindQuery.SetField("kind")
		req = bleve.NewSearchRequest(bleve.NewConjunctionQuery(match, kindQuery))
	} else {
		req = bleve.NewSearchRequest(match)
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	req.Size = limit

	res, err := i.idx.Search(req)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	hits := make([]Hit, 0, len(res.Hits))
	for _, h := range res.Hits {
		k, id, ok := strings.Cut(h.ID, ":")
		if !ok {
			continue
		}
		hits = append(hits, Hit{ID: id, Kind: k, Score: h.Score})
	}
	return hits, nil
}
