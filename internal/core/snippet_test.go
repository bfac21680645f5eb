package core

import (
	"encoding/json"
	"testing"
)

func TestSnippetCategoryIsValid(t *testing.T) {
	tests := []struct {
		category SnippetCategory
		valid    bool
	}{
		{CategoryAccount, true},
		{CategoryServer, true},
		{CategoryCommand, true},
		{CategoryNote, true},
		{SnippetCategory("secret"), false},
	}

	for _, tt := range tests {
		t.Run(string(tt.category), func(t *testing.T) {
			if tt.category.IsValid() != tt.valid {
				t.Errorf("expected %s.IsValid() to be %v", tt.category, tt.valid)
			}
		})
	}
}

func TestNewSnippet(t *testing.T) {
	s := NewSnippet(CategoryServer, "db host", []SnippetField{{Key: "host", Value: "10.0.0.9"}})

	if s.ID == "" {
		t.Error("expected snippet to have an id")
	}
	if s.CreatedAt != s.UpdatedAt {
		t.Error("expected created_at == updated_at on a fresh snippet")
	}
	if s.Deleted {
		t.Error("expected fresh snippet to not be deleted")
	}
}

func TestNewSnippetNilFields(t *testing.T) {
	s := NewSnippet(CategoryNote, "n", nil)

	if s.Fields == nil {
		t.Error("expected fields to be initialized to empty slice, got nil")
	}
}

func TestSnippetTombstone(t *testing.T) {
	s := NewSnippet(CategoryNote, "n", nil)
	before := s.UpdatedAt

	s.Tombstone()

	if !s.Deleted {
		t.Error("expected snippet to be deleted")
	}
	if s.UpdatedAt <= before {
		t.Errorf("tombstone did not advance updated_at: %f <= %f", s.UpdatedAt, before)
	}
}

func TestSnippetTombstoneSerializes(t *testing.T) {
	s := NewSnippet(CategoryNote, "n", nil)
	s.Tombstone()

	out, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(out, &m); err != nil {
		t.Fatalf("re-decode: %v", err)
	}
	if string(m["_deleted"]) != "true" {
		t.Errorf("expected _deleted=true on the wire, got %s", m["_deleted"])
	}
}

func TestSnippetClone(t *testing.T) {
	original := NewSnippet(CategoryAccount, "a", []SnippetField{{Key: "user", Value: "root"}})
	cloned := original.Clone()

	cloned.Fields[0].Value = "nobody"

	if original.Fields[0].Value != "root" {
		t.Error("modifying clone should not affect original fields")
	}
}
