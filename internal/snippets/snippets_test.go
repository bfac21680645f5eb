package snippets

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amaydixit11/meshd/internal/core"
	"github.com/amaydixit11/meshd/internal/logging"
	"github.com/amaydixit11/meshd/internal/mesh"
	"github.com/amaydixit11/meshd/internal/registry"
	"github.com/amaydixit11/meshd/internal/store"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	dir, err := os.MkdirTemp("", "meshd-snippets-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	st, err := store.Open(dir)
	require.NoError(t, err)

	reg := registry.New(st, "self-0001")
	docs := mesh.NewDocuments(st, reg, 500)

	s, err := NewService(docs, nil, logging.Nop())
	require.NoError(t, err)
	return s
}

func TestCreateAndGet(t *testing.T) {
	s := newTestService(t)

	snip, err := s.Create([]byte(`{
		"category": "server",
		"title": "db host",
		"fields": [
			{"key": "host", "value": "10.0.0.5"},
			{"key": "root password", "value": "hunter2", "sensitive": true}
		]
	}`))
	require.NoError(t, err)
	assert.NotEmpty(t, snip.ID)
	assert.Equal(t, core.CategoryServer, snip.Category)
	assert.Greater(t, snip.UpdatedAt, 0.0)

	got, err := s.Get(snip.ID)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", got.Fields[1].Value)
}

func TestCreateRejectsInvalidPayload(t *testing.T) {
	s := newTestService(t)

	cases := []string{
		`{"title": "no category"}`,
		`{"category": "password", "title": "bad category"}`,
		`{"category": "note", "title": ""}`,
		`{"category": "note", "title": "x", "fields": [{"value": "keyless"}]}`,
		`not json`,
	}
	for _, raw := range cases {
		_, err := s.Create([]byte(raw))
		var verr *ValidationError
		assert.ErrorAs(t, err, &verr, "payload %s", raw)
	}
}

func TestListMasksSensitiveAndSkipsDeleted(t *testing.T) {
	s := newTestService(t)

	kept, err := s.Create([]byte(`{
		"category": "account",
		"title": "registry login",
		"fields": [{"key": "password", "value": "hunter2", "sensitive": true}]
	}`))
	require.NoError(t, err)

	doomed, err := s.Create([]byte(`{"category": "note", "title": "scratch"}`))
	require.NoError(t, err)
	require.NoError(t, s.Delete(doomed.ID))

	list, err := s.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, kept.ID, list[0].ID)
	assert.Equal(t, MaskedValue, list[0].Fields[0].Value)

	// masking must not leak back into the stored copy
	got, err := s.Get(kept.ID)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", got.Fields[0].Value)
}

func TestUpdateBumpsUpdatedAt(t *testing.T) {
	s := newTestService(t)

	snip, err := s.Create([]byte(`{"category": "command", "title": "restart"}`))
	require.NoError(t, err)

	updated, err := s.Update(snip.ID, []byte(`{"category": "command", "title": "restart all"}`))
	require.NoError(t, err)
	assert.Equal(t, "restart all", updated.Title)
	assert.Greater(t, updated.UpdatedAt, snip.UpdatedAt)
	assert.Equal(t, snip.CreatedAt, updated.CreatedAt)
}

func TestDeleteLeavesTombstone(t *testing.T) {
	s := newTestService(t)

	snip, err := s.Create([]byte(`{"category": "note", "title": "gone"}`))
	require.NoError(t, err)
	require.NoError(t, s.Delete(snip.ID))

	_, err = s.Get(snip.ID)
	assert.ErrorIs(t, err, ErrDeleted)
	assert.ErrorIs(t, s.Delete(snip.ID), ErrDeleted)

	_, err = s.Get("no-such-id")
	assert.ErrorIs(t, err, ErrNotFound)

	// recreating is a new snippet; the tombstone remains for merges
	again, err := s.Create([]byte(`{"category": "note", "title": "gone"}`))
	require.NoError(t, err)
	assert.NotEqual(t, snip.ID, again.ID)
}
