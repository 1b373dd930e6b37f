package persona

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/julesdesai/writing-anima/internal/index"
	"github.com/julesdesai/writing-anima/internal/logging"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()

	store, err := NewSQLiteStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	idx, err := index.NewChromemStore("", logging.NewNop())
	require.NoError(t, err)

	return NewRegistry(store, idx, 3, logging.NewNop())
}

func TestCreateAndGet(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	p, err := r.Create(ctx, "user-1", "Montaigne", "essayist voice", "")
	require.NoError(t, err)
	assert.NotEmpty(t, p.ID)
	assert.Equal(t, "user-1", p.OwnerID)
	assert.Equal(t, DefaultModelID, p.ModelID)
	assert.NotEmpty(t, p.CollectionID)
	assert.True(t, p.CorpusAvailable)
	assert.Zero(t, p.ChunkCount)

	got, err := r.Get(ctx, "user-1", p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)
	assert.Equal(t, p.CollectionID, got.CollectionID)
}

func TestCreateValidation(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Create(ctx, "", "name", "", "")
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = r.Create(ctx, "user-1", "   ", "", "")
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = r.Create(ctx, "user-1", "name", "", "not-a-model")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestCrossOwnerAccessRejected(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	p, err := r.Create(ctx, "owner-u2", "P2", "", "")
	require.NoError(t, err)

	// U1 cannot read, update, delete, or resolve U2's persona.
	_, err = r.Get(ctx, "intruder-u1", p.ID)
	assert.ErrorIs(t, err, ErrNotAuthorized)

	_, err = r.Update(ctx, "intruder-u1", p.ID, Patch{})
	assert.ErrorIs(t, err, ErrNotAuthorized)

	assert.ErrorIs(t, r.Delete(ctx, "intruder-u1", p.ID), ErrNotAuthorized)

	_, err = r.Resolve(ctx, "intruder-u1", p.ID)
	assert.ErrorIs(t, err, ErrNotAuthorized)

	// The owner still resolves fine.
	collection, err := r.Resolve(ctx, "owner-u2", p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.CollectionID, collection)
}

func TestGetMissingPersona(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Get(context.Background(), "user-1", "no-such-id")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListScopedToOwner(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Create(ctx, "alice", "A1", "", "")
	require.NoError(t, err)
	_, err = r.Create(ctx, "alice", "A2", "", "")
	require.NoError(t, err)
	_, err = r.Create(ctx, "bob", "B1", "", "")
	require.NoError(t, err)

	alices, err := r.List(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, alices, 2)

	bobs, err := r.List(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, bobs, 1)
	assert.Equal(t, "B1", bobs[0].Name)
}

func TestUpdateRestrictedFields(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	p, err := r.Create(ctx, "user-1", "Before", "old", "")
	require.NoError(t, err)

	name := "After"
	desc := "new description"
	model := Models[1].ID
	updated, err := r.Update(ctx, "user-1", p.ID, Patch{Name: &name, Description: &desc, ModelID: &model})
	require.NoError(t, err)
	assert.Equal(t, "After", updated.Name)
	assert.Equal(t, "new description", updated.Description)
	assert.Equal(t, model, updated.ModelID)

	bad := "definitely-not-real"
	_, err = r.Update(ctx, "user-1", p.ID, Patch{ModelID: &bad})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestDeleteCascadesToCollection(t *testing.T) {
	store, err := NewSQLiteStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	idx, err := index.NewChromemStore("", logging.NewNop())
	require.NoError(t, err)

	r := NewRegistry(store, idx, 3, logging.NewNop())
	ctx := context.Background()

	p, err := r.Create(ctx, "user-1", "Ephemeral", "", "")
	require.NoError(t, err)

	exists, err := idx.Exists(ctx, p.CollectionID)
	require.NoError(t, err)
	require.True(t, exists)

	require.NoError(t, r.Delete(ctx, "user-1", p.ID))

	exists, err = idx.Exists(ctx, p.CollectionID)
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = r.Get(ctx, "user-1", p.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecordIngestionBumpsCounters(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	p, err := r.Create(ctx, "user-1", "Counted", "", "")
	require.NoError(t, err)

	require.NoError(t, r.RecordIngestion(ctx, p.ID, 1, 12))
	require.NoError(t, r.RecordIngestion(ctx, p.ID, 2, 30))

	got, err := r.Get(ctx, "user-1", p.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.DocumentCount)
	assert.Equal(t, 42, got.ChunkCount)
}

func TestCorpusAvailableReflectsIndex(t *testing.T) {
	store, err := NewSQLiteStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	idx, err := index.NewChromemStore("", logging.NewNop())
	require.NoError(t, err)

	r := NewRegistry(store, idx, 3, logging.NewNop())
	ctx := context.Background()

	p, err := r.Create(ctx, "user-1", "Fragile", "", "")
	require.NoError(t, err)

	// Simulate a lost collection behind the registry's back.
	require.NoError(t, idx.Drop(ctx, p.CollectionID))

	got, err := r.Get(ctx, "user-1", p.ID)
	require.NoError(t, err)
	assert.False(t, got.CorpusAvailable)
}

func TestListModels(t *testing.T) {
	r := newTestRegistry(t)

	models := r.ListModels()
	require.NotEmpty(t, models)
	for _, m := range models {
		assert.NotEmpty(t, m.ID)
		assert.NotEmpty(t, m.Provider)
	}
}

func TestDocumentLifecycle(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	p, err := r.Create(ctx, "user-1", "Docs", "", "")
	require.NoError(t, err)

	doc := &Document{
		ID:         "doc-1",
		PersonaID:  p.ID,
		Filename:   "essay.txt",
		ByteLength: 1024,
		Status:     DocumentPending,
		CreatedAt:  p.CreatedAt,
	}
	require.NoError(t, r.Store().InsertDocument(ctx, doc))

	doc.Status = DocumentIndexed
	doc.ChunkCount = 7
	require.NoError(t, r.Store().UpdateDocument(ctx, doc))

	docs, err := r.ListDocuments(ctx, "user-1", p.ID)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, DocumentIndexed, docs[0].Status)
	assert.Equal(t, 7, docs[0].ChunkCount)

	_, err = r.ListDocuments(ctx, "someone-else", p.ID)
	assert.ErrorIs(t, err, ErrNotAuthorized)
}
