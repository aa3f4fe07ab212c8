package destination

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"driftsync.dev/entity"
)

func testEntity(id, typ, syncID string, vec []float32) *entity.Entity {
	return &entity.Entity{
		ID:     id,
		Type:   typ,
		Fields: map[string]any{"title": "doc " + id},
		Vector: vec,
		System: entity.SystemMetadata{SyncID: syncID},
	}
}

func chunkEntity(id, parentID, syncID string, idx int) *entity.Entity {
	e := testEntity(id, "document_chunk", syncID, []float32{0.1, 0.2})
	e.ParentID = parentID
	e.ChunkIndex = idx
	return e
}

// openDestinations builds one of each local adapter over the same contract.
func openDestinations(t *testing.T) map[string]Destination {
	t.Helper()
	boltDest, err := NewBoltDestination("col-1", filepath.Join(t.TempDir(), "dest.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = boltDest.Close() })

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "dest.sqlite")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	pgDest, err := NewPostgresDestination("col-1", db)
	require.NoError(t, err)

	return map[string]Destination{
		"memory":   NewMemoryDestination("col-1"),
		"bolt":     boltDest,
		"postgres": pgDest,
	}
}

func TestDestinationContract(t *testing.T) {
	ctx := context.Background()
	for name, dest := range openDestinations(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, dest.CreateIfMissing(ctx))
			require.NoError(t, dest.CreateIfMissing(ctx), "CreateIfMissing is idempotent")

			ents := []*entity.Entity{
				testEntity("a", "issue", "sync-1", []float32{1, 0}),
				testEntity("b", "issue", "sync-1", []float32{0, 1}),
				testEntity("c", "issue", "sync-2", []float32{1, 0}),
			}
			require.NoError(t, dest.BulkInsert(ctx, ents))

			hits, err := dest.Search(ctx, []float32{1, 0}, 2)
			require.NoError(t, err)
			require.Len(t, hits, 2)
			assert.InDelta(t, 1.0, hits[0].Score, 1e-9)
			assert.Equal(t, hits[0].Score >= hits[1].Score, true)

			// delete scoped to sync-1 must not touch sync-2's record
			require.NoError(t, dest.BulkDelete(ctx, []string{"a", "c"}, "sync-1"))
			hits, err = dest.Search(ctx, []float32{1, 0}, 10)
			require.NoError(t, err)
			ids := map[string]bool{}
			for _, h := range hits {
				ids[h.Record.EntityID] = true
			}
			assert.False(t, ids["a"])
			assert.True(t, ids["b"])
			assert.True(t, ids["c"], "record in another sync survives the delete")
		})
	}
}

func TestBulkDeleteByParentRemovesParentAndChunks(t *testing.T) {
	ctx := context.Background()
	for name, dest := range openDestinations(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, dest.CreateIfMissing(ctx))
			ents := []*entity.Entity{
				testEntity("doc-1", "document", "sync-1", []float32{1, 0}),
				chunkEntity("doc-1#chunk-0", "doc-1", "sync-1", 0),
				chunkEntity("doc-1#chunk-1", "doc-1", "sync-1", 1),
				testEntity("doc-2", "document", "sync-1", []float32{0, 1}),
			}
			require.NoError(t, dest.BulkInsert(ctx, ents))

			require.NoError(t, dest.BulkDeleteByParentID(ctx, "doc-1", "sync-1"))

			hits, err := dest.Search(ctx, []float32{1, 1}, 10)
			require.NoError(t, err)
			require.Len(t, hits, 1)
			assert.Equal(t, "doc-2", hits[0].Record.EntityID)
		})
	}
}

func TestBulkInsertUpserts(t *testing.T) {
	ctx := context.Background()
	for name, dest := range openDestinations(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, dest.CreateIfMissing(ctx))
			require.NoError(t, dest.BulkInsert(ctx, []*entity.Entity{
				testEntity("a", "issue", "sync-1", []float32{1, 0}),
			}))
			updated := testEntity("a", "issue", "sync-1", []float32{0, 1})
			updated.Fields["title"] = "renamed"
			require.NoError(t, dest.BulkInsert(ctx, []*entity.Entity{updated}))

			hits, err := dest.Search(ctx, []float32{0, 1}, 10)
			require.NoError(t, err)
			require.Len(t, hits, 1, "same entity twice keeps one record")
			assert.Equal(t, "renamed", hits[0].Record.Payload["title"])
		})
	}
}

func TestMemoryDestinationCallLog(t *testing.T) {
	ctx := context.Background()
	dest := NewMemoryDestination("col-1")
	require.NoError(t, dest.CreateIfMissing(ctx))
	require.NoError(t, dest.BulkDeleteByParentID(ctx, "doc-1", "sync-1"))
	require.NoError(t, dest.BulkInsert(ctx, []*entity.Entity{
		testEntity("doc-1", "document", "sync-1", []float32{1}),
	}))

	calls := dest.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "delete_by_parent", calls[0].Op)
	assert.Equal(t, "insert", calls[1].Op)
}

func TestRegistry(t *testing.T) {
	names := Names()
	assert.Contains(t, names, "memory")
	assert.Contains(t, names, "bolt")
	assert.Contains(t, names, "postgres")

	dest, err := New("memory", "col-1", nil)
	require.NoError(t, err)
	assert.Equal(t, "memory", dest.Name())

	_, err = New("nope", "col-1", nil)
	assert.Error(t, err)

	_, err = New("bolt", "col-1", map[string]any{})
	assert.Error(t, err, "bolt without a path is a config error")
}

func TestRecordFromEntity(t *testing.T) {
	e := testEntity("a", "issue", "sync-1", []float32{1, 0})
	e.File = &entity.FileInfo{Name: "spec.pdf", MimeType: "application/pdf", Size: 42}
	rec := RecordFromEntity(e, "sync-1")

	assert.Equal(t, e.DestinationKey("sync-1").String(), rec.ID)
	assert.Equal(t, "spec.pdf", rec.Payload["file_name"])
	assert.Equal(t, "sync-1", rec.SyncID)
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float32{1, 2}, []float32{2, 4}), 1e-9)
	assert.InDelta(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.Zero(t, CosineSimilarity([]float32{1}, []float32{1, 2}), "width mismatch scores zero")
	assert.Zero(t, CosineSimilarity(nil, nil))
}

func TestPostgresRowRoundTrip(t *testing.T) {
	rec := RecordFromEntity(testEntity("a", "issue", "sync-1", []float32{0.5, -0.25}), "sync-1")
	rec.SparseVector = map[string]float64{"term": 1.5}

	row, err := rowFromRecord(rec, "col-1")
	require.NoError(t, err)
	back, err := recordFromRow(&row)
	require.NoError(t, err)

	assert.Equal(t, rec.EntityID, back.EntityID)
	assert.Equal(t, rec.Vector, back.Vector)
	assert.Equal(t, rec.SparseVector, back.SparseVector)
	assert.Equal(t, fmt.Sprintf("%v", rec.Payload["title"]), fmt.Sprintf("%v", back.Payload["title"]))
}
