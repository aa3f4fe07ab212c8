package entity

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashStability(t *testing.T) {
	base := func() *Entity {
		return &Entity{
			ID:   "page-1",
			Type: "page",
			Fields: map[string]any{
				"title": "Quarterly report",
				"body":  "Numbers went up.",
			},
		}
	}

	first, err := base().Hash()
	require.NoError(t, err)

	// Run-scoped metadata, vectors and excluded fields must not move the hash.
	changed := base()
	changed.System = SystemMetadata{SyncID: "sync-a", SyncJobID: "job-9", SourceName: "gitea"}
	changed.Vector = []float32{0.1, 0.2}
	changed.Fields["observed_at"] = time.Now().String()
	changed.Fields["sync_id"] = "sync-a"

	second, err := changed.Hash()
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestHashChangesWithContent(t *testing.T) {
	a := &Entity{ID: "x", Type: "issue", Fields: map[string]any{"title": "one"}}
	b := &Entity{ID: "x", Type: "issue", Fields: map[string]any{"title": "two"}}

	ha, err := a.Hash()
	require.NoError(t, err)
	hb, err := b.Hash()
	require.NoError(t, err)
	assert.NotEqual(t, ha, hb)
}

func TestHashIsCached(t *testing.T) {
	e := &Entity{ID: "x", Type: "issue", Fields: map[string]any{"title": "one"}}
	h1, err := e.Hash()
	require.NoError(t, err)

	// Mutating fields without invalidation returns the cached value.
	e.Fields["title"] = "two"
	h2, err := e.Hash()
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	e.InvalidateHash()
	h3, err := e.Hash()
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
}

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "doc.md")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestFileHashDetectsRename(t *testing.T) {
	mtime := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	fileEntity := func(name string) *Entity {
		return &Entity{
			ID:   "file-1",
			Type: "file",
			File: &FileInfo{
				Name:       name,
				MimeType:   "text/markdown",
				LocalPath:  writeTempFile(t, "same bytes"),
				Size:       10,
				ModifiedAt: mtime,
			},
		}
	}

	original, err := fileEntity("report.md").Hash()
	require.NoError(t, err)
	renamed, err := fileEntity("report-final.md").Hash()
	require.NoError(t, err)

	// Same bytes, new name: the composed hash must differ.
	assert.NotEqual(t, original, renamed)

	unchanged, err := fileEntity("report.md").Hash()
	require.NoError(t, err)
	assert.Equal(t, original, unchanged)
}

func TestFileHashUsesByteChecksum(t *testing.T) {
	mtime := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e := &Entity{
		ID:   "file-2",
		Type: "file",
		File: &FileInfo{
			Name:       "notes.md",
			MimeType:   "text/markdown",
			LocalPath:  writeTempFile(t, "version one"),
			Size:       11,
			ModifiedAt: mtime,
		},
	}
	h1, err := e.Hash()
	require.NoError(t, err)

	changed := &Entity{
		ID:   "file-2",
		Type: "file",
		File: &FileInfo{
			Name:       "notes.md",
			MimeType:   "text/markdown",
			LocalPath:  writeTempFile(t, "version two!"),
			Size:       11,
			ModifiedAt: mtime,
		},
	}
	h2, err := changed.Hash()
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

func TestDestinationKeyStableAndScoped(t *testing.T) {
	e := &Entity{ID: "a", Type: "page"}

	k1 := e.DestinationKey("sync-1")
	k2 := e.DestinationKey("sync-1")
	k3 := e.DestinationKey("sync-2")

	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)

	other := &Entity{ID: "b", Type: "page"}
	assert.NotEqual(t, k1, other.DestinationKey("sync-1"))
}

func TestEmbeddableTextDeterministic(t *testing.T) {
	e := &Entity{
		ID:   "a",
		Type: "page",
		Breadcrumbs: []Breadcrumb{
			{ID: "ws", Name: "Workspace", Type: "space"},
		},
		Fields: map[string]any{
			"zeta":        "last",
			"alpha":       "first",
			"observed_at": "2026-01-01",
		},
	}

	text := e.EmbeddableText()
	assert.Contains(t, text, "page")
	assert.Contains(t, text, "Workspace")
	assert.Contains(t, text, "alpha: first")
	// Excluded fields stay out of the projection.
	assert.NotContains(t, text, "observed_at")
	assert.Equal(t, text, e.EmbeddableText())
}

func TestCloneIsolatesFields(t *testing.T) {
	e := &Entity{ID: "a", Type: "page", Fields: map[string]any{"k": "v"}}
	_, err := e.Hash()
	require.NoError(t, err)

	dup := e.Clone()
	dup.Fields["k"] = "changed"

	assert.Equal(t, "v", e.Fields["k"])

	hOrig, err := e.Hash()
	require.NoError(t, err)
	hDup, err := dup.Hash()
	require.NoError(t, err)
	assert.NotEqual(t, hOrig, hDup)
}
