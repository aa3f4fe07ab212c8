package runctx

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"driftsync.dev/config"
	"driftsync.dev/credstore"
	"driftsync.dev/ledger"
)

func testBuilder(t *testing.T) *Builder {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return &Builder{
		Ledger:     ledger.NewMemoryLedger(),
		MaxWorkers: 4,
		Log:        log,
	}
}

func inlineDefinition() *config.Definition {
	return &config.Definition{
		SyncID: "sync-1",
		UserID: "user-1",
		Source: config.SourceSpec{Name: "inline"},
		Destinations: []config.DestinationSpec{
			{ID: "dest", Name: "memory", CollectionID: "col-1"},
		},
		Edges: []config.EdgeSpec{{From: "source", To: "dest"}},
	}
}

func TestBuildInlineContext(t *testing.T) {
	rc, err := testBuilder(t).Build(context.Background(), inlineDefinition())
	require.NoError(t, err)

	assert.Equal(t, "sync-1", rc.SyncID)
	assert.NotEmpty(t, rc.SyncJobID)
	assert.Equal(t, "inline", rc.Source.Name())
	assert.Equal(t, "source", rc.SourceNodeID)
	assert.Len(t, rc.Destinations, 1)
	assert.NotNil(t, rc.Embedder)
	assert.NotNil(t, rc.Progress)
	assert.NotNil(t, rc.Helpers, "runs share the bounded CPU helper pool")
	assert.False(t, rc.Incremental)
	assert.Equal(t, 4, rc.MaxWorkers)
}

func TestBuildResolvesFieldMappers(t *testing.T) {
	def := inlineDefinition()
	def.Transformers = []config.TransformerSpec{
		{ID: "map", Name: "field_mapper", Rename: map[string]string{"name": "title"}, Drop: []string{"internal"}},
	}
	def.Edges = []config.EdgeSpec{
		{From: "source", To: "map"},
		{From: "map", To: "dest"},
	}

	rc, err := testBuilder(t).Build(context.Background(), def)
	require.NoError(t, err)
	_, ok := rc.Router.Graph().Node("map")
	assert.True(t, ok)

	// a second build of the same definition reuses the registered mapper
	_, err = testBuilder(t).Build(context.Background(), def)
	assert.NoError(t, err)
}

func TestBuildRejectsUnknownSource(t *testing.T) {
	def := inlineDefinition()
	def.Source.Name = "jira"
	_, err := testBuilder(t).Build(context.Background(), def)
	assert.ErrorContains(t, err, "unknown source")
}

func TestBuildRejectsCursorOnCursorlessSource(t *testing.T) {
	def := inlineDefinition()
	def.Source.CursorField = "updated_at"
	_, err := testBuilder(t).Build(context.Background(), def)
	assert.ErrorContains(t, err, "does not support cursors")
}

func TestBuildRejectsCycles(t *testing.T) {
	def := inlineDefinition()
	def.Transformers = []config.TransformerSpec{
		{ID: "a", Name: "field_mapper"},
		{ID: "b", Name: "field_mapper"},
	}
	def.Edges = append(def.Edges,
		config.EdgeSpec{From: "source", To: "a"},
		config.EdgeSpec{From: "a", To: "b"},
		config.EdgeSpec{From: "b", To: "a"},
	)
	_, err := testBuilder(t).Build(context.Background(), def)
	assert.Error(t, err)
}

func TestBuildLoadsStoredCredentials(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "creds.db")), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	cipher, err := credstore.NewCipher("unit-test-secret")
	require.NoError(t, err)
	store, err := credstore.NewStore(db, cipher)
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(), &credstore.Credentials{
		ConnectionID: "int-1",
		SourceShort:  "gitea",
		AuthType:     credstore.AuthAPIKey,
		AccessToken:  "token-123",
	}))

	b := testBuilder(t)
	b.Credentials = store

	def := inlineDefinition()
	def.Source = config.SourceSpec{
		Name:          "gitea",
		AuthType:      "api_key",
		IntegrationID: "int-1",
		Config:        map[string]any{"base_url": "https://gitea.example.com"},
	}
	rc, err := b.Build(context.Background(), def)
	require.NoError(t, err)
	tok, err := rc.Tokens.ValidToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-123", tok)
}

func TestBuildRejectsAuthTypeMismatch(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "creds.db")), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	cipher, err := credstore.NewCipher("unit-test-secret")
	require.NoError(t, err)
	store, err := credstore.NewStore(db, cipher)
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(), &credstore.Credentials{
		ConnectionID: "int-1",
		AuthType:     credstore.AuthAPIKey,
		AccessToken:  "token-123",
	}))

	b := testBuilder(t)
	b.Credentials = store

	def := inlineDefinition()
	def.Source = config.SourceSpec{
		Name:          "gitea",
		AuthType:      "oauth2",
		IntegrationID: "int-1",
		Config:        map[string]any{"base_url": "https://gitea.example.com"},
	}
	_, err = b.Build(context.Background(), def)
	assert.ErrorContains(t, err, "expects oauth2")
}

func TestBuildIncrementalFlag(t *testing.T) {
	def := inlineDefinition()
	def.Source = config.SourceSpec{
		Name:   "gitea",
		Cursor: "2026-08-01T00:00:00Z",
		Config: map[string]any{"base_url": "https://gitea.example.com"},
	}
	rc, err := testBuilder(t).Build(context.Background(), def)
	require.NoError(t, err)
	assert.True(t, rc.Incremental)
}
