// Package runctx assembles everything one sync run needs into a single
// context object: decrypted credentials wrapped in a token manager, the
// constructed source, the validated routing graph, connected destinations,
// the embedding model and the progress publisher. Building the context does
// all the fallible wiring up front so the run loop itself only moves
// entities.
package runctx

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"driftsync.dev/common"
	"driftsync.dev/config"
	"driftsync.dev/credstore"
	"driftsync.dev/dag"
	"driftsync.dev/destination"
	"driftsync.dev/embedding"
	"driftsync.dev/ledger"
	"driftsync.dev/progress"
	"driftsync.dev/source"
	"driftsync.dev/stream"
	"driftsync.dev/token"
	"driftsync.dev/transform"
)

// Context is the assembled state for one sync run.
type Context struct {
	SyncID    string
	SyncJobID string
	UserID    string

	Log          *logrus.Entry
	Source       source.Source
	SourceNodeID string
	Router       *dag.Router
	Destinations []destination.Destination
	Ledger       ledger.Ledger
	Embedder     embedding.Model
	Sparse       *embedding.SparseEncoder
	Progress     *progress.Publisher
	Tokens       token.Provider
	Helpers      *stream.HelperPool
	MaxWorkers   int

	// Incremental marks a cursor-resumed run. The stream only covers
	// entities past the cursor, so absence from it proves nothing and
	// orphan deletion must not run.
	Incremental bool
}

// Builder holds the long-lived infrastructure shared by all runs.
type Builder struct {
	Ledger      ledger.Ledger
	Credentials *credstore.Store
	Broker      progress.Broker
	Embedding   config.EmbeddingConfig
	MaxWorkers  int
	Log         *logrus.Logger
}

// Build wires a run context for one sync definition. Every error here is a
// configuration or connectivity problem; nothing has been streamed yet, so
// failing fast is safe.
func (b *Builder) Build(ctx context.Context, def *config.Definition) (*Context, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	jobID := uuid.NewString()
	baseLog := b.Log
	if baseLog == nil {
		baseLog = common.Logger
	}
	log := common.RunLogger(baseLog, def.SyncID, jobID, def.UserID)

	creds, err := b.loadCredentials(ctx, def)
	if err != nil {
		return nil, err
	}
	tokens := token.NewManager(creds, b.refresher(def, creds), log)

	src, err := b.buildSource(def, creds, tokens)
	if err != nil {
		return nil, err
	}

	router, err := buildRouter(def)
	if err != nil {
		return nil, err
	}

	dests, err := connectDestinations(ctx, def)
	if err != nil {
		return nil, err
	}

	embedder, err := b.buildEmbedder()
	if err != nil {
		return nil, err
	}

	return &Context{
		SyncID:       def.SyncID,
		SyncJobID:    jobID,
		UserID:       def.UserID,
		Log:          log,
		Source:       src,
		SourceNodeID: def.Source.NodeID,
		Router:       router,
		Destinations: dests,
		Ledger:       b.Ledger,
		Embedder:     embedder,
		Sparse:       embedding.NewSparseEncoder(),
		Progress:     progress.NewPublisher(b.Broker, jobID, log),
		Tokens:       tokens,
		Helpers:      stream.Helpers(),
		MaxWorkers:   b.MaxWorkers,
		Incremental:  def.Source.Cursor != "",
	}, nil
}

func (b *Builder) loadCredentials(ctx context.Context, def *config.Definition) (*credstore.Credentials, error) {
	if def.Source.IntegrationID == "" {
		// credential-free sources (inline fixtures) still get a provider so
		// the source contract stays uniform
		return &credstore.Credentials{AuthType: credstore.AuthDirect}, nil
	}
	if b.Credentials == nil {
		return nil, fmt.Errorf("runctx: source requires integration %q but no credential store is configured", def.Source.IntegrationID)
	}
	creds, err := b.Credentials.Get(ctx, def.Source.IntegrationID)
	if err != nil {
		return nil, fmt.Errorf("runctx: load credentials for integration %q: %w", def.Source.IntegrationID, err)
	}
	if def.Source.AuthType != "" && credstore.AuthType(def.Source.AuthType) != creds.AuthType {
		return nil, fmt.Errorf("runctx: integration %q stores %s credentials, definition expects %s",
			def.Source.IntegrationID, creds.AuthType, def.Source.AuthType)
	}
	return creds, nil
}

func (b *Builder) refresher(def *config.Definition, creds *credstore.Credentials) token.Refresher {
	switch creds.AuthType {
	case credstore.AuthOAuth2:
		var wl *token.WhiteLabel
		if def.OAuth.ClientID != "" {
			wl = &token.WhiteLabel{ClientID: def.OAuth.ClientID, ClientSecret: def.OAuth.ClientSecret}
		}
		return token.NewOAuth2Refresher(b.Credentials, wl)
	default:
		// api_key and direct tokens are never refreshed; auth_provider
		// integrations register their own refresher at source onboarding
		return nil
	}
}

func (b *Builder) buildSource(def *config.Definition, creds *credstore.Credentials, tokens token.Provider) (source.Source, error) {
	src, err := source.New(def.Source.Name, creds, def.Source.Config, tokens)
	if err != nil {
		return nil, err
	}
	if cs, ok := src.(source.CursorSource); ok {
		field := def.Source.CursorField
		if field == "" {
			field = cs.DefaultCursorField()
		}
		if err := cs.ValidateCursorField(field); err != nil {
			return nil, err
		}
		if def.Source.Cursor != "" {
			// timestamp cursors are serialized as RFC 3339 in definitions
			if ts, perr := time.Parse(time.RFC3339, def.Source.Cursor); perr == nil {
				cs.SetCursor(field, ts)
			} else {
				cs.SetCursor(field, def.Source.Cursor)
			}
		}
	} else if def.Source.CursorField != "" {
		return nil, fmt.Errorf("runctx: source %q does not support cursors", def.Source.Name)
	}
	return src, nil
}

// buildRouter turns the definition's node and edge lists into a validated
// graph with resolved transformers. Field-mapper nodes are materialized from
// their rename and drop settings under a sync-scoped catalog name.
func buildRouter(def *config.Definition) (*dag.Router, error) {
	nodes := []dag.Node{{ID: def.Source.NodeID, Kind: dag.NodeSource, Name: def.Source.Name}}
	for _, spec := range def.Transformers {
		name := spec.Name
		if name == "field_mapper" {
			name = fmt.Sprintf("field_mapper:%s:%s", def.SyncID, spec.ID)
			if _, err := transform.Resolve(name); err != nil {
				transform.Register(transform.NewFieldMapper(name, spec.Rename, spec.Drop))
			}
		}
		nodes = append(nodes, dag.Node{ID: spec.ID, Kind: dag.NodeTransformer, Name: name})
	}
	for _, spec := range def.Destinations {
		nodes = append(nodes, dag.Node{ID: spec.ID, Kind: dag.NodeDestination, Name: spec.Name})
	}

	edges := make([]dag.Edge, 0, len(def.Edges))
	for _, e := range def.Edges {
		edges = append(edges, dag.Edge{FromID: e.From, ToID: e.To, EntityTypes: e.EntityTypes})
	}
	return dag.NewRouter(&dag.Graph{Nodes: nodes, Edges: edges})
}

func connectDestinations(ctx context.Context, def *config.Definition) ([]destination.Destination, error) {
	dests := make([]destination.Destination, 0, len(def.Destinations))
	for _, spec := range def.Destinations {
		dest, err := destination.New(spec.Name, spec.CollectionID, spec.Config)
		if err != nil {
			return nil, err
		}
		if err := dest.CreateIfMissing(ctx); err != nil {
			return nil, fmt.Errorf("runctx: prepare destination %q: %w", spec.ID, err)
		}
		dests = append(dests, dest)
	}
	return dests, nil
}

func (b *Builder) buildEmbedder() (embedding.Model, error) {
	provider := b.Embedding.Provider
	if provider == "" {
		if b.Embedding.APIKey != "" {
			provider = "openai"
		} else {
			provider = "local"
		}
	}
	switch provider {
	case "openai":
		return embedding.NewOpenAIModel(b.Embedding.APIKey, b.Embedding.Model, b.Embedding.Dimension)
	case "local":
		dim := b.Embedding.Dimension
		if dim <= 0 {
			dim = embedding.DefaultLocalDimension
		}
		return embedding.NewLocalModel(dim), nil
	default:
		return nil, fmt.Errorf("runctx: unknown embedding provider %q", provider)
	}
}
