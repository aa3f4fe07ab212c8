package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Definition describes one sync: where entities come from, how they flow
// through the transformer graph, and which collections they land in. It is
// authored as a YAML file and loaded per run.
type Definition struct {
	// SyncID identifies the sync across runs. All ledger rows and
	// destination records are scoped to it.
	SyncID string `mapstructure:"sync_id"`

	// UserID is the owning tenant, carried into logs and progress events.
	UserID string `mapstructure:"user_id"`

	Source       SourceSpec        `mapstructure:"source"`
	Transformers []TransformerSpec `mapstructure:"transformers"`
	Destinations []DestinationSpec `mapstructure:"destinations"`
	Edges        []EdgeSpec        `mapstructure:"edges"`
	OAuth        OAuthSpec         `mapstructure:"oauth"`
}

// SourceSpec selects and configures the connector feeding the sync.
type SourceSpec struct {
	// NodeID names the source node in the graph. Defaults to "source".
	NodeID string `mapstructure:"node_id"`

	// Name is the connector's registry name (gitea, gitlab, s3, inline).
	Name string `mapstructure:"name"`

	// AuthType is how stored credentials are exchanged for requests:
	// oauth2, auth_provider, api_key or direct.
	AuthType string `mapstructure:"auth_type"`

	// IntegrationID keys the stored credential for this connection.
	IntegrationID string `mapstructure:"integration_id"`

	// CursorField overrides the connector's default incremental field.
	CursorField string `mapstructure:"cursor_field"`

	// Cursor resumes an incremental read, opaque to everything but the
	// connector.
	Cursor string `mapstructure:"cursor"`

	Config map[string]any `mapstructure:"config"`
}

// TransformerSpec is one transformer node. Name references the transformer
// catalog; field_mapper nodes are built from the Rename/Drop settings
// instead.
type TransformerSpec struct {
	ID     string            `mapstructure:"id"`
	Name   string            `mapstructure:"name"`
	Rename map[string]string `mapstructure:"rename"`
	Drop   []string          `mapstructure:"drop"`
}

// DestinationSpec is one destination node bound to a collection.
type DestinationSpec struct {
	ID           string         `mapstructure:"id"`
	Name         string         `mapstructure:"name"`
	CollectionID string         `mapstructure:"collection_id"`
	Config       map[string]any `mapstructure:"config"`
}

// EdgeSpec connects two nodes, optionally filtered to entity types.
type EdgeSpec struct {
	From        string   `mapstructure:"from"`
	To          string   `mapstructure:"to"`
	EntityTypes []string `mapstructure:"entity_types"`
}

// OAuthSpec carries the client used to refresh and validate tokens for this
// sync's connection.
type OAuthSpec struct {
	ClientID         string `mapstructure:"client_id"`
	ClientSecret     string `mapstructure:"client_secret"`
	TokenURL         string `mapstructure:"token_url"`
	IntrospectionURL string `mapstructure:"introspection_url"`
	PingURL          string `mapstructure:"ping_url"`
}

// LoadDefinition reads and validates a sync definition file.
func LoadDefinition(path string) (*Definition, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read sync definition %s: %w", path, err)
	}
	def := &Definition{}
	if err := v.Unmarshal(def); err != nil {
		return nil, fmt.Errorf("decode sync definition %s: %w", path, err)
	}
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sync definition %s: %w", path, err)
	}
	return def, nil
}

// Validate checks structural consistency. Graph-level rules (cycles, node
// reachability) are enforced when the graph is built.
func (d *Definition) Validate() error {
	if d.SyncID == "" {
		return fmt.Errorf("sync_id is required")
	}
	if d.Source.Name == "" {
		return fmt.Errorf("source.name is required")
	}
	if d.Source.NodeID == "" {
		d.Source.NodeID = "source"
	}
	if len(d.Destinations) == 0 {
		return fmt.Errorf("at least one destination is required")
	}

	ids := map[string]bool{d.Source.NodeID: true}
	for _, t := range d.Transformers {
		if t.ID == "" {
			return fmt.Errorf("transformer node without an id")
		}
		if ids[t.ID] {
			return fmt.Errorf("duplicate node id %q", t.ID)
		}
		ids[t.ID] = true
	}
	for _, dest := range d.Destinations {
		if dest.ID == "" {
			return fmt.Errorf("destination node without an id")
		}
		if ids[dest.ID] {
			return fmt.Errorf("duplicate node id %q", dest.ID)
		}
		if dest.Name == "" {
			return fmt.Errorf("destination %q has no adapter name", dest.ID)
		}
		if dest.CollectionID == "" {
			return fmt.Errorf("destination %q has no collection_id", dest.ID)
		}
		ids[dest.ID] = true
	}

	if len(d.Edges) == 0 {
		return fmt.Errorf("at least one edge is required")
	}
	for _, e := range d.Edges {
		if !ids[e.From] {
			return fmt.Errorf("edge from unknown node %q", e.From)
		}
		if !ids[e.To] {
			return fmt.Errorf("edge to unknown node %q", e.To)
		}
	}
	return nil
}
