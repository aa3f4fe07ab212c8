// Package entity defines the unit of synchronization: the records produced by
// source adapters, routed through the operator DAG, embedded, and persisted to
// vector destinations. Entities are tagged records (discriminated by a type
// tag) carrying an open bag of domain fields, so heterogeneous upstream
// schemas can flow through one pipeline without code generation.
package entity

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// keyNamespace is the fixed UUIDv5 namespace for destination record keys.
// Changing it would re-key every stored record, forcing a full re-sync.
var keyNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// Breadcrumb is one element of an entity's ancestor trail, ordered from the
// root of the upstream hierarchy down to the entity's direct parent.
type Breadcrumb struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// SystemMetadata carries run-scoped bookkeeping stamped onto every entity by
// the processor. None of these fields participate in content hashing.
type SystemMetadata struct {
	SyncID     string `json:"sync_id"`
	SyncJobID  string `json:"sync_job_id"`
	SourceName string `json:"source_name"`

	// File materialization details, set by sources that download bytes.
	LocalPath string `json:"local_path,omitempty"`
	TotalSize int64  `json:"total_size,omitempty"`
	Checksum  string `json:"checksum,omitempty"`

	// ShouldSkip is set by upstream handlers to drop an entity without
	// counting it as an error.
	ShouldSkip bool `json:"should_skip,omitempty"`
}

// FileInfo specializes an entity whose value is bytes rather than the record
// itself. Sources that yield files materialize them locally before emission;
// the chunker owns and removes the local copy.
type FileInfo struct {
	Name        string    `json:"name"`
	DownloadURL string    `json:"download_url"`
	MimeType    string    `json:"mime_type"`
	LocalPath   string    `json:"local_path,omitempty"`
	Size        int64     `json:"size"`
	ModifiedAt  time.Time `json:"modified_at"`

	// Checksum is the SHA-256 of the materialized bytes, computed while
	// downloading. It feeds the composed file content hash.
	Checksum string `json:"checksum"`
}

// Entity is one record produced by a source: the unit of sync accounting.
type Entity struct {
	// ID is the stable upstream identifier, unique within its source.
	ID string `json:"entity_id"`

	// Type is the entity type tag (e.g. "repository", "issue", "file").
	Type string `json:"type"`

	// ParentID links a derived record (e.g. a chunk) to the entity it was
	// produced from.
	ParentID string `json:"parent_entity_id,omitempty"`

	// Breadcrumbs is the ordered ancestor trail.
	Breadcrumbs []Breadcrumb `json:"breadcrumbs,omitempty"`

	// Fields is the open bag of domain fields.
	Fields map[string]any `json:"fields"`

	// File is non-nil for file entities.
	File *FileInfo `json:"file,omitempty"`

	// System carries run-scoped metadata. Excluded from hashing.
	System SystemMetadata `json:"system_metadata"`

	// Vector is the dense embedding, attached after the EMBED stage.
	Vector []float32 `json:"-"`

	// SparseVector is the optional BM25-style companion embedding.
	SparseVector map[string]float64 `json:"-"`

	// ChunkIndex orders sibling chunks under one parent.
	ChunkIndex int `json:"chunk_index,omitempty"`

	hash string
}

// IsFile reports whether the entity's value is bytes rather than the record.
func (e *Entity) IsFile() bool {
	return e.File != nil
}

// DestinationKey derives the durable per-record destination key: a UUIDv5 of
// the sync id and entity id. Stable keys make destination upserts idempotent
// and render cross-sync collisions on entity_id impossible.
func (e *Entity) DestinationKey(syncID string) uuid.UUID {
	return uuid.NewSHA1(keyNamespace, []byte(syncID+":"+e.ID))
}

// EmbeddableText renders the storage projection of the entity as the text to
// be embedded: the type tag, name-ish fields and breadcrumbs first, then the
// remaining domain fields in deterministic order.
func (e *Entity) EmbeddableText() string {
	var b strings.Builder
	b.WriteString(e.Type)
	b.WriteString("\n")
	for _, crumb := range e.Breadcrumbs {
		b.WriteString(crumb.Name)
		b.WriteString(" / ")
	}
	if e.File != nil {
		b.WriteString(e.File.Name)
		b.WriteString("\n")
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if hashExcludedFields[k] {
			continue
		}
		fmt.Fprintf(&b, "%s: %v\n", k, e.Fields[k])
	}
	return strings.TrimSpace(b.String())
}

// Clone returns a shallow copy with its own Fields map, suitable for
// transformers that derive new entities from an input without mutating it.
func (e *Entity) Clone() *Entity {
	dup := *e
	dup.hash = ""
	dup.Fields = make(map[string]any, len(e.Fields))
	for k, v := range e.Fields {
		dup.Fields[k] = v
	}
	if e.File != nil {
		fileCopy := *e.File
		dup.File = &fileCopy
	}
	return &dup
}
