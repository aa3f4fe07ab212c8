// Content hashing for change detection. The hash is the ledger key that turns
// a sync into a differential operation: unchanged entities are kept, changed
// ones updated, unknown ones inserted.
package entity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// hashSpecVersion is mixed into every digest. Bumping it invalidates all
// ledger rows and forces a full re-sync on the next run; bump whenever the
// exclusion set below changes.
const hashSpecVersion = "v1"

// hashExcludedFields are domain-field keys that never participate in content
// hashing: identifiers of the current run, derived text, vectors, and
// observation timestamps. The set is declarative so reviewers can audit what
// change detection ignores.
var hashExcludedFields = map[string]bool{
	"sync_id":         true,
	"sync_job_id":     true,
	"vector":          true,
	"embeddable_text": true,
	"observed_at":     true,
	"fetched_at":      true,
}

// hashProjection is the canonical content-bearing view of an entity. JSON
// marshaling of Go maps is key-sorted, which makes the serialization
// deterministic without a custom encoder.
type hashProjection struct {
	Version     string         `json:"version"`
	ID          string         `json:"entity_id"`
	Type        string         `json:"type"`
	ParentID    string         `json:"parent_entity_id,omitempty"`
	Breadcrumbs []Breadcrumb   `json:"breadcrumbs,omitempty"`
	Fields      map[string]any `json:"fields"`
}

// fileHashProjection composes the bytes' checksum with the stable metadata
// subset, so renames and moves are detected even when bytes are unchanged.
type fileHashProjection struct {
	Version    string `json:"version"`
	Checksum   string `json:"checksum"`
	Name       string `json:"name"`
	MimeType   string `json:"mime_type"`
	Size       int64  `json:"size"`
	ModifiedAt int64  `json:"modified_at"`
	ParentID   string `json:"parent_entity_id,omitempty"`
}

// Hash computes the deterministic SHA-256 over the entity's content-bearing
// fields. Run-scoped metadata, vectors, and the excluded field set do not
// participate. The result is cached on the entity; callers on the hot path
// may call Hash repeatedly without recomputation.
func (e *Entity) Hash() (string, error) {
	if e.hash != "" {
		return e.hash, nil
	}

	var payload any
	if e.File != nil {
		checksum := e.File.Checksum
		if checksum == "" {
			var err error
			checksum, err = ChecksumFile(e.File.LocalPath)
			if err != nil {
				return "", fmt.Errorf("checksum of %s: %w", e.File.LocalPath, err)
			}
			e.File.Checksum = checksum
		}
		payload = fileHashProjection{
			Version:    hashSpecVersion,
			Checksum:   checksum,
			Name:       e.File.Name,
			MimeType:   e.File.MimeType,
			Size:       e.File.Size,
			ModifiedAt: e.File.ModifiedAt.Unix(),
			ParentID:   e.ParentID,
		}
	} else {
		fields := make(map[string]any, len(e.Fields))
		for k, v := range e.Fields {
			if hashExcludedFields[k] {
				continue
			}
			fields[k] = v
		}
		payload = hashProjection{
			Version:     hashSpecVersion,
			ID:          e.ID,
			Type:        e.Type,
			ParentID:    e.ParentID,
			Breadcrumbs: e.Breadcrumbs,
			Fields:      fields,
		}
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal hash projection: %w", err)
	}
	sum := sha256.Sum256(data)
	e.hash = hex.EncodeToString(sum[:])
	return e.hash, nil
}

// InvalidateHash drops the cached hash. Transformers that mutate an entity in
// place must call this before the entity is hashed again.
func (e *Entity) InvalidateHash() {
	e.hash = ""
}

// ChecksumFile computes the SHA-256 of a file's bytes.
func ChecksumFile(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("no local path for file entity")
	}
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
