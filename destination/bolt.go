package destination

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"driftsync.dev/entity"
)

// BoltDestination stores records as JSON in a bbolt bucket per collection.
// Suited to single-node deployments and air-gapped installs where no vector
// database is available; search is a brute-force scan.
type BoltDestination struct {
	collectionID string
	path         string
	db           *bolt.DB
}

// NewBoltDestination opens (or creates) the bbolt file at path.
func NewBoltDestination(collectionID, path string) (*BoltDestination, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("destination: open bolt file %s: %w", path, err)
	}
	return &BoltDestination{collectionID: collectionID, path: path, db: db}, nil
}

func init() {
	Register("bolt", func(collectionID string, cfg map[string]any) (Destination, error) {
		path, _ := cfg["path"].(string)
		if path == "" {
			return nil, fmt.Errorf("destination: bolt requires a path")
		}
		return NewBoltDestination(collectionID, path)
	})
}

func (d *BoltDestination) Name() string { return "bolt" }

func (d *BoltDestination) bucket() []byte { return []byte("collection:" + d.collectionID) }

func (d *BoltDestination) CreateIfMissing(_ context.Context) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(d.bucket())
		return err
	})
}

func (d *BoltDestination) BulkInsert(ctx context.Context, ents []*entity.Entity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(d.bucket())
		if b == nil {
			return fmt.Errorf("destination: collection %s not created", d.collectionID)
		}
		for _, e := range ents {
			rec := RecordFromEntity(e, e.System.SyncID)
			raw, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("destination: encode record %s: %w", rec.ID, err)
			}
			if err := b.Put([]byte(rec.ID), raw); err != nil {
				return err
			}
		}
		return nil
	})
}

func (d *BoltDestination) BulkDelete(ctx context.Context, entityIDs []string, syncID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	want := make(map[string]struct{}, len(entityIDs))
	for _, id := range entityIDs {
		want[id] = struct{}{}
	}
	return d.deleteMatching(func(rec *Record) bool {
		if rec.SyncID != syncID {
			return false
		}
		_, ok := want[rec.EntityID]
		return ok
	})
}

func (d *BoltDestination) BulkDeleteByParentID(ctx context.Context, parentID, syncID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.deleteMatching(func(rec *Record) bool {
		return rec.SyncID == syncID && (rec.ParentEntityID == parentID || rec.EntityID == parentID)
	})
}

func (d *BoltDestination) deleteMatching(match func(*Record) bool) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(d.bucket())
		if b == nil {
			return nil
		}
		var doomed [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if match(&rec) {
				key := make([]byte, len(k))
				copy(key, k)
				doomed = append(doomed, key)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, key := range doomed {
			if err := b.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}

func (d *BoltDestination) Search(ctx context.Context, vector []float32, limit int) ([]SearchHit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var records []*Record
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(d.bucket())
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			records = append(records, &rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return rankBySimilarity(records, vector, limit), nil
}

// Close releases the underlying bolt file.
func (d *BoltDestination) Close() error { return d.db.Close() }
