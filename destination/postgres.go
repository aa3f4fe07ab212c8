package destination

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"

	"driftsync.dev/entity"
	"driftsync.dev/ledger"
)

// vectorRow is the gorm model backing the postgres adapter. Vectors and
// payloads are stored as JSON text so the table works on stock postgres
// without the pgvector extension.
type vectorRow struct {
	ID             string `gorm:"primaryKey;size:64"`
	CollectionID   string `gorm:"size:128;index:idx_collection_sync"`
	SyncID         string `gorm:"size:128;index:idx_collection_sync"`
	EntityID       string `gorm:"size:512;index"`
	ParentEntityID string `gorm:"size:512;index"`
	EntityType     string `gorm:"size:128"`
	Payload        string `gorm:"type:text"`
	Vector         string `gorm:"type:text"`
	SparseVector   string `gorm:"type:text"`
	ChunkIndex     int
	StoredAt       time.Time
}

func (vectorRow) TableName() string { return "vector_records" }

// PostgresDestination persists records through gorm. All bulk writes run in
// a single transaction so a record set is either fully applied or not at all.
type PostgresDestination struct {
	collectionID string
	db           *gorm.DB
}

// NewPostgresDestination migrates the backing table and binds the adapter to
// one collection.
func NewPostgresDestination(collectionID string, db *gorm.DB) (*PostgresDestination, error) {
	if err := db.AutoMigrate(&vectorRow{}); err != nil {
		return nil, fmt.Errorf("destination: migrate vector_records: %w", err)
	}
	return &PostgresDestination{collectionID: collectionID, db: db}, nil
}

func init() {
	Register("postgres", func(collectionID string, cfg map[string]any) (Destination, error) {
		dsn, _ := cfg["dsn"].(string)
		if dsn == "" {
			return nil, fmt.Errorf("destination: postgres requires a dsn")
		}
		db, err := ledger.OpenPostgres(dsn)
		if err != nil {
			return nil, err
		}
		return NewPostgresDestination(collectionID, db)
	})
}

func (d *PostgresDestination) Name() string { return "postgres" }

func (d *PostgresDestination) CreateIfMissing(ctx context.Context) error {
	// AutoMigrate at construction already created the table; a ping makes
	// connection problems surface before the run starts.
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (d *PostgresDestination) BulkInsert(ctx context.Context, ents []*entity.Entity) error {
	if len(ents) == 0 {
		return nil
	}
	rows := make([]vectorRow, 0, len(ents))
	for _, e := range ents {
		rec := RecordFromEntity(e, e.System.SyncID)
		row, err := rowFromRecord(rec, d.collectionID)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, row := range rows {
			if err := tx.Save(&row).Error; err != nil {
				return fmt.Errorf("destination: upsert %s: %w", row.ID, err)
			}
		}
		return nil
	})
}

func (d *PostgresDestination) BulkDelete(ctx context.Context, entityIDs []string, syncID string) error {
	if len(entityIDs) == 0 {
		return nil
	}
	return d.db.WithContext(ctx).
		Where("collection_id = ? AND sync_id = ? AND entity_id IN ?", d.collectionID, syncID, entityIDs).
		Delete(&vectorRow{}).Error
}

func (d *PostgresDestination) BulkDeleteByParentID(ctx context.Context, parentID, syncID string) error {
	return d.db.WithContext(ctx).
		Where("collection_id = ? AND sync_id = ? AND (parent_entity_id = ? OR entity_id = ?)",
			d.collectionID, syncID, parentID, parentID).
		Delete(&vectorRow{}).Error
}

func (d *PostgresDestination) Search(ctx context.Context, vector []float32, limit int) ([]SearchHit, error) {
	// Brute-force scan over the collection. Collections synced through this
	// adapter are expected to stay small enough for in-process ranking.
	var rows []vectorRow
	if err := d.db.WithContext(ctx).
		Where("collection_id = ?", d.collectionID).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	records := make([]*Record, 0, len(rows))
	for i := range rows {
		rec, err := recordFromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return rankBySimilarity(records, vector, limit), nil
}

func rowFromRecord(rec *Record, collectionID string) (vectorRow, error) {
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return vectorRow{}, fmt.Errorf("destination: encode payload for %s: %w", rec.ID, err)
	}
	vec, err := json.Marshal(rec.Vector)
	if err != nil {
		return vectorRow{}, fmt.Errorf("destination: encode vector for %s: %w", rec.ID, err)
	}
	var sparse []byte
	if len(rec.SparseVector) > 0 {
		if sparse, err = json.Marshal(rec.SparseVector); err != nil {
			return vectorRow{}, fmt.Errorf("destination: encode sparse vector for %s: %w", rec.ID, err)
		}
	}
	return vectorRow{
		ID:             rec.ID,
		CollectionID:   collectionID,
		SyncID:         rec.SyncID,
		EntityID:       rec.EntityID,
		ParentEntityID: rec.ParentEntityID,
		EntityType:     rec.EntityType,
		Payload:        string(payload),
		Vector:         string(vec),
		SparseVector:   string(sparse),
		ChunkIndex:     rec.ChunkIndex,
		StoredAt:       rec.StoredAt,
	}, nil
}

func recordFromRow(row *vectorRow) (*Record, error) {
	rec := &Record{
		ID:             row.ID,
		EntityID:       row.EntityID,
		SyncID:         row.SyncID,
		ParentEntityID: row.ParentEntityID,
		EntityType:     row.EntityType,
		ChunkIndex:     row.ChunkIndex,
		StoredAt:       row.StoredAt,
	}
	if row.Payload != "" {
		if err := json.Unmarshal([]byte(row.Payload), &rec.Payload); err != nil {
			return nil, fmt.Errorf("destination: decode payload for %s: %w", row.ID, err)
		}
	}
	if row.Vector != "" {
		if err := json.Unmarshal([]byte(row.Vector), &rec.Vector); err != nil {
			return nil, fmt.Errorf("destination: decode vector for %s: %w", row.ID, err)
		}
	}
	if row.SparseVector != "" {
		if err := json.Unmarshal([]byte(row.SparseVector), &rec.SparseVector); err != nil {
			return nil, fmt.Errorf("destination: decode sparse vector for %s: %w", row.ID, err)
		}
	}
	return rec, nil
}
