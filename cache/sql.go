package cache

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

// EntityVersion is the row backing SQLVersionStore.
type EntityVersion struct {
	EntityKey string `gorm:"primaryKey"`
	Version   int64  `gorm:"not null"`
}

func (EntityVersion) TableName() string { return "entity_versions" }

const setIfHigherQuery = `INSERT INTO entity_versions (entity_key, version) VALUES (?, ?)
ON CONFLICT (entity_key) DO UPDATE SET version = CASE
	WHEN entity_versions.version = -1 THEN -1
	WHEN excluded.version > entity_versions.version THEN excluded.version
	ELSE entity_versions.version END`

const markDeletedQuery = `INSERT INTO entity_versions (entity_key, version) VALUES (?, -1)
ON CONFLICT (entity_key) DO UPDATE SET version = -1`

// SQLVersionStore keeps versions in the shared database. The compare-and-set is a single upsert
// statement, so concurrent writers in different processes cannot lower a version.
type SQLVersionStore struct {
	db *gorm.DB
}

func NewSQLVersionStore(db *gorm.DB) (*SQLVersionStore, error) {
	if err := db.AutoMigrate(&EntityVersion{}); err != nil {
		return nil, err
	}
	return &SQLVersionStore{db: db}, nil
}

func (s *SQLVersionStore) Get(ctx context.Context, key string) (int64, bool, error) {
	var ev EntityVersion
	err := s.db.WithContext(ctx).Where("entity_key = ?", key).Take(&ev).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return ev.Version, true, nil
}

func (s *SQLVersionStore) SetIfHigher(ctx context.Context, key string, version int64) (int64, error) {
	if err := s.db.WithContext(ctx).Exec(setIfHigherQuery, key, version).Error; err != nil {
		return 0, err
	}
	stored, _, err := s.Get(ctx, key)
	return stored, err
}

func (s *SQLVersionStore) MarkDeleted(ctx context.Context, key string) error {
	return s.db.WithContext(ctx).Exec(markDeletedQuery, key).Error
}

func (s *SQLVersionStore) Close() error { return nil }
