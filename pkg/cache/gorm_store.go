package cache

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/hashicorp-forge/hermes-bridge/pkg/models"
)

// GormStore persists entries as models.CacheRecord rows so a session survives
// process restarts.
type GormStore struct {
	db *gorm.DB
}

var _ Store = (*GormStore)(nil)

// NewGormStore creates a store on an already migrated database.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Load(ctx context.Context, key Key) (*Entry, bool, error) {
	var rec models.CacheRecord
	err := s.db.WithContext(ctx).
		Where("platform = ? AND identity = ? AND kind = ? AND id = ?", key.Platform, key.Identity, key.Kind, key.ID).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load cache entry %s: %w", key, err)
	}

	e := newEntry()
	e.Version = rec.Version
	if err := rec.Value.Decode(&e.Value); err != nil {
		return nil, false, fmt.Errorf("failed to decode cache entry %s: %w", key, err)
	}
	var known []string
	if err := rec.Known.Decode(&known); err != nil {
		return nil, false, fmt.Errorf("failed to decode cache entry %s: %w", key, err)
	}
	for _, k := range known {
		e.Known[k] = struct{}{}
	}
	if e.Value == nil {
		e.Value = map[string]any{}
	}
	return e, true, nil
}

func (s *GormStore) Save(ctx context.Context, key Key, entry *Entry) error {
	value, err := models.NewJSON(entry.Value)
	if err != nil {
		return err
	}
	known, err := models.NewJSON(entry.KnownFields())
	if err != nil {
		return err
	}

	rec := models.CacheRecord{
		Platform: key.Platform,
		Identity: key.Identity,
		Kind:     key.Kind,
		ID:       key.ID,
		Value:    value,
		Known:    known,
		Version:  entry.Version,
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "platform"}, {Name: "identity"}, {Name: "kind"}, {Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "known", "version", "updated_at"}),
	}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("failed to save cache entry %s: %w", key, err)
	}
	return nil
}

func (s *GormStore) Delete(ctx context.Context, key Key) error {
	err := s.db.WithContext(ctx).
		Where("platform = ? AND identity = ? AND kind = ? AND id = ?", key.Platform, key.Identity, key.Kind, key.ID).
		Delete(&models.CacheRecord{}).Error
	if err != nil {
		return fmt.Errorf("failed to delete cache entry %s: %w", key, err)
	}
	return nil
}

func (s *GormStore) DeleteKind(ctx context.Context, platform, kind string) (int, error) {
	res := s.db.WithContext(ctx).
		Where("platform = ? AND kind = ?", platform, kind).
		Delete(&models.CacheRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to delete %s/%s cache entries: %w", platform, kind, res.Error)
	}
	return int(res.RowsAffected), nil
}

func (s *GormStore) Len(ctx context.Context) (int, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&models.CacheRecord{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count cache entries: %w", err)
	}
	return int(n), nil
}
