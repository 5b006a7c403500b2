package models

import (
	"time"
)

// CacheRecord persists one resource cache entry. Platform, identity, kind and
// id form the composite primary key so entries of different platforms or
// principals never collide.
type CacheRecord struct {
	Platform string `gorm:"primaryKey;size:64" json:"platform"`
	Identity string `gorm:"primaryKey;size:128" json:"identity"`
	Kind     string `gorm:"primaryKey;size:64" json:"kind"`
	ID       string `gorm:"primaryKey;size:512" json:"id"`

	// Value holds the known field values.
	Value JSON `gorm:"type:text" json:"value"`

	// Known lists the field paths that have been fetched, including the "*"
	// marker for a full fetch.
	Known JSON `gorm:"type:text" json:"known"`

	Version int64 `gorm:"not null;default:0" json:"version"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TableName returns the table name for GORM
func (CacheRecord) TableName() string {
	return "bridge_cache_records"
}
