package database

import (
	"path/filepath"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hashicorp-forge/hermes-bridge/pkg/models"
)

func TestConnect_InMemory(t *testing.T) {
	db, err := Connect(Config{}, hclog.NewNullLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = Close(db) })

	assert.True(t, db.Migrator().HasTable(&models.CacheRecord{}))

	stats, err := GetPoolStats(db)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.MaxOpenConnections)
}

func TestConnect_FileSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "cache.db")

	db, err := Connect(Config{Path: path}, nil)
	require.NoError(t, err)

	value, err := models.NewJSON(map[string]any{"name": "Report"})
	require.NoError(t, err)
	require.NoError(t, db.Create(&models.CacheRecord{
		Platform: "google",
		Kind:     "file",
		ID:       "f1",
		Value:    value,
		Version:  3,
	}).Error)
	require.NoError(t, Close(db))

	db, err = Connect(Config{Path: path}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = Close(db) })

	var rec models.CacheRecord
	require.NoError(t, db.First(&rec, "platform = ? AND kind = ? AND id = ?", "google", "file", "f1").Error)
	assert.Equal(t, int64(3), rec.Version)

	var decoded map[string]any
	require.NoError(t, rec.Value.Decode(&decoded))
	assert.Equal(t, "Report", decoded["name"])
}
