package factory

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mycelian/shardtracker/internal/config"
)

func TestNewStore_Memory(t *testing.T) {
	cfg := config.NewForTesting()
	st, err := NewStore(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	assert.Nil(t, st)
}

func TestNewStore_SQLite(t *testing.T) {
	cfg := config.NewForTesting()
	cfg.DBDriver = config.DriverSQLite
	cfg.SQLitePath = filepath.Join(t.TempDir(), "nested", "tracker.db")

	st, err := NewStore(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NotNil(t, st)
	defer st.Close()
	assert.NoError(t, st.HealthPing(context.Background()))
}

func TestNewStore_UnknownDriver(t *testing.T) {
	cfg := config.NewForTesting()
	cfg.DBDriver = "spanner"
	_, err := NewStore(context.Background(), cfg, zerolog.Nop())
	assert.Error(t, err)
}
