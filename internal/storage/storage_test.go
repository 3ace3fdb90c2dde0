package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hl-sentinel/internal/config"
	"hl-sentinel/internal/model"
)

func TestUnconfiguredStoreReturnsErrNotConfigured(t *testing.T) {
	var s *Store
	ctx := context.Background()

	assert.ErrorIs(t, s.PersistSnapshot(ctx, model.VaultSnapshot{}), ErrNotConfigured)
	assert.ErrorIs(t, s.PersistDeviation(ctx, model.OracleDeviation{}), ErrNotConfigured)
	assert.ErrorIs(t, s.PersistEvent(ctx, model.SecurityEvent{}), ErrNotConfigured)
	assert.ErrorIs(t, s.PersistPattern(ctx, model.LiquidationPattern{}), ErrNotConfigured)
	assert.ErrorIs(t, s.PersistExploits(ctx, nil), ErrNotConfigured)
	assert.ErrorIs(t, s.Migrate(ctx), ErrNotConfigured)

	_, err := s.ListRecentSnapshots(ctx, 10)
	assert.ErrorIs(t, err, ErrNotConfigured)
	_, err = s.ListSnapshotsBetween(ctx, time.Now().Add(-time.Hour), time.Now())
	assert.ErrorIs(t, err, ErrNotConfigured)

	_, ok, err := s.TryAdvisoryLock(ctx, 1)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrNotConfigured)

	NewStore(nil).Close()
}

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := migrationFS.ReadDir("migrations")
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	body, err := migrationFS.ReadFile("migrations/" + entries[0].Name())
	require.NoError(t, err)
	for _, table := range []string{"vault_snapshots", "oracle_deviations", "security_events", "liquidation_patterns", "exploits"} {
		assert.Contains(t, string(body), "CREATE TABLE IF NOT EXISTS "+table)
	}
}

func TestNewPoolRequiresDSN(t *testing.T) {
	_, err := NewPool(context.Background(), config.DatabaseConfig{})
	require.Error(t, err)
}

func TestRedisPublisherKeysAndGuard(t *testing.T) {
	p := NewRedisPublisher(nil, config.RedisConfig{KeyPrefix: "hl:", TTL: time.Minute})
	assert.Equal(t, "hl:risk", p.Key(DocRisk))

	err := p.Publish(context.Background(), ReadModel{})
	assert.ErrorIs(t, err, ErrNotConfigured)

	var dst map[string]any
	assert.ErrorIs(t, p.Load(context.Background(), DocStats, &dst), ErrNotConfigured)
	assert.NoError(t, p.Close())
}

func TestReadModelDocuments(t *testing.T) {
	docs := ReadModel{}.documents()
	for _, name := range []string{DocExploits, DocStats, DocVault, DocDeviations, DocRisk, DocEvents} {
		assert.Contains(t, docs, name)
	}
}

func TestNewRedisClientRequiresAddr(t *testing.T) {
	_, err := NewRedisClient(context.Background(), config.RedisConfig{})
	require.Error(t, err)
}
