package statestore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/schrute_futures/internal/models"
)

func newStore(t *testing.T) *FileStore {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	store, err := NewFileStore(t.TempDir(), logger)
	require.NoError(t, err)
	return store
}

func runningState(userID string) *models.StrategyState {
	s := models.NewStrategyState(userID)
	s.StrategyName = "razor"
	s.Instrument = "BTC-USD-PERP"
	s.Broker = "deriv"
	s.Environment = "testnet"
	s.Lifecycle = models.StateAnalyzing
	s.StartedAt = time.Now().UTC()
	return s
}

func TestSaveLoadRoundTrip(t *testing.T) {
	store := newStore(t)

	saved := runningState("u1")
	saved.Lifecycle = models.StatePositionOpen
	saved.PositionEntryPrice = 60000
	saved.PositionSize = 5000
	saved.PositionSide = models.PositionLong
	saved.Metadata = map[string]string{"signal": "ema_cross"}
	require.NoError(t, store.Save(saved))

	loaded, err := store.Load("u1")
	require.NoError(t, err)
	assert.Equal(t, models.StrategyStateVersion, loaded.Version)
	assert.Equal(t, saved.StrategyName, loaded.StrategyName)
	assert.Equal(t, saved.Lifecycle, loaded.Lifecycle)
	assert.Equal(t, saved.PositionEntryPrice, loaded.PositionEntryPrice)
	assert.Equal(t, saved.PositionSize, loaded.PositionSize)
	assert.Equal(t, saved.PositionSide, loaded.PositionSide)
	assert.Equal(t, saved.Metadata, loaded.Metadata)
}

func TestLoadMissingUser(t *testing.T) {
	store := newStore(t)
	_, err := store.Load("ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveRejectsInvalidState(t *testing.T) {
	store := newStore(t)
	bad := models.NewStrategyState("u1")
	bad.StrategyName = "razor" // idle must not carry a strategy name
	assert.Error(t, store.Save(bad))
}

func TestLoadRejectsNewerVersion(t *testing.T) {
	store := newStore(t)
	state := runningState("u1")
	require.NoError(t, store.Save(state))

	// Rewrite the file claiming a future schema.
	path := filepath.Join(store.dir, "state_u1.json")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &raw))
	raw["version"] = models.StrategyStateVersion + 1
	data, err = json.Marshal(raw)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	_, err = store.Load("u1")
	assert.ErrorIs(t, err, ErrUnknownVersion)
}

func TestLoadMigratesV1(t *testing.T) {
	store := newStore(t)
	state := runningState("u1")
	state.Lifecycle = models.StatePositionOpen
	state.PositionEntryPrice = 3000
	state.PositionSize = 2000
	state.PositionSide = models.PositionLong
	require.NoError(t, store.Save(state))

	// Rewrite as a v1 file with the side field stripped.
	path := filepath.Join(store.dir, "state_u1.json")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &raw))
	raw["version"] = 1
	delete(raw, "position_side")
	data, err = json.Marshal(raw)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	loaded, err := store.Load("u1")
	require.NoError(t, err)
	assert.Equal(t, models.StrategyStateVersion, loaded.Version)
	assert.Equal(t, models.PositionLong, loaded.PositionSide)
}

func TestUsersListsSavedStates(t *testing.T) {
	store := newStore(t)
	require.NoError(t, store.Save(runningState("bob")))
	require.NoError(t, store.Save(runningState("alice")))

	users, err := store.Users()
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, users)
}

func TestDeleteIsIdempotent(t *testing.T) {
	store := newStore(t)
	require.NoError(t, store.Save(runningState("u1")))
	require.NoError(t, store.Delete("u1"))
	require.NoError(t, store.Delete("u1"))
	_, err := store.Load("u1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSnapshotRetention(t *testing.T) {
	store := newStore(t)
	state := runningState("u1")
	require.NoError(t, store.Save(state))

	// Snapshots inside one second share a timestamp and overwrite, so
	// fabricate distinct backups directly.
	backupDir := filepath.Join(store.dir, "backups")
	for i := 0; i < 5; i++ {
		name := filepath.Join(backupDir,
			"state_u1_20260301T0"+string(rune('0'+i))+"0000.json")
		require.NoError(t, os.WriteFile(name, []byte("{}"), 0o600))
	}
	require.NoError(t, store.Snapshot(3))

	entries, err := os.ReadDir(backupDir)
	require.NoError(t, err)
	assert.Len(t, entries, 3)

	// The freshest snapshot must be among the survivors.
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	found := false
	for _, n := range names {
		if n > "state_u1_20260301T040000.json" {
			found = true
		}
	}
	assert.True(t, found, "newest snapshot pruned: %v", names)
}

func TestCrashLeavesNoTornFile(t *testing.T) {
	store := newStore(t)
	require.NoError(t, store.Save(runningState("u1")))

	// A leftover temp file from an interrupted write must not affect loads.
	tmp := filepath.Join(store.dir, "state_u1.json.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte("{garbage"), 0o600))

	loaded, err := store.Load("u1")
	require.NoError(t, err)
	assert.Equal(t, models.StateAnalyzing, loaded.Lifecycle)
}
