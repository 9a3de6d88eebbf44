// Package statestore persists strategy lifecycle state: one JSON file per
// user, atomic temp-file + rename writes, schema versioning with
// migrations, and periodic snapshot backups with retention.
package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/schrute_futures/internal/models"
)

var (
	// ErrNotFound means no state has been saved for the user yet.
	ErrNotFound = errors.New("strategy state not found")
	// ErrUnknownVersion means the file was written by a newer schema.
	// Loading must refuse rather than silently reinterpret fields.
	ErrUnknownVersion = errors.New("unknown state schema version")
)

// Store is the persistence port the lifecycle manager writes through.
type Store interface {
	Save(state *models.StrategyState) error
	Load(userID string) (*models.StrategyState, error)
	Delete(userID string) error
	Users() ([]string, error)
	Close() error
}

// FileStore keeps one state file per user under dir. Writes go through a
// temp file and os.Rename so a crash never leaves a torn file.
type FileStore struct {
	mu     sync.RWMutex
	dir    string
	logger *logrus.Logger
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates dir (and its backups subdirectory) if missing.
func NewFileStore(dir string, logger *logrus.Logger) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Join(dir, "backups"), 0o755); err != nil {
		return nil, fmt.Errorf("creating state dir: %w", err)
	}
	return &FileStore{dir: dir, logger: logger}, nil
}

func (f *FileStore) path(userID string) string {
	return filepath.Join(f.dir, "state_"+userID+".json")
}

// Save writes the state atomically. UpdatedAt is stamped here so every
// persisted transition carries a fresh timestamp.
func (f *FileStore) Save(state *models.StrategyState) error {
	if err := state.Validate(); err != nil {
		return fmt.Errorf("refusing to persist invalid state: %w", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	state.Version = models.StrategyStateVersion
	state.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}

	target := f.path(state.UserID)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing temp state file: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing state file: %w", err)
	}
	return nil
}

// Load reads and migrates the user's state. Unknown schema versions are
// rejected, never reinterpreted.
func (f *FileStore) Load(userID string) (*models.StrategyState, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	data, err := os.ReadFile(f.path(userID))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: user %s", ErrNotFound, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("reading state file: %w", err)
	}

	var versioned struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(data, &versioned); err != nil {
		return nil, fmt.Errorf("parsing state file: %w", err)
	}
	if versioned.Version > models.StrategyStateVersion {
		return nil, fmt.Errorf("%w: file v%d, supported v%d",
			ErrUnknownVersion, versioned.Version, models.StrategyStateVersion)
	}

	var state models.StrategyState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parsing state file: %w", err)
	}
	if err := migrate(&state); err != nil {
		return nil, err
	}
	if err := state.Validate(); err != nil {
		return nil, fmt.Errorf("loaded state invalid: %w", err)
	}
	return &state, nil
}

// migrate upgrades older schema versions in place.
func migrate(state *models.StrategyState) error {
	switch state.Version {
	case models.StrategyStateVersion:
		return nil
	case 1:
		// v1 predates per-position side tracking: long was implied.
		if state.PositionSize != 0 && state.PositionSide == "" {
			state.PositionSide = models.PositionLong
		}
		state.Version = models.StrategyStateVersion
		return nil
	case 0:
		// Files written before version stamping are treated as v1.
		state.Version = 1
		return migrate(state)
	default:
		return fmt.Errorf("%w: v%d has no migration", ErrUnknownVersion, state.Version)
	}
}

func (f *FileStore) Delete(userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	err := os.Remove(f.path(userID))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Users lists every user id with a persisted state file.
func (f *FileStore) Users() ([]string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("listing state dir: %w", err)
	}
	users := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "state_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		users = append(users, strings.TrimSuffix(strings.TrimPrefix(name, "state_"), ".json"))
	}
	sort.Strings(users)
	return users, nil
}

func (f *FileStore) Close() error { return nil }

// Snapshot copies every current state file into backups/ with a timestamp
// and prunes old snapshots beyond the retention count.
func (f *FileStore) Snapshot(retention int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	stamp := time.Now().UTC().Format("20060102T150405")
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return fmt.Errorf("listing state dir: %w", err)
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "state_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(f.dir, name))
		if err != nil {
			return fmt.Errorf("reading %s for snapshot: %w", name, err)
		}
		backup := filepath.Join(f.dir, "backups",
			strings.TrimSuffix(name, ".json")+"_"+stamp+".json")
		if err := os.WriteFile(backup, data, 0o600); err != nil {
			return fmt.Errorf("writing snapshot %s: %w", backup, err)
		}
	}
	return f.pruneLocked(retention)
}

// pruneLocked keeps only the newest retention snapshots per user.
func (f *FileStore) pruneLocked(retention int) error {
	if retention <= 0 {
		return nil
	}
	backupDir := filepath.Join(f.dir, "backups")
	entries, err := os.ReadDir(backupDir)
	if err != nil {
		return fmt.Errorf("listing backups: %w", err)
	}

	perUser := make(map[string][]string)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		// state_<user>_<stamp>.json
		idx := strings.LastIndex(name, "_")
		if idx <= 0 {
			continue
		}
		perUser[name[:idx]] = append(perUser[name[:idx]], name)
	}

	for _, names := range perUser {
		if len(names) <= retention {
			continue
		}
		// Timestamp format sorts lexicographically.
		sort.Strings(names)
		for _, stale := range names[:len(names)-retention] {
			if err := os.Remove(filepath.Join(backupDir, stale)); err != nil {
				return fmt.Errorf("pruning snapshot %s: %w", stale, err)
			}
		}
	}
	return nil
}

// RunSnapshots takes a snapshot every interval until ctx is cancelled.
func (f *FileStore) RunSnapshots(ctx context.Context, interval time.Duration, retention int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.Snapshot(retention); err != nil && f.logger != nil {
				f.logger.WithError(err).Warn("state snapshot failed")
			}
		}
	}
}
