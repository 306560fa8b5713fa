package checkpoint

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	checkpointPrefix = "checkpoint-"
	checkpointSuffix = ".json"
	defaultKeep      = 3
)

func checkpointName(capturedAt time.Time) string {
	// Zero-padded nanos keep lexical order equal to chronological order.
	return fmt.Sprintf("%s%020d%s", checkpointPrefix, capturedAt.UnixNano(), checkpointSuffix)
}

// LocalStore persists snapshots as JSON files in a single directory. Writes
// are atomic: temp file, fsync, rename.
type LocalStore struct {
	dir    string
	keep   int
	logger *zap.Logger
}

// NewLocalStore ensures the directory exists and is writable.
func NewLocalStore(dir string, keep int, logger *zap.Logger) (*LocalStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("checkpoint dir is required")
	}
	if keep <= 0 {
		keep = defaultKeep
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	probe := filepath.Join(dir, ".probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return nil, fmt.Errorf("checkpoint dir not writable: %w", err)
	}
	if err := os.Remove(probe); err != nil {
		return nil, fmt.Errorf("cleanup probe file: %w", err)
	}
	return &LocalStore{dir: dir, keep: keep, logger: logger}, nil
}

// Save implements Store.
func (s *LocalStore) Save(_ context.Context, data []byte, capturedAt time.Time) error {
	name := checkpointName(capturedAt)
	tmp, err := os.CreateTemp(s.dir, name+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close checkpoint: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, name)); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("finalize checkpoint: %w", err)
	}
	if dirFile, err := os.Open(s.dir); err == nil {
		if err := dirFile.Sync(); err != nil && s.logger != nil {
			s.logger.Warn("sync checkpoint dir failed", zap.Error(err))
		}
		_ = dirFile.Close()
	}
	s.prune()
	return nil
}

// LoadLatest implements Store: the newest file that can be read wins.
func (s *LocalStore) LoadLatest(_ context.Context) ([]byte, error) {
	names, err := s.listCheckpoints()
	if err != nil {
		return nil, err
	}
	for i := len(names) - 1; i >= 0; i-- {
		data, err := os.ReadFile(filepath.Join(s.dir, names[i]))
		if err == nil {
			return data, nil
		}
		if s.logger != nil {
			s.logger.Warn("skip unreadable checkpoint",
				zap.String("name", names[i]), zap.Error(err))
		}
	}
	return nil, ErrNoCheckpoint
}

func (s *LocalStore) listCheckpoints() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, checkpointPrefix) || !strings.HasSuffix(name, checkpointSuffix) {
			continue
		}
		names = append(names, name)
	}
	return names, nil
}

func (s *LocalStore) prune() {
	names, err := s.listCheckpoints()
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("list checkpoints for prune failed", zap.Error(err))
		}
		return
	}
	if len(names) <= s.keep {
		return
	}
	for _, name := range names[:len(names)-s.keep] {
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil && s.logger != nil {
			s.logger.Warn("prune checkpoint failed", zap.String("name", name), zap.Error(err))
		}
	}
}
