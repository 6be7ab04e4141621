package repository

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"sketch-sync/internal/domain"
)

type fileSketchRepository struct {
	mu       sync.Mutex
	path     string
	deviceID string
	now      func() time.Time
}

// NewFileSketchRepository stores the replica as <dir>/sketches.json.
func NewFileSketchRepository(dir, deviceID string) SketchRepository {
	return &fileSketchRepository{
		path:     filepath.Join(dir, StateKey+".json"),
		deviceID: deviceID,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (r *fileSketchRepository) Load(ctx context.Context) (*domain.ReplicaState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, err := os.ReadFile(r.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return domain.NewReplicaState(), nil
		}
		return domain.NewReplicaState(), fmt.Errorf("failed to read %s: %w", r.path, err)
	}

	state, err := decodeState(b)
	if err != nil {
		return state, err
	}
	log.Printf("[Store] loaded %d sketches from %s", len(state.Sketches), r.path)
	return state, nil
}

func (r *fileSketchRepository) Save(ctx context.Context, state *domain.ReplicaState) error {
	b, err := encodeState(r.deviceID, state, r.now())
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := writeFileAtomic(r.path, b); err != nil {
		return fmt.Errorf("failed to save sketch state: %w", err)
	}
	return nil
}

// writeFileAtomic writes to a sibling temp file, syncs it and renames it over
// path, so a reader sees either the old or the new content.
func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
