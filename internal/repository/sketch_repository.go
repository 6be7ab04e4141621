package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"sketch-sync/internal/domain"
)

// StateKey is the well-known key the replica is stored under.
const StateKey = "sketches"

const SchemaVersion = 1

var ErrCorruptState = errors.New("persisted sketch state is corrupt")

// SketchRepository persists the whole replica. There is no incremental write.
type SketchRepository interface {
	// Load returns the last saved state, or an empty one when nothing was
	// saved. On a decode failure it returns an empty state together with an
	// error wrapping ErrCorruptState.
	Load(ctx context.Context) (*domain.ReplicaState, error)
	// Save replaces the stored state atomically.
	Save(ctx context.Context, state *domain.ReplicaState) error
}

type persistedState struct {
	SchemaVersion int                  `json:"schema_version"`
	DeviceID      string               `json:"device_id,omitempty"`
	SavedAt       time.Time            `json:"saved_at"`
	Sketches      []domain.Sketch      `json:"sketches"`
	Tombstones    map[string]time.Time `json:"tombstones,omitempty"`
}

func encodeState(deviceID string, state *domain.ReplicaState, savedAt time.Time) ([]byte, error) {
	doc := newPersistedState(deviceID, state, savedAt)
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode sketch state: %w", err)
	}
	return b, nil
}

func newPersistedState(deviceID string, state *domain.ReplicaState, savedAt time.Time) persistedState {
	doc := persistedState{
		SchemaVersion: SchemaVersion,
		DeviceID:      deviceID,
		SavedAt:       savedAt,
		Sketches:      state.Sketches.Sketches(),
	}
	if len(state.Tombstones) > 0 {
		doc.Tombstones = state.Tombstones.Clone()
	}
	return doc
}

// decodeState accepts the versioned record and the legacy bare array of
// sketches (schema 0).
func decodeState(data []byte) (*domain.ReplicaState, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return domain.NewReplicaState(), nil
	}

	if trimmed[0] == '[' {
		var sketches []domain.Sketch
		if err := json.Unmarshal(trimmed, &sketches); err != nil {
			return domain.NewReplicaState(), fmt.Errorf("%w: %v", ErrCorruptState, err)
		}
		return stateFromSketches(sketches, nil)
	}

	var doc persistedState
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return domain.NewReplicaState(), fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	if doc.SchemaVersion > SchemaVersion {
		return domain.NewReplicaState(), fmt.Errorf("%w: unsupported schema version %d", ErrCorruptState, doc.SchemaVersion)
	}
	return stateFromSketches(doc.Sketches, doc.Tombstones)
}

func stateFromSketches(sketches []domain.Sketch, tombstones map[string]time.Time) (*domain.ReplicaState, error) {
	state := domain.NewReplicaState()
	for _, s := range sketches {
		if s.ID == "" {
			return domain.NewReplicaState(), fmt.Errorf("%w: sketch without id", ErrCorruptState)
		}
		if _, dup := state.Sketches[s.ID]; dup {
			return domain.NewReplicaState(), fmt.Errorf("%w: duplicate sketch id %s", ErrCorruptState, s.ID)
		}
		state.Sketches[s.ID] = s
	}
	for id, at := range tombstones {
		state.Tombstones[id] = at
	}
	return state, nil
}
