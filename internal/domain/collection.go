package domain

import (
	"sort"
	"time"
)

// Collection maps sketch id to sketch. Ordering is a presentation concern.
type Collection map[string]Sketch

func CollectionFromSketches(sketches []Sketch) Collection {
	c := make(Collection, len(sketches))
	for _, s := range sketches {
		c[s.ID] = s.Clone()
	}
	return c
}

func (c Collection) Clone() Collection {
	out := make(Collection, len(c))
	for id, s := range c {
		out[id] = s.Clone()
	}
	return out
}

// Sketches returns the entries sorted by id, which keeps encodings stable.
func (c Collection) Sketches() []Sketch {
	out := make([]Sketch, 0, len(c))
	for _, s := range c {
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Newest returns the entries most recently modified first.
func (c Collection) Newest() []Sketch {
	out := c.Sketches()
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastModified.After(out[j].LastModified)
	})
	return out
}

func (c Collection) Equal(other Collection) bool {
	if len(c) != len(other) {
		return false
	}
	for id, s := range c {
		o, ok := other[id]
		if !ok || !s.Equal(o) {
			return false
		}
	}
	return true
}

// Tombstones records when an id was deleted. It lives beside the Collection,
// never inside it.
type Tombstones map[string]time.Time

func (t Tombstones) Clone() Tombstones {
	out := make(Tombstones, len(t))
	for id, at := range t {
		out[id] = at
	}
	return out
}

// Record keeps the later of the existing and the given deletion time.
func (t Tombstones) Record(id string, deletedAt time.Time) bool {
	if cur, ok := t[id]; ok && !deletedAt.After(cur) {
		return false
	}
	t[id] = deletedAt
	return true
}

// Suppresses reports whether a remote copy must not re-enter the collection
// because it was deleted at or after its last modification.
func (t Tombstones) Suppresses(s Sketch) bool {
	deletedAt, ok := t[s.ID]
	if !ok {
		return false
	}
	return !s.LastModified.After(deletedAt)
}

// Prune drops tombstones recorded before cutoff and returns how many went.
func (t Tombstones) Prune(cutoff time.Time) int {
	n := 0
	for id, at := range t {
		if at.Before(cutoff) {
			delete(t, id)
			n++
		}
	}
	return n
}

// ReplicaState is everything one device persists.
type ReplicaState struct {
	Sketches   Collection
	Tombstones Tombstones
}

func NewReplicaState() *ReplicaState {
	return &ReplicaState{
		Sketches:   make(Collection),
		Tombstones: make(Tombstones),
	}
}

func (r *ReplicaState) Clone() *ReplicaState {
	return &ReplicaState{
		Sketches:   r.Sketches.Clone(),
		Tombstones: r.Tombstones.Clone(),
	}
}

type MergeResult struct {
	Inserted   []string `json:"inserted"`
	Replaced   []string `json:"replaced"`
	Kept       int      `json:"kept"`
	Suppressed []string `json:"suppressed"`
}

func (m MergeResult) Changed() bool {
	return len(m.Inserted) > 0 || len(m.Replaced) > 0
}
