package domain

import "time"

type PushMode string

const (
	PushModeBroadcast PushMode = "broadcast"
	PushModeMessage   PushMode = "message"
)

// SyncStatus is the derived "last synced at / pending changes" indicator.
// UnsentDeletes counts deletes dropped since the last snapshot received from
// the peer; dropped deletes are not retried.
type SyncStatus struct {
	DeviceID       string     `json:"device_id"`
	Activated      bool       `json:"activated"`
	Reachable      bool       `json:"reachable"`
	PushMode       PushMode   `json:"push_mode"`
	SketchCount    int        `json:"sketch_count"`
	TombstoneCount int        `json:"tombstone_count"`
	PendingChanges int        `json:"pending_changes"`
	UnsentDeletes  int        `json:"unsent_deletes"`
	LastSyncedAt   *time.Time `json:"last_synced_at,omitempty"`
	LastPushedAt   *time.Time `json:"last_pushed_at,omitempty"`
}
