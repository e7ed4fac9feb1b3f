package data

import (
	"encoding/json"
	"io"
	"math"
	"time"
)

// SyncStatus records whether a progress entry matches what the server has.
type SyncStatus string

const (
	SyncSynchronized   SyncStatus = "synchronized"
	SyncDesynchronized SyncStatus = "desynchronized"
	SyncTombstoned     SyncStatus = "tombstoned"
)

func (s SyncStatus) Valid() bool {
	switch s {
	case SyncSynchronized, SyncDesynchronized, SyncTombstoned:
		return true
	}
	return false
}

// ProgressEntry is the local playback position for one item.
type ProgressEntry struct {
	Item        ItemID     `json:"item"`
	Progress    float64    `json:"progress"`
	Duration    float64    `json:"duration"`
	CurrentTime float64    `json:"currentTime"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	LastUpdate  time.Time  `json:"lastUpdate"`
	FinishedAt  *time.Time `json:"finishedAt,omitempty"`
	Status      SyncStatus `json:"status"`
}

// ProgressSnapshot is the server's view of an item's progress.
type ProgressSnapshot struct {
	Item        ItemID     `json:"item"`
	Progress    float64    `json:"progress"`
	Duration    float64    `json:"duration"`
	CurrentTime float64    `json:"currentTime"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	LastUpdate  time.Time  `json:"lastUpdate"`
	FinishedAt  *time.Time `json:"finishedAt,omitempty"`
}

// ProgressUpdate is a write to the progress cache. An empty Status means
// desynchronized. Force applies the write whatever the stored timestamp.
type ProgressUpdate struct {
	Item        ItemID
	Progress    float64
	Duration    float64
	CurrentTime float64
	StartedAt   *time.Time
	LastUpdate  time.Time
	FinishedAt  *time.Time
	Status      SyncStatus
	Force       bool
}

// Entry converts the update into the entry that would be stored.
func (u ProgressUpdate) Entry() *ProgressEntry {
	st := u.Status
	if st == "" {
		st = SyncDesynchronized
	}
	return &ProgressEntry{
		Item:        u.Item,
		Progress:    ClampFraction(u.Progress),
		Duration:    u.Duration,
		CurrentTime: u.CurrentTime,
		StartedAt:   cloneTime(u.StartedAt),
		LastUpdate:  u.LastUpdate,
		FinishedAt:  cloneTime(u.FinishedAt),
		Status:      st,
	}
}

// EmptyProgress is the entry reported for an item with no stored progress.
func EmptyProgress(item ItemID) *ProgressEntry {
	return &ProgressEntry{Item: item, Status: SyncSynchronized}
}

func (e *ProgressEntry) Finished() bool { return e.FinishedAt != nil }

// Clone returns a deep copy of the entry.
func (e *ProgressEntry) Clone() *ProgressEntry {
	if e == nil {
		return nil
	}
	cp := *e
	cp.StartedAt = cloneTime(e.StartedAt)
	cp.FinishedAt = cloneTime(e.FinishedAt)
	return &cp
}

// Entry converts the snapshot into a cache entry with the given status.
func (s *ProgressSnapshot) Entry(status SyncStatus) *ProgressEntry {
	return &ProgressEntry{
		Item:        s.Item,
		Progress:    ClampFraction(s.Progress),
		Duration:    s.Duration,
		CurrentTime: s.CurrentTime,
		StartedAt:   cloneTime(s.StartedAt),
		LastUpdate:  s.LastUpdate,
		FinishedAt:  cloneTime(s.FinishedAt),
		Status:      status,
	}
}

func (e *ProgressEntry) ToJSON(w io.Writer) error { return json.NewEncoder(w).Encode(e) }

// ClampFraction limits f to [0,1]; NaN becomes 0.
func ClampFraction(f float64) float64 {
	if math.IsNaN(f) || f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
