package data

import (
	"encoding/json"
	"io"
	"time"
)

type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackPDF   TrackKind = "pdf"
)

// Track is one physical file of an item. TaskID is nil once the bytes are in
// their final location; a non-nil TaskID means a transfer owns the track.
type Track struct {
	ID        string    `json:"id"`
	Item      ItemID    `json:"item"`
	Index     int       `json:"index"`
	Kind      TrackKind `json:"kind"`
	Offset    float64   `json:"offset"`
	Duration  float64   `json:"duration"`
	Ext       string    `json:"ext"`
	TaskID    *string   `json:"taskId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type Tracks []*Track

// TrackDescriptor is what the media service returns for one track before it
// has a row in the store.
type TrackDescriptor struct {
	Index    int               `json:"index"`
	Kind     TrackKind         `json:"kind"`
	URL      string            `json:"url"`
	Offset   float64           `json:"offset"`
	Duration float64           `json:"duration"`
	Ext      string            `json:"ext"`
	Headers  map[string]string `json:"-"`
}

func (t *Track) Downloaded() bool { return t.TaskID == nil }

// Clone returns a deep copy of the track.
func (t *Track) Clone() *Track {
	if t == nil {
		return nil
	}
	cp := *t
	if t.TaskID != nil {
		v := *t.TaskID
		cp.TaskID = &v
	}
	return &cp
}

func (ts Tracks) Clone() Tracks {
	out := make(Tracks, len(ts))
	for i, t := range ts {
		out[i] = t.Clone()
	}
	return out
}

func (t *Track) ToJSON(w io.Writer) error { return json.NewEncoder(w).Encode(t) }

func (ts Tracks) ToJSON(w io.Writer) error { return json.NewEncoder(w).Encode(ts) }
