package mediasvc

import (
	"time"

	"github.com/tinoosan/shelfsync/internal/data"
)

// Server payloads. Only the fields the engine reads are declared.

type libraryItem struct {
	ID        string `json:"id"`
	LibraryID string `json:"libraryId"`
	Media     media  `json:"media"`
}

type media struct {
	Tracks    []audioTrack  `json:"tracks"`
	Chapters  data.Chapters `json:"chapters"`
	EbookFile *ebookFile    `json:"ebookFile"`
	Episodes  []episode     `json:"episodes"`
}

func (m *media) episode(id string) *episode {
	for i := range m.Episodes {
		if m.Episodes[i].ID == id {
			return &m.Episodes[i]
		}
	}
	return nil
}

type audioTrack struct {
	Index       int     `json:"index"`
	StartOffset float64 `json:"startOffset"`
	Duration    float64 `json:"duration"`
	ContentURL  string  `json:"contentUrl"`
	Metadata    struct {
		Ext string `json:"ext"`
	} `json:"metadata"`
}

type ebookFile struct {
	Metadata struct {
		Ext string `json:"ext"`
	} `json:"metadata"`
}

type episode struct {
	ID         string        `json:"id"`
	AudioTrack *audioTrack   `json:"audioTrack"`
	Chapters   data.Chapters `json:"chapters"`
}

// mediaProgress timestamps are unix milliseconds.
type mediaProgress struct {
	ID            string  `json:"id"`
	LibraryItemID string  `json:"libraryItemId"`
	EpisodeID     string  `json:"episodeId"`
	Duration      float64 `json:"duration"`
	Progress      float64 `json:"progress"`
	CurrentTime   float64 `json:"currentTime"`
	IsFinished    bool    `json:"isFinished"`
	LastUpdate    int64   `json:"lastUpdate"`
	StartedAt     int64   `json:"startedAt"`
	FinishedAt    int64   `json:"finishedAt"`
}

func millis(ms int64) *time.Time {
	if ms <= 0 {
		return nil
	}
	t := time.UnixMilli(ms).UTC()
	return &t
}

func (mp mediaProgress) snapshot(id data.ItemID) *data.ProgressSnapshot {
	s := &data.ProgressSnapshot{
		Item:        id,
		Progress:    data.ClampFraction(mp.Progress),
		Duration:    mp.Duration,
		CurrentTime: mp.CurrentTime,
		StartedAt:   millis(mp.StartedAt),
	}
	if t := millis(mp.LastUpdate); t != nil {
		s.LastUpdate = *t
	}
	if mp.IsFinished {
		s.FinishedAt = millis(mp.FinishedAt)
		if s.FinishedAt == nil {
			t := s.LastUpdate
			s.FinishedAt = &t
		}
	}
	return s
}
