package data

import (
	"encoding/json"
	"io"
)

// DownloadStatus is derived from an item's tracks and never stored.
type DownloadStatus string

const (
	DownloadNone       DownloadStatus = "none"
	DownloadResolving  DownloadStatus = "resolving"
	DownloadWorking    DownloadStatus = "working"
	DownloadDownloaded DownloadStatus = "downloaded"
)

type DownloadState struct {
	Item     ItemID         `json:"item"`
	Status   DownloadStatus `json:"status"`
	Finished int            `json:"finished"`
	Total    int            `json:"total"`
	// Fraction is the byte-weighted progress when a transfer is running,
	// otherwise Finished/Total.
	Fraction float64 `json:"fraction"`
}

// DeriveState computes the download state of item from its track rows.
func DeriveState(item ItemID, tracks Tracks) DownloadState {
	st := DownloadState{Item: item, Total: len(tracks)}
	for _, t := range tracks {
		if t.Downloaded() {
			st.Finished++
		}
	}
	switch {
	case st.Total == 0:
		st.Status = DownloadNone
	case st.Finished == st.Total:
		st.Status = DownloadDownloaded
		st.Fraction = 1
	default:
		st.Status = DownloadWorking
		st.Fraction = float64(st.Finished) / float64(st.Total)
	}
	return st
}

func (s DownloadState) ToJSON(w io.Writer) error { return json.NewEncoder(w).Encode(s) }
