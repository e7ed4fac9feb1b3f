package downloader

// Event represents a state change or progress update from a transfer.
//
// Terminal events (Complete, Failed, Cancelled) are delivered at most once
// per handle. Progress events carry transient byte counts and may be
// dropped or coalesced by the adapter.
type Event struct {
	Handle   string
	Type     EventType
	Progress *Progress
	// Err describes a failure when the adapter has one.
	Err string
}

// EventType defines the set of events that transfers may emit.
type EventType string

const (
	EventStart     EventType = "Start"
	EventCancelled EventType = "Cancelled"
	EventComplete  EventType = "Complete"
	EventFailed    EventType = "Failed"
	EventProgress  EventType = "Progress"
)

// Terminal reports whether no further events follow for the handle.
func (t EventType) Terminal() bool {
	return t == EventComplete || t == EventFailed || t == EventCancelled
}

// Progress provides optional details about an in-progress transfer.
type Progress struct {
	Completed int64
	Total     int64
	// Speed is the current download speed in bytes/sec, if available.
	// A value of 0 indicates it was not provided by the adapter.
	Speed int64
}

// Fraction is Completed/Total, or 0 when the size is not known yet.
func (p Progress) Fraction() float64 {
	if p.Total <= 0 {
		return 0
	}
	f := float64(p.Completed) / float64(p.Total)
	if f > 1 {
		return 1
	}
	return f
}
