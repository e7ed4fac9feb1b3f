package downloader

// Reporter publishes transfer events.
type Reporter interface {
	Report(Event)
}

// ChanReporter writes events to a channel. Report blocks when the channel is
// full, so terminal events are never dropped.
type ChanReporter struct {
	ch chan<- Event
}

func NewChanReporter(ch chan<- Event) *ChanReporter { return &ChanReporter{ch: ch} }

func (r *ChanReporter) Report(e Event) {
	if r == nil {
		return
	}
	r.ch <- e
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(Event)

func (f ReporterFunc) Report(e Event) { f(e) }
