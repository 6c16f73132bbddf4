package notify

import (
	"sync/atomic"

	"inspire-scraper/scraper"
)

// Kind tells which notification an Event carries
type Kind string

const (
	KindRegionStarted    Kind = "region_started"
	KindSubregionStarted Kind = "subregion_started"
	KindLeafProgress     Kind = "leaf_progress"
	KindError            Kind = "error"
)

// Event is a flattened notification for consumers reading from a channel
type Event struct {
	Kind        Kind
	RunID       string
	RegionID    string
	Region      string
	SubregionID string
	Subregion   string
	LeafID      string
	Leaf        string
	Index       int
	Total       int
	Count       int
	Skipped     bool
	Step        scraper.Step
	Err         error
}

// ChannelObserver forwards notifications to a caller-owned channel.
// Sends never block; events that do not fit are counted as dropped.
type ChannelObserver struct {
	ch      chan<- Event
	dropped atomic.Int64
}

// NewChannelObserver creates a new ChannelObserver instance
func NewChannelObserver(ch chan<- Event) *ChannelObserver {
	return &ChannelObserver{ch: ch}
}

// Dropped returns the number of events discarded because the channel was full
func (o *ChannelObserver) Dropped() int64 {
	return o.dropped.Load()
}

func (o *ChannelObserver) send(e Event) {
	select {
	case o.ch <- e:
	default:
		o.dropped.Add(1)
	}
}

func (o *ChannelObserver) OnRegionStarted(e scraper.RegionEvent) {
	o.send(Event{
		Kind:     KindRegionStarted,
		RunID:    e.RunID,
		RegionID: e.RegionID,
		Region:   e.Region,
		Total:    e.Subregions,
	})
}

func (o *ChannelObserver) OnSubregionStarted(e scraper.SubregionEvent) {
	o.send(Event{
		Kind:        KindSubregionStarted,
		RunID:       e.RunID,
		RegionID:    e.RegionID,
		Region:      e.Region,
		SubregionID: e.SubregionID,
		Subregion:   e.Subregion,
		Index:       e.Index,
		Total:       e.Total,
		Count:       e.Leaves,
	})
}

func (o *ChannelObserver) OnLeafProgress(e scraper.LeafProgress) {
	o.send(Event{
		Kind:        KindLeafProgress,
		RunID:       e.RunID,
		RegionID:    e.RegionID,
		Region:      e.Region,
		SubregionID: e.SubregionID,
		Subregion:   e.Subregion,
		LeafID:      e.LeafID,
		Leaf:        e.Leaf,
		Index:       e.Index,
		Total:       e.Total,
		Count:       e.Records,
		Skipped:     e.Skipped,
	})
}

func (o *ChannelObserver) OnError(e scraper.StepError) {
	o.send(Event{
		Kind:        KindError,
		RegionID:    e.Context.RegionID,
		SubregionID: e.Context.SubregionID,
		LeafID:      e.Context.LeafID,
		Step:        e.Step,
		Err:         e.Err,
	})
}
