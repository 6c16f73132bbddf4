package scraper

import (
	"time"

	"inspire-scraper/models"
)

// Observer receives progress from a session. Implementations must not block
// for long since they run on the navigation goroutine.
type Observer interface {
	OnRegionStarted(RegionEvent)
	OnSubregionStarted(SubregionEvent)
	OnLeafProgress(LeafProgress)
	OnError(StepError)
}

// RegionEvent is emitted once the subregions of a region are known
type RegionEvent struct {
	RunID      string
	RegionID   string
	Region     string
	Subregions int
}

// SubregionEvent is emitted once the leaves of a subregion are known
type SubregionEvent struct {
	RunID       string
	RegionID    string
	Region      string
	SubregionID string
	Subregion   string
	Index       int
	Total       int
	Leaves      int
}

// LeafProgress is emitted after every leaf submit, successful or skipped
type LeafProgress struct {
	RunID       string
	RegionID    string
	Region      string
	SubregionID string
	Subregion   string
	LeafID      string
	Leaf        string
	Index       int
	Total       int
	Records     int
	Skipped     bool
}

// StepEvent is sent on the session's event channel after every committed transition
type StepEvent struct {
	RunID   string
	Step    Step
	From    State
	To      State
	Context models.NavigationContext
	Options int
	Records int
	Elapsed time.Duration
}

// NopObserver ignores every notification
type NopObserver struct{}

func (NopObserver) OnRegionStarted(RegionEvent)       {}
func (NopObserver) OnSubregionStarted(SubregionEvent) {}
func (NopObserver) OnLeafProgress(LeafProgress)       {}
func (NopObserver) OnError(StepError)                 {}
