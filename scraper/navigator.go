package scraper

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"inspire-scraper/config"
	"inspire-scraper/fetcher"
	"inspire-scraper/models"
	"inspire-scraper/parser"

	"github.com/rs/zerolog"
)

// State is a position in the form wizard
type State int

const (
	StateFresh State = iota
	StateInitialized
	StateModeSelected
	StateRegionSelected
	StateSubregionSelected
	StateSubmitted
)

func (s State) String() string {
	switch s {
	case StateFresh:
		return "fresh"
	case StateInitialized:
		return "initialized"
	case StateModeSelected:
		return "mode_selected"
	case StateRegionSelected:
		return "region_selected"
	case StateSubregionSelected:
		return "subregion_selected"
	case StateSubmitted:
		return "submitted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Navigator replays the contact details wizard one postback at a time.
// Transitions are serialized; a failed transition leaves state, tokens and
// selections exactly as they were.
type Navigator struct {
	fetcher  fetcher.Fetcher
	tokens   *TokenStore
	target   string
	form     config.FormConfig
	runID    string
	observer Observer
	events   chan<- StepEvent
	dropped  atomic.Int64
	logger   zerolog.Logger
	closed   atomic.Bool

	mu         sync.Mutex
	state      State
	nav        models.NavigationContext
	regions    models.OptionMap
	subregions models.OptionMap
}

// transition describes one step: the request to send and how to read its answer
type transition struct {
	step    Step
	guard   func() error
	next    models.NavigationContext
	to      State
	target  string
	extract func(markup string) (int, error)
}

// State returns the current wizard state
func (n *Navigator) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Context returns the selections made so far
func (n *Navigator) Context() models.NavigationContext {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.nav
}

// DroppedEvents returns the number of step events discarded because the
// events channel was full
func (n *Navigator) DroppedEvents() int64 {
	return n.dropped.Load()
}

// Tokens returns the tokens the next request will carry
func (n *Navigator) Tokens() models.TokenSet {
	return n.tokens.Current()
}

// LearnRegions records region labels obtained elsewhere, such as a static list
func (n *Navigator) LearnRegions(labels models.OptionMap) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.regions == nil {
		n.regions = models.OptionMap{}
	}
	for id, label := range labels {
		n.regions[id] = label
	}
}

// Initialize loads the entry page and captures its tokens
func (n *Navigator) Initialize(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	t := transition{
		step: StepInitialize,
		guard: func() error {
			return n.requireExactly(StateFresh)
		},
		to: StateInitialized,
	}

	from := n.state
	start := time.Now()
	if err := n.guardStep(ctx, t); err != nil {
		return err
	}

	body, err := n.fetcher.Send(ctx, http.MethodGet, n.target, nil)
	if err != nil {
		return n.fail(t.step, n.nav, err)
	}

	tokens, err := parser.ParseInitialPage(string(body))
	if err != nil {
		return n.fail(t.step, n.nav, err)
	}

	// the entry page may already list the regions
	regions, err := parser.ExtractOptions(string(body), n.form.RegionSelectID)
	if err != nil {
		return n.fail(t.step, n.nav, err)
	}

	if err := n.tokens.Replace(tokens); err != nil {
		return n.fail(t.step, n.nav, err)
	}
	n.learn(regions)
	n.commit(t, from, start, len(regions), 0)
	return nil
}

// SelectMode chooses the contact details mode. It returns the region
// options when the response carries the region dropdown.
func (n *Navigator) SelectMode(ctx context.Context) (models.OptionMap, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	var regions models.OptionMap
	t := transition{
		step: StepSelectMode,
		guard: func() error {
			return n.requireAtLeast(StateInitialized)
		},
		next:   n.nav.WithMode(n.form.ModeValue),
		to:     StateModeSelected,
		target: n.form.ModeTarget,
		extract: func(markup string) (int, error) {
			var err error
			regions, err = parser.ExtractOptions(markup, n.form.RegionSelectID)
			return len(regions), err
		},
	}

	if err := n.postback(ctx, t); err != nil {
		return nil, err
	}
	n.learn(regions)
	return regions, nil
}

// SelectRegion chooses a region and returns its subregion options
func (n *Navigator) SelectRegion(ctx context.Context, regionID string) (models.OptionMap, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	var subregions models.OptionMap
	t := transition{
		step: StepSelectRegion,
		guard: func() error {
			if regionID == "" {
				return fmt.Errorf("%w: empty region id", ErrInvalidTransition)
			}
			return n.requireAtLeast(StateModeSelected)
		},
		next:   n.nav.WithRegion(regionID),
		to:     StateRegionSelected,
		target: n.form.RegionField,
		extract: func(markup string) (int, error) {
			var err error
			subregions, err = parser.ExtractOptions(markup, n.form.SubregionListID)
			return len(subregions), err
		},
	}

	if err := n.postback(ctx, t); err != nil {
		return nil, err
	}
	n.subregions = subregions
	return subregions, nil
}

// SelectSubregion chooses a subregion of the selected region and returns its leaf options
func (n *Navigator) SelectSubregion(ctx context.Context, regionID, subregionID string) (models.OptionMap, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	var leaves models.OptionMap
	t := transition{
		step: StepSelectSubregion,
		guard: func() error {
			if subregionID == "" {
				return fmt.Errorf("%w: empty subregion id", ErrInvalidTransition)
			}
			if err := n.requireAtLeast(StateRegionSelected); err != nil {
				return err
			}
			if n.nav.RegionID != regionID {
				return fmt.Errorf("%w: region %q is not selected (current %q)", ErrInvalidTransition, regionID, n.nav.RegionID)
			}
			return nil
		},
		next:   n.nav.WithSubregion(subregionID),
		to:     StateSubregionSelected,
		target: n.form.SubregionField,
		extract: func(markup string) (int, error) {
			var err error
			leaves, err = parser.ExtractOptions(markup, n.form.LeafSelectID)
			return len(leaves), err
		},
	}

	if err := n.postback(ctx, t); err != nil {
		return nil, err
	}
	return leaves, nil
}

// SubmitLeaf submits the form for one leaf entity and returns its contact
// records. A response without a results grid yields zero records.
func (n *Navigator) SubmitLeaf(ctx context.Context, regionID, subregionID, leafID string) ([]models.ContactRecord, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	var records []models.ContactRecord
	t := transition{
		step: StepSubmitLeaf,
		guard: func() error {
			if leafID == "" {
				return fmt.Errorf("%w: empty leaf id", ErrInvalidTransition)
			}
			if err := n.requireAtLeast(StateSubregionSelected); err != nil {
				return err
			}
			if n.nav.RegionID != regionID || n.nav.SubregionID != subregionID {
				return fmt.Errorf("%w: %s/%s is not selected (current %s/%s)",
					ErrInvalidTransition, regionID, subregionID, n.nav.RegionID, n.nav.SubregionID)
			}
			return nil
		},
		next:   n.nav.WithLeaf(leafID),
		to:     StateSubmitted,
		target: n.form.SubmitTarget,
		extract: func(markup string) (int, error) {
			var err error
			records, err = parser.ExtractContacts(markup, n.form.ResultsTableID,
				n.regions.Label(regionID), n.subregions.Label(subregionID))
			return len(records), err
		},
	}

	if err := n.postback(ctx, t); err != nil {
		return nil, err
	}
	return records, nil
}

// postback runs one asynchronous form post: send, parse, replace tokens, commit
func (n *Navigator) postback(ctx context.Context, t transition) error {
	from := n.state
	start := time.Now()
	if err := n.guardStep(ctx, t); err != nil {
		return err
	}

	body, err := n.fetcher.Send(ctx, http.MethodPost, n.target, n.buildForm(t.target, t.next))
	if err != nil {
		return n.fail(t.step, t.next, err)
	}

	delta, err := parser.ParseDelta(string(body))
	if err != nil {
		return n.fail(t.step, t.next, err)
	}
	if delta.ServerError != "" || delta.Redirect != "" {
		return n.fail(t.step, t.next, &RemoteError{Message: delta.ServerError, Redirect: delta.Redirect})
	}

	count, err := t.extract(delta.Markup())
	if err != nil {
		return n.fail(t.step, t.next, err)
	}

	if err := n.tokens.Replace(delta.Tokens); err != nil {
		return n.fail(t.step, t.next, err)
	}

	records := 0
	if t.step == StepSubmitLeaf {
		records, count = count, 0
	}
	n.commit(t, from, start, count, records)
	return nil
}

// buildForm assembles the postback body for the selections in nav
func (n *Navigator) buildForm(eventTarget string, nav models.NavigationContext) url.Values {
	tokens := n.tokens.Current()

	form := url.Values{}
	form.Set("__EVENTTARGET", eventTarget)
	form.Set("__EVENTARGUMENT", "")
	form.Set(models.FieldViewState, tokens.ViewState)
	form.Set(models.FieldViewStateGenerator, tokens.ViewStateGenerator)
	form.Set(models.FieldEventValidation, tokens.EventValidation)
	form.Set("__ASYNCPOST", "true")

	form.Set(n.form.ModeField, nav.Mode)
	if nav.RegionID != "" {
		form.Set(n.form.RegionField, nav.RegionID)
	}
	if nav.SubregionID != "" {
		form.Set(n.form.SubregionField, nav.SubregionID)
	}
	if nav.LeafID != "" {
		form.Set(n.form.LeafField, nav.LeafID)
	}
	return form
}

func (n *Navigator) guardStep(ctx context.Context, t transition) error {
	if n.closed.Load() {
		return n.fail(t.step, n.nav, ErrSessionClosed)
	}
	if err := t.guard(); err != nil {
		return n.fail(t.step, n.nav, err)
	}
	if err := ctx.Err(); err != nil {
		return n.fail(t.step, n.nav, err)
	}
	return nil
}

func (n *Navigator) requireExactly(s State) error {
	if n.state != s {
		return fmt.Errorf("%w: requires %s, session is %s", ErrInvalidTransition, s, n.state)
	}
	return nil
}

func (n *Navigator) requireAtLeast(s State) error {
	if n.state < s {
		return fmt.Errorf("%w: requires %s, session is %s", ErrInvalidTransition, s, n.state)
	}
	return nil
}

func (n *Navigator) learn(regions models.OptionMap) {
	if len(regions) == 0 {
		return
	}
	if n.regions == nil {
		n.regions = models.OptionMap{}
	}
	for id, label := range regions {
		n.regions[id] = label
	}
}

func (n *Navigator) commit(t transition, from State, start time.Time, options, records int) {
	n.state = t.to
	if t.step != StepInitialize {
		n.nav = t.next
	}

	event := StepEvent{
		RunID:   n.runID,
		Step:    t.step,
		From:    from,
		To:      t.to,
		Context: n.nav,
		Options: options,
		Records: records,
		Elapsed: time.Since(start),
	}

	n.logger.Debug().
		Str("step", string(t.step)).
		Str("from", from.String()).
		Str("to", t.to.String()).
		Str("region", n.nav.RegionID).
		Str("subregion", n.nav.SubregionID).
		Str("leaf", n.nav.LeafID).
		Int("options", options).
		Int("records", records).
		Dur("elapsed", event.Elapsed).
		Msg("step completed")

	if n.events == nil {
		return
	}
	select {
	case n.events <- event:
	default:
		n.dropped.Add(1)
		n.logger.Debug().Str("step", string(t.step)).Msg("step event dropped, channel full")
	}
}

func (n *Navigator) fail(step Step, nav models.NavigationContext, err error) error {
	stepErr := &StepError{Step: step, Context: nav, Err: err}

	event := n.logger.Warn()
	if errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrSessionClosed) {
		event = n.logger.Debug()
	}
	event.Err(err).
		Str("step", string(step)).
		Str("region", nav.RegionID).
		Str("subregion", nav.SubregionID).
		Str("leaf", nav.LeafID).
		Msg("step failed")

	n.observer.OnError(*stepErr)
	return stepErr
}
