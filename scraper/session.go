package scraper

import (
	"fmt"
	"sync"

	"inspire-scraper/config"
	"inspire-scraper/fetcher"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Session owns one transport, one token store and one navigator.
// Sessions share nothing, so several may run in parallel.
type Session struct {
	*Navigator

	ID string

	fetcher  fetcher.Fetcher
	observer Observer
	logger   zerolog.Logger

	once sync.Once
	err  error
}

type sessionOptions struct {
	fetcher  fetcher.Fetcher
	observer Observer
	events   chan<- StepEvent
	logger   zerolog.Logger
	runID    string
}

// Option customises a Session
type Option func(*sessionOptions)

// WithObserver injects the progress observer
func WithObserver(o Observer) Option {
	return func(so *sessionOptions) { so.observer = o }
}

// WithEvents sends a StepEvent on ch after every committed transition.
// The channel is owned by the caller; events that do not fit are dropped
// and counted by DroppedEvents.
func WithEvents(ch chan<- StepEvent) Option {
	return func(so *sessionOptions) { so.events = ch }
}

// WithLogger sets the parent logger
func WithLogger(l zerolog.Logger) Option {
	return func(so *sessionOptions) { so.logger = l }
}

// WithFetcher replaces the default colly transport
func WithFetcher(f fetcher.Fetcher) Option {
	return func(so *sessionOptions) { so.fetcher = f }
}

// WithRunID tags the session with an existing run id instead of a new one
func WithRunID(id string) Option {
	return func(so *sessionOptions) { so.runID = id }
}

// NewSession creates a new Session instance
func NewSession(cfg *config.Config, opts ...Option) (*Session, error) {
	so := sessionOptions{
		observer: NopObserver{},
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&so)
	}
	if so.runID == "" {
		so.runID = uuid.NewString()
	}
	if so.observer == nil {
		so.observer = NopObserver{}
	}

	logger := so.logger.With().Str("component", "session").Str("run_id", so.runID).Logger()

	if so.fetcher == nil {
		f, err := fetcher.NewCollyFetcher(fetcher.Options{
			Timeout:       cfg.HTTP.Timeout,
			MaxRetries:    cfg.HTTP.MaxRetries,
			BackoffFactor: cfg.HTTP.BackoffFactor,
			Delay:         cfg.HTTP.Delay,
			UserAgent:     cfg.Target.UserAgent,
			Headers:       cfg.Target.Headers,
			Logger:        logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create fetcher: %w", err)
		}
		so.fetcher = f
	}

	nav := &Navigator{
		fetcher:  so.fetcher,
		tokens:   NewTokenStore(),
		target:   cfg.Target.URL,
		form:     cfg.Form,
		runID:    so.runID,
		observer: so.observer,
		events:   so.events,
		logger:   logger,
	}

	return &Session{
		Navigator: nav,
		ID:        so.runID,
		fetcher:   so.fetcher,
		observer:  so.observer,
		logger:    logger,
	}, nil
}

// Observer returns the observer injected at construction
func (s *Session) Observer() Observer {
	return s.observer
}

// Shutdown releases the transport. It is safe to call more than once; every
// later transition fails with ErrSessionClosed.
func (s *Session) Shutdown() error {
	s.once.Do(func() {
		s.Navigator.closed.Store(true)
		s.err = s.fetcher.Close()
		s.logger.Debug().Msg("session closed")
	})
	return s.err
}
