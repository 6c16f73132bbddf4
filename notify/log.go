package notify

import (
	"inspire-scraper/scraper"

	"github.com/rs/zerolog"
)

// LogObserver writes progress to a zerolog logger
type LogObserver struct {
	logger zerolog.Logger
}

// NewLogObserver creates a new LogObserver instance
func NewLogObserver(logger zerolog.Logger) *LogObserver {
	return &LogObserver{logger: logger.With().Str("component", "progress").Logger()}
}

func (o *LogObserver) OnRegionStarted(e scraper.RegionEvent) {
	o.logger.Info().
		Str("run_id", e.RunID).
		Str("region", e.Region).
		Int("subregions", e.Subregions).
		Msg("region started")
}

func (o *LogObserver) OnSubregionStarted(e scraper.SubregionEvent) {
	o.logger.Info().
		Str("run_id", e.RunID).
		Str("region", e.Region).
		Str("subregion", e.Subregion).
		Int("index", e.Index).
		Int("total", e.Total).
		Int("leaves", e.Leaves).
		Msg("subregion started")
}

func (o *LogObserver) OnLeafProgress(e scraper.LeafProgress) {
	event := o.logger.Debug()
	if e.Skipped {
		event = o.logger.Warn()
	}
	event.
		Str("run_id", e.RunID).
		Str("subregion", e.Subregion).
		Str("leaf", e.Leaf).
		Int("index", e.Index).
		Int("total", e.Total).
		Int("records", e.Records).
		Bool("skipped", e.Skipped).
		Msg("leaf processed")
}

func (o *LogObserver) OnError(e scraper.StepError) {
	o.logger.Error().
		Err(e.Err).
		Str("step", string(e.Step)).
		Str("region", e.Context.RegionID).
		Str("subregion", e.Context.SubregionID).
		Str("leaf", e.Context.LeafID).
		Msg("step failed")
}
