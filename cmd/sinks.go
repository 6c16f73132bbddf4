package cmd

import (
	"context"
	"fmt"
	"path/filepath"

	"inspire-scraper/config"
	"inspire-scraper/db"
	"inspire-scraper/export"
	"inspire-scraper/notify"
	"inspire-scraper/scheduler"
	"inspire-scraper/sheets"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

// outputs holds the destinations built for one run
type outputs struct {
	dir  string
	xlsx bool

	database *db.DB
	sheets   *sheets.Writer
}

// newOutputs connects the optional database and Sheets destinations
func newOutputs(ctx context.Context, cfg *config.Config, dir string, xlsx bool, logger zerolog.Logger) (*outputs, error) {
	out := &outputs{dir: dir, xlsx: xlsx}

	if cfg.Database.URL != "" {
		database, err := db.NewDB(ctx, cfg.Database.URL, logger)
		if err != nil {
			return nil, err
		}
		out.database = database
	}

	if cfg.Sheets.SpreadsheetURL != "" {
		id := sheets.ExtractSpreadsheetID(cfg.Sheets.SpreadsheetURL)
		if id == "" {
			out.close()
			return nil, fmt.Errorf("invalid spreadsheet URL: %s", cfg.Sheets.SpreadsheetURL)
		}
		writer, err := sheets.NewWriter(ctx, id, cfg.Sheets.CredentialsPath, logger)
		if err != nil {
			out.close()
			return nil, err
		}
		out.sheets = writer
	}

	return out, nil
}

// sinks builds the per-run sinks. CSV files always go to dir/<run>.
func (o *outputs) sinks(runID string, batchSize int, logger zerolog.Logger) ([]scheduler.Sink, error) {
	runDir := filepath.Join(o.dir, shortID(runID))
	sinks := []scheduler.Sink{export.NewCSVSink(runDir, logger)}

	if o.xlsx {
		x, err := export.NewXLSXSink(filepath.Join(runDir, "contacts.xlsx"), logger)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, x)
	}
	if o.database != nil {
		sinks = append(sinks, o.database.Contacts(batchSize))
	}
	if o.sheets != nil {
		sinks = append(sinks, o.sheets)
	}
	return sinks, nil
}

// factory adapts sinks for the job scheduler
func (o *outputs) factory(batchSize int, logger zerolog.Logger) scheduler.SinkFactory {
	return func(job *db.Job, runID string) ([]scheduler.Sink, error) {
		return o.sinks(runID, batchSize, logger.With().Int("job_id", job.ID).Logger())
	}
}

func (o *outputs) close() {
	if o.database != nil {
		o.database.Close()
	}
}

// newTelegram returns nil when no bot token is configured
func newTelegram(cfg config.TelegramConfig) (*tgbotapi.BotAPI, error) {
	if cfg.Token == "" {
		return nil, nil
	}
	bot, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	return bot, nil
}

// newTelegramObserver returns nil when telegram is disabled or has no chat
func newTelegramObserver(cfg config.TelegramConfig, logger zerolog.Logger) (*notify.TelegramObserver, error) {
	if cfg.ChatID == 0 {
		return nil, nil
	}
	bot, err := newTelegram(cfg)
	if err != nil || bot == nil {
		return nil, err
	}
	return notify.NewTelegramObserver(bot, cfg.ChatID, cfg.Every, logger), nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
