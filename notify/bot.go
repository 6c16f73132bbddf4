package notify

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"inspire-scraper/db"
	"inspire-scraper/filter"
	"inspire-scraper/regions"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

const helpText = "Commands:\n" +
	"/start - Start the bot\n" +
	"/help - Show this help\n" +
	"/regions - List state ids\n" +
	"/run <states> [districts] - Queue a scrape, e.g. /run 18,31 idukki,kollam\n" +
	"/status [job] - Show recent jobs or one job\n" +
	"/stop <job> - Stop a queued or running job"

// JobQueue is the part of the job store the bot drives
type JobQueue interface {
	CreateJob(ctx context.Context, regions, subregions []string) (*db.Job, error)
	GetJob(ctx context.Context, id int) (*db.Job, error)
	ListJobs(ctx context.Context, limit int) ([]*db.Job, error)
	RequestStop(ctx context.Context, id int) error
}

// Bot answers chat commands by queueing and inspecting jobs
type Bot struct {
	sender  Sender
	queue   JobQueue
	allowed map[int64]bool
	logger  zerolog.Logger
}

// NewBot creates a new Bot instance. Only the listed chats may use it.
func NewBot(sender Sender, queue JobQueue, allowedChats []int64, logger zerolog.Logger) *Bot {
	allowed := make(map[int64]bool, len(allowedChats))
	for _, id := range allowedChats {
		allowed[id] = true
	}
	return &Bot{
		sender:  sender,
		queue:   queue,
		allowed: allowed,
		logger:  logger.With().Str("component", "bot").Logger(),
	}
}

// Listen handles updates until ctx is done or the channel closes
func (b *Bot) Listen(ctx context.Context, updates tgbotapi.UpdatesChannel) {
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			b.HandleUpdate(ctx, update)
		}
	}
}

// HandleUpdate answers one update
func (b *Bot) HandleUpdate(ctx context.Context, update tgbotapi.Update) {
	if update.Message == nil || !update.Message.IsCommand() {
		return
	}
	chatID := update.Message.Chat.ID

	if !b.allowed[chatID] {
		b.logger.Warn().Int64("chat_id", chatID).Msg("unauthorized chat attempted to use bot")
		b.reply(chatID, "Sorry, you are not authorized to use this bot.")
		return
	}

	args := strings.Fields(update.Message.CommandArguments())

	switch update.Message.Command() {
	case "start", "help":
		b.reply(chatID, helpText)
	case "regions":
		b.reply(chatID, formatRegions())
	case "run":
		b.reply(chatID, b.run(ctx, args))
	case "status":
		b.reply(chatID, b.status(ctx, args))
	case "stop":
		b.reply(chatID, b.stop(ctx, args))
	default:
		b.reply(chatID, "Unknown command. Use /help for available commands.")
	}
}

func (b *Bot) reply(chatID int64, text string) {
	for _, part := range SplitMessage(text, maxMessageLen) {
		if _, err := b.sender.Send(tgbotapi.NewMessage(chatID, part)); err != nil {
			b.logger.Error().Err(err).Int64("chat_id", chatID).Msg("failed to send reply")
			return
		}
	}
}

func (b *Bot) run(ctx context.Context, args []string) string {
	if len(args) == 0 {
		return "Usage: /run <states> [districts]"
	}

	regionIDs, err := regions.ResolveAll(strings.Split(args[0], ","))
	if err != nil {
		return fmt.Sprintf("❌ %v", err)
	}

	var patterns []string
	if len(args) > 1 {
		patterns = strings.Split(strings.Join(args[1:], " "), ",")
		if _, err := filter.NewSelector(patterns); err != nil {
			return fmt.Sprintf("❌ %v", err)
		}
	}

	job, err := b.queue.CreateJob(ctx, regionIDs, patterns)
	if err != nil {
		b.logger.Error().Err(err).Msg("failed to create job")
		return fmt.Sprintf("❌ Error: Failed to create job: %v", err)
	}

	b.logger.Info().Int("job_id", job.ID).Strs("regions", regionIDs).Msg("job queued")
	return fmt.Sprintf("📝 Job #%d queued for %d state(s). Use /status %d to follow it.", job.ID, len(regionIDs), job.ID)
}

func (b *Bot) status(ctx context.Context, args []string) string {
	if len(args) > 0 {
		id, err := strconv.Atoi(args[0])
		if err != nil {
			return "Usage: /status [job]"
		}
		job, err := b.queue.GetJob(ctx, id)
		if err != nil {
			return fmt.Sprintf("❌ %v", err)
		}
		return FormatJob(job)
	}

	jobs, err := b.queue.ListJobs(ctx, 5)
	if err != nil {
		return fmt.Sprintf("❌ %v", err)
	}
	if len(jobs) == 0 {
		return "No jobs yet."
	}

	lines := make([]string, 0, len(jobs))
	for _, job := range jobs {
		lines = append(lines, FormatJob(job))
	}
	return strings.Join(lines, "\n\n")
}

func (b *Bot) stop(ctx context.Context, args []string) string {
	if len(args) == 0 {
		return "Usage: /stop <job>"
	}
	id, err := strconv.Atoi(args[0])
	if err != nil {
		return "Usage: /stop <job>"
	}

	if err := b.queue.RequestStop(ctx, id); err != nil {
		if errors.Is(err, db.ErrJobNotFound) {
			return fmt.Sprintf("Job #%d not found.", id)
		}
		return fmt.Sprintf("❌ %v", err)
	}
	return fmt.Sprintf("🛑 Stop requested for job #%d.", id)
}

// FormatJob renders a job for chat and CLI output
func FormatJob(job *db.Job) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Job #%d: %s\n", job.ID, job.Status)

	names := make([]string, 0, len(job.Regions))
	for _, id := range job.Regions {
		names = append(names, regions.Name(id))
	}
	fmt.Fprintf(&sb, "States: %s\n", strings.Join(names, ", "))
	if len(job.Subregions) > 0 {
		fmt.Fprintf(&sb, "Districts: %s\n", strings.Join(job.Subregions, ", "))
	}
	fmt.Fprintf(&sb, "Schools: %d, records: %d, skipped: %d", job.LeavesCount, job.RecordsCount, job.SkippedCount)
	if job.LastError.Valid {
		fmt.Fprintf(&sb, "\nError: %s", job.LastError.String)
	}
	return sb.String()
}

func formatRegions() string {
	all := regions.All()
	lines := make([]string, 0, len(all))
	for _, id := range all.IDs() {
		lines = append(lines, fmt.Sprintf("%s - %s", id, all[id]))
	}
	return strings.Join(lines, "\n")
}
