package notify

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"inspire-scraper/db"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeQueue struct {
	jobs    map[int]*db.Job
	created []*db.Job
	stopped []int
	err     error
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{jobs: map[int]*db.Job{}}
}

func (q *fakeQueue) CreateJob(ctx context.Context, regions, subregions []string) (*db.Job, error) {
	if q.err != nil {
		return nil, q.err
	}
	job := &db.Job{ID: len(q.jobs) + 1, Regions: regions, Subregions: subregions, Status: db.StatusQueued}
	q.jobs[job.ID] = job
	q.created = append(q.created, job)
	return job, nil
}

func (q *fakeQueue) GetJob(ctx context.Context, id int) (*db.Job, error) {
	job, ok := q.jobs[id]
	if !ok {
		return nil, db.ErrJobNotFound
	}
	return job, nil
}

func (q *fakeQueue) ListJobs(ctx context.Context, limit int) ([]*db.Job, error) {
	var jobs []*db.Job
	for id := len(q.jobs); id > 0 && len(jobs) < limit; id-- {
		jobs = append(jobs, q.jobs[id])
	}
	return jobs, nil
}

func (q *fakeQueue) RequestStop(ctx context.Context, id int) error {
	if _, ok := q.jobs[id]; !ok {
		return db.ErrJobNotFound
	}
	q.stopped = append(q.stopped, id)
	return nil
}

func command(chatID int64, text string) tgbotapi.Update {
	length := len(text)
	for i, r := range text {
		if r == ' ' {
			length = i
			break
		}
	}
	return tgbotapi.Update{
		Message: &tgbotapi.Message{
			Text:     text,
			Chat:     &tgbotapi.Chat{ID: chatID},
			Entities: []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: length}},
		},
	}
}

func TestBotCommands(t *testing.T) {
	const chat = int64(7)

	tests := []struct {
		name  string
		text  string
		reply string
	}{
		{"help", "/help", "/run <states> [districts]"},
		{"regions", "/regions", "18 - Kerala"},
		{"run without args", "/run", "Usage: /run"},
		{"run unknown region", "/run atlantis", "unknown region"},
		{"run queued", "/run 18,31 idukki,kollam", "Job #1 queued for 2 state(s)"},
		{"status empty", "/status", "No jobs yet."},
		{"status unknown", "/status 99", "job not found"},
		{"stop unknown", "/stop 99", "Job #99 not found."},
		{"stop usage", "/stop x", "Usage: /stop <job>"},
		{"unknown", "/frobnicate", "Unknown command"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := &fakeSender{}
			bot := NewBot(sender, newFakeQueue(), []int64{chat}, zerolog.Nop())

			bot.HandleUpdate(context.Background(), command(chat, tt.text))

			texts := sender.Texts()
			require.Len(t, texts, 1)
			assert.Contains(t, texts[0], tt.reply)
		})
	}
}

func TestBotRunCreatesJob(t *testing.T) {
	sender := &fakeSender{}
	queue := newFakeQueue()
	bot := NewBot(sender, queue, []int64{7}, zerolog.Nop())
	ctx := context.Background()

	bot.HandleUpdate(ctx, command(7, "/run kerala idukki, kollam"))
	require.Len(t, queue.created, 1)
	assert.Equal(t, []string{"18"}, queue.created[0].Regions)
	assert.Equal(t, []string{"idukki", " kollam"}, queue.created[0].Subregions)

	bot.HandleUpdate(ctx, command(7, "/status 1"))
	bot.HandleUpdate(ctx, command(7, "/stop 1"))
	assert.Equal(t, []int{1}, queue.stopped)

	texts := sender.Texts()
	require.Len(t, texts, 3)
	assert.Contains(t, texts[1], "Job #1: queued")
	assert.Contains(t, texts[1], "States: Kerala")
	assert.Contains(t, texts[2], "Stop requested for job #1")
}

func TestBotRejectsUnknownChats(t *testing.T) {
	sender := &fakeSender{}
	queue := newFakeQueue()
	bot := NewBot(sender, queue, []int64{7}, zerolog.Nop())

	bot.HandleUpdate(context.Background(), command(8, "/run all"))

	assert.Empty(t, queue.created)
	assert.Equal(t, []string{"Sorry, you are not authorized to use this bot."}, sender.Texts())
}

func TestBotIgnoresPlainMessages(t *testing.T) {
	sender := &fakeSender{}
	bot := NewBot(sender, newFakeQueue(), []int64{7}, zerolog.Nop())

	bot.HandleUpdate(context.Background(), tgbotapi.Update{})
	bot.HandleUpdate(context.Background(), tgbotapi.Update{Message: &tgbotapi.Message{Text: "hi", Chat: &tgbotapi.Chat{ID: 7}}})

	assert.Empty(t, sender.Texts())
}

func TestBotReportsQueueFailure(t *testing.T) {
	sender := &fakeSender{}
	queue := newFakeQueue()
	queue.err = errors.New("connection refused")
	bot := NewBot(sender, queue, []int64{7}, zerolog.Nop())

	bot.HandleUpdate(context.Background(), command(7, "/run 18"))

	require.Len(t, sender.Texts(), 1)
	assert.Contains(t, sender.Texts()[0], "Failed to create job: connection refused")
}

func TestFormatJob(t *testing.T) {
	job := &db.Job{
		ID:           3,
		Status:       db.StatusFailed,
		Regions:      []string{"18", "99"},
		Subregions:   []string{"idukki"},
		LeavesCount:  4,
		RecordsCount: 9,
		SkippedCount: 1,
		LastError:    sql.NullString{String: "initialize failed", Valid: true},
	}

	assert.Equal(t,
		"Job #3: failed\nStates: Kerala, State_99\nDistricts: idukki\nSchools: 4, records: 9, skipped: 1\nError: initialize failed",
		FormatJob(job))
}
