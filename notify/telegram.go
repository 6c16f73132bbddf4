package notify

import (
	"fmt"
	"strings"
	"sync"

	"inspire-scraper/scraper"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

// maxMessageLen is the Telegram limit for one text message
const maxMessageLen = 4096

// Sender is the part of the Telegram bot API used here
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramObserver posts progress messages to a chat. Messages are queued
// and sent from a background goroutine; Close flushes the queue.
type TelegramObserver struct {
	sender Sender
	chatID int64
	every  int
	logger zerolog.Logger

	queue chan string
	wg    sync.WaitGroup
	once  sync.Once
}

// NewTelegramObserver creates a new TelegramObserver instance. Leaf progress is
// reported every `every` leaves and at the end of each subregion.
func NewTelegramObserver(sender Sender, chatID int64, every int, logger zerolog.Logger) *TelegramObserver {
	if every <= 0 {
		every = 1
	}
	o := &TelegramObserver{
		sender: sender,
		chatID: chatID,
		every:  every,
		logger: logger.With().Str("component", "telegram").Logger(),
		queue:  make(chan string, 64),
	}

	o.wg.Add(1)
	go o.loop()
	return o
}

func (o *TelegramObserver) loop() {
	defer o.wg.Done()
	for text := range o.queue {
		if err := o.send(text); err != nil {
			o.logger.Warn().Err(err).Msg("failed to send status update")
		}
	}
}

func (o *TelegramObserver) send(text string) error {
	for _, part := range SplitMessage(text, maxMessageLen) {
		msg := tgbotapi.NewMessage(o.chatID, part)
		if _, err := o.sender.Send(msg); err != nil {
			return err
		}
	}
	return nil
}

func (o *TelegramObserver) enqueue(text string) {
	select {
	case o.queue <- text:
	default:
		o.logger.Warn().Msg("status queue full, dropping message")
	}
}

// Notify queues a free-form message such as a run summary
func (o *TelegramObserver) Notify(text string) {
	o.enqueue(text)
}

// Close sends the queued messages and stops the sender goroutine
func (o *TelegramObserver) Close() error {
	o.once.Do(func() {
		close(o.queue)
		o.wg.Wait()
	})
	return nil
}

func (o *TelegramObserver) OnRegionStarted(e scraper.RegionEvent) {
	o.enqueue(fmt.Sprintf("🔄 %s: %d district(s) to scrape", e.Region, e.Subregions))
}

func (o *TelegramObserver) OnSubregionStarted(e scraper.SubregionEvent) {
	o.enqueue(fmt.Sprintf("📍 %s / %s (%d/%d): %d school(s)", e.Region, e.Subregion, e.Index, e.Total, e.Leaves))
}

func (o *TelegramObserver) OnLeafProgress(e scraper.LeafProgress) {
	if e.Index%o.every != 0 && e.Index != e.Total {
		return
	}
	o.enqueue(fmt.Sprintf("📄 %s: %d/%d school(s) processed", e.Subregion, e.Index, e.Total))
}

func (o *TelegramObserver) OnError(e scraper.StepError) {
	where := []string{}
	for _, id := range []string{e.Context.RegionID, e.Context.SubregionID, e.Context.LeafID} {
		if id != "" {
			where = append(where, id)
		}
	}
	o.enqueue(fmt.Sprintf("❌ %s failed [%s]: %v", e.Step, strings.Join(where, "/"), e.Err))
}

// SplitMessage breaks text into chunks of at most maxLen bytes on line boundaries
func SplitMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}

	var parts []string
	var current strings.Builder

	for _, line := range strings.Split(text, "\n") {
		if current.Len()+len(line)+1 > maxLen && current.Len() > 0 {
			parts = append(parts, strings.TrimSuffix(current.String(), "\n"))
			current.Reset()
		}
		for len(line) > maxLen {
			parts = append(parts, line[:maxLen])
			line = line[maxLen:]
		}
		current.WriteString(line)
		current.WriteString("\n")
	}

	if current.Len() > 0 {
		parts = append(parts, strings.TrimSuffix(current.String(), "\n"))
	}
	return parts
}
