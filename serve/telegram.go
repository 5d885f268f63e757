package serve

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/everydev1618/hive"
	"github.com/everydev1618/hive/eventbus"
	"github.com/everydev1618/hive/resilience"
)

// TelegramBot sends operator alerts to one chat and answers commands sent
// from it. Messages from any other chat are ignored.
type TelegramBot struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	orch   *hive.Orchestrator
	logger *slog.Logger

	alerts chan string
	wg     sync.WaitGroup
}

// NewTelegramBot creates a TelegramBot connected to the given token. A
// non-empty endpoint replaces the Telegram API URL format, e.g.
// "https://api.telegram.org/bot%s/%s".
func NewTelegramBot(token, endpoint string, chatID int64, orch *hive.Orchestrator, logger *slog.Logger) (*TelegramBot, error) {
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(token, endpoint)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	bot.Debug = false
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramBot{
		bot:    bot,
		chatID: chatID,
		orch:   orch,
		logger: logger,
		alerts: make(chan string, 64),
	}, nil
}

// Attach queues an alert for every event worth an operator's attention
// until the returned function is called.
func (t *TelegramBot) Attach(bus *eventbus.Bus) (detach func()) {
	id := bus.OnAll(func(ev eventbus.Event) {
		text, ok := alertText(ev)
		if !ok {
			return
		}
		select {
		case t.alerts <- text:
		default:
			t.logger.Warn("telegram: alert dropped, queue full", "topic", ev.Topic)
		}
	})
	return func() { bus.Off("", id) }
}

// alertText renders the events that page an operator.
func alertText(ev eventbus.Event) (string, bool) {
	switch p := ev.Payload.(type) {
	case hive.TaskFailed:
		return fmt.Sprintf("❌ task %s failed on %s: %s", p.TaskID, p.WorkerID, p.Error), true
	case hive.TaskTimedOut:
		return fmt.Sprintf("⏱ task %s timed out on %s after %v", p.TaskID, p.WorkerID, p.Timeout), true
	case hive.WorkerExpired:
		return fmt.Sprintf("💀 worker %s expired (last seen %s)", p.WorkerID, p.LastSeen.Format("15:04:05")), true
	case resilience.CircuitStateChange:
		if p.To == resilience.StateOpen {
			return fmt.Sprintf("⚡ circuit %s opened after %d failures", p.Name, p.Failures), true
		}
	}
	return "", false
}

// Start sends queued alerts and long-polls for commands until ctx is
// cancelled.
func (t *TelegramBot) Start(ctx context.Context) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case text := <-t.alerts:
				t.send(text)
			}
		}
	}()

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := t.bot.GetUpdatesChan(u)

	for {
		select {
		case update, ok := <-updates:
			if !ok {
				t.wg.Wait()
				return
			}
			t.handle(ctx, update)
		case <-ctx.Done():
			t.bot.StopReceivingUpdates()
			t.wg.Wait()
			return
		}
	}
}

// handle processes a single Telegram update.
func (t *TelegramBot) handle(ctx context.Context, update tgbotapi.Update) {
	if update.Message == nil || update.Message.Chat == nil {
		return
	}
	if update.Message.Chat.ID != t.chatID {
		t.logger.Warn("telegram: ignoring message from unknown chat", "chat", update.Message.Chat.ID)
		return
	}
	if text := strings.TrimSpace(update.Message.Text); text != "" {
		t.send(t.command(ctx, text))
	}
}

// command runs one chat command and returns the reply.
func (t *TelegramBot) command(ctx context.Context, text string) string {
	fields := strings.Fields(text)
	// "/status@hive_bot" in group chats
	name, _, _ := strings.Cut(fields[0], "@")

	switch name {
	case "/status":
		s := t.orch.Stats()
		statuses := make([]string, 0, len(s.ByStatus))
		for st, n := range s.ByStatus {
			statuses = append(statuses, fmt.Sprintf("%s %d", st, n))
		}
		sort.Strings(statuses)
		reply := fmt.Sprintf("%d tasks, %d queued", s.Total, s.Queued)
		if len(statuses) > 0 {
			reply += "\n" + strings.Join(statuses, ", ")
		}
		return reply

	case "/task":
		if len(fields) != 2 {
			return "usage: /task <id>"
		}
		task, ok := t.orch.Task(fields[1])
		if !ok {
			return fmt.Sprintf("task %s not found", fields[1])
		}
		reply := fmt.Sprintf("task %s: %s", task.ID, task.Status)
		if task.AssignedTo != "" {
			reply += " on " + task.AssignedTo
		}
		if task.Error != "" {
			reply += "\nerror: " + task.Error
		}
		if task.Result != nil {
			reply += "\nresult: " + task.Result.String()
		}
		return reply

	case "/cancel":
		if len(fields) != 2 {
			return "usage: /cancel <id>"
		}
		canceled, err := t.orch.CancelTask(ctx, fields[1])
		switch {
		case err != nil:
			return err.Error()
		case canceled:
			return fmt.Sprintf("canceled %s", fields[1])
		default:
			return fmt.Sprintf("task %s already finished", fields[1])
		}

	default:
		return "commands: /status, /task <id>, /cancel <id>"
	}
}

func (t *TelegramBot) send(text string) {
	if _, err := t.bot.Send(tgbotapi.NewMessage(t.chatID, text)); err != nil {
		t.logger.Warn("telegram: failed to send message", "error", err)
	}
}
