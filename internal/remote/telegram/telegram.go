package telegram

import (
	"bytes"
	"context"
	"fmt"
	"image/jpeg"
	"log/slog"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/tantradev/kbot/internal/bot"
	"github.com/tantradev/kbot/internal/event"
)

type Bot struct {
	bot        *tgbotapi.BotAPI
	chatID     int64
	supervisor *bot.Supervisor
	logger     *slog.Logger
}

func NewBot(token string, chatID int64, supervisor *bot.Supervisor, logger *slog.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("error creating Telegram bot: %w", err)
	}
	logger.Info("Telegram bot connected", slog.String("username", api.Self.UserName))

	return &Bot{
		bot:        api,
		chatID:     chatID,
		supervisor: supervisor,
		logger:     logger,
	}, nil
}

// Start polls for commands until the context is canceled. Only messages from
// the configured chat are honored.
func (b *Bot) Start(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := b.bot.GetUpdatesChan(u)
	for {
		select {
		case <-ctx.Done():
			b.bot.StopReceivingUpdates()
			return nil
		case update := <-updates:
			if update.Message == nil || update.Message.Chat.ID != b.chatID {
				continue
			}
			b.handleCommand(update.Message)
		}
	}
}

func (b *Bot) handleCommand(m *tgbotapi.Message) {
	words := strings.Fields(m.Text)
	if len(words) == 0 {
		return
	}

	switch words[0] {
	case "/status":
		st := b.supervisor.Status()
		b.reply(fmt.Sprintf("Status: %s | Class: %s | Backend: %s\nScans: %d | Executions: %d (%.0f%% success)\nHP %d%% MP %d%%",
			st.Status, st.ActiveClass, st.System.Backend,
			st.ScanCount, st.Execution.TotalExecutions, st.Execution.SuccessRate*100,
			st.Vitals.HP, st.Vitals.MP))
	case "/skills":
		st := b.supervisor.Status()
		var sb strings.Builder
		for _, slot := range st.Slots {
			sb.WriteString(fmt.Sprintf("%d %s: %s (%.2f)\n", slot.Slot, slot.SkillName, slot.State, slot.Confidence))
		}
		if sb.Len() == 0 {
			sb.WriteString("No slots tracked yet.")
		}
		b.reply(sb.String())
	case "/use":
		if len(words) < 2 {
			b.reply("Usage: /use <skillName>")
			return
		}
		outcome, err := b.supervisor.ExecuteSkill(context.Background(), words[1])
		if err != nil {
			b.reply(fmt.Sprintf("Error executing %s: %s", words[1], err.Error()))
			return
		}
		b.reply(fmt.Sprintf("%s: %s", words[1], outcome))
	case "/class":
		if len(words) < 2 {
			b.reply("Usage: /class <classId>")
			return
		}
		if err := b.supervisor.SwitchClass(context.Background(), words[1]); err != nil {
			b.reply(fmt.Sprintf("Error switching class: %s", err.Error()))
			return
		}
		b.reply(fmt.Sprintf("Active class is now %s", words[1]))
	case "/visual":
		if len(words) < 2 || (words[1] != "on" && words[1] != "off") {
			b.reply("Usage: /visual on|off")
			return
		}
		b.supervisor.SetUseVisualSystem(words[1] == "on")
		b.reply(fmt.Sprintf("Visual system turned %s", words[1]))
	case "/pause":
		b.reply(fmt.Sprintf("Monitoring is now %s", b.supervisor.TogglePause()))
	case "/help":
		b.reply("/status /skills /use <skill> /class <id> /visual on|off /pause")
	}
}

func (b *Bot) reply(text string) {
	if _, err := b.bot.Send(tgbotapi.NewMessage(b.chatID, text)); err != nil {
		b.logger.Error("Error sending Telegram message", slog.Any("error", err))
	}
}

// Handle pushes every session event to the configured chat. Telegram has no
// per-event switches, the whole notifier is toggled in config.
func (b *Bot) Handle(_ context.Context, e event.Event) error {
	message := fmt.Sprintf("[%s] %s", shortSession(e.Session()), e.Message())

	if e.Image() != nil {
		buf := new(bytes.Buffer)
		if err := jpeg.Encode(buf, e.Image(), &jpeg.Options{Quality: 80}); err != nil {
			return err
		}

		photo := tgbotapi.NewPhoto(b.chatID, tgbotapi.FileBytes{Name: "Screenshot.jpeg", Bytes: buf.Bytes()})
		photo.Caption = message
		_, err := b.bot.Send(photo)
		return err
	}

	_, err := b.bot.Send(tgbotapi.NewMessage(b.chatID, message))
	return err
}

func shortSession(id string) string {
	if len(id) > 8 {
		return id[:8]
	}

	return id
}
