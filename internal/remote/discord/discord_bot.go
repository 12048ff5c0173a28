package discord

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/tantradev/kbot/internal/bot"
	"github.com/tantradev/kbot/internal/config"
)

type Bot struct {
	discordSession *discordgo.Session
	channelID      string
	supervisor     *bot.Supervisor
}

func NewBot(token, channelID string, supervisor *bot.Supervisor) (*Bot, error) {
	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("error creating Discord session: %w", err)
	}

	return &Bot{
		discordSession: dg,
		channelID:      channelID,
		supervisor:     supervisor,
	}, nil
}

func (b *Bot) Start(ctx context.Context) error {
	b.discordSession.AddHandler(b.onMessageCreated)
	// MESSAGE_CONTENT intent is required to read command text
	b.discordSession.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentMessageContent
	err := b.discordSession.Open()
	if err != nil {
		return fmt.Errorf("error opening connection: %w", err)
	}

	// Wait until context is finished
	<-ctx.Done()

	return b.discordSession.Close()
}

func (b *Bot) onMessageCreated(s *discordgo.Session, m *discordgo.MessageCreate) {
	// Ignore messages from the bot itself
	if m.Author.ID == s.State.User.ID {
		return
	}

	// Commands are restricted to configured admins
	if !slices.Contains(config.Kbot.Discord.BotAdmins, m.Author.ID) {
		return
	}

	// Only process messages that start with !
	if !strings.HasPrefix(m.Content, "!") {
		return
	}

	prefix := strings.Split(m.Content, " ")[0]
	switch prefix {
	case "!status":
		b.handleStatusRequest(s, m)
	case "!skills":
		b.handleSkillsRequest(s, m)
	case "!use":
		b.handleUseRequest(s, m)
	case "!class":
		b.handleClassRequest(s, m)
	case "!visual":
		b.handleVisualRequest(s, m)
	case "!pause":
		b.handlePauseRequest(s, m)
	case "!help":
		b.handleHelpRequest(s, m)
	default:
		// Unknown command - send help
		s.ChannelMessageSend(m.ChannelID, fmt.Sprintf("Unknown command: `%s`. Type `!help` for available commands.", prefix))
	}
}
