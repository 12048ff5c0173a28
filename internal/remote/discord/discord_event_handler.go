package discord

import (
	"bytes"
	"context"
	"fmt"
	"image/jpeg"

	"github.com/bwmarrin/discordgo"
	"github.com/tantradev/kbot/internal/config"
	"github.com/tantradev/kbot/internal/event"
)

func (b *Bot) Handle(ctx context.Context, e event.Event) error {
	if !b.shouldPublish(e) {
		return nil
	}

	switch evt := e.(type) {
	case event.SessionStartedEvent:
		message := fmt.Sprintf("**[%s]** %s", shortSession(evt.Session()), evt.Message())
		return b.sendEventMessage(message)
	case event.SessionStoppedEvent:
		message := fmt.Sprintf("**[%s]** %s", shortSession(evt.Session()), evt.Message())
		return b.sendEventMessage(message)
	case event.ClassSwitchedEvent:
		message := fmt.Sprintf("**[%s]** Class switched from **%s** to **%s**", shortSession(evt.Session()), evt.From, evt.To)
		return b.sendEventMessage(message)
	case event.VisualRestoredEvent:
		message := fmt.Sprintf("**[%s]** %s", shortSession(evt.Session()), evt.Message())
		return b.sendEventMessage(message)
	default:
		break
	}

	message := fmt.Sprintf("**[%s]** %s", shortSession(e.Session()), e.Message())
	if e.Image() == nil {
		return b.sendEventMessage(message)
	}

	buf := new(bytes.Buffer)
	if err := jpeg.Encode(buf, e.Image(), &jpeg.Options{Quality: 80}); err != nil {
		return err
	}

	return b.sendScreenshot(message, buf.Bytes())
}

func (b *Bot) sendEventMessage(message string) error {
	_, err := b.discordSession.ChannelMessageSend(b.channelID, message)
	return err
}

func (b *Bot) sendScreenshot(message string, image []byte) error {
	reader := bytes.NewReader(image)
	_, err := b.discordSession.ChannelMessageSendComplex(b.channelID, &discordgo.MessageSend{
		File:    &discordgo.File{Name: "Screenshot.jpeg", ContentType: "image/jpeg", Reader: reader},
		Content: message,
	})
	return err
}

func (b *Bot) shouldPublish(e event.Event) bool {
	switch e.(type) {
	case event.SessionStartedEvent, event.SessionStoppedEvent, event.ClassSwitchedEvent:
		return config.Kbot.Discord.EnableSessionMessages
	case event.FallbackEngagedEvent, event.VisualRestoredEvent:
		return config.Kbot.Discord.EnableFallbackAlerts
	case event.VerificationFailedEvent:
		return config.Kbot.Discord.EnableVerificationAlerts
	default:
		break
	}

	return e.Image() != nil
}
