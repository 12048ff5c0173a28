package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os/signal"
	"runtime/debug"
	"syscall"

	sloggger "github.com/tantradev/kbot/cmd/kbot/log"
	"github.com/tantradev/kbot/internal/bot"
	"github.com/tantradev/kbot/internal/config"
	"github.com/tantradev/kbot/internal/event"
	"github.com/tantradev/kbot/internal/remote/discord"
	"github.com/tantradev/kbot/internal/remote/telegram"
	"github.com/tantradev/kbot/internal/server"
	"github.com/tantradev/kbot/internal/utils"
	"github.com/tantradev/kbot/internal/utils/winproc"
	"golang.org/x/sync/errgroup"
)

var (
	buildID   string
	buildTime string
)

// wrapWithRecover wraps a function with panic recovery logic
func wrapWithRecover(logger *slog.Logger, f func() error) func() error {
	return func() error {
		defer func() {
			if r := recover(); r != nil {
				stackTrace := debug.Stack()
				errMsg := fmt.Sprintf("panic recovered: %v\nStacktrace: %s", r, stackTrace)
				logger.Error(errMsg)
				sloggger.FlushLog()
			}
		}()
		return f()
	}
}

func main() {
	_ = buildID
	_ = buildTime

	err := config.Load()
	if err != nil {
		utils.ShowDialog("Error loading configuration", err.Error())
		log.Fatalf("Error loading configuration: %s", err.Error())
		return
	}

	logger, err := sloggger.NewLogger(config.Kbot.Debug.Log, config.Kbot.LogSaveDirectory, "")
	if err != nil {
		log.Fatalf("Error starting logger: %s", err.Error())
	}
	defer sloggger.FlushAndClose()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("fatal error detected, kbot will close with the following error: %v\n Stacktrace: %s", r, debug.Stack())
			logger.Error(err.Error())
			sloggger.FlushAndClose()
			utils.ShowDialog("Kbot error :(", fmt.Sprintf("Kbot will close due to an unexpected error, please check the latest log file for more info!\n %s", err.Error()))
		}
	}()

	if !utils.HasAdminPermission() {
		utils.ShowDialog("Kbot needs administrator rights", "Run kbot as administrator. Key dispatch and window capture fail silently without it.")
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	winproc.SetProcessDpiAware.Call() // Read pixel coordinates at native scale

	eventListener := event.NewListener(logger)

	supervisor, err := bot.NewSupervisor(logger)
	if err != nil {
		logger.Error("Could not create supervisor", slog.Any("error", err))
		utils.ShowDialog("Error attaching to the game", err.Error())
		return
	}

	srv := server.New(logger, supervisor)

	// Discord Bot initialization
	if config.Kbot.Discord.Enabled {
		discordBot, err := discord.NewBot(config.Kbot.Discord.Token, config.Kbot.Discord.ChannelID, supervisor)
		if err != nil {
			logger.Error("Discord could not been initialized", slog.Any("error", err))
			return
		}

		eventListener.Register(discordBot.Handle)
		g.Go(wrapWithRecover(logger, func() error {
			return discordBot.Start(ctx)
		}))
	}

	// Telegram Bot initialization
	if config.Kbot.Telegram.Enabled {
		telegramBot, err := telegram.NewBot(config.Kbot.Telegram.Token, config.Kbot.Telegram.ChatID, supervisor, logger)
		if err != nil {
			logger.Error("Telegram could not been initialized", slog.Any("error", err))
			return
		}

		eventListener.Register(telegramBot.Handle)
		g.Go(wrapWithRecover(logger, func() error {
			return telegramBot.Start(ctx)
		}))
	}

	g.Go(wrapWithRecover(logger, func() error {
		defer cancel()
		return supervisor.Start(ctx)
	}))

	g.Go(wrapWithRecover(logger, func() error {
		defer cancel()
		return srv.Listen(ctx, config.Kbot.Server.Port)
	}))

	g.Go(wrapWithRecover(logger, func() error {
		defer cancel()
		return eventListener.Listen(ctx)
	}))

	g.Go(wrapWithRecover(logger, func() error {
		<-ctx.Done()
		logger.Info("Kbot shutting down...")
		err := srv.Stop()
		if err != nil {
			logger.Error("error stopping local server", slog.Any("error", err))
		}

		return err
	}))

	err = g.Wait()
	if err != nil {
		cancel()
		logger.Error("Error running kbot", slog.Any("error", err))
		return
	}

	sloggger.FlushAndClose()
}
