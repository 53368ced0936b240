package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"difybot/internal/agent"
	"difybot/internal/channel"
	"difybot/internal/config"

	"github.com/spf13/cobra"
)

func newsCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "news",
		Short: "Run the news broadcaster on its own",
		Long:  "Fetches posts from the news app and publishes them to broadcast.chatId through the roster's bot accounts, on the configured schedule.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if !cfg.Broadcast.Enabled() {
				return errors.New("broadcast.chatId is required (BROADCAST_CHAT_ID)")
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var primary *channel.Sender
			if cfg.News.Roster == "" {
				if err := cfg.RequireBotToken(); err != nil {
					return fmt.Errorf("no news roster configured: %w", err)
				}
				primary, err = channel.NewSender(channel.SenderConfig{Token: cfg.Bot.Token, Logger: logger})
				if err != nil {
					return err
				}
			}

			news := newsClient(cfg, logger)
			defer news.Close()

			broadcaster, err := newBroadcaster(cfg, news, primary, logger)
			if err != nil {
				return err
			}

			if once {
				sent, err := broadcaster.RunOnce(ctx)
				if err != nil {
					return err
				}
				logger.Info("news posted", "sent", sent)
				return nil
			}

			broadcaster.Start(ctx)
			return nil
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "post one batch immediately and exit")
	return cmd
}

// newBroadcaster connects every roster identity. Without a roster the main
// bot speaks for all posts.
func newBroadcaster(cfg *config.Config, news agent.NewsSource, primary *channel.Sender, logger *slog.Logger) (*agent.Broadcaster, error) {
	identities, err := rosterIdentities(cfg, primary, logger)
	if err != nil {
		return nil, err
	}
	return agent.NewBroadcaster(agent.BroadcasterConfig{
		News:       news,
		Identities: identities,
		ChatID:     cfg.Broadcast.ChatID,
		Query:      cfg.Broadcast.Query,
		Interval:   cfg.Broadcast.Interval,
		Jitter:     cfg.Broadcast.Jitter,
		Logger:     logger,
	})
}

func rosterIdentities(cfg *config.Config, primary *channel.Sender, logger *slog.Logger) ([]agent.Identity, error) {
	if cfg.News.Roster == "" {
		if primary == nil {
			return nil, errors.New("news: no roster and no main bot")
		}
		return []agent.Identity{{Name: primary.Username(), Poster: primary}}, nil
	}

	roster, err := config.LoadRoster(cfg.News.Roster)
	if err != nil {
		return nil, err
	}
	identities := make([]agent.Identity, 0, len(roster.Identities))
	for _, id := range roster.Identities {
		if primary != nil && id.Token == cfg.Bot.Token {
			identities = append(identities, agent.Identity{Name: id.Name, Poster: primary})
			continue
		}
		sender, err := channel.NewSender(channel.SenderConfig{Token: id.Token, Logger: logger})
		if err != nil {
			return nil, fmt.Errorf("roster identity %q: %w", id.Name, err)
		}
		identities = append(identities, agent.Identity{Name: id.Name, Poster: sender})
	}
	logger.Info("news roster loaded", "path", cfg.News.Roster, "identities", roster.Names())
	return identities, nil
}
