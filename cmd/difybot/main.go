package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"difybot/internal/agent"
	"difybot/internal/bus"
	"difybot/internal/channel"
	"difybot/internal/config"
	"difybot/internal/conversation"
	"difybot/internal/dify"
	"difybot/internal/metrics"

	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

var (
	version    = "0.1.0"
	configPath string // overridable via --config flag
)

func main() {
	root := &cobra.Command{
		Use:          "difybot",
		Short:        "Telegram bot backed by a Dify agent",
		Long:         "difybot relays Telegram chats to a Dify chat app over SSE and can broadcast a news app's posts on a schedule.",
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "optional YAML or JSON config file (environment variables take precedence)")

	root.AddCommand(runCmd())
	root.AddCommand(newsCmd())
	root.AddCommand(configCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig loads the configuration and builds the logger it describes.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := config.NewLogger(cfg.Logging, os.Stderr)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func difyConfig(cfg *config.Config, logger *slog.Logger) dify.Config {
	return dify.Config{
		APIKey:          cfg.Dify.APIKey,
		BaseURL:         cfg.Dify.BaseURL,
		Timeout:         cfg.Dify.Timeout,
		RetryMaxElapsed: cfg.Dify.RetryMaxElapsed,
		Logger:          logger,
	}
}

func newsClient(cfg *config.Config, logger *slog.Logger) *dify.NewsClient {
	dc := difyConfig(cfg, logger.With("app", "news"))
	dc.APIKey = cfg.News.APIKey
	dc.BaseURL = cfg.News.BaseURL
	return dify.NewNewsClient(dc)
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the bot (Telegram polling + Dify relay)",
		Long:  "Polls Telegram, relays chats to the Dify app and, when broadcast.chatId is set, posts news on a schedule. Press Ctrl+C to stop.",
		RunE:  runBot,
	}
}

func runBot(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.RequireBotToken(); err != nil {
		return err
	}
	scope, err := conversation.ParseScope(cfg.Bot.ConversationScope)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	messageBus := bus.New(100, logger)

	telegramCh := channel.NewTelegram(channel.TelegramConfig{
		Token:     cfg.Bot.Token,
		AllowFrom: cfg.Bot.AllowFrom,
		GroupMode: cfg.Bot.GroupMode,
		Logger:    logger,
	})
	if err := telegramCh.Connect(); err != nil {
		return err
	}

	difyClient := dify.NewClient(difyConfig(cfg, logger))
	defer difyClient.Close()

	relay := agent.NewRelay(agent.RelayConfig{
		Agent:       difyClient,
		Store:       conversation.NewMemoryStore(),
		Scope:       scope,
		Bus:         messageBus,
		Logger:      logger.With("component", "relay"),
		Concurrency: cfg.Bot.MaxConcurrent,
	})
	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		relay.Run(ctx)
	}()

	if cfg.Broadcast.Enabled() {
		news := newsClient(cfg, logger)
		defer news.Close()
		broadcaster, err := newBroadcaster(cfg, news, telegramCh.Sender(), logger)
		if err != nil {
			return err
		}
		go broadcaster.Start(ctx)
	} else {
		logger.Info("news broadcast disabled")
	}

	var metricsSrv *http.Server
	if cfg.Metrics.Addr != "" {
		metricsSrv = startMetricsServer(cfg.Metrics.Addr, logger)
	}

	channelErr := make(chan error, 1)
	go func() {
		channelErr <- telegramCh.Start(ctx, messageBus)
	}()

	logger.Info("difybot started. Press Ctrl+C to stop.", "version", version)

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-channelErr:
		if err != nil {
			logger.Error("telegram channel error", "err", err)
			runErr = err
		}
		stop()
	}
	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown", "err", err)
		}
	}

	select {
	case <-relayDone:
		logger.Info("shutdown complete")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timed out, forcing exit")
		if runErr == nil {
			runErr = errors.New("shutdown timed out")
		}
	}
	telegramCh.Stop()
	messageBus.Close()
	return runErr
}

func startMetricsServer(addr string, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Default.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "addr", addr, "err", err)
		}
	}()
	logger.Info("metrics endpoint enabled", "addr", addr)
	return srv
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("difybot", version)
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the effective configuration",
		Long:  "Shows configuration values after defaults, the config file and environment variables are merged. Secrets are masked.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. dify.baseUrl)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(config.Sanitize(cfg), args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			data, _ := json.MarshalIndent(config.Sanitize(cfg), "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "env",
		Short: "List config keys with their environment variables",
		Run: func(cmd *cobra.Command, args []string) {
			paths := config.ListPaths(config.Defaults())
			keys := make([]string, 0, len(paths))
			for k := range paths {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				env, _ := config.EnvVar(k)
				fmt.Printf("%-28s %s\n", k, env)
			}
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show the config file in use",
		Run: func(cmd *cobra.Command, args []string) {
			if configPath == "" {
				fmt.Println("(none: environment and .env only)")
				return
			}
			fmt.Println(config.ExpandPath(configPath))
		},
	})

	return cmd
}
