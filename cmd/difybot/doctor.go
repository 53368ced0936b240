package main

import (
	"fmt"
	"net"
	"net/url"
	"time"

	"difybot/internal/channel"
	"difybot/internal/config"

	"github.com/spf13/cobra"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on the configuration",
		Long: `Verifies that the configuration loads, the bot token is accepted by
Telegram, the Dify hosts are reachable and the news roster parses.
Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("difybot doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			passed := 0
			failed := 0
			warned := 0

			// 1. Config loads and validates
			cfg, err := config.Load(configPath)
			if err != nil {
				printFail("Config", err.Error())
				fmt.Printf("\n0 passed, 1 failed\n")
				return fmt.Errorf("config invalid")
			}
			printPass("Config", "valid")
			passed++

			// 2. Telegram token
			if err := cfg.RequireBotToken(); err != nil {
				printFail("Telegram", err.Error())
				failed++
			} else if sender, err := channel.NewSender(channel.SenderConfig{Token: cfg.Bot.Token}); err != nil {
				printFail("Telegram", err.Error())
				failed++
			} else {
				printPass("Telegram", "@"+sender.Username())
				passed++
			}

			// 3. Dify hosts
			if err := checkReachable(cfg.Dify.BaseURL); err != nil {
				printFail("Dify chat app", err.Error())
				failed++
			} else {
				printPass("Dify chat app", cfg.Dify.BaseURL)
				passed++
			}
			if cfg.Broadcast.Enabled() && cfg.News.BaseURL != cfg.Dify.BaseURL {
				if err := checkReachable(cfg.News.BaseURL); err != nil {
					printFail("Dify news app", err.Error())
					failed++
				} else {
					printPass("Dify news app", cfg.News.BaseURL)
					passed++
				}
			}

			// 4. Broadcast roster
			switch {
			case !cfg.Broadcast.Enabled():
				printWarn("Broadcast", "disabled (no broadcast.chatId)")
				warned++
			case cfg.News.Roster == "":
				printPass("Broadcast", fmt.Sprintf("chat %d via the main bot", cfg.Broadcast.ChatID))
				passed++
			default:
				if roster, err := config.LoadRoster(cfg.News.Roster); err != nil {
					printFail("News roster", err.Error())
					failed++
				} else {
					printPass("News roster", fmt.Sprintf("%d identities", len(roster.Identities)))
					passed++
				}
			}

			// 5. Metrics port
			if cfg.Metrics.Addr != "" {
				if err := checkListen(cfg.Metrics.Addr); err != nil {
					printWarn("Metrics", fmt.Sprintf("%s may be in use: %v", cfg.Metrics.Addr, err))
					warned++
				} else {
					printPass("Metrics", cfg.Metrics.Addr+" available")
					passed++
				}
			}

			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				return fmt.Errorf("%d check(s) failed", failed)
			}
			return nil
		},
	}
}

// checkReachable opens a TCP connection to the URL's host.
func checkReachable(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return fmt.Errorf("invalid url %q", raw)
	}
	port := u.Port()
	if port == "" {
		port = "443"
		if u.Scheme == "http" {
			port = "80"
		}
	}
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(u.Hostname(), port), 5*time.Second)
	if err != nil {
		return err
	}
	conn.Close()
	return nil
}

func checkListen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}

func printPass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func printFail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func printWarn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}
