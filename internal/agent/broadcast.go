package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"difybot/internal/dify"
	"difybot/internal/domain"
	"difybot/internal/markdown"
	"difybot/internal/metrics"
)

const (
	defaultBroadcastInterval = 24 * time.Hour
	defaultBroadcastUser     = "newsroom"
)

// NewsSource produces batches of posts.
type NewsSource interface {
	FetchNews(ctx context.Context, query, user string) (*dify.NewsBatch, error)
}

// Poster delivers one message as a particular bot account.
type Poster interface {
	Send(ctx context.Context, msg domain.OutboundMessage) error
}

// Identity is a named bot account the broadcaster speaks through.
type Identity struct {
	Name   string
	Poster Poster
}

// Broadcaster periodically fetches news and posts it to one chat, each post
// voiced by the identity it names.
type Broadcaster struct {
	news       NewsSource
	identities []Identity
	chatID     int64
	query      string
	user       string
	interval   time.Duration
	jitter     time.Duration
	logger     *slog.Logger
}

type BroadcasterConfig struct {
	News NewsSource
	// Identities are tried by name; the first one speaks for unnamed posts.
	Identities []Identity
	ChatID     int64
	Query      string
	// User is the agent-side user id for news exchanges.
	User     string
	Interval time.Duration
	Jitter   time.Duration
	Logger   *slog.Logger
}

func NewBroadcaster(cfg BroadcasterConfig) (*Broadcaster, error) {
	if cfg.News == nil {
		return nil, errors.New("broadcaster: news source is required")
	}
	if len(cfg.Identities) == 0 {
		return nil, errors.New("broadcaster: at least one identity is required")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("broadcaster: chat id is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultBroadcastInterval
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	if cfg.User == "" {
		cfg.User = defaultBroadcastUser
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Broadcaster{
		news:       cfg.News,
		identities: cfg.Identities,
		chatID:     cfg.ChatID,
		query:      cfg.Query,
		user:       cfg.User,
		interval:   cfg.Interval,
		jitter:     cfg.Jitter,
		logger:     cfg.Logger.With("component", "broadcaster"),
	}, nil
}

// Start runs broadcast cycles until ctx is cancelled. Each cycle waits the
// interval plus a random share of the jitter first. A failed cycle is logged
// and the loop carries on.
func (b *Broadcaster) Start(ctx context.Context) {
	b.logger.Info("broadcaster started",
		"chat_id", b.chatID,
		"interval", b.interval,
		"jitter", b.jitter,
		"identities", len(b.identities),
	)
	for {
		wait := b.nextDelay()
		b.logger.Info("next broadcast scheduled", "in", wait.Round(time.Second))
		if err := sleepContext(ctx, wait); err != nil {
			b.logger.Info("broadcaster stopped")
			return
		}
		sent, err := b.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				b.logger.Info("broadcaster stopped")
				return
			}
			b.logger.Warn("broadcast cycle failed", "sent", sent, "err", err)
			continue
		}
		b.logger.Info("broadcast cycle complete", "sent", sent)
	}
}

func (b *Broadcaster) nextDelay() time.Duration {
	if b.jitter <= 0 {
		return b.interval
	}
	return b.interval + time.Duration(rand.Int64N(int64(b.jitter)))
}

// RunOnce fetches one batch and posts it, honoring each post's delay. It
// returns the number of posts delivered; individual send failures are
// logged and skipped, and only a batch with no deliveries is an error.
func (b *Broadcaster) RunOnce(ctx context.Context) (int, error) {
	batch, err := b.news.FetchNews(ctx, b.query, b.user)
	if err != nil {
		return 0, fmt.Errorf("fetch news: %w", err)
	}
	if len(batch.Posts) == 0 {
		b.logger.Info("news app returned nothing to post")
		return 0, nil
	}

	sent, failed := 0, 0
	for i, post := range batch.Posts {
		if strings.TrimSpace(post.Content) == "" {
			continue
		}
		if err := sleepContext(ctx, post.DelayDuration()); err != nil {
			return sent, err
		}
		id := b.identityFor(post.User)
		err := id.Poster.Send(ctx, domain.OutboundMessage{
			ChatID:  b.chatID,
			Content: markdown.EscapeV2(post.Content),
			Format:  domain.FormatMarkdownV2,
		})
		if err != nil {
			failed++
			b.logger.Warn("broadcast post failed", "post", i, "identity", id.Name, "err", err)
			continue
		}
		sent++
		metrics.BroadcastPosts.Inc()
		b.logger.Debug("broadcast post sent", "post", i, "identity", id.Name, "len", len(post.Content))
	}
	if sent == 0 && failed > 0 {
		return 0, fmt.Errorf("all %d posts failed", failed)
	}
	return sent, nil
}

// identityFor picks the identity named by a post, case-insensitively,
// falling back to the first one.
func (b *Broadcaster) identityFor(name string) Identity {
	name = strings.TrimSpace(name)
	for _, id := range b.identities {
		if strings.EqualFold(id.Name, name) {
			return id
		}
	}
	return b.identities[0]
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
