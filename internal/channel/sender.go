package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"difybot/internal/domain"
	"difybot/internal/markdown"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	telegramMaxMsgLen      = 4000
	telegramMaxSendRetries = 3
)

// sendBackoffUnit scales every send retry delay.
var sendBackoffUnit = time.Second

// Sender delivers messages through one bot account. Broadcast identities
// use it directly; the Telegram channel wraps one for its own bot.
type Sender struct {
	bot    *tgbotapi.BotAPI
	logger *slog.Logger
}

type SenderConfig struct {
	Token string
	// APIEndpoint defaults to the public Bot API.
	APIEndpoint string
	Logger      *slog.Logger
}

// NewSender connects a bot account (one getMe round trip).
func NewSender(cfg SenderConfig) (*Sender, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	bridgeLibraryLogger(cfg.Logger)
	if cfg.APIEndpoint == "" {
		cfg.APIEndpoint = tgbotapi.APIEndpoint
	}
	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(cfg.Token, cfg.APIEndpoint)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	return &Sender{
		bot:    bot,
		logger: cfg.Logger.With("bot", bot.Self.UserName),
	}, nil
}

// Username returns the bot's username without the @ prefix.
func (s *Sender) Username() string { return s.bot.Self.UserName }

// Send delivers msg, split into chunks that fit a Telegram message. Only the
// first chunk replies to msg.ReplyTo.
func (s *Sender) Send(ctx context.Context, msg domain.OutboundMessage) error {
	markdownV2 := msg.Format == domain.FormatMarkdownV2
	for i, chunk := range splitMessage(msg.Content, telegramMaxMsgLen, markdownV2) {
		replyTo := 0
		if i == 0 {
			replyTo = msg.ReplyTo
		}
		if err := s.sendChunk(ctx, msg.ChatID, chunk, replyTo, markdownV2); err != nil {
			return fmt.Errorf("chunk %d: %w", i+1, err)
		}
	}
	return nil
}

// Typing shows the typing indicator in a chat.
func (s *Sender) Typing(chatID int64) {
	if _, err := s.bot.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)); err != nil {
		s.logger.Debug("typing action failed", "chat", chatID, "err", err)
	}
}

// sendChunk sends one chunk with retry and rate limit handling. A MarkdownV2
// chunk the server cannot parse is resent once as plain, unescaped text; that
// resend does not count against the retries.
func (s *Sender) sendChunk(ctx context.Context, chatID int64, text string, replyTo int, markdownV2 bool) error {
	var err error
	for attempt := 0; attempt <= telegramMaxSendRetries; attempt++ {
		msg := tgbotapi.NewMessage(chatID, text)
		msg.ReplyToMessageID = replyTo
		msg.AllowSendingWithoutReply = true
		if markdownV2 {
			msg.ParseMode = tgbotapi.ModeMarkdownV2
		}

		if _, err = s.bot.Send(msg); err == nil {
			return nil
		}

		if markdownV2 && strings.Contains(err.Error(), "can't parse entities") {
			s.logger.Warn("telegram markdown parse error, retrying as plain text",
				"chat", chatID, "err", err,
			)
			markdownV2 = false
			text = markdown.Unescape(text)
			attempt--
			continue
		}

		var wait time.Duration
		var apiErr *tgbotapi.Error
		isAPIErr := errors.As(err, &apiErr)
		switch {
		case isAPIErr && apiErr.RetryAfter > 0:
			wait = time.Duration(apiErr.RetryAfter) * sendBackoffUnit
		case isAPIErr && apiErr.Code == http.StatusTooManyRequests:
			wait = time.Duration(attempt+1) * 3 * sendBackoffUnit
		case isAPIErr && apiErr.Code >= 400 && apiErr.Code < 500:
			// Bad request, forbidden, chat not found: retrying will not help.
			return err
		default:
			wait = time.Duration(attempt+1) * sendBackoffUnit
		}
		if attempt == telegramMaxSendRetries {
			break
		}
		s.logger.Warn("telegram send error, retrying", "chat", chatID, "err", err, "backoff", wait, "attempt", attempt+1)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return fmt.Errorf("send failed after %d attempts: %w", telegramMaxSendRetries+1, err)
}

// splitMessage cuts text into chunks of at most maxLen bytes, preferring line
// breaks in the second half of a chunk. Cuts never land inside a UTF-8
// sequence or right after an escaping backslash. With spans set the text is
// MarkdownV2 and cuts prefer positions where no entity is open.
func splitMessage(text string, maxLen int, spans bool) []string {
	var chunks []string
	for len(text) > maxLen {
		cutAt := 0
		if spans {
			cutAt = balancedCut(text, maxLen)
		}
		if cutAt <= 0 {
			cutAt = hardCut(text, maxLen)
		}
		chunks = append(chunks, text[:cutAt])
		text = strings.TrimPrefix(text[cutAt:], "\n")
	}
	if strings.TrimSpace(text) != "" || len(chunks) == 0 {
		chunks = append(chunks, text)
	}
	return chunks
}

func hardCut(text string, maxLen int) int {
	cutAt := strings.LastIndex(text[:maxLen], "\n")
	if cutAt >= maxLen/2 && cutAt > 0 {
		return cutAt
	}
	cutAt = maxLen
	for cutAt > 0 && !utf8.RuneStart(text[cutAt]) {
		cutAt--
	}
	if trailingBackslashes(text[:cutAt])%2 == 1 {
		cutAt--
	}
	if cutAt <= 0 {
		cutAt = maxLen
	}
	return cutAt
}

// Entity markers tracked by balancedCut.
const (
	spanStrong = 1 << iota
	spanBold
	spanItalic
	spanUnderline
	spanStrike
	spanSpoiler
	spanLabel
	spanURL
	spanCode
	spanPre
)

// balancedCut returns the best cut within text[:maxLen] at which no
// MarkdownV2 entity is open, or 0 when there is none. A balanced line break
// in the second half wins, then the last balanced position.
func balancedCut(text string, maxLen int) int {
	open := 0
	lastLine, lastAny := -1, 0
	i := 0
	for i < maxLen {
		if open == 0 && i > 0 && utf8.RuneStart(text[i]) {
			lastAny = i
			if text[i] == '\n' {
				lastLine = i
			}
		}
		c := text[i]
		switch {
		case c == '\\':
			i += 2
			continue
		case open&spanPre != 0:
			if strings.HasPrefix(text[i:], "```") {
				open &^= spanPre
				i += 3
				continue
			}
		case open&spanCode != 0:
			if c == '`' {
				open &^= spanCode
			}
		case open&spanURL != 0:
			if c == ')' {
				open &^= spanURL
			}
		case strings.HasPrefix(text[i:], "```"):
			open |= spanPre
			i += 3
			continue
		case c == '`':
			open |= spanCode
		case strings.HasPrefix(text[i:], "||"):
			open ^= spanSpoiler
			i += 2
			continue
		case strings.HasPrefix(text[i:], "**"):
			open ^= spanStrong
			i += 2
			continue
		case strings.HasPrefix(text[i:], "__"):
			open ^= spanUnderline
			i += 2
			continue
		case c == '*':
			open ^= spanBold
		case c == '_':
			open ^= spanItalic
		case c == '~':
			open ^= spanStrike
		case c == '[' && open&spanLabel == 0:
			open |= spanLabel
		case c == ']' && open&spanLabel != 0:
			open &^= spanLabel
			if i+1 < len(text) && text[i+1] == '(' {
				open |= spanURL
				i += 2
				continue
			}
		}
		i++
	}
	if i == maxLen && open == 0 && utf8.RuneStart(text[i]) {
		lastAny = i
	}
	if lastLine >= maxLen/2 {
		return lastLine
	}
	return lastAny
}

func trailingBackslashes(s string) int {
	n := 0
	for i := len(s) - 1; i >= 0 && s[i] == '\\'; i-- {
		n++
	}
	return n
}

var bridgeOnce sync.Once

// bridgeLibraryLogger routes the Bot API library's own log lines into slog.
func bridgeLibraryLogger(logger *slog.Logger) {
	bridgeOnce.Do(func() {
		_ = tgbotapi.SetLogger(&slogBotLogger{log: logger.With("component", "telegram_api")})
	})
}

type slogBotLogger struct {
	log *slog.Logger
}

func (l *slogBotLogger) Println(v ...interface{}) {
	l.log.Debug(strings.TrimSpace(fmt.Sprint(v...)))
}

func (l *slogBotLogger) Printf(format string, v ...interface{}) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintf(format, v...)))
}
