package channel

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"difybot/internal/domain"
	"difybot/internal/markdown"
	"difybot/internal/metrics"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"
)

const (
	GroupModeMention = "mention"
	GroupModeAll     = "all"

	defaultMemberName = "New Member"
)

var _ domain.Channel = (*Telegram)(nil)

// Telegram implements domain.Channel over long polling.
type Telegram struct {
	cfg       TelegramConfig
	allowFrom map[string]bool // user ids and lower-cased usernames

	sender  *Sender
	mention *regexp.Regexp
	bus     domain.MessageBus
	logger  *slog.Logger

	mu           sync.Mutex
	rateLimiters map[int64]*rate.Limiter
}

type TelegramConfig struct {
	Token       string
	APIEndpoint string
	// AllowFrom lists user ids or usernames; empty allows everyone.
	AllowFrom []string
	GroupMode string
	// RateLimit and RateBurst throttle each user; zero means 1/s, burst 5.
	RateLimit rate.Limit
	RateBurst int
	Logger    *slog.Logger
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.GroupMode == "" {
		cfg.GroupMode = GroupModeMention
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = rate.Limit(1.0)
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 5
	}
	allowed := make(map[string]bool, len(cfg.AllowFrom))
	for _, s := range cfg.AllowFrom {
		if s = normalizeUsername(s); s != "" {
			allowed[s] = true
		}
	}
	return &Telegram{
		cfg:          cfg,
		allowFrom:    allowed,
		logger:       cfg.Logger.With("channel", "telegram"),
		rateLimiters: make(map[int64]*rate.Limiter),
	}
}

func (t *Telegram) Name() string { return "telegram" }

// Connect authenticates the bot. Start calls it when needed.
func (t *Telegram) Connect() error {
	if t.sender != nil {
		return nil
	}
	sender, err := NewSender(SenderConfig{Token: t.cfg.Token, APIEndpoint: t.cfg.APIEndpoint, Logger: t.logger})
	if err != nil {
		return err
	}
	t.sender = sender
	t.mention = mentionPattern(sender.Username())
	t.logger.Info("telegram bot connected",
		"username", sender.Username(),
		"id", sender.bot.Self.ID,
	)
	return nil
}

// Sender returns the bot's own sender; nil before Connect.
func (t *Telegram) Sender() *Sender { return t.sender }

// Start polls for updates until ctx is cancelled.
func (t *Telegram) Start(ctx context.Context, bus domain.MessageBus) error {
	if err := t.Connect(); err != nil {
		return err
	}
	t.bus = bus
	bus.OnOutbound(t.Name(), func(msg domain.OutboundMessage) error {
		return t.Send(ctx, msg)
	})

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	u.AllowedUpdates = []string{"message", "chat_member"}
	updates := t.sender.bot.GetUpdatesChan(u)

	t.logger.Info("telegram polling started", "group_mode", t.cfg.GroupMode)

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram channel stopping")
			t.sender.bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			t.handleUpdate(ctx, update)
		}
	}
}

// Stop is a no-op: polling ends when Start's context is cancelled, and
// StopReceivingUpdates must not be called twice.
func (t *Telegram) Stop() error {
	return nil
}

func (t *Telegram) Send(ctx context.Context, msg domain.OutboundMessage) error {
	if t.sender == nil {
		return fmt.Errorf("telegram: not connected")
	}
	return t.sender.Send(ctx, msg)
}

func (t *Telegram) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	switch {
	case update.ChatMember != nil:
		t.handleMemberUpdate(update.ChatMember)
	case update.Message != nil:
		t.handleMessage(ctx, update.Message)
	}
}

func (t *Telegram) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil || msg.Chat == nil {
		return
	}
	userID := msg.From.ID
	chatID := msg.Chat.ID
	private := msg.Chat.IsPrivate()

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		text = strings.TrimSpace(msg.Caption)
	}
	if text == "" {
		return
	}

	if !t.isAllowed(msg.From) {
		t.logger.Warn("unauthorized telegram user",
			"user_id", userID,
			"username", msg.From.UserName,
			"chat_id", chatID,
		)
		if private {
			t.reply(ctx, chatID, msg.MessageID, "Unauthorized. Your user ID is not in the allow list.")
		}
		return
	}

	if msg.IsCommand() {
		if !t.commandIsForUs(msg) {
			return
		}
		t.handleCommand(ctx, msg)
		return
	}

	if !private && t.cfg.GroupMode != GroupModeAll && !t.isMentioned(msg) {
		return
	}

	if !t.allowRequest(userID) {
		t.logger.Debug("telegram user rate limited", "user_id", userID)
		t.reply(ctx, chatID, msg.MessageID, "Too many requests. Please wait a moment.")
		return
	}

	content := t.stripMention(text)
	if content == "" {
		return
	}

	t.logger.Info("telegram message received",
		"user_id", userID,
		"chat_id", chatID,
		"chat_type", msg.Chat.Type,
		"text_len", len(content),
	)
	metrics.MessagesReceived.Inc()
	t.sender.Typing(chatID)

	t.bus.Publish(domain.InboundMessage{
		Kind:       domain.KindText,
		Channel:    t.Name(),
		ChatID:     chatID,
		ChatType:   msg.Chat.Type,
		SenderID:   userID,
		SenderName: displayName(msg.From),
		Content:    content,
		MessageID:  msg.MessageID,
		Timestamp:  time.Unix(int64(msg.Date), 0),
	})
}

// handleMemberUpdate announces users who became members of a chat.
func (t *Telegram) handleMemberUpdate(cm *tgbotapi.ChatMemberUpdated) {
	switch cm.NewChatMember.Status {
	case "member", "restricted":
	default:
		return
	}
	user := cm.NewChatMember.User
	if user == nil || user.ID == t.sender.bot.Self.ID {
		return
	}

	name := memberMention(user)
	t.logger.Info("telegram member joined", "chat_id", cm.Chat.ID, "member", name)
	metrics.MessagesReceived.Inc()

	t.bus.Publish(domain.InboundMessage{
		Kind:          domain.KindMemberJoined,
		Channel:       t.Name(),
		ChatID:        cm.Chat.ID,
		ChatType:      cm.Chat.Type,
		SenderID:      cm.From.ID,
		SenderName:    displayName(&cm.From),
		NewMemberName: name,
		Timestamp:     time.Unix(int64(cm.Date), 0),
	})
}

func (t *Telegram) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	switch msg.Command() {
	case "start":
		t.reply(ctx, chatID, msg.MessageID, "Hello! I'm your assistant bot 🤖\n\nSend me a message and I'll answer. Type /help for commands.")
	case "help":
		t.reply(ctx, chatID, msg.MessageID, "Commands:\n/start - start the bot\n/help - show this message\n/reset - start a new conversation\n/status - show bot status")
	case "reset":
		t.bus.Publish(domain.InboundMessage{
			Kind:       domain.KindReset,
			Channel:    t.Name(),
			ChatID:     chatID,
			ChatType:   msg.Chat.Type,
			SenderID:   msg.From.ID,
			SenderName: displayName(msg.From),
			MessageID:  msg.MessageID,
			Timestamp:  time.Unix(int64(msg.Date), 0),
		})
	case "status":
		t.reply(ctx, chatID, msg.MessageID, fmt.Sprintf("Bot: @%s\nYour ID: %d\nChat ID: %d\nGroup mode: %s",
			t.sender.Username(), msg.From.ID, chatID, t.cfg.GroupMode))
	default:
		if msg.Chat.IsPrivate() {
			t.reply(ctx, chatID, msg.MessageID, "Unknown command. Type /help for available commands.")
		}
	}
}

// reply sends bot-authored text with every Markdown character escaped.
func (t *Telegram) reply(ctx context.Context, chatID int64, replyTo int, text string) {
	err := t.sender.Send(ctx, domain.OutboundMessage{
		Channel: t.Name(),
		ChatID:  chatID,
		Content: markdown.EscapePlain(text),
		Format:  domain.FormatMarkdownV2,
		ReplyTo: replyTo,
	})
	if err != nil {
		t.logger.Error("telegram reply failed", "chat_id", chatID, "err", err)
	}
}

func (t *Telegram) isAllowed(user *tgbotapi.User) bool {
	if len(t.allowFrom) == 0 {
		return true
	}
	return t.allowFrom[strconv.FormatInt(user.ID, 10)] ||
		(user.UserName != "" && t.allowFrom[normalizeUsername(user.UserName)])
}

// allowRequest checks the per-user rate limiter.
func (t *Telegram) allowRequest(userID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	rl, ok := t.rateLimiters[userID]
	if !ok {
		rl = rate.NewLimiter(t.cfg.RateLimit, t.cfg.RateBurst)
		t.rateLimiters[userID] = rl
	}
	return rl.Allow()
}

// isMentioned reports whether a group message addresses the bot: an
// @mention in the text, a text_mention of the bot, or a reply to the bot.
func (t *Telegram) isMentioned(msg *tgbotapi.Message) bool {
	self := t.sender.bot.Self
	if msg.ReplyToMessage != nil && msg.ReplyToMessage.From != nil && msg.ReplyToMessage.From.ID == self.ID {
		return true
	}
	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	if t.mention != nil && t.mention.MatchString(text) {
		return true
	}
	entities := append(append([]tgbotapi.MessageEntity(nil), msg.Entities...), msg.CaptionEntities...)
	for _, entity := range entities {
		if entity.Type == "text_mention" && entity.User != nil && entity.User.ID == self.ID {
			return true
		}
	}
	return false
}

// commandIsForUs rejects commands addressed to another bot (/help@other_bot).
func (t *Telegram) commandIsForUs(msg *tgbotapi.Message) bool {
	full := msg.CommandWithAt()
	at := strings.IndexByte(full, '@')
	if at < 0 {
		return true
	}
	return strings.EqualFold(full[at+1:], t.sender.Username())
}

func (t *Telegram) stripMention(text string) string {
	if t.mention != nil {
		text = t.mention.ReplaceAllString(text, "")
	}
	return strings.TrimSpace(text)
}

// mentionPattern matches @username as a whole word, case-insensitively.
func mentionPattern(username string) *regexp.Regexp {
	username = normalizeUsername(username)
	if username == "" {
		return nil
	}
	return regexp.MustCompile(`(?i)@` + regexp.QuoteMeta(username) + `\b`)
}

func normalizeUsername(s string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "@"))
}

// memberMention is how a joining user is addressed: @username, else
// @first name, else a generic name.
func memberMention(user *tgbotapi.User) string {
	switch {
	case user.UserName != "":
		return "@" + user.UserName
	case user.FirstName != "":
		return "@" + user.FirstName
	}
	return "@" + defaultMemberName
}

func displayName(user *tgbotapi.User) string {
	if user == nil {
		return ""
	}
	if user.UserName != "" {
		return user.UserName
	}
	return strings.TrimSpace(user.FirstName + " " + user.LastName)
}
