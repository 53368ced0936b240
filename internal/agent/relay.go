// Package agent relays chat messages to the Dify agent and broadcasts the
// news app's output on a schedule.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"difybot/internal/conversation"
	"difybot/internal/dify"
	"difybot/internal/domain"
	"difybot/internal/markdown"
	"difybot/internal/metrics"
)

const (
	defaultConcurrency = 8

	// memberJoinedQuery is the turn sent to the agent when someone joins.
	memberJoinedQuery = "new member join the group"
	resetReply        = "Conversation reset. Your next message starts a new one."
)

// Agent is the conversational backend behind the relay.
type Agent interface {
	SendChatMessage(ctx context.Context, req dify.ChatRequest) (*dify.Response, error)
}

// Relay consumes inbound chat events, exchanges them with the agent and
// sends the escaped replies back through the bus.
type Relay struct {
	agent       Agent
	store       conversation.Store
	scope       conversation.Scope
	locks       *conversation.KeyedMutex
	bus         domain.MessageBus
	logger      *slog.Logger
	concurrency int
	wg          sync.WaitGroup
}

type RelayConfig struct {
	Agent Agent
	// Store defaults to an in-memory store.
	Store       conversation.Store
	Scope       conversation.Scope
	Bus         domain.MessageBus
	Logger      *slog.Logger
	Concurrency int // max parallel exchanges (default 8)
}

func NewRelay(cfg RelayConfig) *Relay {
	if cfg.Store == nil {
		cfg.Store = conversation.NewMemoryStore()
	}
	if cfg.Scope == "" {
		cfg.Scope = conversation.ScopeUser
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Relay{
		agent:       cfg.Agent,
		store:       cfg.Store,
		scope:       cfg.Scope,
		locks:       conversation.NewKeyedMutex(),
		bus:         cfg.Bus,
		logger:      cfg.Logger,
		concurrency: cfg.Concurrency,
	}
}

// Run consumes inbound messages until ctx is cancelled or the bus closes,
// then waits for in-flight exchanges. A message first waits for its
// conversation key and only then for one of the concurrency slots, so a
// busy conversation never holds slots other chats need.
func (r *Relay) Run(ctx context.Context) {
	r.logger.Info("relay started", "concurrency", r.concurrency, "scope", r.scope)
	defer r.wg.Wait()

	sem := make(chan struct{}, r.concurrency)
	inbound := r.bus.Subscribe()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("relay stopping")
			return
		case msg, ok := <-inbound:
			if !ok {
				r.logger.Info("inbound channel closed, relay stopping")
				return
			}
			r.wg.Add(1)
			go func(m domain.InboundMessage) {
				defer r.wg.Done()
				if key, keyed := r.lockKey(m); keyed {
					unlock := r.locks.Lock(key)
					defer unlock()
				}
				select {
				case sem <- struct{}{}:
				case <-ctx.Done():
					return
				}
				defer func() { <-sem }()
				if err := r.dispatch(ctx, m); err != nil {
					r.logExchangeError(m, err)
				}
			}(msg)
		}
	}
}

// Handle processes one inbound event synchronously.
func (r *Relay) Handle(ctx context.Context, msg domain.InboundMessage) error {
	if key, keyed := r.lockKey(msg); keyed {
		unlock := r.locks.Lock(key)
		defer unlock()
	}
	return r.dispatch(ctx, msg)
}

// lockKey returns the conversation key an event reads or writes. Member
// joins use a fresh conversation and need no lock.
func (r *Relay) lockKey(msg domain.InboundMessage) (string, bool) {
	if msg.Kind == domain.KindMemberJoined {
		return "", false
	}
	return conversation.Key(r.scope, msg.ChatID, msg.SenderID), true
}

// dispatch expects the caller to hold the event's key lock.
func (r *Relay) dispatch(ctx context.Context, msg domain.InboundMessage) error {
	switch msg.Kind {
	case domain.KindReset:
		return r.handleReset(ctx, msg)
	case domain.KindMemberJoined:
		return r.handleMemberJoined(ctx, msg)
	default:
		return r.handleText(ctx, msg)
	}
}

func (r *Relay) handleText(ctx context.Context, msg domain.InboundMessage) error {
	key := conversation.Key(r.scope, msg.ChatID, msg.SenderID)
	convID, _, err := r.store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("load conversation %s: %w", key, err)
	}

	req := dify.ChatRequest{
		Query:          msg.Content,
		User:           userID(msg),
		ConversationID: convID,
		Inputs:         baseInputs(msg),
	}
	req.Inputs[dify.InputRunType] = dify.RunTypeChat

	resp, err := r.agent.SendChatMessage(ctx, req)
	if convID != "" && isUnknownConversation(err) {
		r.logger.Warn("conversation expired upstream, starting a new one", "key", key, "conversation", convID)
		if err := r.store.Delete(ctx, key); err != nil {
			return fmt.Errorf("drop conversation %s: %w", key, err)
		}
		req.ConversationID = ""
		resp, err = r.agent.SendChatMessage(ctx, req)
	}
	if err != nil {
		return err
	}

	if resp.ConversationID != "" && resp.ConversationID != convID {
		if err := r.store.Set(ctx, key, resp.ConversationID); err != nil {
			r.logger.Warn("failed to store conversation id", "key", key, "err", err)
		}
	}

	if !resp.ShouldSend() {
		r.logger.Debug("agent chose not to reply",
			"chat_id", msg.ChatID,
			"needs_reply", resp.NeedsReply,
			"declined", resp.Declined,
		)
		return nil
	}
	return r.send(msg, markdown.EscapeV2(resp.Text), msg.MessageID)
}

// handleMemberJoined asks the agent for a welcome in a fresh conversation.
// The member's mention is kept verbatim so Telegram links it.
func (r *Relay) handleMemberJoined(ctx context.Context, msg domain.InboundMessage) error {
	inputs := baseInputs(msg)
	inputs[dify.InputRunType] = dify.RunTypeChat
	inputs[dify.InputNewMemberName] = msg.NewMemberName

	resp, err := r.agent.SendChatMessage(ctx, dify.ChatRequest{
		Query:  memberJoinedQuery,
		User:   userID(msg),
		Inputs: inputs,
	})
	if err != nil {
		return err
	}
	if !resp.ShouldSend() {
		return nil
	}
	return r.send(msg, markdown.EscapeAround(resp.Text, msg.NewMemberName), 0)
}

func (r *Relay) handleReset(ctx context.Context, msg domain.InboundMessage) error {
	key := conversation.Key(r.scope, msg.ChatID, msg.SenderID)
	if err := r.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("reset conversation %s: %w", key, err)
	}
	r.logger.Info("conversation reset", "key", key)
	return r.send(msg, markdown.EscapePlain(resetReply), msg.MessageID)
}

func (r *Relay) send(msg domain.InboundMessage, content string, replyTo int) error {
	err := r.bus.SendOutbound(domain.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Content: content,
		Format:  domain.FormatMarkdownV2,
		ReplyTo: replyTo,
	})
	if err != nil {
		return fmt.Errorf("deliver reply: %w", err)
	}
	metrics.RepliesSent.Inc()
	return nil
}

// logExchangeError drops the event after logging. Protocol violations are
// errors; transport and delivery failures are warnings.
func (r *Relay) logExchangeError(msg domain.InboundMessage, err error) {
	attrs := []any{
		"kind", msg.Kind,
		"chat_id", msg.ChatID,
		"sender", msg.SenderID,
		"err", err,
	}
	switch {
	case errors.Is(err, context.Canceled):
		r.logger.Debug("exchange cancelled", attrs...)
	case errors.Is(err, dify.ErrMalformedPayload):
		r.logger.Error("agent returned a malformed reply", attrs...)
	default:
		r.logger.Warn("exchange failed, dropping message", attrs...)
	}
}

func isUnknownConversation(err error) bool {
	var se *dify.StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusNotFound
}

func userID(msg domain.InboundMessage) string {
	return strconv.FormatInt(msg.SenderID, 10)
}

func baseInputs(msg domain.InboundMessage) map[string]any {
	return map[string]any{
		dify.InputChatPlace:        dify.ChatPlaceTelegram,
		dify.InputTelegramChatType: msg.ChatType,
		dify.InputUserName:         msg.SenderName,
	}
}
