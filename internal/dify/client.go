// Package dify talks to a Dify agent over the streaming chat-messages API and
// reduces each server-sent event stream to a single reply.
package dify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"difybot/internal/metrics"

	"github.com/google/uuid"
)

const (
	DefaultBaseURL    = "https://api.dify.ai"
	chatMessagesPath  = "/v1/chat-messages"
	responseStreaming = "streaming"

	// closeGrace lets pooled TLS connections finish closing on shutdown.
	closeGrace = 250 * time.Millisecond
)

// Input keys understood by the bot's Dify app.
const (
	InputRunType          = "run_type"
	InputChatPlace        = "chat_place"
	InputUserName         = "user_name"
	InputNewMemberName    = "new_member_name"
	InputTelegramChatType = "telegram_chat_type"

	// RunTypeChat marks relayed user turns.
	RunTypeChat = "chat"
	// ChatPlaceTelegram is the chat_place input for every Telegram exchange.
	ChatPlaceTelegram = "telegram"
)

// Client sends chat messages to one Dify app.
type Client struct {
	apiKey     string
	endpoint   string
	http       *http.Client
	maxElapsed time.Duration
	logger     *slog.Logger
	// plainText accepts plain-text answers at message_end.
	plainText bool
}

type Config struct {
	APIKey  string
	BaseURL string
	// HTTPClient defaults to NewHTTPClient(Timeout).
	HTTPClient *http.Client
	Timeout    time.Duration
	// RetryMaxElapsed bounds the total time spent retrying one exchange.
	RetryMaxElapsed time.Duration
	Logger          *slog.Logger
}

func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = NewHTTPClient(cfg.Timeout)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		apiKey:     cfg.APIKey,
		endpoint:   chatMessagesURL(cfg.BaseURL),
		http:       cfg.HTTPClient,
		maxElapsed: cfg.RetryMaxElapsed,
		logger:     cfg.Logger,
	}
}

// chatMessagesURL accepts a base with or without the /v1 suffix.
func chatMessagesURL(base string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	base = strings.TrimSuffix(base, "/v1")
	return base + chatMessagesPath
}

// ChatRequest is one user turn.
type ChatRequest struct {
	Query string
	User  string
	// ConversationID continues an earlier dialogue; empty starts a new one.
	ConversationID string
	Inputs         map[string]any
}

type chatMessageBody struct {
	Query          string         `json:"query"`
	ResponseMode   string         `json:"response_mode"`
	ConversationID string         `json:"conversation_id"`
	User           string         `json:"user"`
	Inputs         map[string]any `json:"inputs"`
}

// SendChatMessage performs one streaming exchange and returns its aggregated
// response. A response with NeedsReply=false is a normal outcome.
func (c *Client) SendChatMessage(ctx context.Context, req ChatRequest) (*Response, error) {
	exchangeID := uuid.NewString()
	logger := c.logger.With("exchange", exchangeID, "user", req.User)

	inputs := req.Inputs
	if inputs == nil {
		inputs = map[string]any{}
	}
	payload, err := json.Marshal(chatMessageBody{
		Query:          req.Query,
		ResponseMode:   responseStreaming,
		ConversationID: req.ConversationID,
		User:           req.User,
		Inputs:         inputs,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	logger.Debug("starting exchange",
		"endpoint", c.endpoint,
		"conversation", req.ConversationID,
		"query_len", len(req.Query),
	)

	metrics.ExchangesTotal.Inc()
	metrics.InFlight.Inc()
	defer metrics.InFlight.Dec()
	start := time.Now()
	defer metrics.ExchangeLatency.ObserveSince(start)

	resp, err := doWithRetry(ctx, c.http, func() (*http.Request, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "text/event-stream")
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
		return httpReq, nil
	}, c.maxElapsed, logger)
	if err != nil {
		metrics.ExchangeFailures.Inc()
		return nil, fmt.Errorf("dify chat-messages: %w", err)
	}
	defer resp.Body.Close()

	agg := Aggregator{PlainText: c.plainText}
	out, err := agg.Consume(ctx, resp.Body)
	if err != nil {
		if errors.Is(err, ErrMalformedPayload) {
			metrics.ProtocolViolations.Inc()
		} else {
			metrics.ExchangeFailures.Inc()
		}
		return nil, fmt.Errorf("dify stream: %w", err)
	}
	if !out.ShouldSend() {
		metrics.NoReplyExchanges.Inc()
	}

	logger.Debug("exchange complete",
		"needs_reply", out.NeedsReply,
		"declined", out.Declined,
		"text_len", len(out.Text),
		"conversation", out.ConversationID,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return out, nil
}

// Close drops idle connections and waits briefly so they can shut down.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
	time.Sleep(closeGrace)
	c.logger.Debug("dify client closed")
}
