package dify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// RunTypeNews marks broadcast exchanges for the news app.
const RunTypeNews = "news"

// NewsPost is one message of a news batch, spoken by a named bot identity.
type NewsPost struct {
	User    string  `json:"user"`
	Content string  `json:"content"`
	Delay   float64 `json:"delayTime"`
}

// DelayDuration converts the post's delay in seconds to a duration.
func (p NewsPost) DelayDuration() time.Duration {
	if p.Delay <= 0 {
		return 0
	}
	return time.Duration(p.Delay * float64(time.Second))
}

// NewsBatch is the structured output of a news exchange.
type NewsBatch struct {
	Posts          []NewsPost `json:"conversations"`
	ConversationID string     `json:"conversation_id"`
}

// NewsClient pulls news batches from a second Dify app.
type NewsClient struct {
	chat *Client
}

// NewNewsClient builds a client whose exchanges may end in plain text; such
// an answer becomes a single post.
func NewNewsClient(cfg Config) *NewsClient {
	chat := NewClient(cfg)
	chat.plainText = true
	return &NewsClient{chat: chat}
}

// FetchNews asks the news app for a batch. An exchange that produces no
// reply yields an empty batch and no error.
func (n *NewsClient) FetchNews(ctx context.Context, query, user string) (*NewsBatch, error) {
	resp, err := n.chat.SendChatMessage(ctx, ChatRequest{
		Query: query,
		User:  user,
		Inputs: map[string]any{
			InputRunType:   RunTypeNews,
			InputChatPlace: ChatPlaceTelegram,
			InputUserName:  user,
		},
	})
	if err != nil {
		return nil, err
	}
	return ParseNewsBatch(resp)
}

// Close releases the underlying client.
func (n *NewsClient) Close() { n.chat.Close() }

// ParseNewsBatch extracts posts from a response. The terminal payload is
// checked first, then the final text (optionally fenced as ```json). Plain
// text that is not a batch becomes one post with no speaker.
func ParseNewsBatch(resp *Response) (*NewsBatch, error) {
	batch := &NewsBatch{}
	if resp == nil || !resp.NeedsReply || resp.Declined {
		return batch, nil
	}
	batch.ConversationID = resp.ConversationID

	for _, candidate := range []string{string(resp.Raw), stripCodeFence(resp.Text)} {
		if !gjson.Get(candidate, "conversations").IsArray() {
			continue
		}
		if err := json.Unmarshal([]byte(candidate), batch); err != nil {
			return nil, fmt.Errorf("%w: news batch: %v", ErrMalformedPayload, err)
		}
		return batch, nil
	}

	if strings.TrimSpace(resp.Text) != "" {
		batch.Posts = []NewsPost{{Content: resp.Text}}
	}
	return batch, nil
}

func stripCodeFence(content string) string {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		lines := strings.Split(content, "\n")
		if len(lines) >= 3 && strings.HasPrefix(lines[len(lines)-1], "```") {
			content = strings.TrimSpace(strings.Join(lines[1:len(lines)-1], "\n"))
		}
	}
	return content
}
