package dify

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/tidwall/gjson"
)

// Stream event discriminators emitted by the chat-messages endpoint.
const (
	EventAgentMessage     = "agent_message"
	EventMessageEnd       = "message_end"
	EventWorkflowFinished = "workflow_finished"
)

// ErrMalformedPayload means a terminal event arrived but the accumulated
// answer was not the JSON object the agent is contracted to produce.
var ErrMalformedPayload = errors.New("dify: malformed terminal payload")

// Response is the reduced outcome of one streaming exchange.
type Response struct {
	// NeedsReply is true iff a terminal event was seen before the stream ended.
	NeedsReply bool
	Text       string
	// ConversationID is empty when the backend did not issue one.
	ConversationID string
	// Declined is set when the terminal payload carried "need_response": false.
	Declined bool
	// Raw is the decoded terminal payload of a message_end event.
	Raw json.RawMessage
}

// ShouldSend reports whether the response carries something to deliver.
func (r *Response) ShouldSend() bool {
	return r != nil && r.NeedsReply && !r.Declined && strings.TrimSpace(r.Text) != ""
}

// terminalPayload is the structured answer the agent streams as
// agent_message fragments.
type terminalPayload struct {
	NeedResponse *bool  `json:"need_response"`
	Message      string `json:"message"`
}

// Aggregator reduces the lines of a single exchange to one Response. It is
// not safe for concurrent use; each exchange owns its own Aggregator.
type Aggregator struct {
	// PlainText accepts a message_end whose accumulated answer is not a JSON
	// object and returns it verbatim as Text.
	PlainText bool

	answer strings.Builder
	done   bool
	resp   Response
}

// Feed consumes one raw line. It returns done=true once a terminal event has
// been handled; further lines must not be fed.
func (a *Aggregator) Feed(line []byte) (done bool, err error) {
	if a.done {
		return true, nil
	}
	line = trimDataPrefix(bytes.TrimSpace(line))
	if len(line) == 0 || !gjson.ValidBytes(line) {
		return false, nil
	}

	event := gjson.GetBytes(line, "event")
	if !event.Exists() {
		event = gjson.GetBytes(line, "kind")
	}

	switch event.String() {
	case EventAgentMessage:
		a.answer.WriteString(gjson.GetBytes(line, "answer").String())
	case EventMessageEnd:
		a.done = true
		return true, a.finishMessage(gjson.GetBytes(line, "conversation_id").String())
	case EventWorkflowFinished:
		text := gjson.GetBytes(line, "data.outputs.text")
		if !text.Exists() {
			return false, nil
		}
		a.done = true
		a.resp = Response{
			NeedsReply:     true,
			Text:           text.String(),
			ConversationID: gjson.GetBytes(line, "conversation_id").String(),
		}
		return true, nil
	}
	return false, nil
}

func (a *Aggregator) finishMessage(conversationID string) error {
	raw := strings.TrimSpace(a.answer.String())
	if !gjson.Valid(raw) || !gjson.Parse(raw).IsObject() {
		if a.PlainText {
			a.resp = Response{NeedsReply: true, Text: raw, ConversationID: conversationID}
			return nil
		}
		return fmt.Errorf("%w: accumulated answer is not a JSON object (%d bytes)", ErrMalformedPayload, len(raw))
	}
	var payload terminalPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		if a.PlainText {
			a.resp = Response{NeedsReply: true, Text: raw, ConversationID: conversationID, Raw: json.RawMessage(raw)}
			return nil
		}
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	a.resp = Response{
		NeedsReply:     true,
		Text:           payload.Message,
		ConversationID: conversationID,
		Declined:       payload.NeedResponse != nil && !*payload.NeedResponse,
		Raw:            json.RawMessage(raw),
	}
	return nil
}

// Result returns the aggregated response. Before a terminal event it is the
// zero Response, which needs no reply.
func (a *Aggregator) Result() Response {
	if !a.done {
		return Response{}
	}
	return a.resp
}

// Aggregate reads an SSE body with a strict Aggregator.
func Aggregate(ctx context.Context, r io.Reader) (*Response, error) {
	var agg Aggregator
	return agg.Consume(ctx, r)
}

// Consume reads an SSE body line by line until a terminal event or the end
// of the stream. Lines have no length limit.
func (a *Aggregator) Consume(ctx context.Context, r io.Reader) (*Response, error) {
	br := bufio.NewReader(r)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line, readErr := br.ReadBytes('\n')
		if len(line) > 0 {
			done, err := a.Feed(line)
			if err != nil {
				return nil, err
			}
			if done {
				res := a.Result()
				return &res, nil
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return nil, fmt.Errorf("read stream: %w", readErr)
		}
	}
	res := a.Result()
	return &res, nil
}

var (
	dataPrefix      = []byte("data:")
	dataSpacePrefix = []byte("data: ")
)

func trimDataPrefix(line []byte) []byte {
	if bytes.HasPrefix(line, dataSpacePrefix) {
		return line[len(dataSpacePrefix):]
	}
	return bytes.TrimPrefix(line, dataPrefix)
}
