package dify

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

func feedAll(t *testing.T, lines ...string) (Response, error) {
	t.Helper()
	var agg Aggregator
	for _, l := range lines {
		done, err := agg.Feed([]byte(l))
		if err != nil {
			return Response{}, err
		}
		if done {
			break
		}
	}
	return agg.Result(), nil
}

// --- Terminal events ---

func TestAggregator_MessageEndAssemblesFragments(t *testing.T) {
	res, err := feedAll(t,
		`data: {"event":"agent_message","answer":"{\"need_response\": true, \"message\": \"Hel"}`,
		`data: {"event":"agent_message","answer":"lo\"}"}`,
		`data: {"event":"message_end","conversation_id":"abc"}`,
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.NeedsReply {
		t.Fatal("expected NeedsReply=true")
	}
	if res.Text != "Hello" {
		t.Fatalf("expected 'Hello', got %q", res.Text)
	}
	if res.ConversationID != "abc" {
		t.Fatalf("expected conversation 'abc', got %q", res.ConversationID)
	}
	if res.Declined {
		t.Fatal("expected Declined=false")
	}
	if !res.ShouldSend() {
		t.Fatal("expected ShouldSend=true")
	}
}

func TestAggregator_WorkflowFinishedOverridesAccumulator(t *testing.T) {
	res, err := feedAll(t,
		`data: {"event":"agent_message","answer":"ignored"}`,
		`data: {"event":"workflow_finished","data":{"outputs":{"text":"final answer"}}}`,
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.NeedsReply || res.Text != "final answer" {
		t.Fatalf("expected final answer, got %+v", res)
	}
}

func TestAggregator_WorkflowFinishedWithoutTextContinues(t *testing.T) {
	res, err := feedAll(t,
		`data: {"event":"agent_message","answer":"{\"message\":\"later\"}"}`,
		`data: {"event":"workflow_finished","data":{"outputs":{}}}`,
		`data: {"event":"message_end","conversation_id":"c1"}`,
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Text != "later" || res.ConversationID != "c1" {
		t.Fatalf("expected message_end payload, got %+v", res)
	}
}

func TestAggregator_KindDiscriminator(t *testing.T) {
	res, err := feedAll(t,
		`{"kind":"agent_message","answer":"{\"message\":\"hi\"}"}`,
		`{"kind":"message_end","conversation_id":"k"}`,
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Text != "hi" || res.ConversationID != "k" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestAggregator_DeclinedPayload(t *testing.T) {
	res, err := feedAll(t,
		`data: {"event":"agent_message","answer":"{\"need_response\": false, \"message\": \"\"}"}`,
		`data: {"event":"message_end","conversation_id":"abc"}`,
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.NeedsReply {
		t.Fatal("terminal event seen, NeedsReply must be true")
	}
	if !res.Declined {
		t.Fatal("expected Declined=true")
	}
	if res.ShouldSend() {
		t.Fatal("declined response must not be sent")
	}
}

func TestAggregator_OnlyFirstTerminalHonored(t *testing.T) {
	var agg Aggregator
	lines := []string{
		`data: {"event":"workflow_finished","data":{"outputs":{"text":"first"}}}`,
		`data: {"event":"workflow_finished","data":{"outputs":{"text":"second"}}}`,
	}
	for _, l := range lines {
		if _, err := agg.Feed([]byte(l)); err != nil {
			t.Fatal(err)
		}
	}
	if got := agg.Result().Text; got != "first" {
		t.Fatalf("expected 'first', got %q", got)
	}
}

// --- Non-terminal outcomes ---

func TestAggregator_NoTerminalEvent(t *testing.T) {
	res, err := feedAll(t, `data: {"event":"agent_message","answer":"partial"}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.NeedsReply || res.Text != "" {
		t.Fatalf("expected empty no-reply result, got %+v", res)
	}
}

func TestAggregator_MalformedLinesIgnored(t *testing.T) {
	res, err := feedAll(t,
		"",
		"   ",
		": keep-alive",
		`data: {"event":"agent_message","answer":"{\"message\":"}`,
		"not json",
		`event: ping`,
		`data: {"event":"ping"}`,
		`data: {"event":"agent_message","answer":"\"ok\"}"}`,
		`data: {"event":"message_end","conversation_id":"x"}`,
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Text != "ok" {
		t.Fatalf("expected 'ok', got %q", res.Text)
	}
}

func TestAggregator_MalformedTerminalPayload(t *testing.T) {
	_, err := feedAll(t,
		`data: {"event":"agent_message","answer":"plain text, not json"}`,
		`data: {"event":"message_end","conversation_id":"abc"}`,
	)
	if !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("expected ErrMalformedPayload, got %v", err)
	}
}

func TestAggregator_EmptyAccumulatorAtMessageEnd(t *testing.T) {
	_, err := feedAll(t, `data: {"event":"message_end","conversation_id":"abc"}`)
	if !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("expected ErrMalformedPayload, got %v", err)
	}
}

func TestAggregator_NonObjectPayload(t *testing.T) {
	_, err := feedAll(t,
		`data: {"event":"agent_message","answer":"[1,2]"}`,
		`data: {"event":"message_end"}`,
	)
	if !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("expected ErrMalformedPayload, got %v", err)
	}
}

func TestAggregator_PlainTextAtMessageEnd(t *testing.T) {
	agg := Aggregator{PlainText: true}
	res, err := agg.Consume(context.Background(), strings.NewReader(
		`data: {"event":"agent_message","answer":"Today: "}`+"\n"+
			`data: {"event":"agent_message","answer":"markets up."}`+"\n"+
			`data: {"event":"message_end","conversation_id":"n7"}`+"\n",
	))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.NeedsReply || res.Text != "Today: markets up." || res.ConversationID != "n7" {
		t.Fatalf("unexpected response %+v", res)
	}
}

func TestAggregator_PlainTextStillDecodesObjects(t *testing.T) {
	agg := Aggregator{PlainText: true}
	res, err := agg.Consume(context.Background(), strings.NewReader(
		`data: {"event":"agent_message","answer":"{\"need_response\": false, \"message\": \"x\"}"}`+"\n"+
			`data: {"event":"message_end"}`+"\n",
	))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Declined || res.Text != "x" {
		t.Fatalf("expected decoded payload, got %+v", res)
	}
}

// --- Aggregate over a reader ---

// stopReader records whether the stream was read to EOF.
type stopReader struct {
	r       io.Reader
	tripped bool
}

func (s *stopReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if err == io.EOF {
		s.tripped = true
	}
	return n, err
}

func TestAggregate_Reader(t *testing.T) {
	body := strings.Join([]string{
		`data: {"event":"agent_message","answer":"{\"need_response\": true, "}`,
		``,
		`data: {"event":"agent_message","answer":"\"message\": \"Hi *there*\"}"}`,
		``,
		`data: {"event":"message_end","conversation_id":"conv-1"}`,
		``,
	}, "\n")
	res, err := Aggregate(context.Background(), strings.NewReader(body))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Text != "Hi *there*" || res.ConversationID != "conv-1" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestAggregate_NoTrailingNewline(t *testing.T) {
	body := `data: {"event":"workflow_finished","data":{"outputs":{"text":"done"}}}`
	res, err := Aggregate(context.Background(), strings.NewReader(body))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Text != "done" {
		t.Fatalf("expected 'done', got %q", res.Text)
	}
}

func TestAggregate_StopsAtTerminalEvent(t *testing.T) {
	body := `data: {"event":"workflow_finished","data":{"outputs":{"text":"done"}}}` + "\n" +
		`data: {"event":"workflow_finished","data":{"outputs":{"text":"late"}}}` + "\n"
	res, err := Aggregate(context.Background(), strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "done" {
		t.Fatalf("expected 'done', got %q", res.Text)
	}
}

func TestAggregate_StreamEndsEarly(t *testing.T) {
	sr := &stopReader{r: strings.NewReader(`data: {"event":"agent_message","answer":"x"}` + "\n")}
	res, err := Aggregate(context.Background(), sr)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.NeedsReply {
		t.Fatal("expected NeedsReply=false")
	}
	if !sr.tripped {
		t.Fatal("expected reader to be drained to EOF")
	}
}

func TestAggregate_LongLine(t *testing.T) {
	big := strings.Repeat("a", 3<<20)
	body := `data: {"event":"workflow_finished","data":{"outputs":{"text":"` + big + `"}}}`
	res, err := Aggregate(context.Background(), strings.NewReader(body))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Text) != len(big) {
		t.Fatalf("expected %d bytes, got %d", len(big), len(res.Text))
	}
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, errors.New("connection reset") }

func TestAggregate_ReadErrorPropagates(t *testing.T) {
	if _, err := Aggregate(context.Background(), errReader{}); err == nil {
		t.Fatal("expected read error")
	}
}

func TestAggregate_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Aggregate(ctx, strings.NewReader("data: {}\n")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
