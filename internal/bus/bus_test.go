package bus

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"difybot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPublishSubscribe(t *testing.T) {
	b := New(4, testLogger())
	b.Publish(domain.InboundMessage{ChatID: 1, Content: "hello"})
	b.Publish(domain.InboundMessage{ChatID: 2, Content: "world"})

	ch := b.Subscribe()
	if got := (<-ch).Content; got != "hello" {
		t.Fatalf("expected 'hello', got %q", got)
	}
	if got := (<-ch).ChatID; got != 2 {
		t.Fatalf("expected chat 2, got %d", got)
	}
}

func TestClose_StopsDelivery(t *testing.T) {
	b := New(1, testLogger())
	b.Close()
	b.Close()

	b.Publish(domain.InboundMessage{Content: "late"})
	if _, ok := <-b.Subscribe(); ok {
		t.Fatal("expected closed channel")
	}
}

func TestSendOutbound_RoutesByChannel(t *testing.T) {
	b := New(1, testLogger())
	var got []domain.OutboundMessage
	b.OnOutbound("telegram", func(m domain.OutboundMessage) error {
		got = append(got, m)
		return nil
	})

	if err := b.SendOutbound(domain.OutboundMessage{Channel: "telegram", Content: "hi"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].Content != "hi" {
		t.Fatalf("unexpected deliveries %+v", got)
	}
}

func TestSendOutbound_Errors(t *testing.T) {
	b := New(1, testLogger())
	if err := b.SendOutbound(domain.OutboundMessage{Channel: "missing"}); !errors.Is(err, ErrNoHandler) {
		t.Fatalf("expected ErrNoHandler, got %v", err)
	}

	sendErr := errors.New("flood wait")
	b.OnOutbound("telegram", func(domain.OutboundMessage) error { return sendErr })
	if err := b.SendOutbound(domain.OutboundMessage{Channel: "telegram"}); !errors.Is(err, sendErr) {
		t.Fatalf("expected handler error, got %v", err)
	}
}
