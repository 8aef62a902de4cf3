package bus

import (
	"testing"

	"github.com/haasonsaas/agentworld/pkg/models"
)

func TestBus_FanOut(t *testing.T) {
	b := New(nil)

	var got []string
	b.Subscribe(ChannelMessage, func(payload any) {
		ev := payload.(models.MessageEvent)
		got = append(got, "first:"+ev.Content)
	})
	b.Subscribe(ChannelMessage, func(payload any) {
		ev := payload.(models.MessageEvent)
		got = append(got, "second:"+ev.Content)
	})

	b.Emit(ChannelMessage, models.MessageEvent{Content: "hi"})

	if len(got) != 2 {
		t.Fatalf("expected 2 deliveries, got %d", len(got))
	}
	if got[0] != "first:hi" || got[1] != "second:hi" {
		t.Errorf("unexpected delivery order: %v", got)
	}
}

func TestBus_SubtopicDelivery(t *testing.T) {
	b := New(nil)

	var worldCount, startCount int
	b.Subscribe(ChannelWorld, func(any) { worldCount++ })
	b.Subscribe("response-start", func(any) { startCount++ })

	b.Emit(ChannelWorld, models.ActivityEvent{Type: models.ActivityResponseStart})

	if worldCount != 1 {
		t.Errorf("world channel deliveries = %d, want 1", worldCount)
	}
	if startCount != 1 {
		t.Errorf("response-start channel deliveries = %d, want 1", startCount)
	}
}

func TestBus_HandlerPanicIsolated(t *testing.T) {
	b := New(nil)

	var delivered bool
	b.Subscribe(ChannelSystem, func(any) { panic("boom") })
	b.Subscribe(ChannelSystem, func(any) { delivered = true })

	b.Emit(ChannelSystem, models.SystemEvent{Content: "x"})

	if !delivered {
		t.Error("panic in one handler should not block others")
	}
}

func TestBus_UnsubscribeDuringEmit(t *testing.T) {
	b := New(nil)

	var unsub func()
	var calls int
	unsub = b.Subscribe(ChannelMessage, func(any) {
		calls++
		unsub()
	})

	b.Emit(ChannelMessage, models.MessageEvent{Content: "a"})
	b.Emit(ChannelMessage, models.MessageEvent{Content: "b"})

	if calls != 1 {
		t.Errorf("handler calls = %d, want 1", calls)
	}
	if b.HandlerCount(ChannelMessage) != 0 {
		t.Errorf("handler count = %d, want 0", b.HandlerCount(ChannelMessage))
	}
}

func TestBus_UnsubscribeTwice(t *testing.T) {
	b := New(nil)

	u1 := b.Subscribe(ChannelSSE, func(any) {})
	u2 := b.Subscribe(ChannelSSE, func(any) {})

	u1()
	u1() // no-op, must not remove the other subscription

	if b.HandlerCount(ChannelSSE) != 1 {
		t.Fatalf("handler count = %d, want 1", b.HandlerCount(ChannelSSE))
	}
	u2()
	if b.HandlerCount(ChannelSSE) != 0 {
		t.Fatalf("handler count = %d, want 0", b.HandlerCount(ChannelSSE))
	}
}
