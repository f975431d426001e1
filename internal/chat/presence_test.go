package chat

import (
	"testing"
	"time"

	"goridesync/internal/models"
	"goridesync/internal/protocol"
	"goridesync/internal/realtime"
	"goridesync/pkg/logger"
)

func (f *fakeTransport) typingCount(event protocol.EventName) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.emitted {
		if e == event {
			n++
		}
	}
	return n
}

func TestTypingStartEmittedOnLeadingEdgeOnly(t *testing.T) {
	transport := newFakeTransport()
	p := NewPresence(transport, nil, "passenger-1", "Ada", 50*time.Millisecond, logger.NewNop())
	defer p.Close()

	p.TypingStarted("ride-1")
	p.TypingStarted("ride-1")
	p.TypingStarted("ride-1")

	if got := transport.typingCount(protocol.EventTypingStarted); got != 1 {
		t.Fatalf("typing_started emitted %d times for one burst, want 1", got)
	}
}

func TestTypingStopsAfterQuietPeriod(t *testing.T) {
	transport := newFakeTransport()
	p := NewPresence(transport, nil, "passenger-1", "Ada", 30*time.Millisecond, logger.NewNop())
	defer p.Close()

	p.TypingStarted("ride-1")

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if transport.typingCount(protocol.EventTypingStopped) == 1 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	if got := transport.typingCount(protocol.EventTypingStopped); got != 1 {
		t.Fatalf("typing_stopped emitted %d times after quiet period, want 1", got)
	}

	// A fresh burst after the stop emits a new leading edge.
	p.TypingStarted("ride-1")
	if got := transport.typingCount(protocol.EventTypingStarted); got != 2 {
		t.Fatalf("typing_started emitted %d times across two bursts, want 2", got)
	}
}

func TestKeystrokesExtendTheQuietWindow(t *testing.T) {
	transport := newFakeTransport()
	p := NewPresence(transport, nil, "passenger-1", "Ada", 60*time.Millisecond, logger.NewNop())
	defer p.Close()

	p.TypingStarted("ride-1")
	for i := 0; i < 4; i++ {
		time.Sleep(30 * time.Millisecond)
		p.TypingStarted("ride-1")
	}
	if got := transport.typingCount(protocol.EventTypingStopped); got != 0 {
		t.Fatalf("typing_stopped emitted mid-burst (%d times)", got)
	}
	if got := transport.typingCount(protocol.EventTypingStarted); got != 1 {
		t.Fatalf("typing_started emitted %d times mid-burst, want 1", got)
	}
}

func TestExplicitStopCancelsTimerAndIsIdempotent(t *testing.T) {
	transport := newFakeTransport()
	p := NewPresence(transport, nil, "passenger-1", "Ada", 50*time.Millisecond, logger.NewNop())
	defer p.Close()

	p.TypingStarted("ride-1")
	p.TypingStopped("ride-1")
	p.TypingStopped("ride-1")

	time.Sleep(120 * time.Millisecond)
	if got := transport.typingCount(protocol.EventTypingStopped); got != 1 {
		t.Fatalf("typing_stopped emitted %d times, want 1", got)
	}
}

func TestRemoteTypingTracked(t *testing.T) {
	transport := newFakeTransport()
	p := NewPresence(transport, nil, "passenger-1", "Ada", time.Second, logger.NewNop())
	defer p.Close()

	bus := realtime.NewBus(logger.NewNop())
	unbind, err := p.Bind(bus)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	defer unbind()

	started, _ := protocol.NewEnvelope(protocol.EventTypingStarted, protocol.TypingPayload{
		RideID: "ride-1", UserID: "driver-1", UserName: "Sam", Timestamp: time.Now().UTC(),
	})
	bus.Publish(started)

	if !p.IsTyping("ride-1", "driver-1") {
		t.Fatal("remote typist not tracked")
	}
	if typists := p.Typists("ride-1"); len(typists) != 1 || typists[0] != "driver-1" {
		t.Fatalf("typists %v, want [driver-1]", typists)
	}

	stopped, _ := protocol.NewEnvelope(protocol.EventTypingStopped, protocol.TypingPayload{
		RideID: "ride-1", UserID: "driver-1",
	})
	bus.Publish(stopped)

	if p.IsTyping("ride-1", "driver-1") {
		t.Fatal("typist still tracked after stop")
	}
}

func TestRemoteTypingExpiresWhenStopLost(t *testing.T) {
	transport := newFakeTransport()
	p := NewPresence(transport, nil, "passenger-1", "Ada", 10*time.Millisecond, logger.NewNop())
	defer p.Close()

	bus := realtime.NewBus(logger.NewNop())
	unbind, _ := p.Bind(bus)
	defer unbind()

	started, _ := protocol.NewEnvelope(protocol.EventTypingStarted, protocol.TypingPayload{
		RideID: "ride-1", UserID: "driver-1",
	})
	bus.Publish(started)

	time.Sleep(50 * time.Millisecond) // past the staleness bound
	if p.IsTyping("ride-1", "driver-1") {
		t.Fatal("stale typist not expired")
	}
}

func TestOwnTypingEchoIgnored(t *testing.T) {
	transport := newFakeTransport()
	p := NewPresence(transport, nil, "passenger-1", "Ada", time.Second, logger.NewNop())
	defer p.Close()

	bus := realtime.NewBus(logger.NewNop())
	unbind, _ := p.Bind(bus)
	defer unbind()

	echo, _ := protocol.NewEnvelope(protocol.EventTypingStarted, protocol.TypingPayload{
		RideID: "ride-1", UserID: "passenger-1",
	})
	bus.Publish(echo)

	if p.IsTyping("ride-1", "passenger-1") {
		t.Fatal("own echo tracked as a remote typist")
	}
}

func TestMarkMessagesReadEmitsAndAppliesLocally(t *testing.T) {
	transport := newFakeTransport()
	tr := NewTracker(transport, "passenger-1", time.Second, logger.NewNop())
	p := NewPresence(transport, tr, "passenger-1", "Ada", time.Second, logger.NewNop())
	defer p.Close()

	inbound, _ := protocol.NewEnvelope(protocol.EventNewMessage, models.Message{
		ID: "m1", RideID: "ride-1", SenderID: "driver-1", Content: "here",
	})
	tr.handleNewMessage(inbound)

	if err := p.MarkMessagesRead("ride-1", []string{"m1"}); err != nil {
		t.Fatalf("MarkMessagesRead: %v", err)
	}
	if got := transport.typingCount(protocol.EventMessageRead); got != 1 {
		t.Fatalf("message_read emitted %d times, want 1", got)
	}
	if msg, _ := tr.Get("m1"); msg.Status != models.MessageStatusRead {
		t.Fatalf("local status %s, want %s", msg.Status, models.MessageStatusRead)
	}

	if err := p.MarkMessagesRead("ride-1", nil); err != nil {
		t.Fatalf("empty batch: %v", err)
	}
	if got := transport.typingCount(protocol.EventMessageRead); got != 1 {
		t.Fatal("empty batch emitted a read receipt")
	}
}
