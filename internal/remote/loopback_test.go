package remote

import (
	"context"
	"errors"
	"testing"
	"time"
)

func mustRoom(t *testing.T, gateway *Loopback, kind string) string {
	t.Helper()
	roomID, err := gateway.CreateRoom(context.Background(), kind)
	if err != nil {
		t.Fatalf("failed to create room: %v", err)
	}
	return roomID
}

func TestPublishAssignsMonotoneSequence(t *testing.T) {
	gateway := NewLoopback()
	roomID := mustRoom(t, gateway, "board")

	first, err := gateway.Publish(context.Background(), roomID, []byte("one"))
	if err != nil {
		t.Fatalf("unexpected publish error: %v", err)
	}
	second, err := gateway.Publish(context.Background(), roomID, []byte("two"))
	if err != nil {
		t.Fatalf("unexpected publish error: %v", err)
	}
	if first == second {
		t.Fatalf("expected distinct event ids")
	}
}

func TestPublishToUnknownRoomIsPermanent(t *testing.T) {
	gateway := NewLoopback()
	_, err := gateway.Publish(context.Background(), "!ghost:loopback", []byte("lost"))
	if err == nil {
		t.Fatalf("expected publish to an unknown room to fail")
	}
	if !IsPermanent(err) {
		t.Fatalf("expected a permanent error, got %v", err)
	}
}

func TestSubscribeReplaysBacklogAboveCursor(t *testing.T) {
	gateway := NewLoopback()
	roomID := mustRoom(t, gateway, "board")
	for _, body := range []string{"one", "two", "three"} {
		if _, err := gateway.Publish(context.Background(), roomID, []byte(body)); err != nil {
			t.Fatalf("unexpected publish error: %v", err)
		}
	}

	stream, err := gateway.Subscribe(context.Background(), 1)
	if err != nil {
		t.Fatalf("unexpected subscribe error: %v", err)
	}
	defer stream.Close() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	expected := []struct {
		seq  int64
		body string
	}{{2, "two"}, {3, "three"}}
	for _, want := range expected {
		event, err := stream.Next(ctx)
		if err != nil {
			t.Fatalf("unexpected stream error: %v", err)
		}
		if event.ServerSeq != want.seq || string(event.Payload) != want.body {
			t.Fatalf("expected seq %d body %q, got seq %d body %q",
				want.seq, want.body, event.ServerSeq, event.Payload)
		}
	}
}

func TestSubscribeDeliversLiveEvents(t *testing.T) {
	gateway := NewLoopback()
	roomID := mustRoom(t, gateway, "board")

	stream, err := gateway.Subscribe(context.Background(), 0)
	if err != nil {
		t.Fatalf("unexpected subscribe error: %v", err)
	}
	defer stream.Close() //nolint:errcheck

	if _, err := gateway.Publish(context.Background(), roomID, []byte("live")); err != nil {
		t.Fatalf("unexpected publish error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	event, err := stream.Next(ctx)
	if err != nil {
		t.Fatalf("unexpected stream error: %v", err)
	}
	if string(event.Payload) != "live" {
		t.Fatalf("unexpected payload: %q", event.Payload)
	}
}

func TestNextAfterCloseReturnsStreamClosed(t *testing.T) {
	gateway := NewLoopback()
	stream, err := gateway.Subscribe(context.Background(), 0)
	if err != nil {
		t.Fatalf("unexpected subscribe error: %v", err)
	}
	if err := stream.Close(); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}

	_, err = stream.Next(context.Background())
	if !errors.Is(err, ErrStreamClosed) {
		t.Fatalf("expected ErrStreamClosed, got %v", err)
	}
}

func TestNextHonorsContextCancellation(t *testing.T) {
	gateway := NewLoopback()
	stream, err := gateway.Subscribe(context.Background(), 0)
	if err != nil {
		t.Fatalf("unexpected subscribe error: %v", err)
	}
	defer stream.Close() //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := stream.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestOverflowedSubscriberStreamIsCut(t *testing.T) {
	gateway := NewLoopback()
	roomID := mustRoom(t, gateway, "board")

	stream, err := gateway.Subscribe(context.Background(), 0)
	if err != nil {
		t.Fatalf("unexpected subscribe error: %v", err)
	}

	// Fill the live buffer without reading, then push one more event.
	total := gateway.bufferSize + 1
	for i := 0; i < total; i++ {
		if _, err := gateway.Publish(context.Background(), roomID, []byte("payload")); err != nil {
			t.Fatalf("unexpected publish error: %v", err)
		}
	}

	// The stream must surface the overflow rather than leave a silent gap.
	sawClosed := false
	delivered := 0
	for i := 0; i < total; i++ {
		_, err := stream.Next(context.Background())
		if err != nil {
			if !errors.Is(err, ErrStreamClosed) {
				t.Fatalf("expected stream-closed error, got %v", err)
			}
			if !IsTransient(err) {
				t.Fatalf("expected a transient error, got %v", err)
			}
			sawClosed = true
			break
		}
		delivered++
	}
	if !sawClosed {
		t.Fatalf("expected the overflowed stream to be cut, delivered %d events", delivered)
	}

	// A fresh subscription from the durable cursor replays everything.
	resumed, err := gateway.Subscribe(context.Background(), 0)
	if err != nil {
		t.Fatalf("unexpected subscribe error: %v", err)
	}
	defer resumed.Close() //nolint:errcheck
	for i := 1; i <= total; i++ {
		event, err := resumed.Next(context.Background())
		if err != nil {
			t.Fatalf("unexpected error replaying event %d: %v", i, err)
		}
		if event.ServerSeq != int64(i) {
			t.Fatalf("expected server seq %d, got %d", i, event.ServerSeq)
		}
	}
}
