// ABOUTME: Tests for the per-session turn event broadcaster
// ABOUTME: Covers fan-out, isolation, slow consumers, cancellation, and close

package conversation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBroadcaster_MultipleSubscribersReceiveEvents(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()
	ctx := t.Context()

	ch1, _ := b.Subscribe(ctx, "s1")
	ch2, _ := b.Subscribe(ctx, "s1")

	b.Publish("s1", textEvent("one"), Event{Type: EventDone})

	for i, ch := range []<-chan Event{ch1, ch2} {
		for _, want := range []EventType{EventText, EventDone} {
			select {
			case got := <-ch:
				assert.Equal(t, want, got.Type, "subscriber %d", i)
			case <-time.After(time.Second):
				t.Fatalf("subscriber %d timed out", i)
			}
		}
	}
}

func TestBroadcaster_SessionsAreIsolated(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()
	ctx := t.Context()

	ch1, _ := b.Subscribe(ctx, "s1")
	ch2, _ := b.Subscribe(ctx, "s2")

	b.Publish("s1", textEvent("for s1"))

	select {
	case got := <-ch1:
		assert.Equal(t, "for s1", got.Text)
	case <-time.After(time.Second):
		t.Fatal("s1 subscriber timed out")
	}
	select {
	case <-ch2:
		t.Fatal("s2 subscriber should not receive s1 events")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcaster_SlowConsumerDoesNotBlock(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()
	ctx := t.Context()

	_, _ = b.Subscribe(ctx, "s1")
	ch, _ := b.Subscribe(ctx, "s1")

	done := make(chan struct{})
	go func() {
		for range subscriberBufferSize * 2 {
			b.Publish("s1", textEvent("x"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on a full subscriber")
	}
	assert.Len(t, ch, subscriberBufferSize)
}

func TestBroadcaster_ContextCancellationClosesChannel(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := b.Subscribe(ctx, "s1")
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}

	b.mu.RLock()
	_, exists := b.subscribers["s1"]
	b.mu.RUnlock()
	assert.False(t, exists)
}

func TestBroadcaster_CloseAndUnsubscribe(t *testing.T) {
	b := NewBroadcaster(nil)
	ctx := t.Context()

	ch1, id1 := b.Subscribe(ctx, "s1")
	ch2, _ := b.Subscribe(ctx, "s2")

	b.Unsubscribe("s1", id1)
	b.Unsubscribe("s1", id1)
	b.Publish("s1", textEvent("nobody"))
	b.Close()

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case _, ok := <-ch:
			assert.False(t, ok, "channel %d should be closed", i)
		case <-time.After(time.Second):
			t.Fatalf("channel %d not closed", i)
		}
	}
}

func TestBroadcaster_ConcurrentPublishSubscribe(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()
	ctx := t.Context()

	var wg sync.WaitGroup
	for range 10 {
		wg.Go(func() {
			subCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			ch, _ := b.Subscribe(subCtx, "busy")
			for range 5 {
				select {
				case <-ch:
				case <-time.After(200 * time.Millisecond):
					return
				}
			}
		})
	}
	for range 10 {
		wg.Go(func() {
			for range 10 {
				b.Publish("busy", textEvent("hi"))
			}
		})
	}
	wg.Wait()
}
