package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func TestMemoryBus_PublishSubscribe(t *testing.T) {
	bus := NewMemoryBus()
	ch := bus.Subscribe(Topic)

	ev := New(uuid.New(), TypeUploaded, "digest", "patient-1")
	if err := bus.Publish(context.Background(), Topic, ev); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case got := <-ch:
		if got.EventID != ev.EventID {
			t.Errorf("expected event %s, got %s", ev.EventID, got.EventID)
		}
		if got.Type != TypeUploaded {
			t.Errorf("expected type uploaded, got %s", got.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestMemoryBus_FanOut(t *testing.T) {
	bus := NewMemoryBus()
	a := bus.Subscribe(Topic)
	b := bus.Subscribe(Topic)

	ev := New(uuid.New(), TypeSigned, "digest", "patient-1")
	if err := bus.Publish(context.Background(), Topic, ev); err != nil {
		t.Fatalf("publish: %v", err)
	}

	for _, ch := range []<-chan Event{a, b} {
		select {
		case got := <-ch:
			if got.EventID != ev.EventID {
				t.Errorf("wrong event delivered")
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber missed event")
		}
	}
}

func TestMemoryBus_FullSubscriber(t *testing.T) {
	bus := NewMemoryBus()
	bus.Subscribe(Topic) // never drained

	var err error
	for i := 0; i < 100; i++ {
		err = bus.Publish(context.Background(), Topic, New(uuid.New(), TypeUploaded, "d", "o"))
		if err != nil {
			break
		}
	}
	if !errors.Is(err, ErrSubscriberFull) {
		t.Fatalf("expected ErrSubscriberFull, got %v", err)
	}
}

// flakyBus fails the first n publishes.
type flakyBus struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (b *flakyBus) Publish(_ context.Context, _ string, _ Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.calls <= b.failures {
		return errors.New("bus unavailable")
	}
	return nil
}

// fakeClock records sleeps without actually waiting.
type fakeClock struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (c *fakeClock) Now() time.Time { return time.Unix(0, 0) }

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) {
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.mu.Unlock()
}

func TestPublisher_FirstAttemptSucceedsInline(t *testing.T) {
	bus := &flakyBus{}
	clock := &fakeClock{}
	p := NewPublisher(bus, zerolog.Nop(), WithMaxAttempts(5), WithBaseDelay(10*time.Millisecond), WithClock(clock))

	if err := p.Publish(context.Background(), New(uuid.New(), TypeUploaded, "d", "o")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if bus.calls != 1 {
		t.Errorf("expected 1 attempt, got %d", bus.calls)
	}
	if len(clock.sleeps) != 0 {
		t.Errorf("expected no backoff sleeps on success, got %d", len(clock.sleeps))
	}
}

func TestPublisher_RetriesInBackground(t *testing.T) {
	bus := &flakyBus{failures: 2}
	clock := &fakeClock{}
	p := NewPublisher(bus, zerolog.Nop(), WithMaxAttempts(5), WithBaseDelay(10*time.Millisecond), WithClock(clock))

	err := p.Publish(context.Background(), New(uuid.New(), TypeVerified, "d", "o"))
	if err != nil {
		t.Fatalf("expected handoff to background retries, got %v", err)
	}
	p.Flush()

	bus.mu.Lock()
	calls := bus.calls
	bus.mu.Unlock()
	if calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
	clock.mu.Lock()
	sleeps := append([]time.Duration(nil), clock.sleeps...)
	clock.mu.Unlock()
	if len(sleeps) != 2 {
		t.Fatalf("expected 2 backoff sleeps, got %d", len(sleeps))
	}
	// Second delay must be at least double the base (exponential growth;
	// jitter only adds).
	if sleeps[1] < 20*time.Millisecond {
		t.Errorf("expected second delay >= 20ms, got %v", sleeps[1])
	}
}

func TestPublisher_ExhaustsRetries(t *testing.T) {
	bus := &flakyBus{failures: 100}
	clock := &fakeClock{}
	p := NewPublisher(bus, zerolog.Nop(), WithMaxAttempts(3), WithBaseDelay(time.Millisecond), WithClock(clock))

	if err := p.Publish(context.Background(), New(uuid.New(), TypeDeleted, "d", "o")); err != nil {
		t.Fatalf("exhaustion must surface as a logged failure, not an error: %v", err)
	}
	p.Flush()

	bus.mu.Lock()
	calls := bus.calls
	bus.mu.Unlock()
	if calls != 3 {
		t.Errorf("expected exactly 3 attempts, got %d", calls)
	}
}

func TestPublisher_StopsOnCancel(t *testing.T) {
	bus := &flakyBus{failures: 100}
	clock := &fakeClock{}
	p := NewPublisher(bus, zerolog.Nop(), WithMaxAttempts(10), WithBaseDelay(time.Millisecond), WithClock(clock))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.Publish(ctx, New(uuid.New(), TypeUploaded, "d", "o"))
	if err == nil {
		t.Fatal("expected error on cancelled context")
	}
	if bus.calls != 1 {
		t.Errorf("expected a single attempt on cancelled context, got %d", bus.calls)
	}
}
