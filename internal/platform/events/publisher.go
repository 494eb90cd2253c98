package events

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Clock abstracts time for the retry policy so backoff behavior is testable
// without real delays.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration)
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithMaxAttempts sets the total number of publish attempts.
func WithMaxAttempts(n int) PublisherOption {
	return func(p *Publisher) { p.maxAttempts = n }
}

// WithBaseDelay sets the first backoff delay.
func WithBaseDelay(d time.Duration) PublisherOption {
	return func(p *Publisher) { p.baseDelay = d }
}

// WithClock injects a clock, used by tests to avoid real sleeps.
func WithClock(c Clock) PublisherOption {
	return func(p *Publisher) { p.clock = c }
}

// Publisher delivers lifecycle events to the bus. The first attempt runs
// on the caller's goroutine; failures are handed to a background retry
// loop with bounded exponential backoff and jitter, so a flaky bus never
// stalls the request whose state transition already committed.
type Publisher struct {
	bus         Bus
	logger      zerolog.Logger
	maxAttempts int
	baseDelay   time.Duration
	clock       Clock
	inflight    sync.WaitGroup
}

// NewPublisher creates a Publisher with sensible defaults.
func NewPublisher(bus Bus, logger zerolog.Logger, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		bus:         bus,
		logger:      logger,
		maxAttempts: 5,
		baseDelay:   100 * time.Millisecond,
		clock:       realClock{},
	}
	for _, o := range opts {
		o(p)
	}
	if p.maxAttempts < 1 {
		p.maxAttempts = 1
	}
	return p
}

// Publish makes one delivery attempt and hands a failure off to the
// background retry loop, detached from the request's cancellation. An
// error comes back only when the context is already dead; once the event
// is handed off, its fate is the publisher's to log.
func (p *Publisher) Publish(ctx context.Context, event Event) error {
	if err := p.bus.Publish(ctx, Topic, event); err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("publish %s: %w", event.Type, ctx.Err())
	}

	p.inflight.Add(1)
	go func() {
		defer p.inflight.Done()
		p.redeliver(context.WithoutCancel(ctx), event)
	}()
	return nil
}

// Flush blocks until all background redeliveries have finished. Called on
// shutdown so committed transitions are not silently dropped.
func (p *Publisher) Flush() {
	p.inflight.Wait()
}

// redeliver runs attempts 2..maxAttempts, doubling the delay between
// attempts with up to 50% jitter. Exhaustion is a logged failure.
func (p *Publisher) redeliver(ctx context.Context, event Event) {
	lastErr := errors.New("delivery failed")
	delay := p.baseDelay

	for attempt := 2; attempt <= p.maxAttempts; attempt++ {
		jitter := time.Duration(rand.Int63n(int64(delay)/2 + 1))
		p.clock.Sleep(ctx, delay+jitter)
		delay *= 2
		if lastErr = p.bus.Publish(ctx, Topic, event); lastErr == nil {
			return
		}
	}

	p.logger.Error().
		Err(lastErr).
		Str("event_id", event.EventID.String()).
		Str("document_id", event.DocumentID.String()).
		Str("event_type", string(event.Type)).
		Int("attempts", p.maxAttempts).
		Msg("lifecycle event delivery failed")
}
