package events

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// gatedPublisher blocks every publish until release is closed.
type gatedPublisher struct {
	started chan struct{}
	release chan struct{}
	rec     Recorder
}

func newGated() *gatedPublisher {
	return &gatedPublisher{started: make(chan struct{}, 16), release: make(chan struct{})}
}

func (g *gatedPublisher) Publish(ctx context.Context, ev Event) error {
	g.started <- struct{}{}
	<-g.release
	return g.rec.Publish(ctx, ev)
}

type failingPublisher struct{ calls chan Event }

func (f *failingPublisher) Publish(_ context.Context, ev Event) error {
	f.calls <- ev
	return errors.New("broker unavailable")
}

func TestQueueRelaysInOrder(t *testing.T) {
	rec := &Recorder{}
	q := NewQueue(rec, 8, discard)
	for _, typ := range []Type{TripRequested, OfferCreated, TripAssigned} {
		if err := q.Publish(context.Background(), Event{Type: typ, TripID: "t1"}); err != nil {
			t.Fatal(err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := q.Close(ctx); err != nil {
		t.Fatal(err)
	}
	got := rec.Types()
	want := []Type{TripRequested, OfferCreated, TripAssigned}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestQueuePublishDoesNotWaitOnBroker(t *testing.T) {
	g := newGated()
	q := NewQueue(g, 1, discard)
	ctx := context.Background()

	if err := q.Publish(ctx, Event{Type: TripRequested}); err != nil {
		t.Fatal(err)
	}
	<-g.started // relay holds the first event

	start := time.Now()
	if err := q.Publish(ctx, Event{Type: OfferCreated}); err != nil {
		t.Fatal(err)
	}
	if err := q.Publish(ctx, Event{Type: OfferResolved}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Fatalf("publish blocked for %s", time.Since(start))
	}

	close(g.release)
	closeCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := q.Close(closeCtx); err != nil {
		t.Fatal(err)
	}
	if n := len(g.rec.Events()); n != 2 {
		t.Fatalf("expected 2 relayed events, got %d", n)
	}
}

func TestQueueRejectsAfterClose(t *testing.T) {
	q := NewQueue(Nop{}, 4, discard)
	if err := q.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := q.Publish(context.Background(), Event{Type: TripRequested}); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed, got %v", err)
	}
	if err := q.Close(context.Background()); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestQueueCloseHonoursDeadline(t *testing.T) {
	g := newGated()
	defer close(g.release)
	q := NewQueue(g, 4, discard)
	_ = q.Publish(context.Background(), Event{Type: TripRequested})
	<-g.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := q.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestQueueKeepsRelayingAfterFailure(t *testing.T) {
	f := &failingPublisher{calls: make(chan Event, 4)}
	q := NewQueue(f, 4, discard)
	_ = q.Publish(context.Background(), Event{ID: "e1"})
	_ = q.Publish(context.Background(), Event{ID: "e2"})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := q.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if len(f.calls) != 2 {
		t.Fatalf("expected both events attempted, got %d", len(f.calls))
	}
}
