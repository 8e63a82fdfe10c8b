package relay

import (
	"context"
	"fmt"
	"testing"
	"time"

	"quoterelay/internal/domain"
)

func TestDelayLineKeepsOrderAcrossDelayChange(t *testing.T) {
	c := &collector{}
	l := NewDelayLine(8, c.deliver)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	start := time.Now()
	l.Submit(domain.NormalizedUpdate{Symbol: "A"}, 60*time.Millisecond)
	l.Submit(domain.NormalizedUpdate{Symbol: "B"}, 0)
	if got := c.updates(); len(got) != 0 {
		t.Fatalf("zero delay update overtook a queued one: %+v", got)
	}

	waitFor(t, "both delivered", func() bool { return len(c.updates()) == 2 })
	got := c.updates()
	if got[0].Symbol != "A" || got[1].Symbol != "B" {
		t.Fatalf("order = %s,%s", got[0].Symbol, got[1].Symbol)
	}
	if elapsed := time.Since(start); elapsed < 60*time.Millisecond {
		t.Errorf("delivered after %v, want >= 60ms", elapsed)
	}
	waitFor(t, "pending drained", func() bool { return l.Pending() == 0 })

	l.Submit(domain.NormalizedUpdate{Symbol: "C"}, 0)
	if got := c.updates(); len(got) != 3 || got[2].Symbol != "C" {
		t.Fatalf("idle zero delay update not inline: %+v", got)
	}
}

func TestDelayLineRespectsDelay(t *testing.T) {
	c := &collector{}
	l := NewDelayLine(8, c.deliver)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	l.Submit(domain.NormalizedUpdate{Symbol: "A"}, 150*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	if len(c.updates()) != 0 {
		t.Fatal("delivered before due")
	}
	if l.Pending() != 1 {
		t.Fatalf("pending = %d", l.Pending())
	}
	waitFor(t, "delayed delivery", func() bool { return len(c.updates()) == 1 })
}

func TestDelayLineSubmitDoesNotBlockPastCapacity(t *testing.T) {
	c := &collector{}
	l := NewDelayLine(4, c.deliver)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	const n = 50
	submitted := make(chan struct{})
	go func() {
		defer close(submitted)
		for i := 0; i < n; i++ {
			l.Submit(domain.NormalizedUpdate{Symbol: fmt.Sprintf("S%02d", i)}, 200*time.Millisecond)
		}
	}()
	select {
	case <-submitted:
	case <-time.After(100 * time.Millisecond):
		t.Fatalf("Submit blocked with %d pending", l.Pending())
	}
	if l.Pending() != n {
		t.Fatalf("pending = %d, want %d", l.Pending(), n)
	}

	waitFor(t, "all delivered", func() bool { return len(c.updates()) == n })
	for i, u := range c.updates() {
		if want := fmt.Sprintf("S%02d", i); u.Symbol != want {
			t.Fatalf("update %d = %s, want %s", i, u.Symbol, want)
		}
	}
}

func TestDelayLineDiscardsOnStop(t *testing.T) {
	c := &collector{}
	l := NewDelayLine(4, c.deliver)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()

	l.Submit(domain.NormalizedUpdate{Symbol: "A"}, time.Hour)
	cancel()
	<-done
	if l.Pending() != 0 {
		t.Fatalf("pending = %d after stop", l.Pending())
	}
	l.Submit(domain.NormalizedUpdate{Symbol: "B"}, time.Second)
	if l.Pending() != 0 || len(c.updates()) != 0 {
		t.Fatalf("submit after stop queued or delivered: pending=%d", l.Pending())
	}
}
