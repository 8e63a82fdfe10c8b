package relay

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"quoterelay/internal/domain"
)

type delayed struct {
	u   domain.NormalizedUpdate
	due time.Time
}

// DelayLine delivers updates in submission order, each no earlier than its
// due time. A zero-delay update bypasses the queue only when nothing is
// pending, so ordering holds across delay changes. Submit never blocks: the
// queue grows with the backlog instead of stalling the feed reader.
type DelayLine struct {
	deliver func(domain.NormalizedUpdate)

	mu      sync.Mutex
	queue   []delayed
	stopped bool
	wake    chan struct{}

	pending atomic.Int64
	now     func() time.Time
}

// NewDelayLine creates a delay line; size is the initial queue capacity.
func NewDelayLine(size int, deliver func(domain.NormalizedUpdate)) *DelayLine {
	if size <= 0 {
		size = 4096
	}
	return &DelayLine{
		deliver: deliver,
		queue:   make([]delayed, 0, size),
		wake:    make(chan struct{}, 1),
		now:     time.Now,
	}
}

// Submit schedules u for delivery after d.
func (l *DelayLine) Submit(u domain.NormalizedUpdate, d time.Duration) {
	if d <= 0 && l.pending.Load() == 0 {
		l.deliver(u)
		return
	}
	if d < 0 {
		d = 0
	}

	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, delayed{u: u, due: l.now().Add(d)})
	l.pending.Add(1)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Pending is the number of queued, undelivered updates.
func (l *DelayLine) Pending() int64 { return l.pending.Load() }

// Run drains the queue until ctx is cancelled. Updates still queued at that
// point are discarded.
func (l *DelayLine) Run(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		head, ok := l.head()
		if !ok {
			select {
			case <-ctx.Done():
				l.discard()
				return
			case <-l.wake:
				continue
			}
		}

		// later submissions queue behind head, so nothing can become due first
		if wait := head.due.Sub(l.now()); wait > 0 {
			timer.Reset(wait)
			select {
			case <-ctx.Done():
				l.discard()
				return
			case <-timer.C:
			}
		}
		l.pop()
		l.deliver(head.u)
		l.pending.Add(-1)
	}
}

func (l *DelayLine) head() (delayed, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return delayed{}, false
	}
	return l.queue[0], true
}

func (l *DelayLine) pop() {
	l.mu.Lock()
	l.queue[0] = delayed{}
	l.queue = l.queue[1:]
	if len(l.queue) == 0 {
		l.queue = l.queue[:0:0]
	}
	l.mu.Unlock()
}

func (l *DelayLine) discard() {
	l.mu.Lock()
	n := len(l.queue)
	l.queue = nil
	l.stopped = true
	l.mu.Unlock()

	l.pending.Add(-int64(n))
	if n > 0 {
		log.Debug().Int("dropped", n).Msg("delay line stopped with pending updates")
	}
}
