package relay

import (
	"context"
	"time"

	"quoterelay/internal/application/port"
)

// Report writes the status line to sink: a live line whenever the feed
// state changes and a snapshot line every interval.
func (e *Engine) Report(ctx context.Context, sink port.Sink, every time.Duration) error {
	if every <= 0 {
		every = time.Minute
	}
	f := NewFormatter()
	snap := time.NewTicker(every)
	defer snap.Stop()
	poll := time.NewTicker(time.Second)
	defer poll.Stop()

	last := e.supervisor.State()
	_ = sink.WriteLive(f.Render(e.Status(), RenderLive))

	for {
		select {
		case <-ctx.Done():
			_ = sink.NewLine()
			return ctx.Err()

		case now := <-snap.C:
			_ = sink.WriteSnapshot(now, f.Render(e.Status(), RenderSnapshot))

		case <-poll.C:
			if st := e.supervisor.State(); st != last {
				last = st
				_ = sink.WriteLive(f.Render(e.Status(), RenderLive))
			}
		}
	}
}
