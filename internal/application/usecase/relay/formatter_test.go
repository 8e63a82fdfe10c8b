package relay

import (
	"strings"
	"testing"
	"time"

	"quoterelay/internal/domain"
)

func TestFormatterRender(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	last := now.Add(-5 * time.Second)
	f := &Formatter{now: func() time.Time { return now }}

	st := domain.Status{
		FeedConnectorState:       domain.StateStreaming,
		LastDataReceivedAt:       &last,
		ConnectedSubscriberCount: 3,
		Instruments:              10,
		Tickers:                  9,
		KnownPrices:              8,
		MalformedFrames:          2,
		MirrorDropped:            7,
	}
	live := f.Render(st, RenderLive)
	if !strings.HasPrefix(live, "\r") || !strings.HasSuffix(live, ansiClearEOL) {
		t.Errorf("live line framing wrong: %q", live)
	}
	for _, want := range []string{"STREAMING", "last=5s", "subs=3", "tickers=9", "malformed=2", "mirror_dropped=7"} {
		if !strings.Contains(live, want) {
			t.Errorf("missing %q in %q", want, live)
		}
	}

	snap := f.Render(domain.Status{FeedConnectorState: domain.StateReconnecting}, RenderSnapshot)
	if strings.HasPrefix(snap, "\r") || !strings.Contains(snap, colorize("RECONNECTING", ansiRed)) {
		t.Errorf("snapshot = %q", snap)
	}
	if !strings.Contains(snap, "last=--") {
		t.Errorf("missing placeholder in %q", snap)
	}
}
