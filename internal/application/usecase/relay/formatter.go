package relay

import (
	"fmt"
	"strings"
	"time"

	"quoterelay/internal/domain"
)

const (
	ansiReset    = "\033[0m"
	ansiRed      = "\033[31m"
	ansiGreen    = "\033[32m"
	ansiYellow   = "\033[33m"
	ansiDim      = "\033[2m"
	ansiClearEOL = "\033[K"
)

func colorize(s, c string) string { return c + s + ansiReset }

type RenderMode int

const (
	RenderLive RenderMode = iota
	RenderSnapshot
)

// Formatter renders the status snapshot as a single console line.
type Formatter struct {
	now func() time.Time
}

func NewFormatter() *Formatter {
	return &Formatter{now: time.Now}
}

func (f *Formatter) Render(st domain.Status, mode RenderMode) string {
	var sb strings.Builder
	if mode == RenderLive {
		sb.WriteString("\r")
	}

	sb.WriteString(colorize("[QUOTERELAY] ", ansiDim))
	sb.WriteString(colorize(string(st.FeedConnectorState), stateColor(st.FeedConnectorState)))

	// last data age
	age := "--"
	ageCol := ansiYellow
	if st.LastDataReceivedAt != nil {
		d := f.now().Sub(*st.LastDataReceivedAt).Truncate(time.Second)
		age = d.String()
		if d < 30*time.Second {
			ageCol = ansiGreen
		} else if d > 2*time.Minute {
			ageCol = ansiRed
		}
	}
	sb.WriteString(" ")
	sb.WriteString(colorize("last="+age, ageCol))

	fmt.Fprintf(&sb, " subs=%d instruments=%d tickers=%d prices=%d updates=%d",
		st.ConnectedSubscriberCount, st.Instruments, st.Tickers, st.KnownPrices, st.Updates)
	if st.DelayedPending > 0 {
		fmt.Fprintf(&sb, " delayed=%d", st.DelayedPending)
	}
	if st.MirrorDropped > 0 {
		sb.WriteString(" ")
		sb.WriteString(colorize(fmt.Sprintf("mirror_dropped=%d", st.MirrorDropped), ansiYellow))
	}
	if st.MalformedFrames > 0 {
		sb.WriteString(" ")
		sb.WriteString(colorize(fmt.Sprintf("malformed=%d", st.MalformedFrames), ansiRed))
	}

	if mode == RenderLive {
		sb.WriteString(ansiClearEOL)
	}
	return sb.String()
}

func stateColor(s domain.ConnectorState) string {
	switch s {
	case domain.StateStreaming:
		return ansiGreen
	case domain.StateConnecting, domain.StateSubscribing:
		return ansiYellow
	default:
		return ansiRed
	}
}
