package console

import (
	"bytes"
	"testing"
	"time"
)

func TestSink(t *testing.T) {
	var buf bytes.Buffer
	s := NewSinkTo(&buf)

	_ = s.WriteLive("[QUOTERELAY] STREAMING")
	_ = s.WriteSnapshot(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), "[QUOTERELAY] snapshot")
	_ = s.NewLine()

	want := "\r\033[2K[QUOTERELAY] STREAMING\n2026-01-02 03:04:05 [QUOTERELAY] snapshot\n\n\n"
	if got := buf.String(); got != want {
		t.Fatalf("got %q\nwant %q", got, want)
	}
}
