// Package tvwire implements the Feed Source framing: a buffer is a sequence of
// "~m~<decimal length>~m~<payload>" frames, payloads are JSON messages or
// "~h~<n>" heartbeats.
package tvwire

import (
	"bytes"
	"errors"
	"strconv"
)

var (
	ErrTruncated = errors.New("tvwire: truncated trailing frame")
	ErrMalformed = errors.New("tvwire: malformed frame header")
)

var (
	marker        = []byte("~m~")
	heartbeatMark = []byte("~h~")
)

// maxFrameLen guards against absurd length prefixes.
const maxFrameLen = 16 << 20

// Decode splits buf into frame payloads.
//
// Decoding is best effort: a broken header is skipped by resyncing on the next
// marker and the error is reported after the remaining frames were collected.
// A trailing frame whose declared length runs past the end of buf is dropped
// and reported as ErrTruncated. Zero-length payloads are returned as empty
// slices so callers can tell keep-alives apart from nothing at all.
func Decode(buf []byte) ([][]byte, error) {
	var (
		out      [][]byte
		firstErr error
	)
	pos := 0
	for pos < len(buf) {
		if !bytes.HasPrefix(buf[pos:], marker) {
			next := bytes.Index(buf[pos:], marker)
			if next < 0 {
				if firstErr == nil {
					firstErr = ErrMalformed
				}
				break
			}
			if firstErr == nil {
				firstErr = ErrMalformed
			}
			pos += next
			continue
		}

		hdr := pos + len(marker)
		end := bytes.Index(buf[hdr:], marker)
		if end < 0 {
			// header itself is cut off
			if firstErr == nil {
				firstErr = ErrTruncated
			}
			break
		}
		n, err := strconv.Atoi(string(buf[hdr : hdr+end]))
		if err != nil || n < 0 || n > maxFrameLen {
			if firstErr == nil {
				firstErr = ErrMalformed
			}
			// resync: the closing marker may open the next frame
			pos = hdr + end
			continue
		}

		start := hdr + end + len(marker)
		if start+n > len(buf) {
			if firstErr == nil {
				firstErr = ErrTruncated
			}
			break
		}
		out = append(out, buf[start:start+n])
		pos = start + n
	}
	return out, firstErr
}

// Encode frames a single payload.
func Encode(payload []byte) []byte {
	n := strconv.Itoa(len(payload))
	b := make([]byte, 0, len(marker)*2+len(n)+len(payload))
	b = append(b, marker...)
	b = append(b, n...)
	b = append(b, marker...)
	return append(b, payload...)
}

// IsHeartbeat reports whether payload is a "~h~<n>" ping that must be echoed.
func IsHeartbeat(payload []byte) bool {
	return bytes.HasPrefix(payload, heartbeatMark)
}

// KeepAlive is the empty frame clients may send to keep a session warm.
func KeepAlive() []byte {
	return Encode(nil)
}
