package tradingview

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"quoterelay/internal/protocol/tvwire"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const writeWait = 5 * time.Second

var errSessionClosed = errors.New("tradingview session closed")

type session struct {
	conn        *websocket.Conn
	id          string
	readTimeout time.Duration

	wmu sync.Mutex // gorilla allows one concurrent writer

	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

func newSession(conn *websocket.Conn, readTimeout time.Duration) *session {
	return &session{
		conn:        conn,
		id:          newQuoteSessionID(),
		readTimeout: readTimeout,
		done:        make(chan struct{}),
	}
}

// newQuoteSessionID returns "qs_" plus 12 random alphanumerics.
func newQuoteSessionID() string {
	return "qs_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

func (s *session) bootstrap(token string) error {
	fields := make([]any, 0, len(tvwire.QuoteFields)+1)
	fields = append(fields, s.id)
	for _, f := range tvwire.QuoteFields {
		fields = append(fields, f)
	}
	steps := []struct {
		method string
		params []any
	}{
		{tvwire.MethodSetAuthToken, []any{token}},
		{tvwire.MethodQuoteCreateSession, []any{s.id}},
		{tvwire.MethodQuoteSetFields, fields},
	}
	for _, st := range steps {
		if err := s.send(st.method, st.params...); err != nil {
			return err
		}
	}
	return nil
}

func (s *session) send(method string, params ...any) error {
	b, err := tvwire.EncodeMessage(method, params...)
	if err != nil {
		return err
	}
	return s.write(b)
}

func (s *session) write(b []byte) error {
	select {
	case <-s.done:
		return errSessionClosed
	default:
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(websocket.TextMessage, b); err != nil {
		s.fail(err)
		return err
	}
	return nil
}

func (s *session) Subscribe(_ context.Context, tickers []string) error {
	return s.symbols(tvwire.MethodQuoteAddSymbols, tickers)
}

func (s *session) Unsubscribe(_ context.Context, tickers []string) error {
	return s.symbols(tvwire.MethodQuoteRemoveSymbols, tickers)
}

func (s *session) symbols(method string, tickers []string) error {
	if len(tickers) == 0 {
		return nil
	}
	params := make([]any, 0, len(tickers)+1)
	params = append(params, s.id)
	for _, t := range tickers {
		params = append(params, t)
	}
	return s.send(method, params...)
}

func (s *session) readLoop(onFrame func([]byte)) {
	_ = s.conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	for {
		_, b, err := s.conn.ReadMessage()
		if err != nil {
			s.fail(err)
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(s.readTimeout))

		// echo heartbeats before handing the frame on
		payloads, _ := tvwire.Decode(b)
		for _, p := range payloads {
			if tvwire.IsHeartbeat(p) {
				if err := s.write(tvwire.Encode(p)); err != nil {
					return
				}
			}
		}
		onFrame(b)
	}
}

func (s *session) keepAliveLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-t.C:
			if err := s.write(tvwire.KeepAlive()); err != nil {
				log.Debug().Err(err).Str("session", s.id).Msg("keepalive failed")
				return
			}
		}
	}
}

func (s *session) fail(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
	s.shutdown()
}

func (s *session) shutdown() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

func (s *session) Done() <-chan struct{} { return s.done }

func (s *session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *session) Close() error {
	s.errMu.Lock()
	if s.err == nil {
		s.err = errSessionClosed
	}
	s.errMu.Unlock()
	s.shutdown()
	return nil
}
