package tradingview

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"quoterelay/internal/protocol/tvwire"

	"github.com/gorilla/websocket"
)

type upstream struct {
	srv      *httptest.Server
	got      chan tvwire.Message
	raw      chan []byte
	toClient chan []byte
	cookie   chan string
}

func newUpstream(t *testing.T, token string) *upstream {
	t.Helper()
	u := &upstream{
		got:      make(chan tvwire.Message, 32),
		raw:      make(chan []byte, 32),
		toClient: make(chan []byte, 32),
		cookie:   make(chan string, 1),
	}
	upgrader := websocket.Upgrader{Subprotocols: []string{"json"}}
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/token", func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Cookie"), "sessionid=") {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"userAuthToken": token})
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		select {
		case u.cookie <- r.Header.Get("Cookie"):
		default:
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			for {
				select {
				case <-stop:
					return
				case b := <-u.toClient:
					if conn.WriteMessage(websocket.TextMessage, b) != nil {
						return
					}
				}
			}
		}()
		for {
			_, b, err := conn.ReadMessage()
			if err != nil {
				return
			}
			payloads, _ := tvwire.Decode(b)
			for _, p := range payloads {
				if m, err := tvwire.ParseMessage(p); err == nil {
					u.got <- m
				} else {
					u.raw <- append([]byte(nil), p...)
				}
			}
		}
	})
	u.srv = httptest.NewServer(mux)
	t.Cleanup(u.srv.Close)
	return u
}

func (u *upstream) wsURL() string {
	return "ws" + strings.TrimPrefix(u.srv.URL, "http") + "/ws"
}

func (u *upstream) next(t *testing.T) tvwire.Message {
	t.Helper()
	select {
	case m := <-u.got:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client message")
		return tvwire.Message{}
	}
}

func param(t *testing.T, m tvwire.Message, i int) string {
	t.Helper()
	if i >= len(m.Params) {
		t.Fatalf("%s: missing param %d", m.Method, i)
	}
	var s string
	if err := json.Unmarshal(m.Params[i], &s); err != nil {
		t.Fatalf("%s: param %d: %v", m.Method, i, err)
	}
	return s
}

func TestSourceSessionLifecycle(t *testing.T) {
	up := newUpstream(t, "tok-123")
	src := NewSource(Options{
		WsURL:     up.wsURL(),
		AuthURL:   up.srv.URL + "/auth/token",
		Cookies:   "sessionid=abc; sessionid_sign=def",
		KeepAlive: time.Hour,
	})

	frames := make(chan []byte, 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sess, err := src.Connect(ctx, func(b []byte) { frames <- append([]byte(nil), b...) })
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer sess.Close()

	if c := <-up.cookie; !strings.Contains(c, "sessionid=abc") {
		t.Errorf("cookie header not forwarded: %q", c)
	}

	m := up.next(t)
	if m.Method != tvwire.MethodSetAuthToken || param(t, m, 0) != "tok-123" {
		t.Fatalf("unexpected first message %+v", m)
	}
	m = up.next(t)
	if m.Method != tvwire.MethodQuoteCreateSession {
		t.Fatalf("expected quote_create_session, got %s", m.Method)
	}
	sid := param(t, m, 0)
	if !strings.HasPrefix(sid, "qs_") || len(sid) != 15 {
		t.Errorf("unexpected session id %q", sid)
	}
	m = up.next(t)
	if m.Method != tvwire.MethodQuoteSetFields || param(t, m, 0) != sid || len(m.Params) != len(tvwire.QuoteFields)+1 {
		t.Fatalf("unexpected set_fields %+v", m)
	}

	if err := sess.Subscribe(ctx, []string{"BINANCE:BTCUSDT", "BIST:THYAO"}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	m = up.next(t)
	if m.Method != tvwire.MethodQuoteAddSymbols || param(t, m, 0) != sid || param(t, m, 2) != "BIST:THYAO" {
		t.Fatalf("unexpected add_symbols %+v", m)
	}

	unsub, ok := sess.(interface {
		Unsubscribe(context.Context, []string) error
	})
	if !ok {
		t.Fatal("session does not support unsubscribe")
	}
	if err := unsub.Unsubscribe(ctx, []string{"BIST:THYAO"}); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if m = up.next(t); m.Method != tvwire.MethodQuoteRemoveSymbols || param(t, m, 1) != "BIST:THYAO" {
		t.Fatalf("unexpected remove_symbols %+v", m)
	}

	// heartbeat is echoed verbatim and still reaches onFrame
	hb := tvwire.Encode([]byte("~h~7"))
	up.toClient <- hb
	select {
	case p := <-up.raw:
		if string(p) != "~h~7" {
			t.Errorf("unexpected echo %q", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("heartbeat not echoed")
	}
	select {
	case f := <-frames:
		if string(f) != string(hb) {
			t.Errorf("unexpected frame %q", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("frame not delivered")
	}

	_ = sess.Close()
	select {
	case <-sess.Done():
	case <-time.After(time.Second):
		t.Fatal("session not done after close")
	}
	if sess.Err() == nil {
		t.Error("expected non-nil Err after close")
	}
	if err := sess.Subscribe(ctx, []string{"X:Y"}); err == nil {
		t.Error("subscribe on closed session should fail")
	}
}

func TestSourceSessionEndsWithServer(t *testing.T) {
	up := newUpstream(t, "tok")
	src := NewSource(Options{WsURL: up.wsURL(), KeepAlive: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	sess, err := src.Connect(ctx, func([]byte) {})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if m := up.next(t); param(t, m, 0) != anonymousToken {
		t.Errorf("expected anonymous token without cookies, got %s", param(t, m, 0))
	}

	cancel()
	select {
	case <-sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session should end when context is cancelled")
	}
}

func TestSourceKeepAlive(t *testing.T) {
	up := newUpstream(t, "tok")
	src := NewSource(Options{WsURL: up.wsURL(), KeepAlive: 20 * time.Millisecond})
	sess, err := src.Connect(context.Background(), func([]byte) {})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer sess.Close()
	select {
	case p := <-up.raw:
		if len(p) != 0 {
			t.Errorf("expected empty keepalive payload, got %q", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no keepalive sent")
	}
}

func TestAuthTokenFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	src := NewSource(Options{AuthURL: srv.URL, Cookies: "sessionid=x"})
	if got := src.authToken(context.Background()); got != anonymousToken {
		t.Errorf("expected anonymous fallback, got %q", got)
	}
	src = NewSource(Options{AuthURL: srv.URL, Cookies: "sessionid=x", AuthToken: " fixed "})
	if got := src.authToken(context.Background()); got != "fixed" {
		t.Errorf("configured token should win, got %q", got)
	}
}

func TestConnectDialError(t *testing.T) {
	src := NewSource(Options{WsURL: "ws://127.0.0.1:1/ws", DialTimeout: 500 * time.Millisecond})
	if _, err := src.Connect(context.Background(), func([]byte) {}); err == nil {
		t.Fatal("expected dial error")
	}
}
