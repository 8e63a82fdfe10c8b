package tradingview

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"quoterelay/internal/application/port"
	"quoterelay/internal/infrastructure/config"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Name is the registry key of this feed source.
const Name = "tradingview"

// anonymousToken is accepted upstream for delayed public data.
const anonymousToken = "unauthorized_user_token"

type Options struct {
	WsURL     string
	AuthURL   string
	Origin    string
	UserAgent string
	Cookies   string
	AuthToken string

	DialTimeout time.Duration
	KeepAlive   time.Duration
	// ReadTimeout closes sessions that receive nothing at all, heartbeats included.
	ReadTimeout time.Duration
}

// OptionsFromConfig maps the [feed] section onto Options.
func OptionsFromConfig(c config.FeedConfig) Options {
	return Options{
		WsURL:       c.WsURL,
		AuthURL:     c.AuthURL,
		Origin:      c.Origin,
		UserAgent:   c.UserAgent,
		Cookies:     c.Cookies,
		AuthToken:   c.AuthToken,
		DialTimeout: c.DialTimeout,
		KeepAlive:   c.KeepAlive,
	}
}

// Source dials quote sessions against the TradingView websocket.
type Source struct {
	opts   Options
	http   *http.Client
	dialer *websocket.Dialer
}

func NewSource(opts Options) *Source {
	opts.WsURL = strings.TrimSpace(opts.WsURL)
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = 20 * time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 90 * time.Second
	}
	return &Source{
		opts: opts,
		http: &http.Client{Timeout: opts.DialTimeout},
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.DialTimeout,
			Subprotocols:     []string{"json"},
		},
	}
}

func (s *Source) Name() string { return Name }

func (s *Source) Connect(ctx context.Context, onFrame func([]byte)) (port.FeedSession, error) {
	if s.opts.WsURL == "" {
		return nil, errors.New("tradingview ws_url empty")
	}
	token := s.authToken(ctx)

	log.Info().Str("feed", s.Name()).Str("url", s.opts.WsURL).Msg("ws connecting")
	cctx, cancel := context.WithTimeout(ctx, s.opts.DialTimeout)
	conn, _, err := s.dialer.DialContext(cctx, s.opts.WsURL, s.headers())
	cancel()
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", s.opts.WsURL, err)
	}

	sess := newSession(conn, s.opts.ReadTimeout)
	if err := sess.bootstrap(token); err != nil {
		_ = conn.Close()
		return nil, err
	}
	log.Info().Str("feed", s.Name()).Str("session", sess.id).Msg("ws connected")

	go sess.readLoop(onFrame)
	go sess.keepAliveLoop(s.opts.KeepAlive)
	go func() {
		select {
		case <-ctx.Done():
			_ = sess.Close()
		case <-sess.Done():
		}
	}()
	return sess, nil
}

func (s *Source) headers() http.Header {
	h := http.Header{}
	if s.opts.Origin != "" {
		h.Set("Origin", s.opts.Origin)
	}
	if s.opts.UserAgent != "" {
		h.Set("User-Agent", s.opts.UserAgent)
	}
	if s.opts.Cookies != "" {
		h.Set("Cookie", s.opts.Cookies)
	}
	return h
}

// authToken prefers the configured token, then the cookie-backed token
// endpoint. Any failure degrades to the anonymous token.
func (s *Source) authToken(ctx context.Context) string {
	if t := strings.TrimSpace(s.opts.AuthToken); t != "" {
		return t
	}
	if s.opts.Cookies == "" || s.opts.AuthURL == "" {
		return anonymousToken
	}
	t, err := s.fetchToken(ctx)
	if err != nil {
		log.Warn().Err(err).Str("feed", s.Name()).Msg("auth token fetch failed, using anonymous session")
		return anonymousToken
	}
	return t
}

type tokenResponse struct {
	UserAuthToken string `json:"userAuthToken"`
}

func (s *Source) fetchToken(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.opts.AuthURL, nil)
	if err != nil {
		return "", err
	}
	req.Header = s.headers()
	req.Header.Set("Accept", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("auth token: http %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("auth token: %w", err)
	}
	if tr.UserAuthToken == "" {
		return "", errors.New("auth token: empty userAuthToken")
	}
	return tr.UserAuthToken, nil
}
