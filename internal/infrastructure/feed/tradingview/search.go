package tradingview

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"quoterelay/internal/application/port"
)

type SearchOptions struct {
	URL       string
	Origin    string
	UserAgent string
	Lang      string
	Country   string
	Timeout   time.Duration
}

// Searcher queries the public symbol search endpoint.
type Searcher struct {
	opts   SearchOptions
	client *http.Client
}

func NewSearcher(opts SearchOptions) *Searcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 8 * time.Second
	}
	if opts.Lang == "" {
		opts.Lang = "tr"
	}
	return &Searcher{opts: opts, client: &http.Client{Timeout: opts.Timeout}}
}

type searchResponse struct {
	Symbols []port.SymbolCandidate `json:"symbols"`
}

// highlight tags wrap the matched part of symbol and description
var stripHighlight = strings.NewReplacer("<em>", "", "</em>", "")

func (s *Searcher) Search(ctx context.Context, query, exchange string) ([]port.SymbolCandidate, error) {
	u, err := url.Parse(s.opts.URL)
	if err != nil {
		return nil, fmt.Errorf("search url: %w", err)
	}
	q := u.Query()
	q.Set("text", query)
	q.Set("hl", "0")
	q.Set("exchange", exchange)
	q.Set("lang", s.opts.Lang)
	q.Set("search_type", "undefined")
	q.Set("domain", "production")
	if s.opts.Country != "" {
		q.Set("sort_by_country", s.opts.Country)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if s.opts.UserAgent != "" {
		req.Header.Set("User-Agent", s.opts.UserAgent)
	}
	if s.opts.Origin != "" {
		req.Header.Set("Origin", s.opts.Origin)
		req.Header.Set("Referer", strings.TrimRight(s.opts.Origin, "/")+"/")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("symbol search %q: %w", query, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("symbol search %q: http %d: %s", query, resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var sr searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("symbol search %q: decode: %w", query, err)
	}
	for i := range sr.Symbols {
		c := &sr.Symbols[i]
		c.Symbol = stripHighlight.Replace(c.Symbol)
		c.Description = stripHighlight.Replace(c.Description)
	}
	return sr.Symbols, nil
}
