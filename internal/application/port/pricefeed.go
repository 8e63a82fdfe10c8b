package port

import "context"

// FeedSource establishes sessions against the upstream quote provider.
// onFrame is invoked sequentially from a single reader goroutine with every
// raw inbound websocket message; it must not retain the slice.
type FeedSource interface {
	Name() string
	Connect(ctx context.Context, onFrame func(frame []byte)) (FeedSession, error)
}

// FeedSession is one live, authenticated quote session.
type FeedSession interface {
	// Subscribe requests quotes for a batch of upstream tickers.
	Subscribe(ctx context.Context, tickers []string) error
	// Done is closed when the session ends for any reason.
	Done() <-chan struct{}
	// Err reports why the session ended, nil while alive.
	Err() error
	Close() error
}

// FeedUnsubscriber is implemented by sessions able to drop tickers live.
type FeedUnsubscriber interface {
	Unsubscribe(ctx context.Context, tickers []string) error
}

// SymbolCandidate is one result of an upstream symbol search.
type SymbolCandidate struct {
	Symbol      string `json:"symbol"`
	Exchange    string `json:"exchange"`
	Description string `json:"description"`
	Type        string `json:"type"`
	Currency    string `json:"currency_code"`
}

// SymbolSearcher queries the Feed Source's symbol search endpoint.
type SymbolSearcher interface {
	Search(ctx context.Context, query, exchange string) ([]SymbolCandidate, error)
}
