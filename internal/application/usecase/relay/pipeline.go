package relay

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"quoterelay/internal/domain"
	"quoterelay/internal/protocol/tvwire"
)

const quoteStatusError = "error"

// NameIndex maps an upstream ticker back to the instruments sharing it.
type NameIndex interface {
	Names(ticker string) []string
}

// Pipeline turns raw feed frames into per-instrument updates and hands them
// to the delay line.
type Pipeline struct {
	index NameIndex
	rules *Rules
	delay *DelayLine
	now   func() time.Time

	mu       sync.Mutex
	quotes   map[string]*domain.Quote
	rejected map[string]struct{}

	frames    atomic.Int64
	updates   atomic.Int64
	malformed atomic.Int64
}

func NewPipeline(index NameIndex, rules *Rules, delay *DelayLine) *Pipeline {
	return &Pipeline{
		index:    index,
		rules:    rules,
		delay:    delay,
		now:      time.Now,
		quotes:   make(map[string]*domain.Quote),
		rejected: make(map[string]struct{}),
	}
}

// Reset clears the per-session merge cache. Partial quotes from an earlier
// session must not leak into a new one.
func (p *Pipeline) Reset() {
	p.mu.Lock()
	p.quotes = make(map[string]*domain.Quote)
	p.rejected = make(map[string]struct{})
	p.mu.Unlock()
}

// HandleFrame processes one inbound websocket message and returns the
// updates it scheduled for delivery.
func (p *Pipeline) HandleFrame(frame []byte) []domain.NormalizedUpdate {
	p.frames.Add(1)
	payloads, err := tvwire.Decode(frame)
	if err != nil {
		p.malformed.Add(1)
		log.Debug().Err(err).Int("bytes", len(frame)).Msg("malformed frame")
	}

	var out []domain.NormalizedUpdate
	now := p.now()
	for _, payload := range payloads {
		if len(payload) == 0 || tvwire.IsHeartbeat(payload) {
			continue
		}
		m, err := tvwire.ParseMessage(payload)
		if err != nil {
			p.malformed.Add(1)
			log.Debug().Err(err).Msg("skip undecodable payload")
			continue
		}
		switch m.Method {
		case tvwire.MethodQuoteData:
		case tvwire.MethodCriticalError, tvwire.MethodProtocolError:
			log.Warn().Str("method", m.Method).RawJSON("payload", payload).Msg("feed reported error")
			continue
		default:
			continue
		}

		q, err := tvwire.DecodeQuote(m)
		if err != nil {
			p.malformed.Add(1)
			log.Debug().Err(err).Msg("skip undecodable quote")
			continue
		}
		merged, ok := p.merge(q)
		if !ok {
			continue
		}
		for _, name := range p.namesFor(q.Ticker) {
			u, ok := p.rules.Transform(name, merged, now)
			if !ok {
				continue
			}
			p.updates.Add(1)
			p.delay.Submit(u, p.rules.Delay())
			out = append(out, u)
		}
	}
	return out
}

// merge folds q into the cached quote for its ticker and returns a copy.
func (p *Pipeline) merge(q domain.Quote) (domain.Quote, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if q.Status == quoteStatusError {
		if _, seen := p.rejected[q.Ticker]; !seen {
			p.rejected[q.Ticker] = struct{}{}
			log.Warn().Str("ticker", q.Ticker).Msg("feed rejected ticker")
		}
		return domain.Quote{}, false
	}

	cur := p.quotes[q.Ticker]
	if cur == nil {
		cur = &domain.Quote{Ticker: q.Ticker}
		p.quotes[q.Ticker] = cur
	}
	cur.Merge(q)
	cur.Status = q.Status
	return *cur, true
}

func (p *Pipeline) namesFor(ticker string) []string {
	if names := p.index.Names(ticker); len(names) > 0 {
		return names
	}
	if i := strings.LastIndex(ticker, ":"); i >= 0 {
		ticker = ticker[i+1:]
	}
	return []string{ticker}
}

func (p *Pipeline) Frames() int64    { return p.frames.Load() }
func (p *Pipeline) Updates() int64   { return p.updates.Load() }
func (p *Pipeline) Malformed() int64 { return p.malformed.Load() }
