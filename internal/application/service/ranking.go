package service

import (
	"sort"
	"strings"

	"quoterelay/internal/application/port"
	"quoterelay/internal/domain"
)

const (
	scoreExactBase         = 100
	scorePrefix            = 50
	scoreDescription       = 20
	scoreTypeMatch         = 40
	scoreExchangeTop       = 30
	scoreExchangeStep      = 5
	scoreQuotePair         = 15
	scoreContinuousFutures = 10
	scoreCFDPenalty        = -5
)

// RankedCandidate is a search result with its score and full ticker.
type RankedCandidate struct {
	port.SymbolCandidate
	Ticker string
	Score  int
}

// RankCandidates scores search results for sym, best first. Ties keep the
// order the search endpoint returned.
func RankCandidates(sym string, results []port.SymbolCandidate, cat domain.Category, rule domain.CategoryRule) []RankedCandidate {
	sym = domain.NormalizeName(sym)
	out := make([]RankedCandidate, 0, len(results))
	for _, r := range results {
		out = append(out, RankedCandidate{
			SymbolCandidate: r,
			Ticker:          candidateTicker(r),
			Score:           scoreCandidate(sym, r, cat, rule),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

func candidateTicker(r port.SymbolCandidate) string {
	sym := strings.ToUpper(strings.TrimSpace(r.Symbol))
	ex := strings.ToUpper(strings.TrimSpace(r.Exchange))
	if strings.Contains(sym, ":") || ex == "" {
		return sym
	}
	return ex + ":" + sym
}

func scoreCandidate(sym string, r port.SymbolCandidate, cat domain.Category, rule domain.CategoryRule) int {
	ticker := strings.ToUpper(strings.TrimSpace(r.Symbol))
	base := ticker
	if i := strings.LastIndex(ticker, ":"); i >= 0 {
		base = ticker[i+1:]
	}
	typ := strings.ToLower(strings.TrimSpace(r.Type))
	exchange := strings.ToUpper(r.Exchange)

	score := 0
	switch {
	case base == sym:
		score += scoreExactBase
	case strings.HasPrefix(base, sym):
		score += scorePrefix
	case strings.Contains(strings.ToUpper(r.Description), sym):
		score += scoreDescription
	}

	for _, t := range rule.SearchTypes {
		if strings.Contains(typ, strings.ToLower(t)) {
			score += scoreTypeMatch
			break
		}
	}

	for i, e := range rule.ExchangePriority {
		if strings.Contains(exchange, strings.ToUpper(e)) {
			score += scoreExchangeTop - i*scoreExchangeStep
			break
		}
	}

	if strings.HasSuffix(ticker, "USDT") && (cat == domain.CategoryCrypto || cat == domain.CategoryOther || cat == "") {
		score += scoreQuotePair
	}
	if strings.HasSuffix(ticker, "!") {
		score += scoreContinuousFutures
	}
	if typ == "cfd" {
		score += scoreCFDPenalty
	}
	return score
}
