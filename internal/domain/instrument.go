package domain

import (
	"sort"
	"strings"
	"time"
)

// Category groups instruments and selects the resolution heuristic.
type Category string

const (
	CategoryBIST      Category = "BIST"
	CategoryCrypto    Category = "CRYPTO"
	CategoryForex     Category = "FOREX"
	CategoryIndex     Category = "INDEX"
	CategoryCommodity Category = "COMMODITY"
	CategoryStocks    Category = "STOCKS"
	CategoryOther     Category = "OTHER"
)

// ParseCategory normalizes a user supplied category. Empty values map to
// CategoryOther.
func ParseCategory(s string) Category {
	c := Category(strings.ToUpper(strings.TrimSpace(s)))
	if c == "" {
		return CategoryOther
	}
	return c
}

// Instrument is an operator managed, user facing tracked symbol.
type Instrument struct {
	Name     string   `json:"name"`
	Category Category `json:"category"`
	IsCustom bool     `json:"isCustom"`
	Paused   bool     `json:"paused"`

	// Removed marks a deleted catalog seed so it is not re-added on rebuild.
	Removed bool `json:"-"`
}

// NormalizeName returns the canonical uppercase identifier for an instrument name.
func NormalizeName(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}

// TickerMapping is a resolved name -> upstream ticker entry kept in the durable cache.
type TickerMapping struct {
	Name        string    `json:"name"`
	Ticker      string    `json:"ticker"`
	Exchange    string    `json:"exchange,omitempty"`
	Description string    `json:"description,omitempty"`
	Type        string    `json:"type,omitempty"`
	Currency    string    `json:"currency,omitempty"`
	Manual      bool      `json:"manual"`
	ResolvedAt  time.Time `json:"resolvedAt"`
}

// CategoryRule describes how names in a category map onto the feed namespace
// and how search candidates are ranked for it.
type CategoryRule struct {
	// Namespace is the feed prefix, e.g. "BINANCE". Empty disables the heuristic.
	Namespace string `yaml:"namespace"`

	// QuoteSuffix is appended to bare names, e.g. "USDT".
	QuoteSuffix string `yaml:"quote_suffix"`

	// KeepSuffixes are pair suffixes that are already complete.
	KeepSuffixes []string `yaml:"keep_suffixes"`

	// RewriteSuffixes replace a trailing suffix, e.g. USD -> USDT.
	RewriteSuffixes map[string]string `yaml:"rewrite_suffixes"`

	// Members routes specific names to another namespace, e.g. NYSE listings.
	Members map[string][]string `yaml:"members"`

	SearchTypes      []string `yaml:"search_types"`
	ExchangePriority []string `yaml:"exchange_priority"`
}

// GuessRules drive the best-effort namespace guess used when nothing else
// resolves a name.
type GuessRules struct {
	CryptoNamespace   string              `yaml:"crypto_namespace"`
	CryptoQuote       string              `yaml:"crypto_quote"`
	CryptoSuffixes    []string            `yaml:"crypto_suffixes"`
	KnownCrypto       []string            `yaml:"known_crypto"`
	MaxCryptoBase     int                 `yaml:"max_crypto_base"`
	Stocks            map[string][]string `yaml:"stocks"`
	ShortNamespace    string              `yaml:"short_namespace"`
	ShortMin          int                 `yaml:"short_min"`
	ShortMax          int                 `yaml:"short_max"`
	FallbackNamespace string              `yaml:"fallback_namespace"`
}

// MergeInstruments overlays stored rows on seeds. Order is seeds first,
// then custom rows sorted by name.
func MergeInstruments(seeds, stored []Instrument) []Instrument {
	byName := make(map[string]Instrument, len(stored))
	for _, inst := range stored {
		inst.Name = NormalizeName(inst.Name)
		byName[inst.Name] = inst
	}

	out := make([]Instrument, 0, len(seeds)+len(stored))
	seen := make(map[string]struct{}, len(seeds))
	for _, seed := range seeds {
		name := NormalizeName(seed.Name)
		if _, dup := seen[name]; dup || name == "" {
			continue
		}
		seen[name] = struct{}{}
		inst := seed
		inst.Name = name
		if row, ok := byName[name]; ok {
			inst = row
		}
		if !inst.Removed {
			out = append(out, inst)
		}
	}

	var extra []Instrument
	for name, inst := range byName {
		if _, ok := seen[name]; ok || inst.Removed || name == "" {
			continue
		}
		extra = append(extra, inst)
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i].Name < extra[j].Name })
	return append(out, extra...)
}
