package tvwire

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"quoterelay/internal/domain"
)

// Message methods used by the quote session.
const (
	MethodSetAuthToken       = "set_auth_token"
	MethodQuoteCreateSession = "quote_create_session"
	MethodQuoteSetFields     = "quote_set_fields"
	MethodQuoteAddSymbols    = "quote_add_symbols"
	MethodQuoteRemoveSymbols = "quote_remove_symbols"
	MethodQuoteData          = "qsd"
	MethodQuoteCompleted     = "quote_completed"
	MethodCriticalError      = "critical_error"
	MethodProtocolError      = "protocol_error"
)

// QuoteFields is the field list requested for every quote session.
var QuoteFields = []string{"lp", "ch", "chp", "status", "currency_code", "original_name"}

var ErrNotQuote = errors.New("tvwire: not a quote message")

// Message is the generic {"m": method, "p": params} envelope.
type Message struct {
	Method string            `json:"m"`
	Params []json.RawMessage `json:"p"`
}

type outbound struct {
	Method string `json:"m"`
	Params []any  `json:"p"`
}

// EncodeMessage builds a framed request.
func EncodeMessage(method string, params ...any) ([]byte, error) {
	if params == nil {
		params = []any{}
	}
	b, err := json.Marshal(outbound{Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", method, err)
	}
	return Encode(b), nil
}

// ParseMessage decodes one JSON payload. Payloads that are not JSON objects
// (server hello, heartbeats) return an error.
func ParseMessage(payload []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return Message{}, fmt.Errorf("tvwire: decode message: %w", err)
	}
	return m, nil
}

type quotePayload struct {
	Name   string      `json:"n"`
	Status string      `json:"s"`
	Values quoteValues `json:"v"`
}

type quoteValues struct {
	LastPrice     *float64 `json:"lp"`
	Change        *float64 `json:"ch"`
	ChangePercent *float64 `json:"chp"`
	CurrencyCode  *string  `json:"currency_code"`
	OriginalName  *string  `json:"original_name"`
}

// DecodeQuote extracts the quote carried by a "qsd" message.
func DecodeQuote(m Message) (domain.Quote, error) {
	if m.Method != MethodQuoteData {
		return domain.Quote{}, ErrNotQuote
	}
	if len(m.Params) < 2 {
		return domain.Quote{}, fmt.Errorf("tvwire: qsd with %d params", len(m.Params))
	}
	var qp quotePayload
	if err := json.Unmarshal(m.Params[1], &qp); err != nil {
		return domain.Quote{}, fmt.Errorf("tvwire: decode qsd body: %w", err)
	}
	ticker := strings.ToUpper(strings.TrimSpace(qp.Name))
	if ticker == "" {
		return domain.Quote{}, errors.New("tvwire: qsd without symbol")
	}
	return domain.Quote{
		Ticker:        ticker,
		Status:        qp.Status,
		Price:         qp.Values.LastPrice,
		ChangePercent: qp.Values.ChangePercent,
		Currency:      qp.Values.CurrencyCode,
	}, nil
}

// QuoteSessionID returns the session id of a quote message, "" if absent.
func QuoteSessionID(m Message) string {
	if len(m.Params) == 0 {
		return ""
	}
	var sid string
	if err := json.Unmarshal(m.Params[0], &sid); err != nil {
		return ""
	}
	return sid
}
