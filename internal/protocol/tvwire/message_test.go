package tvwire

import (
	"errors"
	"testing"
)

func TestEncodeMessage(t *testing.T) {
	b, err := EncodeMessage(MethodQuoteAddSymbols, "qs_abc", "BINANCE:BTCUSDT")
	if err != nil {
		t.Fatalf("EncodeMessage failed: %v", err)
	}
	want := `~m~58~m~{"m":"quote_add_symbols","p":["qs_abc","BINANCE:BTCUSDT"]}`
	if string(b) != want {
		t.Fatalf("expected %s, got %s", want, b)
	}
}

func TestDecodeQuote(t *testing.T) {
	m, err := ParseMessage([]byte(`{"m":"qsd","p":["qs_1",{"n":"binance:fooUSDT","s":"ok","v":{"lp":1.2345,"chp":3.1,"currency_code":"USDT"}}]}`))
	if err != nil {
		t.Fatalf("ParseMessage failed: %v", err)
	}
	q, err := DecodeQuote(m)
	if err != nil {
		t.Fatalf("DecodeQuote failed: %v", err)
	}
	if q.Ticker != "BINANCE:FOOUSDT" {
		t.Errorf("expected upper-cased ticker, got %s", q.Ticker)
	}
	if q.Price == nil || *q.Price != 1.2345 {
		t.Errorf("unexpected price %v", q.Price)
	}
	if q.ChangePercent == nil || *q.ChangePercent != 3.1 {
		t.Errorf("unexpected change %v", q.ChangePercent)
	}
	if q.Currency == nil || *q.Currency != "USDT" {
		t.Errorf("unexpected currency %v", q.Currency)
	}
	if QuoteSessionID(m) != "qs_1" {
		t.Errorf("unexpected session id %q", QuoteSessionID(m))
	}
}

func TestDecodeQuotePartialValues(t *testing.T) {
	m, _ := ParseMessage([]byte(`{"m":"qsd","p":["qs_1",{"n":"BIST:THYAO","v":{"chp":-0.4}}]}`))
	q, err := DecodeQuote(m)
	if err != nil {
		t.Fatalf("DecodeQuote failed: %v", err)
	}
	if q.Price != nil {
		t.Errorf("expected no price, got %v", *q.Price)
	}
	if q.ChangePercent == nil {
		t.Error("expected change percent")
	}
}

func TestDecodeQuoteRejectsOtherMethods(t *testing.T) {
	m, _ := ParseMessage([]byte(`{"m":"quote_completed","p":["qs_1","BIST:THYAO"]}`))
	if _, err := DecodeQuote(m); !errors.Is(err, ErrNotQuote) {
		t.Fatalf("expected ErrNotQuote, got %v", err)
	}
}

func TestDecodeQuoteBrokenBody(t *testing.T) {
	m, _ := ParseMessage([]byte(`{"m":"qsd","p":["qs_1",{"n":1}]}`))
	if _, err := DecodeQuote(m); err == nil {
		t.Fatal("expected error for numeric symbol")
	}
	m, _ = ParseMessage([]byte(`{"m":"qsd","p":["qs_1"]}`))
	if _, err := DecodeQuote(m); err == nil {
		t.Fatal("expected error for missing body")
	}
}
