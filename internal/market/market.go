// Package market
package market

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Side of the book an entry or trade belongs to.
type Side string

const (
	Bid Side = "BID"
	Ask Side = "ASK"
)

// ParseSide accepts BID/ASK in any case.
func ParseSide(s string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case string(Bid):
		return Bid, nil
	case string(Ask):
		return Ask, nil
	default:
		return "", fmt.Errorf("unknown side %q", s)
	}
}

func (s *Side) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == "" {
		*s = ""
		return nil
	}
	side, err := ParseSide(raw)
	if err != nil {
		return err
	}
	*s = side
	return nil
}

// Opposite returns the other side of the book.
func (s Side) Opposite() Side {
	if s == Bid {
		return Ask
	}
	return Bid
}

// Key identifies a market, conventionally "<baseAssetId>-<quoteAssetId>".
type Key string

// NewKey joins base and quote asset ids into a market key.
func NewKey(base, quote string) Key {
	return Key(base + "-" + quote)
}

// ParseKey splits a market key into base and quote asset ids.
// Keys made of two asset UUIDs (73 chars) are validated as such; any other
// key is treated as opaque and returned with empty base/quote when it has no
// separator.
func ParseKey(s string) (base, quote string, err error) {
	if s == "" {
		return "", "", fmt.Errorf("empty market key")
	}
	if len(s) == 73 && s[36] == '-' {
		b, err := uuid.Parse(s[:36])
		if err != nil {
			return "", "", fmt.Errorf("invalid base asset in market %s: %w", s, err)
		}
		q, err := uuid.Parse(s[37:])
		if err != nil {
			return "", "", fmt.Errorf("invalid quote asset in market %s: %w", s, err)
		}
		return b.String(), q.String(), nil
	}
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return "", "", nil
	}
	return parts[0], parts[1], nil
}

// Quote returns the quote asset id of the market, or "" for opaque keys.
func (k Key) Quote() string {
	_, quote, _ := ParseKey(string(k))
	return quote
}

func (k Key) String() string {
	return string(k)
}

// PriceLevelEntry is the aggregated amount resting at one price on one side.
// Funds tracks price*amount as reported by the exchange.
type PriceLevelEntry struct {
	Side   Side            `json:"side"`
	Price  decimal.Decimal `json:"price"`
	Amount decimal.Decimal `json:"amount"`
	Funds  decimal.Decimal `json:"funds"`
}

// Normalize fills Funds from price*amount when the exchange omitted it.
func (e PriceLevelEntry) Normalize() PriceLevelEntry {
	if e.Funds.IsZero() && e.Amount.IsPositive() {
		e.Funds = e.Price.Mul(e.Amount)
	}
	return e
}

// Trade is one matched trade as shown in the trade feed.
type Trade struct {
	TradeID   string          `json:"trade_id"`
	Side      Side            `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Amount    decimal.Decimal `json:"amount"`
	CreatedAt time.Time       `json:"created_at"`
}

// Ticker holds the last matched price of a market.
type Ticker struct {
	Market    Key             `json:"market"`
	Price     decimal.Decimal `json:"price"`
	Amount    decimal.Decimal `json:"amount"`
	Side      Side            `json:"side"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Sequence  int64           `json:"sequence"`
	UpdatedAt time.Time       `json:"timestamp"`
}
