package exchange

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/amirphl/book-stream/internal/candle"
	"github.com/amirphl/book-stream/internal/market"
	"github.com/amirphl/book-stream/internal/orderbook"
)

// MarketData is the REST surface the streaming client relies on.
type MarketData interface {
	Trades(ctx context.Context, m market.Key, q TradesQuery) ([]market.Trade, error)
	RecentTrades(ctx context.Context, m market.Key, limit int) ([]market.Trade, error)
	FetchCandles(ctx context.Context, m market.Key, granularity int) ([]candle.Candle, error)
	Ticker(ctx context.Context, m market.Key) (market.Ticker, error)
	Book(ctx context.Context, m market.Key) (*Event, error)
}

var (
	_ MarketData     = (*Client)(nil)
	_ candle.Fetcher = (*Client)(nil)
	_ Sender         = (*Transport)(nil)
)

// Order decodes the payload of an ORDER-OPEN, ORDER-CANCEL or ORDER-MATCH event.
func (e *Event) Order() (OrderPayload, error) {
	var p OrderPayload
	if err := json.Unmarshal(e.Data, &p); err != nil {
		return OrderPayload{}, fmt.Errorf("decode %s payload for %s: %w", e.Kind, e.Market, err)
	}
	return p, nil
}

// Book decodes the payload of a BOOK-T0 event.
func (e *Event) Book() (BookPayload, error) {
	var p BookPayload
	if err := json.Unmarshal(e.Data, &p); err != nil {
		return BookPayload{}, fmt.Errorf("decode %s payload for %s: %w", e.Kind, e.Market, err)
	}
	return p, nil
}

// Snapshot converts the payload for the order book store.
func (p BookPayload) Snapshot() orderbook.BookSnapshot {
	return orderbook.BookSnapshot{Asks: p.Asks, Bids: p.Bids}
}
