// Package stream applies the exchange's book events to local state.
package stream

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/amirphl/book-stream/internal/exchange"
	"github.com/amirphl/book-stream/internal/history"
	"github.com/amirphl/book-stream/internal/market"
	"github.com/amirphl/book-stream/internal/notifier"
	"github.com/amirphl/book-stream/internal/orderbook"
	"github.com/google/uuid"
)

// Resyncer asks the exchange for a fresh snapshot of a market.
type Resyncer interface {
	Resync(m market.Key)
}

type ResyncFunc func(m market.Key)

func (f ResyncFunc) Resync(m market.Key) { f(m) }

// Tickers holds the last match per market.
type Tickers struct {
	mu      sync.RWMutex
	tickers map[market.Key]market.Ticker
}

func NewTickers() *Tickers {
	return &Tickers{tickers: make(map[market.Key]market.Ticker)}
}

func (t *Tickers) Set(tk market.Ticker) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tickers[tk.Market] = tk
}

// SetIfAbsent stores tk unless the market already has a ticker.
func (t *Tickers) SetIfAbsent(tk market.Ticker) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.tickers[tk.Market]; ok {
		return false
	}
	t.tickers[tk.Market] = tk
	return true
}

func (t *Tickers) Get(m market.Key) (market.Ticker, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	tk, ok := t.tickers[m]
	return tk, ok
}

// Dispatcher routes one market event to the book store, the trade history and
// the tickers. It is not safe for concurrent use; the session calls it from
// its event loop only.
type Dispatcher struct {
	books    *orderbook.Store
	trades   *history.Store
	tickers  *Tickers
	notifier *notifier.Notifier
	resync   Resyncer
	logger   *log.Logger
	now      func() time.Time
}

func NewDispatcher(books *orderbook.Store, trades *history.Store, tickers *Tickers, n *notifier.Notifier, resync Resyncer, logger *log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.Default()
	}
	return &Dispatcher{
		books:    books,
		trades:   trades,
		tickers:  tickers,
		notifier: n,
		resync:   resync,
		logger:   logger,
		now:      time.Now,
	}
}

// Handle is the registry callback. Errors are logged and the book change
// dropped; a sequence gap additionally requests a resync of the market.
func (d *Dispatcher) Handle(ev *exchange.Event) {
	err := d.Apply(ev)
	switch {
	case err == nil:
	case errors.Is(err, orderbook.ErrSequenceGap):
		d.logger.Printf("Dispatcher | %v, resyncing %s", err, ev.Market)
		if d.resync != nil {
			d.resync.Resync(ev.Market)
		}
	case errors.Is(err, orderbook.ErrNotSynced), errors.Is(err, orderbook.ErrStaleEvent):
		// expected while a snapshot is pending or during replays
	default:
		d.logger.Printf("Dispatcher | Dropping %s event for %s: %v", ev.Kind, ev.Market, err)
	}
}

// Apply mutates state for one event.
func (d *Dispatcher) Apply(ev *exchange.Event) error {
	at := ev.Timestamp
	if at.IsZero() {
		at = d.now()
	}

	switch ev.Kind {
	case exchange.EventBookSnapshot:
		p, err := ev.Book()
		if err != nil {
			return err
		}
		d.books.Snapshot(ev.Market, p.Snapshot(), ev.Sequence, at)
		d.notify(ev.Market, notifier.ChangeBook)
		return nil

	case exchange.EventHeartbeat:
		return d.books.Heartbeat(ev.Market, ev.Sequence, at)

	case exchange.EventOrderOpen:
		p, err := ev.Order()
		if err != nil {
			return err
		}
		if err := d.books.Open(ev.Market, p.PriceLevelEntry, ev.Sequence, at); err != nil {
			return err
		}
		d.notify(ev.Market, notifier.ChangeBook)
		return nil

	case exchange.EventOrderCancel:
		p, err := ev.Order()
		if err != nil {
			return err
		}
		if _, err := d.books.Remove(ev.Market, p.PriceLevelEntry, ev.Sequence, at); err != nil {
			return err
		}
		d.notify(ev.Market, notifier.ChangeBook)
		return nil

	case exchange.EventOrderMatch:
		p, err := ev.Order()
		if err != nil {
			return err
		}
		return d.match(ev, p, at)

	default:
		return nil
	}
}

// match records the trade and the ticker even when the book cannot take the
// event. A gap is still returned so the market gets resynced.
func (d *Dispatcher) match(ev *exchange.Event, p exchange.OrderPayload, at time.Time) error {
	_, bookErr := d.books.Remove(ev.Market, p.PriceLevelEntry, ev.Sequence, at)
	switch {
	case bookErr == nil:
		d.notify(ev.Market, notifier.ChangeBook)
	case errors.Is(bookErr, orderbook.ErrNotSynced):
		bookErr = nil
	case errors.Is(bookErr, orderbook.ErrSequenceGap):
	default:
		return bookErr
	}

	trade := market.Trade{
		TradeID:   tradeID(ev, p),
		Side:      p.Side,
		Price:     p.Price,
		Amount:    p.Amount,
		CreatedAt: at,
	}
	if d.trades.Append(ev.Market, trade) {
		d.notify(ev.Market, notifier.ChangeTrades)
	}

	tk := market.Ticker{
		Market:    ev.Market,
		Price:     p.Price,
		Amount:    p.Amount,
		Side:      p.Side,
		Sequence:  ev.Sequence,
		UpdatedAt: at,
	}
	if d.books.Synced(ev.Market) {
		if bid, ok := d.books.BestBid(ev.Market); ok {
			tk.Bid = bid.Price
		}
		if ask, ok := d.books.BestAsk(ev.Market); ok {
			tk.Ask = ask.Price
		}
	}
	d.tickers.Set(tk)
	d.notify(ev.Market, notifier.ChangeTicker)
	return bookErr
}

// tradeID falls back to market and sequence when the match carries no id.
// Without a sequence the trade cannot be deduplicated.
func tradeID(ev *exchange.Event, p exchange.OrderPayload) string {
	if p.TradeID != "" {
		return p.TradeID
	}
	if ev.Sequence > 0 {
		return fmt.Sprintf("%s-%d", ev.Market, ev.Sequence)
	}
	return uuid.NewString()
}

func (d *Dispatcher) notify(m market.Key, kind notifier.ChangeKind) {
	if d.notifier != nil {
		d.notifier.Notify(notifier.Change{Market: m, Kind: kind})
	}
}
