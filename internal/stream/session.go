package stream

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/amirphl/book-stream/internal/exchange"
	"github.com/amirphl/book-stream/internal/history"
	"github.com/amirphl/book-stream/internal/market"
	"github.com/amirphl/book-stream/internal/notifier"
	"github.com/amirphl/book-stream/internal/orderbook"
)

var ErrTransportClosed = errors.New("transport events closed")

// Transport is the part of exchange.Transport the session consumes.
type Transport interface {
	exchange.Sender
	Events() <-chan exchange.TransportEvent
}

// TradeSource loads recent trades to seed a market's history.
type TradeSource interface {
	RecentTrades(ctx context.Context, m market.Key, limit int) ([]market.Trade, error)
}

// TickerSource loads a market's last trade and best prices.
type TickerSource interface {
	Ticker(ctx context.Context, m market.Key) (market.Ticker, error)
}

// BookSource loads a market's book snapshot as a BOOK-T0 event.
type BookSource interface {
	Book(ctx context.Context, m market.Key) (*exchange.Event, error)
}

type Config struct {
	HistoryCapacity int
	Logger          *log.Logger
}

// Session owns the local state of every subscribed market. Run is the only
// goroutine that applies exchange events; the accessors may be used from
// anywhere.
type Session struct {
	transport  Transport
	registry   *exchange.Registry
	books      *orderbook.Store
	trades     *history.Store
	tickers    *Tickers
	notifier   *notifier.Notifier
	dispatcher *Dispatcher
	logger     *log.Logger
}

func NewSession(t Transport, cfg Config) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	s := &Session{
		transport: t,
		registry:  exchange.NewRegistry(t, logger),
		books:     orderbook.NewStore(),
		trades:    history.NewStore(cfg.HistoryCapacity),
		tickers:   NewTickers(),
		notifier:  notifier.New(logger),
		logger:    logger,
	}
	s.dispatcher = NewDispatcher(s.books, s.trades, s.tickers, s.notifier, s, logger)
	return s
}

// Run consumes transport events in arrival order until ctx is done or the
// transport stops.
func (s *Session) Run(ctx context.Context) error {
	events := s.transport.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return ErrTransportClosed
			}
			s.handle(ev)
		}
	}
}

func (s *Session) handle(ev exchange.TransportEvent) {
	switch ev.Type {
	case exchange.EventOpened:
		// books are stale until each market's new snapshot arrives
		s.books.InvalidateAll()
		n := s.registry.Resubscribe()
		s.logger.Printf("Session | Connected, resubscribed %d markets", n)
		s.notifier.Notify(notifier.Change{Kind: notifier.ChangeConnection})

	case exchange.EventClosed:
		s.logger.Printf("Session | Disconnected: %v", ev.Err)
		s.notifier.Notify(notifier.Change{Kind: notifier.ChangeConnection})

	case exchange.EventFrame:
		env := ev.Envelope
		if env == nil {
			return
		}
		if env.Action != exchange.ActionEmitEvent {
			if env.Error != "" {
				s.logger.Printf("Session | %s %s rejected: %s", env.Action, env.ID, env.Error)
			}
			return
		}
		e, err := env.Event()
		if err != nil {
			s.logger.Printf("Session | Dropping frame: %v", err)
			return
		}
		s.registry.Dispatch(e)
	}
}

// Subscribe starts following a market. Its book is not trusted until the
// snapshot for the new subscription arrives.
func (s *Session) Subscribe(m market.Key) exchange.Request {
	s.books.Invalidate(m)
	return s.registry.Subscribe(m, s.dispatcher.Handle)
}

func (s *Session) Unsubscribe(m market.Key) bool {
	s.books.Invalidate(m)
	return s.registry.Unsubscribe(m)
}

// Resync asks for a fresh snapshot of a subscribed market.
func (s *Session) Resync(m market.Key) {
	s.books.Invalidate(m)
	s.registry.Renew(m)
}

// SeedTrades loads newest-first trades into the market's history.
func (s *Session) SeedTrades(m market.Key, newestFirst []market.Trade) int {
	n := s.trades.Seed(m, newestFirst)
	if n > 0 {
		s.notifier.Notify(notifier.Change{Market: m, Kind: notifier.ChangeTrades})
	}
	return n
}

// SeedFrom fetches up to limit recent trades and seeds the market's history.
func (s *Session) SeedFrom(ctx context.Context, src TradeSource, m market.Key, limit int) (int, error) {
	trades, err := src.RecentTrades(ctx, m, limit)
	if err != nil {
		return 0, fmt.Errorf("seed trades for %s: %w", m, err)
	}
	return s.SeedTrades(m, trades), nil
}

// SeedTickerFrom sets the market's ticker from src unless a live match already
// did. A market without trades is not seeded.
func (s *Session) SeedTickerFrom(ctx context.Context, src TickerSource, m market.Key) (bool, error) {
	tk, err := src.Ticker(ctx, m)
	if err != nil {
		return false, fmt.Errorf("seed ticker for %s: %w", m, err)
	}
	if tk.Price.IsZero() {
		return false, nil
	}
	tk.Market = m
	if !s.tickers.SetIfAbsent(tk) {
		return false, nil
	}
	s.notifier.Notify(notifier.Change{Market: m, Kind: notifier.ChangeTicker})
	return true, nil
}

// PreviewFrom shows the book from src until the streamed snapshot arrives.
// The book stays unsynced, so increments are still gated on the live
// snapshot.
func (s *Session) PreviewFrom(ctx context.Context, src BookSource, m market.Key) (bool, error) {
	ev, err := src.Book(ctx, m)
	if err != nil {
		return false, fmt.Errorf("preview book for %s: %w", m, err)
	}
	p, err := ev.Book()
	if err != nil {
		return false, err
	}
	at := ev.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	if !s.books.Preview(m, p.Snapshot(), at) {
		return false, nil
	}
	s.notifier.Notify(notifier.Change{Market: m, Kind: notifier.ChangeBook})
	return true, nil
}

func (s *Session) Markets() []market.Key { return s.registry.Markets() }

func (s *Session) Store() *orderbook.Store { return s.books }

func (s *Session) History() *history.Store { return s.trades }

func (s *Session) Ticker(m market.Key) (market.Ticker, bool) { return s.tickers.Get(m) }

// Changes subscribes to state change notifications.
func (s *Session) Changes(id string, bufferSize int) (<-chan notifier.Change, error) {
	return s.notifier.Subscribe(id, bufferSize)
}

func (s *Session) StopChanges(id string) { s.notifier.Unsubscribe(id) }

// Close releases change subscribers. The transport is owned by the caller.
func (s *Session) Close() { s.notifier.Close() }
