package stream

import (
	"io"
	"log"
	"testing"
	"time"

	"github.com/amirphl/book-stream/internal/exchange"
	"github.com/amirphl/book-stream/internal/exchange/enginetest"
	"github.com/amirphl/book-stream/internal/history"
	"github.com/amirphl/book-stream/internal/market"
	"github.com/amirphl/book-stream/internal/notifier"
	"github.com/amirphl/book-stream/internal/orderbook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	books    *orderbook.Store
	trades   *history.Store
	tickers  *Tickers
	notifier *notifier.Notifier
	resynced []market.Key
	d        *Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := log.New(io.Discard, "", 0)
	f := &fixture{
		books:    orderbook.NewStore(),
		trades:   history.NewStore(history.DefaultCapacity),
		tickers:  NewTickers(),
		notifier: notifier.New(logger),
	}
	f.d = NewDispatcher(f.books, f.trades, f.tickers, f.notifier, ResyncFunc(func(m market.Key) {
		f.resynced = append(f.resynced, m)
	}), logger)
	return f
}

func pointer(ev exchange.Event) *exchange.Event { return &ev }

type level struct{ price, amount string }

func levelsOf(entries []market.PriceLevelEntry) []level {
	out := make([]level, 0, len(entries))
	for _, e := range entries {
		out = append(out, level{e.Price.String(), e.Amount.String()})
	}
	return out
}

func TestDispatcherScenario(t *testing.T) {
	f := newFixture(t)
	const m = market.Key("X")

	require.NoError(t, f.d.Apply(pointer(enginetest.BookEvent(m, 0,
		[]enginetest.Level{{"100", "1"}},
		[]enginetest.Level{{"101", "2"}},
	))))

	require.NoError(t, f.d.Apply(pointer(enginetest.OrderEvent(m, exchange.EventOrderOpen, 0, market.Bid, "100", "0.5", ""))))
	assert.Equal(t, []level{{"100", "1.5"}}, levelsOf(f.books.Bids(m, 0)))

	require.NoError(t, f.d.Apply(pointer(enginetest.OrderEvent(m, exchange.EventOrderOpen, 0, market.Bid, "99", "3", ""))))
	assert.Equal(t, []level{{"100", "1.5"}, {"99", "3"}}, levelsOf(f.books.Bids(m, 0)))

	require.NoError(t, f.d.Apply(pointer(enginetest.OrderEvent(m, exchange.EventOrderMatch, 0, market.Ask, "101", "2", "t1"))))
	assert.Empty(t, f.books.Asks(m, 0))
	trades := f.trades.Trades(m, 0)
	require.Len(t, trades, 1)
	assert.Equal(t, "t1", trades[0].TradeID)
	assert.Equal(t, market.Ask, trades[0].Side)

	require.NoError(t, f.d.Apply(pointer(enginetest.OrderEvent(m, exchange.EventOrderMatch, 0, market.Ask, "101", "2", "t1"))))
	assert.Len(t, f.trades.Trades(m, 0), 1)
	assert.Empty(t, f.books.Asks(m, 0))
	assert.Equal(t, []level{{"100", "1.5"}, {"99", "3"}}, levelsOf(f.books.Bids(m, 0)))
}

func TestDispatcherRejectsIncrementsBeforeSnapshot(t *testing.T) {
	f := newFixture(t)
	err := f.d.Apply(pointer(enginetest.OrderEvent("X", exchange.EventOrderOpen, 0, market.Bid, "100", "1", "")))
	assert.ErrorIs(t, err, orderbook.ErrNotSynced)

	f.d.Handle(pointer(enginetest.OrderEvent("X", exchange.EventOrderMatch, 0, market.Bid, "100", "1", "t1")))
	assert.Empty(t, f.books.Markets(), "a match does not create a book")
	trades := f.trades.Trades("X", 0)
	require.Len(t, trades, 1, "the trade is kept without a snapshot")
	assert.Equal(t, "t1", trades[0].TradeID)
	tk, ok := f.tickers.Get("X")
	require.True(t, ok)
	assert.Equal(t, "100", tk.Price.String())
	assert.True(t, tk.Bid.IsZero())
	assert.Empty(t, f.resynced)
}

func TestDispatcherMatchDuringResync(t *testing.T) {
	f := newFixture(t)
	const m = market.Key("X")

	f.d.Handle(pointer(enginetest.BookEvent(m, 10, []enginetest.Level{{"100", "1"}}, []enginetest.Level{{"101", "1"}})))
	f.d.Handle(pointer(enginetest.OrderEvent(m, exchange.EventOrderMatch, 12, market.Ask, "101", "1", "t1")))
	assert.Equal(t, []market.Key{m}, f.resynced)
	assert.False(t, f.books.Synced(m))
	assert.Len(t, f.books.Asks(m, 0), 1, "the gapped match leaves the book alone")

	f.d.Handle(pointer(enginetest.OrderEvent(m, exchange.EventOrderMatch, 13, market.Ask, "101", "0.5", "t2")))
	f.d.Handle(pointer(enginetest.OrderEvent(m, exchange.EventOrderMatch, 13, market.Ask, "101", "0.5", "t2")))
	assert.Len(t, f.resynced, 1, "one resync per gap")

	trades := f.trades.Trades(m, 0)
	require.Len(t, trades, 2)
	assert.Equal(t, "t2", trades[0].TradeID)
	assert.Equal(t, "t1", trades[1].TradeID)

	tk, ok := f.tickers.Get(m)
	require.True(t, ok)
	assert.Equal(t, "0.5", tk.Amount.String())
	assert.Equal(t, int64(13), tk.Sequence)
	assert.True(t, tk.Ask.IsZero(), "no quotes from a stale book")

	f.d.Handle(pointer(enginetest.BookEvent(m, 20, []enginetest.Level{{"100", "1"}}, nil)))
	assert.True(t, f.books.Synced(m))
	assert.Empty(t, f.books.Asks(m, 0))
}

func TestDispatcherHeartbeatAdvancesSequence(t *testing.T) {
	f := newFixture(t)
	const m = market.Key("X")

	f.d.Handle(pointer(enginetest.BookEvent(m, 10, []enginetest.Level{{"100", "1"}}, []enginetest.Level{{"101", "1"}})))
	f.d.Handle(pointer(enginetest.OrderEvent(m, exchange.EventOrderOpen, 11, market.Bid, "99", "1", "")))
	f.d.Handle(&exchange.Event{Market: m, Kind: exchange.EventHeartbeat, Sequence: 12, Timestamp: time.Now().UTC()})
	f.d.Handle(pointer(enginetest.OrderEvent(m, exchange.EventOrderOpen, 13, market.Bid, "98", "1", "")))
	f.d.Handle(pointer(enginetest.OrderEvent(m, exchange.EventOrderMatch, 14, market.Ask, "101", "1", "t9")))

	assert.Empty(t, f.resynced)
	assert.True(t, f.books.Synced(m))
	assert.Equal(t, []level{{"100", "1"}, {"99", "1"}, {"98", "1"}}, levelsOf(f.books.Bids(m, 0)))
	assert.Empty(t, f.books.Asks(m, 0))
	latest, ok := f.trades.Latest(m)
	require.True(t, ok)
	assert.Equal(t, "t9", latest.TradeID)

	view, _ := f.books.View(m, 0)
	assert.Equal(t, int64(14), view.Sequence)

	f.d.Handle(&exchange.Event{Market: m, Kind: exchange.EventHeartbeat, Sequence: 16})
	assert.Equal(t, []market.Key{m}, f.resynced, "a heartbeat past a missed event is a gap")
}

func TestDispatcherSequenceGapResyncs(t *testing.T) {
	f := newFixture(t)
	const m = market.Key("X")

	f.d.Handle(pointer(enginetest.BookEvent(m, 10, []enginetest.Level{{"100", "1"}}, nil)))
	f.d.Handle(pointer(enginetest.OrderEvent(m, exchange.EventOrderOpen, 11, market.Bid, "99", "1", "")))
	assert.Len(t, f.books.Bids(m, 0), 2)

	f.d.Handle(pointer(enginetest.OrderEvent(m, exchange.EventOrderOpen, 13, market.Bid, "98", "1", "")))
	assert.Equal(t, []market.Key{m}, f.resynced)
	assert.False(t, f.books.Synced(m))
	assert.Len(t, f.books.Bids(m, 0), 2, "the gapped event is not applied")

	f.d.Handle(pointer(enginetest.OrderEvent(m, exchange.EventOrderOpen, 11, market.Bid, "97", "1", "")))
	assert.Len(t, f.resynced, 1)

	f.d.Handle(pointer(enginetest.BookEvent(m, 20, []enginetest.Level{{"98", "1"}}, nil)))
	assert.True(t, f.books.Synced(m))
	require.NoError(t, f.d.Apply(pointer(enginetest.OrderEvent(m, exchange.EventOrderCancel, 21, market.Bid, "98", "1", ""))))
	assert.Empty(t, f.books.Bids(m, 0))
}

func TestDispatcherMatchUpdatesTicker(t *testing.T) {
	f := newFixture(t)
	const m = market.Key("X")
	changes, err := f.notifier.Subscribe("test", 16)
	require.NoError(t, err)

	require.NoError(t, f.d.Apply(pointer(enginetest.BookEvent(m, 1,
		[]enginetest.Level{{"100", "1"}},
		[]enginetest.Level{{"101", "2"}, {"102", "1"}},
	))))
	match := enginetest.OrderEvent(m, exchange.EventOrderMatch, 2, market.Ask, "101", "0.5", "")
	require.NoError(t, f.d.Apply(&match))

	tk, ok := f.tickers.Get(m)
	require.True(t, ok)
	assert.Equal(t, "101", tk.Price.String())
	assert.Equal(t, "0.5", tk.Amount.String())
	assert.Equal(t, "100", tk.Bid.String())
	assert.Equal(t, "101", tk.Ask.String())
	assert.Equal(t, int64(2), tk.Sequence)
	assert.Equal(t, match.Timestamp, tk.UpdatedAt)

	latest, ok := f.trades.Latest(m)
	require.True(t, ok)
	assert.Equal(t, "X-2", latest.TradeID, "id derived from market and sequence")

	var kinds []notifier.ChangeKind
	for len(changes) > 0 {
		kinds = append(kinds, (<-changes).Kind)
	}
	assert.Equal(t, []notifier.ChangeKind{
		notifier.ChangeBook, notifier.ChangeBook, notifier.ChangeTrades, notifier.ChangeTicker,
	}, kinds)
}

func TestDispatcherIgnoresHeartbeatAndUnknownKinds(t *testing.T) {
	f := newFixture(t)
	assert.NoError(t, f.d.Apply(&exchange.Event{Market: "X", Kind: exchange.EventHeartbeat}))
	assert.NoError(t, f.d.Apply(&exchange.Event{Market: "X", Kind: exchange.EventHeartbeat, Sequence: 3}))
	assert.NoError(t, f.d.Apply(&exchange.Event{Market: "X", Kind: "ORDER-EXPIRE"}))
	assert.Empty(t, f.books.Markets())
}

func TestDispatcherMalformedPayload(t *testing.T) {
	f := newFixture(t)
	ev := &exchange.Event{Market: "X", Kind: exchange.EventOrderOpen, Data: []byte(`{"side":"SIDEWAYS"}`)}
	assert.Error(t, f.d.Apply(ev))
	assert.NotPanics(t, func() { f.d.Handle(ev) })
}

func TestDispatcherMissingTimestamp(t *testing.T) {
	f := newFixture(t)
	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	f.d.now = func() time.Time { return fixed }

	ev := enginetest.BookEvent("X", 0, nil, []enginetest.Level{{"101", "1"}})
	ev.Timestamp = time.Time{}
	require.NoError(t, f.d.Apply(&ev))

	view, ok := f.books.View("X", 0)
	require.True(t, ok)
	assert.Equal(t, fixed, view.UpdatedAt)
}

func TestTradeIDWithoutSequence(t *testing.T) {
	a := tradeID(&exchange.Event{Market: "X"}, exchange.OrderPayload{})
	b := tradeID(&exchange.Event{Market: "X"}, exchange.OrderPayload{})
	assert.NotEqual(t, a, b)
	assert.Equal(t, "t9", tradeID(&exchange.Event{Market: "X", Sequence: 3}, exchange.OrderPayload{TradeID: "t9"}))
}
