package candle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/amirphl/book-stream/internal/market"
	"github.com/amirphl/book-stream/internal/tfutils"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMarket = market.Key("X")

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// Helper function to create test candles
func createTestCandle(granularity int, point time.Time, open, high, low, close, volume string) Candle {
	return Candle{
		Market:      testMarket,
		Granularity: granularity,
		Point:       point,
		Open:        d(open),
		High:        d(high),
		Low:         d(low),
		Close:       d(close),
		Volume:      d(volume),
		Total:       d(close).Mul(d(volume)),
	}
}

func TestCandleValidate(t *testing.T) {
	valid := createTestCandle(60, t0, "100", "110", "90", "105", "1")
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(c *Candle)
	}{
		{"zero point", func(c *Candle) { c.Point = time.Time{} }},
		{"bad granularity", func(c *Candle) { c.Granularity = 120 }},
		{"non positive price", func(c *Candle) { c.Low = decimal.Zero }},
		{"high below low", func(c *Candle) { c.High = d("80") }},
		{"open out of range", func(c *Candle) { c.Open = d("111") }},
		{"close out of range", func(c *Candle) { c.Close = d("89") }},
		{"negative volume", func(c *Candle) { c.Volume = d("-1") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid
			tt.mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestFillGaps(t *testing.T) {
	candles := []Candle{
		createTestCandle(60, t0.Add(3*time.Minute), "101", "102", "100", "102", "1"),
		createTestCandle(60, t0, "100", "101", "99", "101", "2"),
	}
	filled := FillGaps(candles)
	require.Len(t, filled, 4)

	for i, c := range filled {
		assert.Equal(t, t0.Add(time.Duration(i)*time.Minute), c.Point)
	}
	for _, c := range filled[1:3] {
		assert.True(t, c.Open.Equal(d("101")))
		assert.True(t, c.Close.Equal(d("101")))
		assert.True(t, c.Volume.IsZero())
	}
	assert.True(t, filled[3].Close.Equal(d("102")))
	assert.Nil(t, FillGaps(nil))
}

func TestAggregate(t *testing.T) {
	t.Run("Empty candles", func(t *testing.T) {
		result, err := Aggregate(nil, tfutils.Granularity5M)
		assert.NoError(t, err)
		assert.Nil(t, result)
	})

	t.Run("Invalid granularity", func(t *testing.T) {
		_, err := Aggregate([]Candle{createTestCandle(60, t0, "1", "1", "1", "1", "1")}, 120)
		assert.Error(t, err)
	})

	t.Run("Target not larger", func(t *testing.T) {
		_, err := Aggregate([]Candle{createTestCandle(300, t0, "1", "1", "1", "1", "1")}, tfutils.Granularity1M)
		assert.Error(t, err)
	})

	t.Run("Folds into buckets", func(t *testing.T) {
		var candles []Candle
		for i := 0; i < 7; i++ {
			p := d("100").Add(decimal.NewFromInt(int64(i)))
			candles = append(candles, Candle{
				Market:      testMarket,
				Granularity: 60,
				Point:       t0.Add(time.Duration(i) * time.Minute),
				Open:        p,
				High:        p.Add(d("0.5")),
				Low:         p.Sub(d("0.5")),
				Close:       p,
				Volume:      d("1"),
				Total:       p,
			})
		}

		result, err := Aggregate(candles, tfutils.Granularity5M)
		require.NoError(t, err)
		require.Len(t, result, 2)

		first := result[0]
		assert.Equal(t, t0, first.Point)
		assert.Equal(t, tfutils.Granularity5M, first.Granularity)
		assert.True(t, first.Open.Equal(d("100")))
		assert.True(t, first.High.Equal(d("104.5")))
		assert.True(t, first.Low.Equal(d("99.5")))
		assert.True(t, first.Close.Equal(d("104")))
		assert.True(t, first.Volume.Equal(d("5")))
		assert.True(t, first.Total.Equal(d("510")))

		second := result[1]
		assert.Equal(t, t0.Add(5*time.Minute), second.Point)
		assert.True(t, second.Open.Equal(d("105")))
		assert.True(t, second.Close.Equal(d("106")))
		assert.True(t, second.Volume.Equal(d("2")))
	})
}

func TestSeriesMerge(t *testing.T) {
	s := NewSeries(testMarket, 60, 3)

	n := s.Merge([]Candle{
		createTestCandle(60, t0.Add(time.Minute), "1", "1", "1", "1", "1"),
		createTestCandle(60, t0, "1", "1", "1", "1", "1"),
	})
	assert.Equal(t, 2, n)

	replaced := createTestCandle(60, t0.Add(time.Minute), "2", "2", "2", "2", "5")
	other := createTestCandle(300, t0, "1", "1", "1", "1", "1")
	n = s.Merge([]Candle{replaced, other})
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, s.Len())

	latest, ok := s.Latest()
	require.True(t, ok)
	assert.True(t, latest.Volume.Equal(d("5")))

	s.Merge([]Candle{
		createTestCandle(60, t0.Add(2*time.Minute), "1", "1", "1", "1", "1"),
		createTestCandle(60, t0.Add(3*time.Minute), "1", "1", "1", "1", "1"),
	})
	got := s.Candles()
	require.Len(t, got, 3)
	assert.Equal(t, t0.Add(time.Minute), got[0].Point)
	assert.Equal(t, t0.Add(3*time.Minute), got[2].Point)
}

func TestSeriesMergeFillsGaps(t *testing.T) {
	s := NewSeries(testMarket, 60, 10)

	n := s.Merge([]Candle{
		createTestCandle(60, t0, "100", "101", "99", "101", "2"),
		createTestCandle(60, t0.Add(3*time.Minute), "101", "102", "100", "102", "1"),
	})
	assert.Equal(t, 2, n)
	got := s.Candles()
	require.Len(t, got, 4)
	assert.True(t, got[1].Close.Equal(d("101")))
	assert.True(t, got[2].Volume.IsZero())

	actual := createTestCandle(60, t0.Add(2*time.Minute), "101", "103", "101", "103", "4")
	assert.Equal(t, 1, s.Merge([]Candle{actual}))
	got = s.Candles()
	require.Len(t, got, 4)
	assert.True(t, got[2].Volume.Equal(d("4")), "the real candle replaces the filler")
}

type fakeFetcher struct {
	mu      sync.Mutex
	calls   int
	fail    int
	candles []Candle
}

func (f *fakeFetcher) FetchCandles(ctx context.Context, m market.Key, granularity int) ([]Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.fail {
		return nil, errors.New("unavailable")
	}
	return f.candles, nil
}

func (f *fakeFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestPollerRefreshRetries(t *testing.T) {
	f := &fakeFetcher{fail: 2, candles: []Candle{createTestCandle(60, t0, "1", "1", "1", "1", "1")}}
	cfg := DefaultPollerConfig([]market.Key{testMarket})
	cfg.RetryDelay = time.Millisecond
	cfg.MaxDelay = 5 * time.Millisecond
	p := NewPoller(f, cfg)

	updates, err := p.Subscribe("test", 1)
	require.NoError(t, err)

	require.NoError(t, p.Refresh(context.Background(), testMarket))
	assert.Equal(t, 3, f.Calls())
	assert.Equal(t, 1, p.Series(testMarket).Len())

	select {
	case u := <-updates:
		assert.Equal(t, testMarket, u.Market)
		assert.Equal(t, t0, u.Latest.Point)
	default:
		t.Fatal("expected an update")
	}
}

func TestPollerRefreshGivesUp(t *testing.T) {
	f := &fakeFetcher{fail: 10}
	cfg := DefaultPollerConfig([]market.Key{testMarket})
	cfg.RetryDelay = time.Millisecond
	cfg.MaxDelay = time.Millisecond
	p := NewPoller(f, cfg)

	err := p.Refresh(context.Background(), testMarket)
	assert.Error(t, err)
	assert.Equal(t, cfg.MaxRetries, f.Calls())

	assert.Error(t, p.Refresh(context.Background(), "unknown"))
}

func TestPollerRollup(t *testing.T) {
	var candles []Candle
	for i := 0; i < 6; i++ {
		candles = append(candles, createTestCandle(60, t0.Add(time.Duration(i)*time.Minute), "1", "2", "1", "2", "1"))
	}
	cfg := DefaultPollerConfig([]market.Key{testMarket})
	cfg.Rollup = tfutils.Granularity5M
	p := NewPoller(&fakeFetcher{candles: candles}, cfg)

	updates, err := p.Subscribe("test", 1)
	require.NoError(t, err)
	require.NoError(t, p.Refresh(context.Background(), testMarket))

	u := <-updates
	require.NotNil(t, u.Rollup)
	assert.Equal(t, t0.Add(5*time.Minute), u.Rollup.Point)
	assert.Equal(t, tfutils.Granularity5M, u.Rollup.Granularity)

	rolled, err := p.Rollup(testMarket)
	require.NoError(t, err)
	require.Len(t, rolled, 2)
	assert.True(t, rolled[0].Volume.Equal(d("5")))

	_, err = NewPoller(&fakeFetcher{}, DefaultPollerConfig([]market.Key{testMarket})).Rollup(testMarket)
	assert.Error(t, err)
}

func TestPollerStartStop(t *testing.T) {
	f := &fakeFetcher{candles: []Candle{createTestCandle(60, t0, "1", "1", "1", "1", "1")}}
	cfg := DefaultPollerConfig([]market.Key{testMarket})
	cfg.Interval = 5 * time.Millisecond
	p := NewPoller(f, cfg)

	require.NoError(t, p.Start(context.Background()))
	assert.Error(t, p.Start(context.Background()))

	assert.Eventually(t, func() bool { return f.Calls() >= 3 }, time.Second, time.Millisecond)
	p.Stop()
	assert.Equal(t, 1, p.Series(testMarket).Len())
}

func TestPollerStartValidates(t *testing.T) {
	assert.Error(t, NewPoller(nil, DefaultPollerConfig([]market.Key{testMarket})).Start(context.Background()))
	assert.Error(t, NewPoller(&fakeFetcher{}, DefaultPollerConfig(nil)).Start(context.Background()))

	cfg := DefaultPollerConfig([]market.Key{testMarket})
	cfg.Granularity = 7
	assert.Error(t, NewPoller(&fakeFetcher{}, cfg).Start(context.Background()))

	cfg = DefaultPollerConfig([]market.Key{testMarket})
	cfg.Granularity = tfutils.Granularity5M
	cfg.Rollup = tfutils.Granularity1M
	assert.Error(t, NewPoller(&fakeFetcher{}, cfg).Start(context.Background()))
}
