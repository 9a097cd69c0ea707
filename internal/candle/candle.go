// Package candle
package candle

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/amirphl/book-stream/internal/market"
	"github.com/amirphl/book-stream/internal/tfutils"
	"github.com/shopspring/decimal"
)

// DefaultSeriesLimit is the number of candles the exchange returns per request.
const DefaultSeriesLimit = 100

type Candle struct {
	Market      market.Key      `json:"market"`
	Granularity int             `json:"granularity"`
	Point       time.Time       `json:"point"`
	Open        decimal.Decimal `json:"open"`
	High        decimal.Decimal `json:"high"`
	Low         decimal.Decimal `json:"low"`
	Close       decimal.Decimal `json:"close"`
	Volume      decimal.Decimal `json:"volume"`
	Total       decimal.Decimal `json:"total"`
}

// IsComplete checks if a candle is complete (its period has ended)
func (c *Candle) IsComplete() bool {
	return time.Now().UTC().After(c.Point.Add(tfutils.GetGranularityDuration(c.Granularity)))
}

// Validate checks if a candle has valid data
func (c *Candle) Validate() error {
	if c.Point.IsZero() {
		return errors.New("candle point is zero")
	}
	if !tfutils.IsValidGranularity(c.Granularity) {
		return fmt.Errorf("candle granularity %d is not supported", c.Granularity)
	}
	if !c.Open.IsPositive() || !c.High.IsPositive() || !c.Low.IsPositive() || !c.Close.IsPositive() {
		return errors.New("candle prices must be positive")
	}
	if c.High.LessThan(c.Low) {
		return errors.New("candle high cannot be less than low")
	}
	if c.Open.LessThan(c.Low) || c.Open.GreaterThan(c.High) {
		return errors.New("candle open price must be between high and low")
	}
	if c.Close.LessThan(c.Low) || c.Close.GreaterThan(c.High) {
		return errors.New("candle close price must be between high and low")
	}
	if c.Volume.IsNegative() {
		return errors.New("candle volume cannot be negative")
	}
	return nil
}

// Flat returns an empty candle at point that carries c's close price.
func (c Candle) Flat(point time.Time) Candle {
	return Candle{
		Market:      c.Market,
		Granularity: c.Granularity,
		Point:       point,
		Open:        c.Close,
		High:        c.Close,
		Low:         c.Close,
		Close:       c.Close,
		Volume:      decimal.Zero,
		Total:       decimal.Zero,
	}
}

// FillGaps returns candles, sorted by point, with every missing period
// between the first and the last replaced by a flat candle.
func FillGaps(candles []Candle) []Candle {
	if len(candles) == 0 {
		return nil
	}
	sorted := make([]Candle, len(candles))
	copy(sorted, candles)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Point.Before(sorted[j].Point) })

	step := tfutils.GetGranularityDuration(sorted[0].Granularity)
	if step == 0 {
		return sorted
	}

	out := []Candle{sorted[0]}
	for _, c := range sorted[1:] {
		last := out[len(out)-1]
		for p := last.Point.Add(step); p.Before(c.Point); p = p.Add(step) {
			out = append(out, out[len(out)-1].Flat(p))
		}
		if c.Point.Equal(last.Point) {
			out[len(out)-1] = c
			continue
		}
		out = append(out, c)
	}
	return out
}

// Aggregate folds candles of a smaller granularity into the target one.
func Aggregate(candles []Candle, granularity int) ([]Candle, error) {
	if len(candles) == 0 {
		return nil, nil
	}
	if !tfutils.IsValidGranularity(granularity) {
		return nil, fmt.Errorf("invalid granularity %d", granularity)
	}

	sorted := make([]Candle, len(candles))
	copy(sorted, candles)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Point.Before(sorted[j].Point) })

	source := sorted[0].Granularity
	if source >= granularity {
		return nil, fmt.Errorf("source granularity %d must be smaller than target %d", source, granularity)
	}
	if granularity%source != 0 {
		return nil, fmt.Errorf("granularity %d is not a multiple of %d", granularity, source)
	}

	var result []Candle
	for i, c := range sorted {
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("invalid candle at index %d: %w", i, err)
		}
		if c.Market != sorted[0].Market {
			return nil, fmt.Errorf("candle at index %d has different market: %s, expected: %s", i, c.Market, sorted[0].Market)
		}
		if c.Granularity != source {
			return nil, fmt.Errorf("candle at index %d has different granularity: %d, expected: %d", i, c.Granularity, source)
		}

		point := tfutils.Point(c.Point, granularity)
		if n := len(result); n > 0 && result[n-1].Point.Equal(point) {
			agg := &result[n-1]
			agg.High = decimal.Max(agg.High, c.High)
			agg.Low = decimal.Min(agg.Low, c.Low)
			agg.Close = c.Close
			agg.Volume = agg.Volume.Add(c.Volume)
			agg.Total = agg.Total.Add(c.Total)
			continue
		}
		c.Point = point
		c.Granularity = granularity
		result = append(result, c)
	}
	return result, nil
}

// Series is a bounded, point-ordered set of candles for one market and
// granularity. It is safe for concurrent use.
type Series struct {
	market      market.Key
	granularity int
	limit       int

	mu      sync.RWMutex
	candles []Candle
}

func NewSeries(m market.Key, granularity, limit int) *Series {
	if limit <= 0 {
		limit = DefaultSeriesLimit
	}
	return &Series{market: m, granularity: granularity, limit: limit}
}

// Merge adds candles, replacing any with the same point, and keeps the most
// recent limit. Missing periods are filled with flat candles until the real
// one arrives. Candles of another market or granularity are ignored. It
// returns the number of candles added or replaced.
func (s *Series) Merge(candles []Candle) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	byPoint := make(map[int64]int, len(s.candles))
	for i, c := range s.candles {
		byPoint[c.Point.Unix()] = i
	}

	n := 0
	for _, c := range candles {
		if c.Market != s.market || c.Granularity != s.granularity {
			continue
		}
		if i, ok := byPoint[c.Point.Unix()]; ok {
			s.candles[i] = c
		} else {
			byPoint[c.Point.Unix()] = len(s.candles)
			s.candles = append(s.candles, c)
		}
		n++
	}

	if n > 0 {
		s.candles = FillGaps(s.candles)
	}
	if len(s.candles) > s.limit {
		s.candles = append([]Candle(nil), s.candles[len(s.candles)-s.limit:]...)
	}
	return n
}

// Candles returns a copy of the series, oldest first.
func (s *Series) Candles() []Candle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Candle, len(s.candles))
	copy(out, s.candles)
	return out
}

// Latest returns the most recent candle.
func (s *Series) Latest() (Candle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.candles) == 0 {
		return Candle{}, false
	}
	return s.candles[len(s.candles)-1], true
}

func (s *Series) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.candles)
}

func (s *Series) Market() market.Key { return s.market }

func (s *Series) Granularity() int { return s.granularity }
