// Package history keeps the recent trades of each market, newest first.
package history

import (
	"sort"
	"sync"

	"github.com/amirphl/book-stream/internal/market"
)

const DefaultCapacity = 100

// Buffer is a bounded, deduplicated, newest-first trade log. It is not safe
// for concurrent use; Store serializes access.
type Buffer struct {
	capacity int
	trades   []market.Trade
	ids      map[string]struct{}
}

func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		capacity: capacity,
		trades:   make([]market.Trade, 0, capacity),
		ids:      make(map[string]struct{}, capacity),
	}
}

// Append prepends a trade. Trades whose id is already present, or that are
// older than the newest trade, are rejected. The oldest trades are evicted
// past capacity.
func (b *Buffer) Append(t market.Trade) bool {
	if _, dup := b.ids[t.TradeID]; dup {
		return false
	}
	if len(b.trades) > 0 && t.CreatedAt.Before(b.trades[0].CreatedAt) {
		return false
	}

	b.trades = append(b.trades, market.Trade{})
	copy(b.trades[1:], b.trades)
	b.trades[0] = t
	b.ids[t.TradeID] = struct{}{}

	for len(b.trades) > b.capacity {
		last := b.trades[len(b.trades)-1]
		delete(b.ids, last.TradeID)
		b.trades = b.trades[:len(b.trades)-1]
	}
	return true
}

// Seed loads historical trades given newest first, as returned by the REST
// API. It returns the number of trades kept.
func (b *Buffer) Seed(newestFirst []market.Trade) int {
	n := 0
	for i := len(newestFirst) - 1; i >= 0; i-- {
		if b.Append(newestFirst[i]) {
			n++
		}
	}
	return n
}

// Trades returns a copy of the buffer, newest first.
func (b *Buffer) Trades() []market.Trade {
	out := make([]market.Trade, len(b.trades))
	copy(out, b.trades)
	return out
}

func (b *Buffer) Len() int { return len(b.trades) }

// Latest returns the newest trade.
func (b *Buffer) Latest() (market.Trade, bool) {
	if len(b.trades) == 0 {
		return market.Trade{}, false
	}
	return b.trades[0], true
}

// Store holds one Buffer per market.
type Store struct {
	mu       sync.RWMutex
	capacity int
	buffers  map[market.Key]*Buffer
}

func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		capacity: capacity,
		buffers:  make(map[market.Key]*Buffer),
	}
}

func (s *Store) buffer(m market.Key) *Buffer {
	b, ok := s.buffers[m]
	if !ok {
		b = NewBuffer(s.capacity)
		s.buffers[m] = b
	}
	return b
}

func (s *Store) Append(m market.Key, t market.Trade) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffer(m).Append(t)
}

func (s *Store) Seed(m market.Key, newestFirst []market.Trade) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffer(m).Seed(newestFirst)
}

// Trades returns up to limit trades of a market, newest first. limit <= 0
// returns all.
func (s *Store) Trades(m market.Key, limit int) []market.Trade {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.buffers[m]
	if !ok {
		return nil
	}
	out := b.Trades()
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out
}

func (s *Store) Latest(m market.Key) (market.Trade, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if b, ok := s.buffers[m]; ok {
		return b.Latest()
	}
	return market.Trade{}, false
}

func (s *Store) Markets() []market.Key {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]market.Key, 0, len(s.buffers))
	for m := range s.buffers {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
