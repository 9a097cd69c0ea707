package orderbook

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/amirphl/book-stream/internal/market"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotSynced is returned for incremental events that arrive before the
	// market's first snapshot after a (re)subscription.
	ErrNotSynced = errors.New("order book not synced")
	// ErrSequenceGap means an incremental event skipped a sequence number. The
	// book is marked unsynced and needs a fresh snapshot.
	ErrSequenceGap = errors.New("order book sequence gap")
	// ErrStaleEvent is an event at or below the last applied sequence.
	ErrStaleEvent = errors.New("stale order book event")
)

// View is an immutable copy of a book handed to readers.
type View struct {
	Market    market.Key
	Bids      []market.PriceLevelEntry
	Asks      []market.PriceLevelEntry
	Synced    bool
	Sequence  int64
	UpdatedAt time.Time
}

// Store holds the books of all subscribed markets. Mutations are expected from
// a single goroutine; readers may call the accessors concurrently.
type Store struct {
	mu    sync.RWMutex
	books map[market.Key]*Book
}

func NewStore() *Store {
	return &Store{books: make(map[market.Key]*Book)}
}

// Snapshot replaces the market's book and marks it synced. seq is the
// snapshot's sequence number, 0 when the exchange did not send one.
func (s *Store) Snapshot(m market.Key, snap BookSnapshot, seq int64, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.books[m]
	if !ok {
		b = NewBook(m)
		s.books[m] = b
	}
	b.ApplySnapshot(snap)
	b.sequence = seq
	b.updatedAt = at
}

// Preview fills a book that is waiting for its snapshot with levels fetched
// elsewhere, for display only. The book stays unsynced and a synced book is
// left alone. It reports whether the levels were taken.
func (s *Store) Preview(m market.Key, snap BookSnapshot, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.books[m]
	if ok && b.synced {
		return false
	}
	if !ok {
		b = NewBook(m)
		s.books[m] = b
	}
	b.ApplySnapshot(snap)
	b.synced = false
	b.sequence = 0
	b.updatedAt = at
	return true
}

// Open merges an ORDER-OPEN event into the book.
func (s *Store) Open(m market.Key, e market.PriceLevelEntry, seq int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := s.syncedBook(m, seq)
	if err != nil {
		return err
	}
	if err := b.Open(e); err != nil {
		return fmt.Errorf("open %s %s@%s: %w", m, e.Side, e.Price, err)
	}
	b.advance(seq, at)
	return nil
}

// Remove applies an ORDER-CANCEL or ORDER-MATCH event. The bool reports
// whether a level existed at the price.
func (s *Store) Remove(m market.Key, e market.PriceLevelEntry, seq int64, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := s.syncedBook(m, seq)
	if err != nil {
		return false, err
	}
	found, err := b.Remove(e)
	if err != nil {
		return false, fmt.Errorf("remove %s %s@%s: %w", m, e.Side, e.Price, err)
	}
	b.advance(seq, at)
	return found, nil
}

// Heartbeat consumes the sequence number the exchange spends on a HEARTBEAT.
// It never moves a book backwards and does nothing for a book that is waiting
// for a snapshot. A heartbeat past the next expected number is a gap.
func (s *Store) Heartbeat(m market.Key, seq int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.books[m]
	if !ok || !b.synced || seq == 0 || b.sequence == 0 || seq <= b.sequence {
		return nil
	}
	if seq != b.sequence+1 {
		b.synced = false
		return fmt.Errorf("%s: heartbeat expected sequence %d, got %d: %w", m, b.sequence+1, seq, ErrSequenceGap)
	}
	b.advance(seq, at)
	return nil
}

// syncedBook checks that an incremental event with sequence seq can be applied.
func (s *Store) syncedBook(m market.Key, seq int64) (*Book, error) {
	b, ok := s.books[m]
	if !ok || !b.synced {
		return nil, fmt.Errorf("%s: %w", m, ErrNotSynced)
	}
	if seq == 0 || b.sequence == 0 {
		return b, nil
	}
	if seq <= b.sequence {
		return nil, fmt.Errorf("%s: sequence %d <= %d: %w", m, seq, b.sequence, ErrStaleEvent)
	}
	if seq != b.sequence+1 {
		b.synced = false
		return nil, fmt.Errorf("%s: expected sequence %d, got %d: %w", m, b.sequence+1, seq, ErrSequenceGap)
	}
	return b, nil
}

func (b *Book) advance(seq int64, at time.Time) {
	if seq > 0 {
		b.sequence = seq
	}
	b.updatedAt = at
}

// Invalidate marks a market as waiting for a snapshot. The last state stays
// readable.
func (s *Store) Invalidate(m market.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.books[m]; ok {
		b.synced = false
	}
}

// InvalidateAll marks every market as waiting for a snapshot, e.g. after a
// reconnect.
func (s *Store) InvalidateAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.books {
		b.synced = false
	}
}

// View returns a copy of the market's book.
func (s *Store) View(m market.Key, depth int) (View, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.books[m]
	if !ok {
		return View{}, false
	}
	return View{
		Market:    m,
		Bids:      b.Bids(depth),
		Asks:      b.Asks(depth),
		Synced:    b.synced,
		Sequence:  b.sequence,
		UpdatedAt: b.updatedAt,
	}, true
}

func (s *Store) Bids(m market.Key, depth int) []market.PriceLevelEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if b, ok := s.books[m]; ok {
		return b.Bids(depth)
	}
	return nil
}

func (s *Store) Asks(m market.Key, depth int) []market.PriceLevelEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if b, ok := s.books[m]; ok {
		return b.Asks(depth)
	}
	return nil
}

func (s *Store) BestBid(m market.Key) (market.PriceLevelEntry, bool) {
	return s.best(m, market.Bid)
}

func (s *Store) BestAsk(m market.Key) (market.PriceLevelEntry, bool) {
	return s.best(m, market.Ask)
}

func (s *Store) best(m market.Key, side market.Side) (market.PriceLevelEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if b, ok := s.books[m]; ok {
		return b.Best(side)
	}
	return market.PriceLevelEntry{}, false
}

func (s *Store) Spread(m market.Key) (decimal.Decimal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if b, ok := s.books[m]; ok {
		return b.Spread()
	}
	return decimal.Zero, false
}

// Synced reports whether the market's book can be trusted.
func (s *Store) Synced(m market.Key) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.books[m]
	return ok && b.synced
}

// Markets returns the markets with a book, sorted.
func (s *Store) Markets() []market.Key {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]market.Key, 0, len(s.books))
	for m := range s.books {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
