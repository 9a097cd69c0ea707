// Package orderbook keeps the client side copy of an exchange order book.
//
// Each market has two sides ordered best price first: bids by descending
// price, asks by ascending price. Same-price opens aggregate into one level,
// removals subtract from it and a level that reaches a non-positive amount is
// deleted. All arithmetic is exact decimal; rounding happens only in the
// Format helpers.
package orderbook

import (
	"errors"
	"time"

	"github.com/amirphl/book-stream/internal/market"
	"github.com/google/btree"
	"github.com/shopspring/decimal"
)

const btreeDegree = 32

var ErrInvalidEntry = errors.New("invalid price level entry")

// BookSnapshot is the BOOK-T0 payload: both sides, best price first.
type BookSnapshot struct {
	Asks []market.PriceLevelEntry `json:"asks"`
	Bids []market.PriceLevelEntry `json:"bids"`
}

// Book is the state of one market. It is not safe for concurrent use; Store
// serializes access.
type Book struct {
	market    market.Key
	bids      *btree.BTreeG[market.PriceLevelEntry]
	asks      *btree.BTreeG[market.PriceLevelEntry]
	synced    bool
	sequence  int64
	updatedAt time.Time
}

// bidLess orders bids highest price first.
func bidLess(a, b market.PriceLevelEntry) bool {
	return a.Price.GreaterThan(b.Price)
}

// askLess orders asks lowest price first.
func askLess(a, b market.PriceLevelEntry) bool {
	return a.Price.LessThan(b.Price)
}

func NewBook(m market.Key) *Book {
	return &Book{
		market: m,
		bids:   btree.NewG(btreeDegree, bidLess),
		asks:   btree.NewG(btreeDegree, askLess),
	}
}

func (b *Book) side(s market.Side) *btree.BTreeG[market.PriceLevelEntry] {
	switch s {
	case market.Bid:
		return b.bids
	case market.Ask:
		return b.asks
	default:
		return nil
	}
}

// ApplySnapshot discards both sides and loads the snapshot lists. Entries
// without a positive amount are skipped; repeated prices aggregate.
func (b *Book) ApplySnapshot(snap BookSnapshot) {
	b.bids.Clear(false)
	b.asks.Clear(false)
	for _, e := range snap.Bids {
		e.Side = market.Bid
		b.merge(b.bids, e)
	}
	for _, e := range snap.Asks {
		e.Side = market.Ask
		b.merge(b.asks, e)
	}
	b.synced = true
}

// Open adds amount at the entry's price, creating the level when needed.
func (b *Book) Open(e market.PriceLevelEntry) error {
	tree := b.side(e.Side)
	if tree == nil || !e.Amount.IsPositive() || !e.Price.IsPositive() {
		return ErrInvalidEntry
	}
	b.merge(tree, e)
	return nil
}

func (b *Book) merge(tree *btree.BTreeG[market.PriceLevelEntry], e market.PriceLevelEntry) {
	if !e.Amount.IsPositive() || !e.Price.IsPositive() {
		return
	}
	e = e.Normalize()
	if cur, ok := tree.Get(e); ok {
		cur.Amount = cur.Amount.Add(e.Amount)
		cur.Funds = cur.Funds.Add(e.Funds)
		tree.ReplaceOrInsert(cur)
		return
	}
	tree.ReplaceOrInsert(e)
}

// Remove subtracts the entry's amount from the level at its price. It
// reports whether a level existed; a missing level is not an error since
// the next snapshot resynchronizes the book.
func (b *Book) Remove(e market.PriceLevelEntry) (bool, error) {
	tree := b.side(e.Side)
	if tree == nil || e.Amount.IsNegative() {
		return false, ErrInvalidEntry
	}
	cur, ok := tree.Get(e)
	if !ok {
		return false, nil
	}
	e = e.Normalize()
	cur.Amount = cur.Amount.Sub(e.Amount)
	cur.Funds = cur.Funds.Sub(e.Funds)
	if !cur.Amount.IsPositive() || !cur.Funds.IsPositive() {
		tree.Delete(cur)
		return true, nil
	}
	tree.ReplaceOrInsert(cur)
	return true, nil
}

// Bids returns up to depth bid levels, best first. depth <= 0 returns all.
func (b *Book) Bids(depth int) []market.PriceLevelEntry {
	return collect(b.bids, depth)
}

// Asks returns up to depth ask levels, best first. depth <= 0 returns all.
func (b *Book) Asks(depth int) []market.PriceLevelEntry {
	return collect(b.asks, depth)
}

func collect(tree *btree.BTreeG[market.PriceLevelEntry], depth int) []market.PriceLevelEntry {
	n := tree.Len()
	if depth > 0 && depth < n {
		n = depth
	}
	out := make([]market.PriceLevelEntry, 0, n)
	tree.Ascend(func(e market.PriceLevelEntry) bool {
		out = append(out, e)
		return len(out) < n
	})
	return out
}

// Best returns the best level of a side.
func (b *Book) Best(s market.Side) (market.PriceLevelEntry, bool) {
	tree := b.side(s)
	if tree == nil {
		return market.PriceLevelEntry{}, false
	}
	return tree.Min()
}

// Spread is best ask minus best bid; false when either side is empty.
func (b *Book) Spread() (decimal.Decimal, bool) {
	bid, ok := b.Best(market.Bid)
	if !ok {
		return decimal.Zero, false
	}
	ask, ok := b.Best(market.Ask)
	if !ok {
		return decimal.Zero, false
	}
	return ask.Price.Sub(bid.Price), true
}

func (b *Book) Market() market.Key { return b.market }

// Synced reports whether a snapshot was applied since the last invalidation.
func (b *Book) Synced() bool { return b.synced }

func (b *Book) Sequence() int64 { return b.sequence }

func (b *Book) Len(s market.Side) int {
	tree := b.side(s)
	if tree == nil {
		return 0
	}
	return tree.Len()
}
