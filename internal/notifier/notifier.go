// Package notifier fans "state changed" signals out to whatever renders the
// order books and trade feeds.
package notifier

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/amirphl/book-stream/internal/market"
)

var ErrClosed = errors.New("notifier closed")

// ChangeKind says which part of a market's state changed.
type ChangeKind int

const (
	ChangeBook ChangeKind = iota
	ChangeTrades
	ChangeTicker
	// ChangeConnection carries no market.
	ChangeConnection
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeBook:
		return "book"
	case ChangeTrades:
		return "trades"
	case ChangeTicker:
		return "ticker"
	case ChangeConnection:
		return "connection"
	default:
		return "unknown"
	}
}

type Change struct {
	Market market.Key
	Kind   ChangeKind
}

// Notifier delivers changes to named subscribers without ever blocking the
// caller. A subscriber whose buffer is full misses the change.
type Notifier struct {
	mu      sync.RWMutex
	subs    map[string]chan Change
	dropped map[string]uint64
	closed  bool
	logger  *log.Logger
}

func New(logger *log.Logger) *Notifier {
	if logger == nil {
		logger = log.Default()
	}
	return &Notifier{
		subs:    make(map[string]chan Change),
		dropped: make(map[string]uint64),
		logger:  logger,
	}
}

func (n *Notifier) Subscribe(id string, bufferSize int) (<-chan Change, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, ErrClosed
	}
	if _, exists := n.subs[id]; exists {
		return nil, fmt.Errorf("subscriber %s already exists", id)
	}
	if bufferSize < 1 {
		bufferSize = 1
	}
	ch := make(chan Change, bufferSize)
	n.subs[id] = ch
	return ch, nil
}

// Unsubscribe closes the subscriber's channel.
func (n *Notifier) Unsubscribe(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if ch, ok := n.subs[id]; ok {
		close(ch)
		delete(n.subs, id)
		delete(n.dropped, id)
	}
}

func (n *Notifier) Notify(c Change) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for id, ch := range n.subs {
		select {
		case ch <- c:
		default:
			n.dropped[id]++
			// log the first drop and then every 1000th
			if d := n.dropped[id]; d == 1 || d%1000 == 0 {
				n.logger.Printf("Notifier | Subscriber %s channel is full, skipped %d changes", id, d)
			}
		}
	}
}

// Dropped returns how many changes the subscriber has missed.
func (n *Notifier) Dropped(id string) uint64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.dropped[id]
}

// Close unsubscribes everyone. Later Subscribe calls fail.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.closed = true
	for id, ch := range n.subs {
		close(ch)
		delete(n.subs, id)
	}
}
