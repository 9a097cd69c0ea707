package exchange

import (
	"log"
	"sync"

	"github.com/amirphl/book-stream/internal/market"
	"github.com/google/uuid"
)

// Sender writes a protocol message. Transport implements it.
type Sender interface {
	Send(v any)
}

// Handler receives the events of one market.
type Handler func(*Event)

// Subscription is a market's callback and the request that (re)creates it on
// the server.
type Subscription struct {
	Market  market.Key
	Message Request
	handler Handler
}

// Registry tracks book subscriptions and replays them after a reconnect.
type Registry struct {
	sender Sender
	logger *log.Logger

	mu    sync.RWMutex
	subs  map[market.Key]*Subscription
	order []market.Key
}

func NewRegistry(sender Sender, logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.Default()
	}
	return &Registry{
		sender: sender,
		logger: logger,
		subs:   make(map[market.Key]*Subscription),
	}
}

func newRequest(action string, m market.Key) Request {
	return Request{
		ID:     uuid.New().String(),
		Action: action,
		Params: Params{Market: m},
	}
}

// Subscribe sends SUBSCRIBE_BOOK for the market and routes its events to h.
// An existing subscription for the market is dropped first.
func (r *Registry) Subscribe(m market.Key, h Handler) Request {
	r.Unsubscribe(m)

	msg := newRequest(ActionSubscribeBook, m)
	r.mu.Lock()
	r.subs[m] = &Subscription{Market: m, Message: msg, handler: h}
	r.order = append(r.order, m)
	r.mu.Unlock()

	r.sender.Send(msg)
	r.logger.Printf("Registry | Subscribed to %s (%s)", m, msg.ID)
	return msg
}

// Unsubscribe removes the market and sends UNSUBSCRIBE_BOOK. It reports
// whether the market was subscribed.
func (r *Registry) Unsubscribe(m market.Key) bool {
	r.mu.Lock()
	_, ok := r.subs[m]
	if ok {
		delete(r.subs, m)
		for i, k := range r.order {
			if k == m {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	r.sender.Send(newRequest(ActionUnsubscribeBook, m))
	r.logger.Printf("Registry | Unsubscribed from %s", m)
	return true
}

// Renew re-sends a market's subscription under a fresh request id so the
// exchange starts it over with a new snapshot. The market keeps its place in
// the replay order.
func (r *Registry) Renew(m market.Key) bool {
	r.mu.Lock()
	sub, ok := r.subs[m]
	if !ok {
		r.mu.Unlock()
		return false
	}
	msg := newRequest(ActionSubscribeBook, m)
	sub.Message = msg
	r.mu.Unlock()

	r.sender.Send(newRequest(ActionUnsubscribeBook, m))
	r.sender.Send(msg)
	r.logger.Printf("Registry | Renewed subscription to %s (%s)", m, msg.ID)
	return true
}

// Dispatch hands ev to the handler of its market. Events for markets that
// are not subscribed are dropped.
func (r *Registry) Dispatch(ev *Event) bool {
	r.mu.RLock()
	sub, ok := r.subs[ev.Market]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	sub.handler(ev)
	return true
}

// Resubscribe re-sends every stored request verbatim, in subscription order.
func (r *Registry) Resubscribe() int {
	r.mu.RLock()
	msgs := make([]Request, 0, len(r.order))
	for _, m := range r.order {
		msgs = append(msgs, r.subs[m].Message)
	}
	r.mu.RUnlock()

	for _, msg := range msgs {
		r.sender.Send(msg)
	}
	if len(msgs) > 0 {
		r.logger.Printf("Registry | Replayed %d subscriptions", len(msgs))
	}
	return len(msgs)
}

// Markets returns the subscribed markets in subscription order.
func (r *Registry) Markets() []market.Key {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]market.Key, len(r.order))
	copy(out, r.order)
	return out
}

func (r *Registry) Subscribed(m market.Key) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.subs[m]
	return ok
}
