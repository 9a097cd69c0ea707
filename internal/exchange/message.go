package exchange

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/amirphl/book-stream/internal/market"
)

// Actions of the engine protocol.
const (
	ActionSubscribeBook   = "SUBSCRIBE_BOOK"
	ActionUnsubscribeBook = "UNSUBSCRIBE_BOOK"
	ActionEmitEvent       = "EMIT_EVENT"
)

// Event kinds carried by EMIT_EVENT.
const (
	EventBookSnapshot = "BOOK-T0"
	EventHeartbeat    = "HEARTBEAT"
	EventOrderOpen    = "ORDER-OPEN"
	EventOrderCancel  = "ORDER-CANCEL"
	EventOrderMatch   = "ORDER-MATCH"
)

// Params of a book request.
type Params struct {
	Market market.Key `json:"market"`
}

// Request is an outbound protocol message.
type Request struct {
	ID     string `json:"id"`
	Action string `json:"action"`
	Params Params `json:"params"`
}

// Envelope is an inbound protocol message: either an event (EMIT_EVENT) or
// the acknowledgement of a request.
type Envelope struct {
	ID     string          `json:"id"`
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Event is the data of an EMIT_EVENT envelope.
type Event struct {
	Market    market.Key      `json:"market"`
	Kind      string          `json:"event"`
	Sequence  int64           `json:"sequence,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Event decodes the envelope data as an event.
func (e *Envelope) Event() (*Event, error) {
	if e.Action != ActionEmitEvent {
		return nil, fmt.Errorf("envelope action %q is not %s", e.Action, ActionEmitEvent)
	}
	var ev Event
	if err := json.Unmarshal(e.Data, &ev); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return &ev, nil
}

// OrderPayload is the data of ORDER-OPEN, ORDER-CANCEL and ORDER-MATCH.
type OrderPayload struct {
	market.PriceLevelEntry
	TradeID string `json:"trade_id,omitempty"`
}

// BookPayload is the data of BOOK-T0.
type BookPayload struct {
	Asks []market.PriceLevelEntry `json:"asks"`
	Bids []market.PriceLevelEntry `json:"bids"`
}
