// Package enginetest runs an in-process engine websocket endpoint that speaks
// the gzip protocol, for tests of the streaming client.
package enginetest

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/amirphl/book-stream/internal/exchange"
	"github.com/amirphl/book-stream/internal/market"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const writeWait = 5 * time.Second

// Server accepts websocket clients and hands each connection to the test.
type Server struct {
	*httptest.Server
	upgrader websocket.Upgrader
	conns    chan *Conn

	mu  sync.Mutex
	all []*Conn
}

func NewServer() *Server {
	s := &Server{conns: make(chan *Conn, 16)}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// URL returns the ws:// address of the server.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.Server.URL, "http")
}

// Accept waits for the next client connection.
func (s *Server) Accept(timeout time.Duration) (*Conn, bool) {
	select {
	case c := <-s.conns:
		return c, true
	case <-time.After(timeout):
		return nil, false
	}
}

// Close drops every client and stops the server.
func (s *Server) Close() {
	s.mu.Lock()
	for _, c := range s.all {
		c.Drop()
	}
	s.mu.Unlock()
	s.Server.Close()
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &Conn{
		ws:       ws,
		requests: make(chan exchange.Request, 64),
		closed:   make(chan struct{}),
	}
	s.mu.Lock()
	s.all = append(s.all, c)
	s.mu.Unlock()

	s.conns <- c
	c.readPump()
}

// Conn is one client connection as seen by the engine.
type Conn struct {
	ws       *websocket.Conn
	writeMu  sync.Mutex
	requests chan exchange.Request
	closed   chan struct{}
}

func (c *Conn) readPump() {
	defer close(c.closed)
	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.BinaryMessage {
			c.WriteJSON(map[string]any{"id": uuid.Nil.String(), "action": "ERROR", "error": "message type must be binary"})
			continue
		}
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			continue
		}
		raw, err := io.ReadAll(zr)
		if err != nil {
			continue
		}
		var req exchange.Request
		if err := json.Unmarshal(raw, &req); err != nil {
			continue
		}
		select {
		case c.requests <- req:
		default:
		}
		c.WriteJSON(map[string]any{
			"id":     req.ID,
			"action": req.Action,
			"data":   map[string]string{"status": "received"},
		})
	}
}

// NextRequest waits for the next request the client sent on this connection.
func (c *Conn) NextRequest(timeout time.Duration) (exchange.Request, bool) {
	select {
	case req := <-c.requests:
		return req, true
	case <-time.After(timeout):
		return exchange.Request{}, false
	}
}

// WriteJSON sends v the way the engine does: JSON, gzip level 3, one binary
// frame.
func (c *Conn) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	wsWriter, err := c.ws.NextWriter(websocket.BinaryMessage)
	if err != nil {
		return err
	}
	gzWriter, err := gzip.NewWriterLevel(wsWriter, 3)
	if err != nil {
		return err
	}
	if _, err := gzWriter.Write(data); err != nil {
		return err
	}
	if err := gzWriter.Close(); err != nil {
		return err
	}
	return wsWriter.Close()
}

// WriteRaw sends a frame as is.
func (c *Conn) WriteRaw(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(messageType, data)
}

// Emit sends an EMIT_EVENT envelope.
func (c *Conn) Emit(ev exchange.Event) error {
	return c.WriteJSON(map[string]any{
		"id":     uuid.Nil.String(),
		"action": exchange.ActionEmitEvent,
		"data":   ev,
	})
}

// Ping sends a websocket ping.
func (c *Conn) Ping() error {
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// Drop closes the connection without a close handshake.
func (c *Conn) Drop() {
	c.ws.Close()
}

// Done is closed when the client side goes away.
func (c *Conn) Done() <-chan struct{} { return c.closed }

// Level is a [price, amount] pair.
type Level [2]string

// BookEvent builds a BOOK-T0 event.
func BookEvent(m market.Key, seq int64, bids, asks []Level) exchange.Event {
	payload := map[string]any{"bids": levels(bids), "asks": levels(asks)}
	data, _ := json.Marshal(payload)
	return exchange.Event{
		Market:    m,
		Kind:      exchange.EventBookSnapshot,
		Sequence:  seq,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

func levels(in []Level) []map[string]string {
	out := make([]map[string]string, 0, len(in))
	for _, l := range in {
		out = append(out, map[string]string{"price": l[0], "amount": l[1]})
	}
	return out
}

// OrderEvent builds an ORDER-OPEN, ORDER-CANCEL or ORDER-MATCH event.
func OrderEvent(m market.Key, kind string, seq int64, side market.Side, price, amount, tradeID string) exchange.Event {
	payload := map[string]string{"side": string(side), "price": price, "amount": amount}
	if tradeID != "" {
		payload["trade_id"] = tradeID
	}
	data, _ := json.Marshal(payload)
	return exchange.Event{
		Market:    m,
		Kind:      kind,
		Sequence:  seq,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}
