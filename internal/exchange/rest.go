package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/amirphl/book-stream/internal/candle"
	"github.com/amirphl/book-stream/internal/market"
	"github.com/amirphl/book-stream/internal/tfutils"
	"github.com/shopspring/decimal"
)

// APIError is the error body of a failed REST call.
type APIError struct {
	Status      int    `json:"status"`
	Code        int    `json:"code"`
	Description string `json:"description"`
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("api error %d (%d): %s", e.Code, e.Status, e.Description)
	}
	return fmt.Sprintf("api error (%d): %s", e.Status, e.Description)
}

// UnmarshalJSON accepts both the structured form and a bare message string.
func (e *APIError) UnmarshalJSON(data []byte) error {
	var msg string
	if err := json.Unmarshal(data, &msg); err == nil {
		e.Description = msg
		return nil
	}
	type plain APIError
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*e = APIError(p)
	return nil
}

type response struct {
	Data  json.RawMessage `json:"data"`
	Error *APIError       `json:"error"`
}

// TradesQuery filters the trade history of a market.
type TradesQuery struct {
	Order  string // ASC or DESC
	Limit  int
	Offset time.Time
}

// Client calls the exchange's market data endpoints.
type Client struct {
	client  *http.Client
	baseURL string
	tokens  TokenSource
}

func NewClient(baseURL string) *Client {
	return &Client{
		client:  &http.Client{Timeout: 30 * time.Second},
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// SetTimeout sets the per request timeout.
func (c *Client) SetTimeout(timeout time.Duration) {
	c.client.Timeout = timeout
}

// SetTokenSource enables bearer authentication.
func (c *Client) SetTokenSource(ts TokenSource) {
	c.tokens = ts
}

// Trades lists trades of a market. With order DESC they come newest first.
func (c *Client) Trades(ctx context.Context, m market.Key, q TradesQuery) ([]market.Trade, error) {
	params := url.Values{}
	if q.Order != "" {
		params.Set("order", q.Order)
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	if !q.Offset.IsZero() {
		params.Set("offset", q.Offset.UTC().Format(time.RFC3339Nano))
	}

	var trades []market.Trade
	if err := c.get(ctx, "/markets/"+url.PathEscape(m.String())+"/trades", params, &trades); err != nil {
		return nil, fmt.Errorf("fetch trades of %s: %w", m, err)
	}
	return trades, nil
}

// RecentTrades returns up to limit trades, newest first.
func (c *Client) RecentTrades(ctx context.Context, m market.Key, limit int) ([]market.Trade, error) {
	return c.Trades(ctx, m, TradesQuery{Order: "DESC", Limit: limit})
}

// FetchCandles returns the latest candles of a market, oldest first.
func (c *Client) FetchCandles(ctx context.Context, m market.Key, granularity int) ([]candle.Candle, error) {
	if !tfutils.IsValidGranularity(granularity) {
		return nil, fmt.Errorf("invalid granularity %d", granularity)
	}

	var rows [][]json.RawMessage
	path := fmt.Sprintf("/markets/%s/candles/%d", url.PathEscape(m.String()), granularity)
	if err := c.get(ctx, path, nil, &rows); err != nil {
		return nil, fmt.Errorf("fetch candles of %s: %w", m, err)
	}

	candles := make([]candle.Candle, 0, len(rows))
	for i, row := range rows {
		cd, err := parseCandleRow(m, granularity, row)
		if err != nil {
			return nil, fmt.Errorf("candle %d of %s: %w", i, m, err)
		}
		candles = append(candles, cd)
	}
	return candles, nil
}

// parseCandleRow decodes [point, low, high, open, close, volume, total].
func parseCandleRow(m market.Key, granularity int, row []json.RawMessage) (candle.Candle, error) {
	if len(row) != 7 {
		return candle.Candle{}, fmt.Errorf("expected 7 columns, got %d", len(row))
	}
	var point int64
	if err := json.Unmarshal(row[0], &point); err != nil {
		return candle.Candle{}, fmt.Errorf("point: %w", err)
	}
	values := make([]decimal.Decimal, 6)
	for i := range values {
		if err := values[i].UnmarshalJSON(row[i+1]); err != nil {
			return candle.Candle{}, fmt.Errorf("column %d: %w", i+1, err)
		}
	}
	return candle.Candle{
		Market:      m,
		Granularity: granularity,
		Point:       time.Unix(point, 0).UTC(),
		Low:         values[0],
		High:        values[1],
		Open:        values[2],
		Close:       values[3],
		Volume:      values[4],
		Total:       values[5],
	}, nil
}

// Ticker returns the last trade and best prices of a market. A market without
// trades yields a zero ticker.
func (c *Client) Ticker(ctx context.Context, m market.Key) (market.Ticker, error) {
	var t market.Ticker
	if err := c.get(ctx, "/markets/"+url.PathEscape(m.String())+"/ticker", nil, &t); err != nil {
		return market.Ticker{}, fmt.Errorf("fetch ticker of %s: %w", m, err)
	}
	t.Market = m
	return t, nil
}

// Book returns the full book snapshot as stored by the engine.
func (c *Client) Book(ctx context.Context, m market.Key) (*Event, error) {
	var ev Event
	if err := c.get(ctx, "/markets/"+url.PathEscape(m.String())+"/book", nil, &ev); err != nil {
		return nil, fmt.Errorf("fetch book of %s: %w", m, err)
	}
	if ev.Market == "" {
		ev.Market = m
	}
	return &ev, nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out any) error {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.tokens != nil {
		token, err := c.tokens.Token()
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var r response
	if err := json.Unmarshal(body, &r); err != nil {
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("http error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}
		return fmt.Errorf("decode response: %w", err)
	}
	if r.Error != nil {
		if r.Error.Status == 0 {
			r.Error.Status = resp.StatusCode
		}
		return r.Error
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("http error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if len(r.Data) == 0 || string(r.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(r.Data, out); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	return nil
}

// IsAPIError reports whether err carries an exchange error body.
func IsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}
