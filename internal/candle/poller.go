package candle

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/amirphl/book-stream/internal/market"
	"github.com/amirphl/book-stream/internal/tfutils"
	"github.com/jpillora/backoff"
)

// Fetcher fetches the latest candles of a market.
type Fetcher interface {
	FetchCandles(ctx context.Context, m market.Key, granularity int) ([]Candle, error)
}

// PollerConfig holds configuration for the candle poller
type PollerConfig struct {
	Markets      []market.Key
	Granularity  int
	Rollup       int // coarser granularity derived from the polled one, 0 = off
	Interval     time.Duration
	MaxRetries   int
	RetryDelay   time.Duration
	MaxDelay     time.Duration
	SeriesLimit  int
	FetchTimeout time.Duration
	Logger       *log.Logger
}

// DefaultPollerConfig returns a default configuration
func DefaultPollerConfig(markets []market.Key) PollerConfig {
	return PollerConfig{
		Markets:      markets,
		Granularity:  tfutils.Granularity1M,
		Interval:     30 * time.Second,
		MaxRetries:   3,
		RetryDelay:   time.Second,
		MaxDelay:     10 * time.Second,
		SeriesLimit:  DefaultSeriesLimit,
		FetchTimeout: 10 * time.Second,
	}
}

// Update is published after a series changed.
type Update struct {
	Market      market.Key
	Granularity int
	Latest      Candle
	// Rollup is the latest candle at PollerConfig.Rollup, nil when off.
	Rollup *Candle
}

// Poller refreshes a Series per market on a timer, independently of the
// streaming path.
type Poller struct {
	fetcher Fetcher
	cfg     PollerConfig
	logger  *log.Logger
	wg      sync.WaitGroup
	cancel  context.CancelFunc

	mu      sync.RWMutex
	series  map[market.Key]*Series
	subs    map[string]chan Update
	started bool
}

func NewPoller(fetcher Fetcher, cfg PollerConfig) *Poller {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	p := &Poller{
		fetcher: fetcher,
		cfg:     cfg,
		logger:  logger,
		series:  make(map[market.Key]*Series, len(cfg.Markets)),
		subs:    make(map[string]chan Update),
	}
	for _, m := range cfg.Markets {
		p.series[m] = NewSeries(m, cfg.Granularity, cfg.SeriesLimit)
	}
	return p
}

// Start fetches every market once and then on each interval until ctx is
// done or Stop is called.
func (p *Poller) Start(ctx context.Context) error {
	if p.fetcher == nil {
		return fmt.Errorf("no fetcher configured for candle poller")
	}
	if len(p.cfg.Markets) == 0 {
		return fmt.Errorf("no markets configured for candle poller")
	}
	if !tfutils.IsValidGranularity(p.cfg.Granularity) {
		return fmt.Errorf("invalid granularity %d", p.cfg.Granularity)
	}
	if p.cfg.Interval <= 0 {
		return fmt.Errorf("invalid poll interval %v", p.cfg.Interval)
	}
	if r := p.cfg.Rollup; r != 0 && (!tfutils.IsValidGranularity(r) || r <= p.cfg.Granularity || r%p.cfg.Granularity != 0) {
		return fmt.Errorf("rollup %d is not a multiple of granularity %d", r, p.cfg.Granularity)
	}

	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return fmt.Errorf("candle poller already started")
	}
	p.started = true
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.mu.Unlock()

	p.wg.Add(len(p.cfg.Markets))
	for _, m := range p.cfg.Markets {
		go func(m market.Key) {
			defer p.wg.Done()
			p.runLoop(ctx, m)
		}(m)
	}

	p.logger.Printf("CandlePoller | Started for %d markets at %s", len(p.cfg.Markets), tfutils.GranularityLabel(p.cfg.Granularity))
	return nil
}

// Stop cancels the loops and waits for them to exit.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	p.wg.Wait()

	p.mu.Lock()
	for id, ch := range p.subs {
		close(ch)
		delete(p.subs, id)
	}
	p.mu.Unlock()
	p.logger.Printf("CandlePoller | Stopped")
}

func (p *Poller) runLoop(ctx context.Context, m market.Key) {
	if err := p.Refresh(ctx, m); err != nil && ctx.Err() == nil {
		p.logger.Printf("CandlePoller | [%s] Refresh failed: %v", m, err)
	}

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Refresh(ctx, m); err != nil && ctx.Err() == nil {
				p.logger.Printf("CandlePoller | [%s] Refresh failed: %v", m, err)
			}
		}
	}
}

// Refresh fetches the candles of one market and merges them into its series.
func (p *Poller) Refresh(ctx context.Context, m market.Key) error {
	s := p.Series(m)
	if s == nil {
		return fmt.Errorf("market %s is not polled", m)
	}

	candles, err := p.fetchWithRetry(ctx, m)
	if err != nil {
		return err
	}
	if s.Merge(candles) == 0 {
		return nil
	}
	latest, ok := s.Latest()
	if !ok {
		return nil
	}
	u := Update{Market: m, Granularity: p.cfg.Granularity, Latest: latest}
	if p.cfg.Rollup > 0 {
		rolled, err := p.Rollup(m)
		if err != nil {
			p.logger.Printf("CandlePoller | [%s] Rollup failed: %v", m, err)
		} else if len(rolled) > 0 {
			u.Rollup = &rolled[len(rolled)-1]
		}
	}
	p.publish(u)
	return nil
}

// Rollup aggregates the market's series into the configured coarser
// granularity.
func (p *Poller) Rollup(m market.Key) ([]Candle, error) {
	s := p.Series(m)
	if s == nil {
		return nil, fmt.Errorf("market %s is not polled", m)
	}
	if p.cfg.Rollup == 0 {
		return nil, fmt.Errorf("no rollup configured")
	}
	return Aggregate(s.Candles(), p.cfg.Rollup)
}

// fetchWithRetry fetches candles with exponential backoff retry logic
func (p *Poller) fetchWithRetry(ctx context.Context, m market.Key) ([]Candle, error) {
	retries := p.cfg.MaxRetries
	if retries <= 0 {
		retries = 1
	}
	b := &backoff.Backoff{Min: p.cfg.RetryDelay, Max: p.cfg.MaxDelay, Factor: 2, Jitter: true}

	var err error
	for attempt := 1; attempt <= retries; attempt++ {
		var candles []Candle
		candles, err = p.fetchOnce(ctx, m)
		if err == nil {
			return candles, nil
		}
		if attempt == retries {
			break
		}

		delay := b.Duration()
		p.logger.Printf("CandlePoller | [%s] Fetch attempt %d failed, retrying in %v: %v", m, attempt, delay, err)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return nil, fmt.Errorf("failed to fetch candles after %d attempts: %w", retries, err)
}

func (p *Poller) fetchOnce(ctx context.Context, m market.Key) ([]Candle, error) {
	if p.cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.FetchTimeout)
		defer cancel()
	}
	return p.fetcher.FetchCandles(ctx, m, p.cfg.Granularity)
}

// Series returns the series of a market, or nil if it is not polled.
func (p *Poller) Series(m market.Key) *Series {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.series[m]
}

// Subscribe returns a channel of series updates. Slow subscribers miss
// updates rather than block the poller.
func (p *Poller) Subscribe(id string, bufferSize int) (<-chan Update, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.subs[id]; exists {
		return nil, fmt.Errorf("subscriber %s already exists", id)
	}
	ch := make(chan Update, bufferSize)
	p.subs[id] = ch
	return ch, nil
}

func (p *Poller) Unsubscribe(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ch, ok := p.subs[id]; ok {
		close(ch)
		delete(p.subs, id)
	}
}

func (p *Poller) publish(u Update) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for id, ch := range p.subs {
		select {
		case ch <- u:
		default:
			p.logger.Printf("CandlePoller | Subscriber %s channel is full, skipping update", id)
		}
	}
}
