package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/amirphl/book-stream/internal/candle"
	"github.com/amirphl/book-stream/internal/config"
	"github.com/amirphl/book-stream/internal/exchange"
	"github.com/amirphl/book-stream/internal/market"
	"github.com/amirphl/book-stream/internal/notifier"
	"github.com/amirphl/book-stream/internal/orderbook"
	"github.com/amirphl/book-stream/internal/stream"
	"github.com/amirphl/book-stream/internal/tfutils"
	"github.com/amirphl/book-stream/internal/utils"
)

func main() {
	// Load configuration
	cfg := config.MustLoadConfig()
	logger := utils.GetFileLogger(cfg.LogFile, true)
	logger.Printf("Starting Book Stream for markets: %s", strings.Join(cfg.Markets, ", "))

	// Set up context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Set up signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Printf("Received signal %v, shutting down...", sig)
		cancel()
	}()

	transport := exchange.NewTransport(cfg.Transport(logger))
	defer transport.Close()

	session := stream.NewSession(transport, stream.Config{
		HistoryCapacity: cfg.HistoryCapacity,
		Logger:          logger,
	})
	defer session.Close()

	// Subscriptions made before the connection opens are sent on open
	markets := cfg.MarketKeys()
	for _, m := range markets {
		session.Subscribe(m)
	}

	api, err := newAPIClient(cfg)
	if err != nil {
		logger.Fatalf("Failed to set up REST client: %v", err)
	}
	if api != nil {
		bootstrap(ctx, session, api, markets, cfg.SeedTrades, logger)
	}

	if g := cfg.Granularity(); g > 0 && api != nil {
		poller, err := startCandles(ctx, api, markets, g, cfg.Rollup(), cfg.CandleInterval, logger)
		if err != nil {
			logger.Fatalf("Failed to start candle poller: %v", err)
		}
		defer poller.Stop()
	}

	if err := transport.Start(ctx); err != nil {
		logger.Fatalf("Failed to start transport: %v", err)
	}

	changes, err := session.Changes("reporter", 1024)
	if err != nil {
		logger.Fatalf("Failed to watch changes: %v", err)
	}
	go report(ctx, session, changes, cfg.BookDepth, cfg.ReportInterval, logger)

	err = session.Run(ctx)
	switch {
	case errors.Is(err, context.Canceled):
		logger.Println("Shutdown complete")
	case errors.Is(err, stream.ErrTransportClosed):
		logger.Fatalf("Transport stopped: %v", transport.Health())
	default:
		logger.Printf("Session stopped: %v", err)
	}
}

func newAPIClient(cfg config.Config) (*exchange.Client, error) {
	if cfg.APIURL == "" {
		return nil, nil
	}
	api := exchange.NewClient(cfg.APIURL)
	api.SetTimeout(cfg.APITimeout)
	signer, err := cfg.Signer()
	if err != nil {
		return nil, err
	}
	if signer != nil {
		api.SetTokenSource(signer)
	}
	return api, nil
}

// bootstrap shows each market's REST book until its streamed snapshot arrives
// and seeds the ticker and trade feed before the first live match.
func bootstrap(ctx context.Context, s *stream.Session, api exchange.MarketData, markets []market.Key, tradeLimit int, logger *log.Logger) {
	for _, m := range markets {
		if _, err := s.PreviewFrom(ctx, api, m); err != nil {
			logger.Printf("Failed to preview book: %v", err)
		}
		if _, err := s.SeedTickerFrom(ctx, api, m); err != nil {
			logger.Printf("Failed to seed ticker: %v", err)
		}
		if tradeLimit <= 0 {
			continue
		}
		n, err := s.SeedFrom(ctx, api, m, tradeLimit)
		if err != nil {
			logger.Printf("Failed to seed trades: %v", err)
			continue
		}
		logger.Printf("Seeded %d trades for %s", n, m)
	}
}

func startCandles(ctx context.Context, api exchange.MarketData, markets []market.Key, granularity, rollup int, interval time.Duration, logger *log.Logger) (*candle.Poller, error) {
	pcfg := candle.DefaultPollerConfig(markets)
	pcfg.Granularity = granularity
	pcfg.Rollup = rollup
	pcfg.Interval = interval
	pcfg.Logger = logger

	poller := candle.NewPoller(api, pcfg)
	updates, err := poller.Subscribe("logger", 64)
	if err != nil {
		return nil, err
	}
	if err := poller.Start(ctx); err != nil {
		return nil, err
	}
	go func() {
		for u := range updates {
			logCandle(logger, u.Latest)
			if u.Rollup != nil {
				logCandle(logger, *u.Rollup)
			}
		}
	}()
	return poller, nil
}

func logCandle(logger *log.Logger, c candle.Candle) {
	logger.Printf("Candle %s %s %s O:%s H:%s L:%s C:%s V:%s",
		c.Market, tfutils.GranularityLabel(c.Granularity), c.Point.Format(time.RFC3339),
		c.Open, c.High, c.Low, c.Close, c.Volume)
}

// report logs the markets that changed since the last tick.
func report(ctx context.Context, s *stream.Session, changes <-chan notifier.Change, depth int, interval time.Duration, logger *log.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	dirty := make(map[market.Key]bool)
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-changes:
			if !ok {
				return
			}
			if c.Kind == notifier.ChangeConnection {
				continue
			}
			dirty[c.Market] = true
		case <-ticker.C:
			for _, m := range takeDirty(dirty, s.Markets()) {
				logger.Print(renderMarket(s, m, depth))
			}
		}
	}
}

// takeDirty returns the subscribed markets marked dirty, in subscription
// order, and empties dirty. Marks for markets no longer subscribed are dropped.
func takeDirty(dirty map[market.Key]bool, subscribed []market.Key) []market.Key {
	var out []market.Key
	for _, m := range subscribed {
		if dirty[m] {
			out = append(out, m)
		}
	}
	clear(dirty)
	return out
}

func renderMarket(s *stream.Session, m market.Key, depth int) string {
	var b strings.Builder
	view, ok := s.Store().View(m, depth)
	if !ok {
		return fmt.Sprintf("%s: waiting for snapshot", m)
	}
	status := "synced"
	if !view.Synced {
		status = "resyncing"
	}
	fmt.Fprintf(&b, "%s [%s, seq %d]", m, status, view.Sequence)
	if spread, ok := s.Store().Spread(m); ok {
		fmt.Fprintf(&b, " spread %s", orderbook.FormatPrice(m, spread))
	}
	if tk, ok := s.Ticker(m); ok {
		fmt.Fprintf(&b, " last %s %s", orderbook.FormatPrice(m, tk.Price), tk.Side)
	}
	b.WriteString("\n  asks:")
	asks := orderbook.FormatLevels(m, view.Asks)
	for i := len(asks) - 1; i >= 0; i-- {
		fmt.Fprintf(&b, "\n    %s  %s  %s", asks[i].Price, asks[i].Amount, asks[i].Total)
	}
	b.WriteString("\n  bids:")
	for _, l := range orderbook.FormatLevels(m, view.Bids) {
		fmt.Fprintf(&b, "\n    %s  %s  %s", l.Price, l.Amount, l.Total)
	}
	if trades := s.History().Trades(m, 5); len(trades) > 0 {
		b.WriteString("\n  trades:")
		for _, t := range trades {
			fmt.Fprintf(&b, "\n    %s %s %s @ %s", t.CreatedAt.Format("15:04:05"), t.Side,
				orderbook.FormatAmount(t.Amount), orderbook.FormatPrice(m, t.Price))
		}
	}
	return b.String()
}
