// Package config
package config

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/amirphl/book-stream/internal/exchange"
	"github.com/amirphl/book-stream/internal/market"
	"github.com/amirphl/book-stream/internal/tfutils"
	"github.com/amirphl/book-stream/internal/utils"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

/*
YAML config example:
engine_url: "wss://events.example.com"
api_url: "https://api.example.com"
markets: ["c6d0c728-2624-429b-8e0d-d9d19b6592fa-815b0b1a-2764-3736-8faa-42d694fa620a"]
min_reconnect_delay: 1s
max_reconnect_delay: 5s
reconnect_growth: 1.2
history_capacity: 100
book_depth: 10
candle_granularity: "5m"
candle_interval: 30s
candle_rollup: "1h"
token_key_file: "session.pem"
user_id: "..."
session_id: "..."
*/

// Environment variables. They are read after loading a .env file and act as
// flag defaults.
const (
	EnvEngineURL    = "BOOK_STREAM_ENGINE_URL"
	EnvAPIURL       = "BOOK_STREAM_API_URL"
	EnvMarkets      = "BOOK_STREAM_MARKETS"
	EnvTokenKeyFile = "BOOK_STREAM_TOKEN_KEY_FILE"
	EnvUserID       = "BOOK_STREAM_USER_ID"
	EnvSessionID    = "BOOK_STREAM_SESSION_ID"
	EnvLogFile      = "BOOK_STREAM_LOG_FILE"
	EnvHistoryCap   = "BOOK_STREAM_HISTORY_CAPACITY"
)

type Config struct {
	EngineURL string   `yaml:"engine_url"`
	APIURL    string   `yaml:"api_url"`
	Markets   []string `yaml:"markets"`

	MinReconnectDelay time.Duration `yaml:"min_reconnect_delay"`
	MaxReconnectDelay time.Duration `yaml:"max_reconnect_delay"`
	ReconnectGrowth   float64       `yaml:"reconnect_growth"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	MaxRetries        int           `yaml:"max_retries"`

	HistoryCapacity int           `yaml:"history_capacity"`
	SeedTrades      int           `yaml:"seed_trades"`
	BookDepth       int           `yaml:"book_depth"`
	ReportInterval  time.Duration `yaml:"report_interval"`

	CandleGranularity string        `yaml:"candle_granularity"`
	CandleInterval    time.Duration `yaml:"candle_interval"`
	CandleRollup      string        `yaml:"candle_rollup"`

	APITimeout   time.Duration `yaml:"api_timeout"`
	TokenKeyFile string        `yaml:"token_key_file"`
	UserID       string        `yaml:"user_id"`
	SessionID    string        `yaml:"session_id"`

	LogFile string `yaml:"log_file"`
}

// MustLoadConfig loads the configuration from the command line and exits on
// error.
func MustLoadConfig() Config {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("Config | Failed to load .env: %v", err)
	}
	cfg, err := Load(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

// Load parses args with fs. Flags default to the environment; a YAML file
// given by -config overrides whatever keys it sets.
func Load(fs *flag.FlagSet, args []string) (Config, error) {
	cfg := Config{}
	configFile := fs.String("config", "", "Path to YAML config file")
	fs.StringVar(&cfg.EngineURL, "engine-url", os.Getenv(EnvEngineURL), "Engine websocket endpoint")
	fs.StringVar(&cfg.APIURL, "api-url", os.Getenv(EnvAPIURL), "REST API root used to seed trades and poll candles")
	markets := fs.String("markets", os.Getenv(EnvMarkets), "Comma-separated list of markets")
	fs.DurationVar(&cfg.MinReconnectDelay, "min-reconnect-delay", time.Second, "Initial reconnect delay")
	fs.DurationVar(&cfg.MaxReconnectDelay, "max-reconnect-delay", 5*time.Second, "Maximum reconnect delay")
	fs.Float64Var(&cfg.ReconnectGrowth, "reconnect-growth", 1.2, "Reconnect delay growth factor")
	fs.DurationVar(&cfg.ConnectTimeout, "connect-timeout", 4*time.Second, "Websocket dial timeout")
	fs.DurationVar(&cfg.ReadTimeout, "read-timeout", 30*time.Second, "Drop the connection after this long without frames")
	fs.IntVar(&cfg.MaxRetries, "max-retries", 0, "Consecutive failed connects before giving up (0 = never)")
	fs.IntVar(&cfg.HistoryCapacity, "history-capacity", envInt(EnvHistoryCap, 100), "Trades kept per market")
	fs.IntVar(&cfg.SeedTrades, "seed-trades", 50, "Recent trades fetched per market at startup (0 = none)")
	fs.IntVar(&cfg.BookDepth, "book-depth", 10, "Price levels per side in reports")
	fs.DurationVar(&cfg.ReportInterval, "report-interval", 5*time.Second, "Top of book report interval")
	fs.StringVar(&cfg.CandleGranularity, "candle-granularity", "", "Candle granularity to poll, e.g. 5m or 300 (empty = off)")
	fs.DurationVar(&cfg.CandleInterval, "candle-interval", 30*time.Second, "Candle poll interval")
	fs.StringVar(&cfg.CandleRollup, "candle-rollup", "", "Coarser granularity derived from polled candles, e.g. 1h (empty = off)")
	fs.DurationVar(&cfg.APITimeout, "api-timeout", 30*time.Second, "REST request timeout")
	fs.StringVar(&cfg.TokenKeyFile, "token-key-file", os.Getenv(EnvTokenKeyFile), "PEM session key for signed REST requests")
	fs.StringVar(&cfg.UserID, "user-id", os.Getenv(EnvUserID), "User id for signed REST requests")
	fs.StringVar(&cfg.SessionID, "session-id", os.Getenv(EnvSessionID), "Session id for signed REST requests")
	fs.StringVar(&cfg.LogFile, "log-file", envOr(EnvLogFile, utils.DefaultLogFile), "Log file")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	cfg.Markets = splitList(*markets)

	if *configFile != "" {
		data, err := os.ReadFile(*configFile)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.EngineURL == "" {
		return fmt.Errorf("engine url is required (-engine-url or %s)", EnvEngineURL)
	}
	if len(c.Markets) == 0 {
		return fmt.Errorf("at least one market is required (-markets or %s)", EnvMarkets)
	}
	for _, m := range c.Markets {
		if _, _, err := market.ParseKey(m); err != nil {
			return err
		}
	}
	if c.MinReconnectDelay <= 0 || c.MaxReconnectDelay < c.MinReconnectDelay {
		return fmt.Errorf("invalid reconnect delays %s..%s", c.MinReconnectDelay, c.MaxReconnectDelay)
	}
	if c.ReconnectGrowth < 1 {
		return fmt.Errorf("reconnect growth must be >= 1, got %v", c.ReconnectGrowth)
	}
	if c.HistoryCapacity <= 0 {
		return fmt.Errorf("history capacity must be positive, got %d", c.HistoryCapacity)
	}
	if c.CandleGranularity != "" {
		if _, err := tfutils.ParseGranularity(c.CandleGranularity); err != nil {
			return err
		}
		if c.APIURL == "" {
			return errors.New("candle polling needs an api url")
		}
	}
	if c.CandleRollup != "" {
		r, err := tfutils.ParseGranularity(c.CandleRollup)
		if err != nil {
			return err
		}
		if g := c.Granularity(); g == 0 || r <= g || r%g != 0 {
			return fmt.Errorf("candle rollup %s must be a multiple of the candle granularity", c.CandleRollup)
		}
	}
	if (c.UserID != "") != (c.TokenKeyFile != "") {
		return errors.New("signed requests need both a user id and a token key file")
	}
	return nil
}

// MarketKeys returns the configured markets as keys.
func (c Config) MarketKeys() []market.Key {
	out := make([]market.Key, 0, len(c.Markets))
	for _, m := range c.Markets {
		out = append(out, market.Key(m))
	}
	return out
}

// Granularity returns the candle granularity in seconds, 0 when polling is off.
func (c Config) Granularity() int {
	g, _ := tfutils.ParseGranularity(c.CandleGranularity)
	return g
}

// Rollup returns the derived candle granularity in seconds, 0 when off.
func (c Config) Rollup() int {
	r, _ := tfutils.ParseGranularity(c.CandleRollup)
	return r
}

// Transport builds the websocket transport configuration.
func (c Config) Transport(logger *log.Logger) exchange.TransportConfig {
	return exchange.TransportConfig{
		Endpoint:          c.EngineURL,
		MinReconnectDelay: c.MinReconnectDelay,
		MaxReconnectDelay: c.MaxReconnectDelay,
		ReconnectGrowth:   c.ReconnectGrowth,
		ConnectTimeout:    c.ConnectTimeout,
		ReadTimeout:       c.ReadTimeout,
		MaxRetries:        c.MaxRetries,
		Logger:            logger,
	}
}

// Signer loads the session key when signed requests are configured.
func (c Config) Signer() (*exchange.Signer, error) {
	if c.TokenKeyFile == "" {
		return nil, nil
	}
	pemKey, err := os.ReadFile(c.TokenKeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read token key: %w", err)
	}
	return exchange.NewSigner(c.UserID, c.SessionID, pemKey)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
