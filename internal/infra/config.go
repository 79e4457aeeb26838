package infra

import (
	"fmt"
	"os"
	"strings"
	"time"

	"matchcore/internal/domain"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config holds every runtime setting. Loaded from YAML, then
// overridden by environment variables so deployments never need to
// edit the file.
type Config struct {
	App struct {
		Name string `yaml:"name"`
		Env  string `yaml:"env"`
	} `yaml:"app"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`

	Pairs []PairConfig `yaml:"pairs"`

	Feeds struct {
		Binance FeedConfig `yaml:"binance"`
		Upbit   FeedConfig `yaml:"upbit"`
	} `yaml:"feeds"`

	Matching struct {
		StalenessWindowSec int `yaml:"staleness_window_sec"`
		PendingDelayMinSec int `yaml:"pending_delay_min_sec"`
		PendingDelayMaxSec int `yaml:"pending_delay_max_sec"`
		SequencerInboxSize int `yaml:"sequencer_inbox_size"`
	} `yaml:"matching"`

	Bus struct {
		MatchingQueueSize  int `yaml:"matching_queue_size"`
		BroadcastQueueSize int `yaml:"broadcast_queue_size"`
		StatsQueueSize     int `yaml:"stats_queue_size"`
		StorageQueueSize   int `yaml:"storage_queue_size"`
	} `yaml:"bus"`

	Broadcast struct {
		ListenAddr      string   `yaml:"listen_addr"`
		ClientQueueSize int      `yaml:"client_queue_size"`
		AllowedOrigins  []string `yaml:"allowed_origins"`
	} `yaml:"broadcast"`

	Storage struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path"`
	} `yaml:"storage"`

	Kafka struct {
		Enabled    bool     `yaml:"enabled"`
		Brokers    []string `yaml:"brokers"`
		TradeTopic string   `yaml:"trade_topic"`
		OrderTopic string   `yaml:"order_topic"`
	} `yaml:"kafka"`
}

// PairConfig declares one tradable pair and its admission grid.
type PairConfig struct {
	Symbol     string `yaml:"symbol"`
	Base       string `yaml:"base"`
	Quote      string `yaml:"quote"`
	PriceTick  string `yaml:"price_tick"`
	QtyStep    string `yaml:"qty_step"`
	PriceScale int32  `yaml:"price_scale"`
	QtyScale   int32  `yaml:"qty_scale"`
}

// FeedConfig declares one venue connection. Symbols maps the
// venue-native symbol to the internal pair symbol.
type FeedConfig struct {
	Enabled bool              `yaml:"enabled"`
	WSURL   string            `yaml:"ws_url"`
	Symbols map[string]string `yaml:"symbols"`
}

// LoadConfig reads and validates the YAML config at path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	overrideWithEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if len(c.Pairs) == 0 {
		return fmt.Errorf("at least one pair is required")
	}
	seen := make(map[string]bool, len(c.Pairs))
	for _, p := range c.Pairs {
		if p.Symbol == "" || p.Base == "" || p.Quote == "" {
			return fmt.Errorf("pair %q: symbol, base and quote are required", p.Symbol)
		}
		if seen[p.Symbol] {
			return fmt.Errorf("pair %q declared twice", p.Symbol)
		}
		seen[p.Symbol] = true
		tick, err := decimal.NewFromString(p.PriceTick)
		if err != nil || !tick.IsPositive() {
			return fmt.Errorf("pair %q: price_tick must be a positive decimal", p.Symbol)
		}
		step, err := decimal.NewFromString(p.QtyStep)
		if err != nil || !step.IsPositive() {
			return fmt.Errorf("pair %q: qty_step must be a positive decimal", p.Symbol)
		}
	}

	for _, f := range []struct {
		name string
		cfg  FeedConfig
	}{{"binance", c.Feeds.Binance}, {"upbit", c.Feeds.Upbit}} {
		if !f.cfg.Enabled {
			continue
		}
		if !strings.HasPrefix(f.cfg.WSURL, "ws://") && !strings.HasPrefix(f.cfg.WSURL, "wss://") {
			return fmt.Errorf("feed %s: invalid ws_url %q", f.name, f.cfg.WSURL)
		}
		if len(f.cfg.Symbols) == 0 {
			return fmt.Errorf("feed %s: at least one symbol mapping is required", f.name)
		}
		for venueSym, pair := range f.cfg.Symbols {
			if !seen[pair] {
				return fmt.Errorf("feed %s: symbol %s maps to unknown pair %s", f.name, venueSym, pair)
			}
		}
	}

	if c.Matching.StalenessWindowSec <= 0 {
		return fmt.Errorf("staleness_window_sec must be positive")
	}
	if c.Matching.PendingDelayMinSec <= 0 || c.Matching.PendingDelayMaxSec < c.Matching.PendingDelayMinSec {
		return fmt.Errorf("pending delay bounds must satisfy 0 < min <= max")
	}

	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka enabled but no brokers configured")
	}
	return nil
}

// TradingPairs materializes the configured pairs.
func (c *Config) TradingPairs() ([]domain.TradingPair, error) {
	out := make([]domain.TradingPair, 0, len(c.Pairs))
	for _, p := range c.Pairs {
		tick, err := decimal.NewFromString(p.PriceTick)
		if err != nil {
			return nil, fmt.Errorf("pair %s: %w", p.Symbol, err)
		}
		step, err := decimal.NewFromString(p.QtyStep)
		if err != nil {
			return nil, fmt.Errorf("pair %s: %w", p.Symbol, err)
		}
		out = append(out, domain.TradingPair{
			Symbol:     p.Symbol,
			Base:       p.Base,
			Quote:      p.Quote,
			PriceTick:  tick,
			QtyStep:    step,
			PriceScale: p.PriceScale,
			QtyScale:   p.QtyScale,
		})
	}
	return out, nil
}

// StalenessWindow returns the configured reference staleness window.
func (c *Config) StalenessWindow() time.Duration {
	return time.Duration(c.Matching.StalenessWindowSec) * time.Second
}

// PendingDelayBounds returns the synthetic delay interval.
func (c *Config) PendingDelayBounds() (time.Duration, time.Duration) {
	return time.Duration(c.Matching.PendingDelayMinSec) * time.Second,
		time.Duration(c.Matching.PendingDelayMaxSec) * time.Second
}

// overrideWithEnv applies environment overrides. Environment wins over
// the file so credentials and addresses stay out of version control.
func overrideWithEnv(cfg *Config) {
	if v := os.Getenv("MATCHCORE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("MATCHCORE_LISTEN_ADDR"); v != "" {
		cfg.Broadcast.ListenAddr = v
	}
	if v := os.Getenv("MATCHCORE_DB_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("MATCHCORE_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("MATCHCORE_BINANCE_WS_URL"); v != "" {
		cfg.Feeds.Binance.WSURL = v
	}
	if v := os.Getenv("MATCHCORE_UPBIT_WS_URL"); v != "" {
		cfg.Feeds.Upbit.WSURL = v
	}
}
