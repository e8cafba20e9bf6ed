package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/sf19-97/SPtraderB-sub003/internal/model"
	"gopkg.in/yaml.v3"
)

type FeedConfig struct {
	BaseURL           string `yaml:"base_url"`
	RequestsPerMinute int    `yaml:"requests_per_minute"`
	TimeoutSeconds    int    `yaml:"timeout_seconds"`
}

const (
	_requestsPerMinuteDefault = 400
	_feedTimeoutDefault       = 30
)

func (c *FeedConfig) Setup() error {
	if c.BaseURL == "" {
		return fmt.Errorf("feed base_url is required")
	}
	if _, err := url.Parse(c.BaseURL); err != nil {
		return err
	}
	if c.RequestsPerMinute <= 0 {
		c.RequestsPerMinute = _requestsPerMinuteDefault
	}
	if c.TimeoutSeconds <= 0 {
		c.TimeoutSeconds = _feedTimeoutDefault
	}
	return nil
}

func (c FeedConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

type ArchiveConfig struct {
	Root string `yaml:"root"`
	// SourceTimezone is asserted, never auto-detected. It is recorded in
	// every manifest so a mis-ingested partition can be healed later.
	SourceTimezone string `yaml:"source_timezone"`
}

func (c *ArchiveConfig) Setup() error {
	if c.Root == "" {
		return fmt.Errorf("archive root is required")
	}
	if c.SourceTimezone == "" {
		c.SourceTimezone = "UTC"
	}
	return nil
}

// LevelConfig names one cascade level and its parent. The base level has
// no parent and is built directly from ticks.
type LevelConfig struct {
	Timeframe model.Timeframe `yaml:"timeframe"`
	Parent    model.Timeframe `yaml:"parent"`
}

type IngestConfig struct {
	Concurrency         int `yaml:"concurrency"`
	DelayMs             int `yaml:"delay_ms"`
	ChunkTimeoutSeconds int `yaml:"chunk_timeout_seconds"`
	MaxRetries          int `yaml:"max_retries"`
}

const (
	_concurrencyDefault  = 4
	_delayMsDefault      = 100
	_chunkTimeoutDefault = 60
	_maxRetriesDefault   = 3
)

func (c *IngestConfig) Setup() {
	if c.Concurrency <= 0 {
		c.Concurrency = _concurrencyDefault
	}
	if c.DelayMs <= 0 {
		c.DelayMs = _delayMsDefault
	}
	if c.ChunkTimeoutSeconds <= 0 {
		c.ChunkTimeoutSeconds = _chunkTimeoutDefault
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = _maxRetriesDefault
	}
}

func (c IngestConfig) Delay() time.Duration {
	return time.Duration(c.DelayMs) * time.Millisecond
}

func (c IngestConfig) ChunkTimeout() time.Duration {
	return time.Duration(c.ChunkTimeoutSeconds) * time.Second
}

type RefreshConfig struct {
	IntervalSeconds  int  `yaml:"interval_seconds"`
	WindowHours      int  `yaml:"window_hours"`
	PollEverySeconds int  `yaml:"poll_every_seconds"`
	AlignBoundary    bool `yaml:"align_boundary"`
}

const (
	_refreshIntervalDefault = 60
	_refreshWindowDefault   = 4
	_pollEveryDefault       = 5
)

func (c *RefreshConfig) Setup() {
	if c.IntervalSeconds <= 0 {
		c.IntervalSeconds = _refreshIntervalDefault
	}
	if c.WindowHours <= 0 {
		c.WindowHours = _refreshWindowDefault
	}
	if c.PollEverySeconds <= 0 {
		c.PollEverySeconds = _pollEveryDefault
	}
}

func (c RefreshConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

func (c RefreshConfig) Window() time.Duration {
	return time.Duration(c.WindowHours) * time.Hour
}

func (c RefreshConfig) PollEvery() time.Duration {
	return time.Duration(c.PollEverySeconds) * time.Second
}

type ServerConfig struct {
	Port string `yaml:"port"`
}

func (c *ServerConfig) Setup() {
	if c.Port == "" {
		c.Port = "8080"
	}
}

type Config struct {
	Symbols []string      `yaml:"symbols"`
	Levels  []LevelConfig `yaml:"levels"`
	Feed    FeedConfig    `yaml:"feed"`
	Archive ArchiveConfig `yaml:"archive"`
	Ingest  IngestConfig  `yaml:"ingest"`
	Refresh RefreshConfig `yaml:"refresh"`
	Server  ServerConfig  `yaml:"server"`
}

// DefaultLevels is the shipped cascade: each level derives from the one
// below it. Adding a level is configuration, not code.
var DefaultLevels = []LevelConfig{
	{Timeframe: "1m"},
	{Timeframe: "5m", Parent: "1m"},
	{Timeframe: "15m", Parent: "5m"},
	{Timeframe: "1h", Parent: "15m"},
	{Timeframe: "4h", Parent: "1h"},
	{Timeframe: "12h", Parent: "4h"},
	{Timeframe: "1d", Parent: "12h"},
}

func (c *Config) Setup() error {
	if len(c.Symbols) == 0 {
		return fmt.Errorf("at least one symbol is required")
	}
	if len(c.Levels) == 0 {
		c.Levels = DefaultLevels
	}
	if err := c.Feed.Setup(); err != nil {
		return fmt.Errorf("%w: can't setup feed config", err)
	}
	if err := c.Archive.Setup(); err != nil {
		return fmt.Errorf("%w: can't setup archive config", err)
	}
	c.Ingest.Setup()
	c.Refresh.Setup()
	c.Server.Setup()
	return nil
}

func LoadConfig(filename string) (Config, error) {
	input, err := os.ReadFile(filename)
	if err != nil {
		return Config{}, fmt.Errorf("%w: can't read config file", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(input, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: can't parse config file", err)
	}

	if err := cfg.Setup(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
