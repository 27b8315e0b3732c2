// Package config loads service configuration from a yaml file or from
// command-line flags.
package config

import (
	"flag"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds everything the service needs to start.
type Config struct {
	// ListenAddr HTTP listen address.
	ListenAddr string `yaml:"listen_addr"`
	// FeedURL websocket URL of the external price feed.
	FeedURL string `yaml:"feed_url"`
	// WalDir directory for the ledger journal.
	WalDir string `yaml:"wal_dir"`

	// HubQueueDepth per-connection outbound queue depth.
	HubQueueDepth int `yaml:"hub_queue_depth"`
	// HubDropLimit drops tolerated before a slow subscriber is
	// disconnected.
	HubDropLimit int `yaml:"hub_drop_limit"`

	// BusyTimeout bound on waiting for the per-user ledger lock.
	BusyTimeout time.Duration `yaml:"busy_timeout"`
	// QuoteMaxAge fail trades whose quote is older than this; zero
	// disables the check and the last known quote always settles.
	QuoteMaxAge time.Duration `yaml:"quote_max_age"`

	// ReconnectMin/ReconnectMax feed reconnect backoff bounds.
	ReconnectMin time.Duration `yaml:"reconnect_min"`
	ReconnectMax time.Duration `yaml:"reconnect_max"`
}

func defaults() Config {
	return Config{
		ListenAddr:    ":8080",
		FeedURL:       "ws://localhost:9000/prices",
		WalDir:        "./wal/ledger",
		HubQueueDepth: 64,
		HubDropLimit:  256,
		BusyTimeout:   3 * time.Second,
		QuoteMaxAge:   0,
		ReconnectMin:  time.Second,
		ReconnectMax:  30 * time.Second,
	}
}

// Get loads configuration, preferring the yaml file when --config is set
// and falling back to individual flags otherwise.
func Get() (Config, error) {
	configPath := flag.String("config", "", "path to yaml config")
	listen := flag.String("listen", ":8080", "http listen address")
	feedURL := flag.String("feed", "ws://localhost:9000/prices", "price feed websocket url")
	walDir := flag.String("waldir", "./wal/ledger", "ledger journal directory")
	flag.Parse()

	if *configPath != "" {
		return getYaml(*configPath)
	}

	cfg := defaults()
	cfg.ListenAddr = *listen
	cfg.FeedURL = *feedURL
	cfg.WalDir = *walDir
	return cfg, cfg.validate()
}

func getYaml(path string) (Config, error) {
	cfg := defaults()

	f, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	if err := yaml.Unmarshal(f, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse yaml config: %w", err)
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if c.FeedURL == "" {
		return fmt.Errorf("feed_url is required")
	}
	if c.WalDir == "" {
		return fmt.Errorf("wal_dir is required")
	}
	if c.HubQueueDepth <= 0 {
		return fmt.Errorf("hub_queue_depth must be positive")
	}
	if c.HubDropLimit <= 0 {
		return fmt.Errorf("hub_drop_limit must be positive")
	}
	if c.BusyTimeout <= 0 {
		return fmt.Errorf("busy_timeout must be positive")
	}
	if c.QuoteMaxAge < 0 {
		return fmt.Errorf("quote_max_age cannot be negative")
	}
	if c.ReconnectMin <= 0 || c.ReconnectMax < c.ReconnectMin {
		return fmt.Errorf("reconnect backoff bounds are invalid")
	}
	return nil
}
