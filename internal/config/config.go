// Package config loads the trader's YAML configuration and fills credentials
// from the environment so secrets stay out of the file.
package config

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/khunter/autotrader/internal/broker"
	"github.com/khunter/autotrader/internal/console"
	"github.com/khunter/autotrader/internal/engine"
	"github.com/khunter/autotrader/internal/feed"
	"github.com/khunter/autotrader/internal/position"
	"github.com/khunter/autotrader/internal/strategy"
	"github.com/khunter/autotrader/internal/surge"
)

type Callmon struct {
	HistoryCap      int `yaml:"history_cap"`
	RateLimitPerSec int `yaml:"rate_limit_per_second"`
}

type Audit struct {
	Path string `yaml:"path"`
}

type Root struct {
	Broker   broker.Config   `yaml:"broker"`
	Feed     feed.Config     `yaml:"feed"`
	Surge    surge.Config    `yaml:"surge"`
	Strategy strategy.Config `yaml:"strategy"`
	Exit     position.Config `yaml:"exit"`
	Engine   engine.Config   `yaml:"engine"`
	Console  console.Config  `yaml:"console"`
	Callmon  Callmon         `yaml:"callmon"`
	Audit    Audit           `yaml:"audit"`
}

// Load reads path, overlays environment credentials, and applies defaults for
// everything the file leaves unset. Component constructors default the rest.
func Load(path string) (Root, error) {
	var c Root
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, err
	}
	applyEnv(&c)
	applyDefaults(&c)
	return c, nil
}

// applyEnv overlays secrets and account identifiers. The environment always
// wins over the file so deployments can share one config.
func applyEnv(c *Root) {
	if v := os.Getenv("BROKER_APP_KEY"); v != "" {
		c.Broker.AppKey = v
		c.Feed.AppKey = v
	}
	if v := os.Getenv("BROKER_APP_SECRET"); v != "" {
		c.Broker.AppSecret = v
		c.Feed.AppSecret = v
	}
	if v := os.Getenv("BROKER_ACCOUNT_NUMBER"); v != "" {
		c.Broker.AccountNumber = v
	}
	if v := os.Getenv("BROKER_BASE_URL"); v != "" {
		c.Broker.BaseURL = v
	}
	if v := os.Getenv("FEED_REST_URL"); v != "" {
		c.Feed.RESTURL = v
	}
	if v := os.Getenv("FEED_WS_URL"); v != "" {
		c.Feed.WSURL = v
	}
}

func applyDefaults(c *Root) {
	if c.Feed.RESTURL == "" {
		c.Feed.RESTURL = c.Broker.BaseURL
	}
	if c.Console.Addr == "" {
		c.Console.Addr = ":8090"
	}
	if c.Callmon.HistoryCap == 0 {
		c.Callmon.HistoryCap = 1000
	}
	if c.Callmon.RateLimitPerSec == 0 {
		c.Callmon.RateLimitPerSec = 5
	}
	if c.Audit.Path == "" {
		c.Audit.Path = "data/audit.jsonl"
	}
}
