package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	ServerURL     string        `env:"CHATSYNC_SERVER_URL" envDefault:"ws://localhost:8090/socket"`
	APIURL        string        `env:"CHATSYNC_API_URL" envDefault:"http://localhost:8090"`
	Token         string        `env:"CHATSYNC_TOKEN"`
	UserID        string        `env:"CHATSYNC_USER_ID"`
	ChatID        string        `env:"CHATSYNC_CHAT_ID"`
	AckTimeout    time.Duration `env:"CHATSYNC_ACK_TIMEOUT" envDefault:"10s"`
	ReconnectMin  time.Duration `env:"CHATSYNC_RECONNECT_MIN" envDefault:"500ms"`
	ReconnectMax  time.Duration `env:"CHATSYNC_RECONNECT_MAX" envDefault:"30s"`
	CacheDB       string        `env:"CHATSYNC_CACHE_DB"`
	CacheSize     int           `env:"CHATSYNC_CACHE_SIZE" envDefault:"200"`
	DevServerAddr string        `env:"CHATSYNC_DEVSERVER_ADDR" envDefault:":8090"`
}

// Load reads the configuration from the environment. Flags may override
// fields afterwards; call Validate once they have.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if err := checkURL(c.ServerURL, "ws", "wss"); err != nil {
		return fmt.Errorf("CHATSYNC_SERVER_URL: %w", err)
	}
	if err := checkURL(c.APIURL, "http", "https"); err != nil {
		return fmt.Errorf("CHATSYNC_API_URL: %w", err)
	}

	if c.AckTimeout <= 0 {
		return fmt.Errorf("CHATSYNC_ACK_TIMEOUT must be greater than 0")
	}

	if c.ReconnectMin <= 0 || c.ReconnectMax < c.ReconnectMin {
		return fmt.Errorf("CHATSYNC_RECONNECT_MIN must be greater than 0 and not above CHATSYNC_RECONNECT_MAX")
	}

	if c.CacheSize <= 0 {
		return fmt.Errorf("CHATSYNC_CACHE_SIZE must be greater than 0")
	}

	return nil
}

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%q is not a %s URL", raw, schemes[0])
}
