package config

import (
	"math"
	"net"

	"github.com/pkg/errors"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateServer(); err != nil {
		return err
	}
	if err := c.validateClient(); err != nil {
		return err
	}
	if err := c.validateDiscovery(); err != nil {
		return err
	}
	if err := c.validateRegistry(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateServer() error {
	if _, _, err := net.SplitHostPort(c.Server.Listen); err != nil {
		return errors.Wrapf(err, "server.listen %q", c.Server.Listen)
	}
	if c.Server.FirstMessageTimeout <= 0 {
		return errors.New("server.first_message_timeout must be positive")
	}
	if c.Server.InvokeTimeout < 0 {
		return errors.New("server.invoke_timeout must not be negative")
	}
	if c.Server.RateLimit < 0 {
		return errors.New("server.rate_limit must not be negative")
	}
	if c.Server.RateLimit > 0 && c.Server.RateBurst <= 0 {
		return errors.New("server.rate_burst must be positive when server.rate_limit is set")
	}
	if c.Server.SignalQueueSize <= 0 {
		return errors.New("server.signal_queue_size must be positive")
	}
	return nil
}

func (c *Config) validateClient() error {
	switch {
	case c.Client.MaxConcurrentCalls <= 0:
		return errors.New("client.max_concurrent_calls must be positive")
	case c.Client.AcquireBackoffMs <= 0:
		return errors.New("client.acquire_backoff_ms must be positive")
	case c.Client.AcquireTimeout < 0:
		return errors.New("client.acquire_timeout must not be negative")
	case c.Client.ConnectTimeout <= 0:
		return errors.New("client.connect_timeout must be positive")
	case c.Client.CallTimeout <= 0:
		return errors.New("client.call_timeout must be positive")
	case c.Client.RequestTimeout <= 0:
		return errors.New("client.request_timeout must be positive")
	}
	return nil
}

func (c *Config) validateDiscovery() error {
	if c.Discovery.Port <= 0 || c.Discovery.Port > math.MaxUint16 {
		return errors.Errorf("discovery.port %d out of range", c.Discovery.Port)
	}
	if c.Discovery.Interval <= 0 {
		return errors.New("discovery.interval must be positive")
	}
	if len(c.Discovery.User) > math.MaxUint16 {
		return errors.New("discovery.user is too long")
	}
	return nil
}

func (c *Config) validateRegistry() error {
	if len(c.Registry.Endpoints) == 0 {
		return nil
	}
	if c.Registry.TTL <= 0 {
		return errors.New("registry.ttl must be positive")
	}
	if c.Registry.DialTimeout <= 0 {
		return errors.New("registry.dial_timeout must be positive")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return errors.Errorf("logging.level %q must be one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		return errors.Errorf("logging.format %q must be console or json", c.Logging.Format)
	}
	return nil
}
