package config

import (
	"time"

	"mini-ipc/client"
	"mini-ipc/discovery"
	"mini-ipc/proxy"
	"mini-ipc/server"
)

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// ServerConfig maps [server] onto server.Config.
func (c *Config) ServerConfig() server.Config {
	return server.Config{
		FirstMessageTimeout: seconds(c.Server.FirstMessageTimeout),
		InvokeTimeout:       seconds(c.Server.InvokeTimeout),
		RateLimit:           c.Server.RateLimit,
		RateBurst:           c.Server.RateBurst,
		SignalQueueSize:     c.Server.SignalQueueSize,
		RegistryTTL:         c.Registry.TTL,
	}
}

// ClientConfig maps [client] onto client.Config.
func (c *Config) ClientConfig() client.Config {
	cfg := client.DefaultConfig()
	cfg.MaxConcurrent = int64(c.Client.MaxConcurrentCalls)
	cfg.AcquireBackoff = time.Duration(c.Client.AcquireBackoffMs) * time.Millisecond
	cfg.AcquireTimeout = seconds(c.Client.AcquireTimeout)
	cfg.ConnectTimeout = seconds(c.Client.ConnectTimeout)
	cfg.CallTimeout = seconds(c.Client.CallTimeout)
	return cfg
}

// ProxyConfig maps [client] onto proxy.Config for one remote object.
func (c *Config) ProxyConfig(host string, port uint16, objectPath string) proxy.Config {
	cfg := proxy.DefaultConfig()
	cfg.Host = host
	cfg.Port = port
	cfg.ObjectPath = objectPath
	cfg.ActivationTimeout = seconds(c.Client.ConnectTimeout)
	cfg.RequestTimeout = seconds(c.Client.RequestTimeout)
	return cfg
}

// DiscoveryConfig maps [discovery] onto discovery.Config.
func (c *Config) DiscoveryConfig() discovery.Config {
	cfg := discovery.DefaultConfig()
	cfg.Interval = seconds(c.Discovery.Interval)
	cfg.User = c.Discovery.User
	cfg.Targets = c.Discovery.Targets
	return cfg
}

// DiscoveryPort returns the discovery port.
func (c *Config) DiscoveryPort() uint16 {
	return uint16(c.Discovery.Port)
}
