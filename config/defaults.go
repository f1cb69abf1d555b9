package config

import "mini-ipc/discovery"

const (
	defaultListen                = "127.0.0.1:0"
	defaultFirstMessageTimeout   = 10
	defaultSignalQueueSize       = 256
	defaultMaxConcurrentCalls    = 20
	defaultAcquireBackoffMillis  = 100
	defaultAcquireTimeout        = 30
	defaultConnectTimeout        = 10
	defaultCallTimeout           = 10
	defaultRequestTimeout        = 10
	defaultDiscoveryIntervalSecs = 2
	defaultRegistryTTL           = 10
	defaultRegistryDialTimeout   = 5
	defaultLogLevel              = "info"
	defaultLogFormat             = "console"
)

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Server: Server{
			Listen:              defaultListen,
			FirstMessageTimeout: defaultFirstMessageTimeout,
			SignalQueueSize:     defaultSignalQueueSize,
		},
		Client: Client{
			MaxConcurrentCalls: defaultMaxConcurrentCalls,
			AcquireBackoffMs:   defaultAcquireBackoffMillis,
			AcquireTimeout:     defaultAcquireTimeout,
			ConnectTimeout:     defaultConnectTimeout,
			CallTimeout:        defaultCallTimeout,
			RequestTimeout:     defaultRequestTimeout,
		},
		Discovery: Discovery{
			Enabled:  true,
			Port:     int(discovery.DefaultPort),
			Interval: defaultDiscoveryIntervalSecs,
		},
		Registry: Registry{
			TTL:         defaultRegistryTTL,
			DialTimeout: defaultRegistryDialTimeout,
		},
		Logging: Logging{
			Level:  defaultLogLevel,
			Format: defaultLogFormat,
		},
	}
}
