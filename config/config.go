package config

import (
	_ "embed"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
)

//go:embed sample_config.toml
var sampleConfig string

// Server configures `ipcctl serve`.
type Server struct {
	Listen              string  `toml:"listen"`
	AdvertiseHost       string  `toml:"advertise_host"`
	FirstMessageTimeout int     `toml:"first_message_timeout"` // Seconds
	InvokeTimeout       int     `toml:"invoke_timeout"`        // Seconds, 0 disables
	RateLimit           float64 `toml:"rate_limit"`            // Invocations per second, 0 disables
	RateBurst           int     `toml:"rate_burst"`
	SignalQueueSize     int     `toml:"signal_queue_size"`
}

// Client configures outbound calls and proxies.
type Client struct {
	MaxConcurrentCalls int `toml:"max_concurrent_calls"`
	AcquireBackoffMs   int `toml:"acquire_backoff_ms"`
	AcquireTimeout     int `toml:"acquire_timeout"` // Seconds
	ConnectTimeout     int `toml:"connect_timeout"` // Seconds
	CallTimeout        int `toml:"call_timeout"`    // Seconds
	RequestTimeout     int `toml:"request_timeout"` // Seconds, per proxy request
}

// Discovery configures UDP broadcast discovery.
type Discovery struct {
	Enabled  bool     `toml:"enabled"`
	Port     int      `toml:"port"`
	Interval int      `toml:"interval"` // Seconds
	User     string   `toml:"user"`
	Targets  []string `toml:"targets"`
}

// Registry configures etcd publication. It is disabled while Endpoints is empty.
type Registry struct {
	Endpoints   []string `toml:"endpoints"`
	TTL         int64    `toml:"ttl"`          // Seconds
	DialTimeout int      `toml:"dial_timeout"` // Seconds
}

// Logging configures log output.
type Logging struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // console or json
}

// Config is the whole ipcctl configuration.
type Config struct {
	Server    Server    `toml:"server"`
	Client    Client    `toml:"client"`
	Discovery Discovery `toml:"discovery"`
	Registry  Registry  `toml:"registry"`
	Logging   Logging   `toml:"logging"`
}

// SampleConfig returns a commented configuration file with the defaults.
func SampleConfig() string {
	return sampleConfig
}

// DefaultConfigPath returns the default location of the configuration file.
func DefaultConfigPath() (string, error) {
	return ExpandPath("~/.config/mini-ipc/config.toml")
}

// Load locates, parses and validates a configuration file. It returns the
// config, the resolved path and whether the file existed. A missing file yields
// the defaults.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, errors.Wrap(err, "open config")
		}
		defer file.Close()

		decoder := toml.NewDecoder(file).DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, errors.Wrap(err, "parse config")
		}
	}

	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path == "" {
		var err error
		if path, err = DefaultConfigPath(); err != nil {
			return "", false, err
		}
	}

	expanded, err := ExpandPath(path)
	if err != nil {
		return "", false, err
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return expanded, false, nil
		}
		return "", false, errors.Wrap(err, "stat config")
	}
	if info.IsDir() {
		return "", false, errors.Errorf("config path %q is a directory", expanded)
	}
	return expanded, true, nil
}

// ExpandPath resolves a leading ~ and makes the path absolute.
func ExpandPath(pathValue string) (string, error) {
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", errors.Wrap(err, "resolve home directory")
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	absolute, err := filepath.Abs(filepath.Clean(pathValue))
	if err != nil {
		return "", errors.Wrapf(err, "resolve absolute path for %q", pathValue)
	}
	return absolute, nil
}

// CreateSample writes the sample configuration to path.
func CreateSample(path string) error {
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return errors.Wrapf(err, "write %s", path)
	}
	return nil
}
