package config

import (
	"os"
	"os/user"
	"strings"
)

func (c *Config) normalize() {
	c.Server.Listen = strings.TrimSpace(c.Server.Listen)
	c.Server.AdvertiseHost = strings.TrimSpace(c.Server.AdvertiseHost)
	if c.Server.AdvertiseHost == "" {
		c.Server.AdvertiseHost = "127.0.0.1"
	}

	c.Discovery.User = strings.TrimSpace(c.Discovery.User)
	if c.Discovery.User == "" {
		c.Discovery.User = defaultUser()
	}
	c.Discovery.Targets = trimAll(c.Discovery.Targets)
	c.Registry.Endpoints = trimAll(c.Registry.Endpoints)

	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
}

// defaultUser is "login@hostname", the identity sent with discovery broadcasts.
func defaultUser() string {
	name := "unknown"
	if u, err := user.Current(); err == nil && u.Username != "" {
		name = u.Username
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		return name
	}
	return name + "@" + host
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
