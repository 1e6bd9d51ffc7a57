// Package dnstun holds the daemon configuration shared by the CLI and the
// tunnel collaborators.
package dnstun

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"os"
)

// Config is the JSON configuration of the daemon. The zero value of every
// field has a usable default.
type Config struct {
	// TunName is the TUN interface name, "dnstun0" when empty.
	TunName string `json:"tun_name,omitempty"`
	// Upstreams are explicit upstream resolvers. When empty, the servers from
	// /etc/resolv.conf are used.
	Upstreams []string `json:"upstreams,omitempty"`
	// Watchdog enables the connection liveness watchdog.
	Watchdog bool `json:"watchdog"`
	// IPv6 enables IPv6 inside the tunnel.
	IPv6 bool `json:"ipv6"`
	// Blocklist is a path to a hosts file of names answered with NXDOMAIN.
	Blocklist string `json:"blocklist,omitempty"`
	// StatusPort is the port of the local status API, 0 disables it.
	StatusPort int `json:"status_port,omitempty"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		Watchdog: true,
		IPv6:     true,
	}
}

// ReadConfig loads a Config from a JSON file.
func ReadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("ReadConfig: could not read %s: %w", path, err)
	}
	config := DefaultConfig()
	if err := json.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("ReadConfig: could not parse %s: %w", path, err)
	}
	return config, nil
}

// UpstreamAddrs parses the configured upstream resolvers.
func (c Config) UpstreamAddrs() ([]netip.Addr, error) {
	var addrs []netip.Addr
	for _, s := range c.Upstreams {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return nil, fmt.Errorf("UpstreamAddrs: invalid upstream %q: %w", s, err)
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

// WatchdogEnabled implements tunnel.Settings.
func (c Config) WatchdogEnabled() bool { return c.Watchdog }

// IPv6Enabled implements tunnel.Settings.
func (c Config) IPv6Enabled() bool { return c.IPv6 }
