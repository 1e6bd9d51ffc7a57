package dnsproxy

import (
	"bufio"
	"fmt"
	"net/netip"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Blocklist is a set of host names answered locally with NXDOMAIN instead of
// being forwarded upstream. Matching covers subdomains: blocking
// "ads.example.com" also blocks "tracker.ads.example.com".
type Blocklist struct {
	hosts map[string]struct{}
}

// LoadBlocklist reads a blocklist file. Both plain domain lists and hosts-file
// format ("0.0.0.0 ads.example.com") are accepted; comments start with '#'.
func LoadBlocklist(path string) (*Blocklist, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("LoadBlocklist: could not open %s: %w", path, err)
	}
	defer f.Close()

	b := &Blocklist{hosts: map[string]struct{}{}}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		host := fields[0]
		if _, err := netip.ParseAddr(host); err == nil {
			// hosts-file format, the name follows the address
			if len(fields) < 2 {
				continue
			}
			host = fields[1]
		}
		b.hosts[normalizeHost(host)] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("LoadBlocklist: could not read %s: %w", path, err)
	}
	log.Infof("loaded %d blocked hosts from %s", len(b.hosts), path)
	return b, nil
}

// Contains reports whether name or one of its parent domains is blocked. It
// is safe to call on a nil Blocklist.
func (b *Blocklist) Contains(name string) bool {
	if b == nil {
		return false
	}
	host := normalizeHost(name)
	for host != "" {
		if _, ok := b.hosts[host]; ok {
			return true
		}
		i := strings.IndexByte(host, '.')
		if i < 0 {
			return false
		}
		host = host[i+1:]
	}
	return false
}

// Size returns the number of blocked host entries.
func (b *Blocklist) Size() int {
	if b == nil {
		return 0
	}
	return len(b.hosts)
}

func normalizeHost(name string) string {
	return strings.ToLower(strings.TrimSuffix(name, "."))
}
