// Package tundev provisions the virtual network interface the DNS tunnel
// runs on: it creates a TUN device, assigns addresses from documentation
// prefixes, maps every upstream resolver to an in-tunnel alias address and
// protects upstream sockets from being captured by the tunnel again.
package tundev

import (
	"bytes"
	"fmt"
	"net/netip"
	"os"
	"os/exec"

	"github.com/miekg/dns"
	log "github.com/sirupsen/logrus"
	"github.com/songgao/water"

	"github.com/danielpaulus/go-dnstun/dnstun/tunnel"
)

const (
	defaultName       = "dnstun0"
	defaultResolvConf = "/etc/resolv.conf"
)

// ipv4Prefixes are reserved example prefixes we try in order for the tunnel
// subnet. They are never routed on the public internet, but a local network
// might still occupy one.
var ipv4Prefixes = []string{"192.0.2", "198.51.100", "203.0.113"}

// ipv6Template is the 2001:db8::/120 documentation subnet; the last byte
// indexes the alias addresses.
var ipv6Template = [16]byte{0x20, 0x01, 0x0d, 0xb8}

// Config controls interface provisioning.
type Config struct {
	// Name of the TUN interface, "dnstun0" when empty.
	Name string
	// Upstreams are the real resolvers queries are relayed to. When empty the
	// servers from ResolvConf are used.
	Upstreams []netip.Addr
	// IPv6 enables an IPv6 subnet on the tunnel and IPv6 upstreams.
	IPv6 bool
	// ResolvConf is the resolv.conf path used for discovery, the system one
	// when empty.
	ResolvConf string
}

// Provisioner implements tunnel.Provisioner for a Linux TUN interface.
type Provisioner struct {
	cfg Config
}

func New(cfg Config) *Provisioner {
	if cfg.Name == "" {
		cfg.Name = defaultName
	}
	if cfg.ResolvConf == "" {
		cfg.ResolvConf = defaultResolvConf
	}
	return &Provisioner{cfg: cfg}
}

// Provision creates and configures the TUN interface. It fails when no
// upstream DNS servers are available or the interface cannot be set up; the
// returned device must be closed by the caller when the session ends.
func (p *Provisioner) Provision() (*tunnel.Tunnel, error) {
	upstreams := p.cfg.Upstreams
	if len(upstreams) == 0 {
		discovered, err := DiscoverUpstreams(p.cfg.ResolvConf)
		if err != nil {
			return nil, err
		}
		upstreams = discovered
	}
	if len(upstreams) == 0 {
		return nil, fmt.Errorf("Provision: no upstream DNS servers")
	}
	log.Infof("got DNS servers %v", upstreams)

	ifce, err := water.New(water.Config{
		DeviceType:             water.TUN,
		PlatformSpecificParams: water.PlatformSpecificParams{Name: p.cfg.Name},
	})
	if err != nil {
		return nil, fmt.Errorf("Provision: failed creating TUN device: %w", err)
	}
	file, ok := ifce.ReadWriteCloser.(*os.File)
	if !ok {
		ifce.Close()
		return nil, fmt.Errorf("Provision: TUN device %s has no file descriptor", ifce.Name())
	}

	prefix := ""
	for _, candidate := range ipv4Prefixes {
		if err := runIP("addr", "add", candidate+".1/24", "dev", ifce.Name()); err != nil {
			log.Debugf("prefix %s not usable: %v", candidate, err)
			continue
		}
		prefix = candidate
		break
	}
	if prefix == "" {
		log.Warn("could not find a prefix to use, directly using DNS servers")
		if err := runIP("addr", "add", "192.168.50.1/24", "dev", ifce.Name()); err != nil {
			ifce.Close()
			return nil, fmt.Errorf("Provision: could not assign address: %w", err)
		}
	}

	ipv6 := p.cfg.IPv6 && hasIPv6Servers(upstreams)
	if ipv6 {
		if err := runIP("-6", "addr", "add", "2001:db8::1/120", "dev", ifce.Name()); err != nil {
			log.Warnf("could not assign IPv6 address, disabling IPv6: %v", err)
			ipv6 = false
		}
	}

	if err := runIP("link", "set", ifce.Name(), "up"); err != nil {
		ifce.Close()
		return nil, fmt.Errorf("Provision: could not enable interface %s: %w", ifce.Name(), err)
	}

	resolvers := resolverAliases(upstreams, prefix, ipv6)
	if len(resolvers) == 0 {
		ifce.Close()
		return nil, fmt.Errorf("Provision: no usable upstream DNS servers")
	}
	for _, r := range resolvers {
		log.Infof("configured DNS server %s as %s", r.Addr, r.Alias)
	}

	return &tunnel.Tunnel{
		Device:    &TUN{ifce: ifce, file: file},
		Resolvers: resolvers,
	}, nil
}

// resolverAliases assigns one in-tunnel alias per usable upstream. Aliases
// count from .2: .1 is the tunnel's own address. Upstreams without a matching
// address family on the tunnel are ignored.
func resolverAliases(upstreams []netip.Addr, prefix string, ipv6 bool) []tunnel.Resolver {
	var resolvers []tunnel.Resolver
	for _, addr := range upstreams {
		switch {
		case addr.Is4() && prefix != "":
			alias, err := netip.ParseAddr(fmt.Sprintf("%s.%d", prefix, len(resolvers)+2))
			if err != nil {
				log.Warnf("skipping DNS server %s: %v", addr, err)
				continue
			}
			resolvers = append(resolvers, tunnel.Resolver{Alias: alias, Addr: addr})
		case addr.Is6() && ipv6:
			raw := ipv6Template
			raw[15] = byte(len(resolvers) + 2)
			resolvers = append(resolvers, tunnel.Resolver{Alias: netip.AddrFrom16(raw), Addr: addr})
		default:
			log.Infof("ignoring DNS server %s", addr)
		}
	}
	return resolvers
}

func hasIPv6Servers(upstreams []netip.Addr) bool {
	for _, addr := range upstreams {
		if addr.Is6() {
			return true
		}
	}
	return false
}

// DiscoverUpstreams reads the system resolvers from a resolv.conf style file,
// the system one when path is empty.
func DiscoverUpstreams(path string) ([]netip.Addr, error) {
	if path == "" {
		path = defaultResolvConf
	}
	conf, err := dns.ClientConfigFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("DiscoverUpstreams: could not read %s: %w", path, err)
	}
	var upstreams []netip.Addr
	for _, server := range conf.Servers {
		addr, err := netip.ParseAddr(server)
		if err != nil {
			log.Warnf("skipping unparsable DNS server %q: %v", server, err)
			continue
		}
		upstreams = append(upstreams, addr)
	}
	return upstreams, nil
}

// TUN is an established TUN interface.
type TUN struct {
	ifce *water.Interface
	file *os.File
}

func (t *TUN) Read(p []byte) (int, error)  { return t.ifce.Read(p) }
func (t *TUN) Write(p []byte) (int, error) { return t.ifce.Write(p) }
func (t *TUN) Close() error                { return t.ifce.Close() }

// Fd exposes the device descriptor for the poll set.
func (t *TUN) Fd() int { return int(t.file.Fd()) }

// Name returns the interface name.
func (t *TUN) Name() string { return t.ifce.Name() }

func runIP(args ...string) error {
	cmd := exec.Command("ip", args...)
	buf := new(bytes.Buffer)
	cmd.Stderr = buf
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("runIP: ip %v failed (stderr: %s): %w", args, buf.String(), err)
	}
	return nil
}
