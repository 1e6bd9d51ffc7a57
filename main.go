package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/docopt/docopt-go"
	log "github.com/sirupsen/logrus"

	"github.com/danielpaulus/go-dnstun/dnstun"
	"github.com/danielpaulus/go-dnstun/dnstun/api"
	"github.com/danielpaulus/go-dnstun/dnstun/dnsproxy"
	"github.com/danielpaulus/go-dnstun/dnstun/tundev"
	"github.com/danielpaulus/go-dnstun/dnstun/tunnel"
)

const version = "local-build"

func main() {
	Main()
}

// Main exports main for testing
func Main() {
	usage := fmt.Sprintf(`go-dnstun %s

Usage:
  dnstun run [options]
  dnstun resolvers [options]
  dnstun -h | --help
  dnstun --version | version

Options:
  -v --verbose           Enable Debug Logging.
  -t --trace             Enable Trace Logging (dump every message).
  --nojson               Disable JSON output (default).
  --config=<file>        Read the configuration from a JSON file.
  --tun=<name>           Name of the TUN interface, dnstun0 when unset.
  --status-port=<port>   Serve the local status API on this port, typically %d. 0 disables it.
  -h --help              Show this screen.

The commands work as following:
   dnstun run [options]         Provisions the TUN interface and relays intercepted DNS
                                queries to the upstream resolvers until interrupted.
   dnstun resolvers [options]   Prints the upstream resolvers that would be used.
  `, version, api.DefaultPort)
	arguments, err := docopt.ParseDoc(usage)
	if err != nil {
		log.Fatal(err)
	}
	disableJSON, _ := arguments.Bool("--nojson")
	if !disableJSON {
		log.SetFormatter(&log.JSONFormatter{})
	}
	traceLevelEnabled, _ := arguments.Bool("--trace")
	verboseLoggingEnabled, _ := arguments.Bool("--verbose")
	if traceLevelEnabled {
		log.Info("Set Trace mode")
		log.SetLevel(log.TraceLevel)
	} else if verboseLoggingEnabled {
		log.Info("Set Debug mode")
		log.SetLevel(log.DebugLevel)
	}

	if versionCommand, _ := arguments.Bool("version"); versionCommand {
		printVersion()
		return
	}
	if versionFlag, _ := arguments.Bool("--version"); versionFlag {
		printVersion()
		return
	}

	config := loadConfig(arguments)

	if resolversCommand, _ := arguments.Bool("resolvers"); resolversCommand {
		printResolvers(config)
		return
	}
	if runCommand, _ := arguments.Bool("run"); runCommand {
		runTunnel(config)
	}
}

func printVersion() {
	fmt.Println(version)
}

func loadConfig(arguments docopt.Opts) dnstun.Config {
	config := dnstun.DefaultConfig()
	if path, err := arguments.String("--config"); err == nil && path != "" {
		loaded, err := dnstun.ReadConfig(path)
		if err != nil {
			log.Fatalf("could not load config: %v", err)
		}
		config = loaded
	}
	// Flags override the file, but only when actually passed.
	if name, err := arguments.String("--tun"); err == nil && name != "" {
		config.TunName = name
	}
	if port, err := arguments.Int("--status-port"); err == nil {
		config.StatusPort = port
	}
	return config
}

func printResolvers(config dnstun.Config) {
	upstreams, err := config.UpstreamAddrs()
	if err != nil {
		log.Fatal(err)
	}
	if len(upstreams) == 0 {
		upstreams, err = tundev.DiscoverUpstreams("")
		if err != nil {
			log.Fatal(err)
		}
	}
	for _, addr := range upstreams {
		fmt.Println(addr)
	}
}

func runTunnel(config dnstun.Config) {
	upstreams, err := config.UpstreamAddrs()
	if err != nil {
		log.Fatal(err)
	}

	var blocklist *dnsproxy.Blocklist
	if config.Blocklist != "" {
		blocklist, err = dnsproxy.LoadBlocklist(config.Blocklist)
		if err != nil {
			log.Fatalf("could not load blocklist: %v", err)
		}
	}

	tracker := api.NewTracker()
	if config.StatusPort != 0 {
		go func() {
			if err := api.ServeStatus(tracker, config.StatusPort); err != nil {
				log.Errorf("status api failed: %v", err)
			}
		}()
	}

	provisioner := tundev.New(tundev.Config{
		Name:      config.TunName,
		Upstreams: upstreams,
		IPv6:      config.IPv6Enabled(),
	})
	worker := tunnel.NewWorker(tunnel.WorkerConfig{
		Provisioner: provisioner,
		Protector:   tundev.NewProtector(),
		Notifier:    tracker.Notify,
		Settings:    config,
		NewProxy: func(fw tunnel.Forwarder, resolvers []tunnel.Resolver) tunnel.PacketProxy {
			tracker.SetResolvers(resolvers)
			return dnsproxy.New(fw, resolvers, blocklist)
		},
	})
	worker.Start()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	sig := <-c
	log.Infof("os signal %v received, shutting down", sig)
	worker.Stop()
}
