package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/malbeclabs/netpoke/internal/metrics"
	"github.com/malbeclabs/netpoke/internal/session"
	"github.com/malbeclabs/netpoke/internal/signaling"
	"github.com/malbeclabs/netpoke/internal/tracker"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultListenAddr         = ":8080"
	defaultMetricsAddr        = ":9090"
	defaultSessionIdleTimeout = 5 * time.Minute
	janitorInterval           = time.Minute
)

// fileConfig is the optional YAML configuration; flags override it.
type fileConfig struct {
	ListenAddr         string        `yaml:"listen_addr"`
	MetricsAddr        string        `yaml:"metrics_addr"`
	PublicIP           string        `yaml:"public_ip"`
	DisableICMPv4      bool          `yaml:"disable_icmpv4"`
	DisableICMPv6      bool          `yaml:"disable_icmpv6"`
	ProbeInterval      time.Duration `yaml:"probe_interval"`
	TestprobeInterval  time.Duration `yaml:"testprobe_interval"`
	StatsInterval      time.Duration `yaml:"stats_interval"`
	MaxTTL             int           `yaml:"max_ttl"`
	MTUSweep           []int         `yaml:"mtu_sweep"`
	SessionIdleTimeout time.Duration `yaml:"session_idle_timeout"`
}

func main() {
	if err := run(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	showVersionFlag := flag.Bool("version", false, "show version and exit")
	verboseFlag := flag.Bool("verbose", false, "verbose mode - show debug logs")
	configPathFlag := flag.String("config", "", "path to YAML config file")
	listenAddrFlag := flag.String("listen-addr", defaultListenAddr, "address for the signalling HTTP API")
	metricsAddrFlag := flag.String("metrics-addr", defaultMetricsAddr, "address for prometheus metrics; empty disables")
	publicIPFlag := flag.String("public-ip", "", "public IP advertised in answer candidates (default: auto-detected)")
	disableICMPv4Flag := flag.Bool("disable-icmpv4", false, "do not open the raw ICMPv4 listener")
	disableICMPv6Flag := flag.Bool("disable-icmpv6", false, "do not open the raw ICMPv6 listener")
	probeIntervalFlag := flag.Duration("probe-interval", 0, "interval between delay probes per session")
	testprobeIntervalFlag := flag.Duration("testprobe-interval", 0, "interval between traceroute/MTU probes")
	statsIntervalFlag := flag.Duration("stats-interval", 0, "interval between ProbeStats reports")
	maxTTLFlag := flag.Int("max-ttl", 0, "maximum traceroute TTL")
	sessionIdleTimeoutFlag := flag.Duration("session-idle-timeout", 0, "evict sessions with no traffic for this long")
	flag.Parse()

	if *showVersionFlag {
		fmt.Printf("version: %s, commit: %s, date: %s\n", version, commit, date)
		os.Exit(0)
	}

	log := newLogger(*verboseFlag)

	var cfg fileConfig
	if *configPathFlag != "" {
		b, err := os.ReadFile(*configPathFlag)
		if err != nil {
			log.Error("failed to read config file", "path", *configPathFlag, "error", err)
			return err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			log.Error("failed to parse config file", "path", *configPathFlag, "error", err)
			return err
		}
	}
	if cfg.ListenAddr == "" || *listenAddrFlag != defaultListenAddr {
		cfg.ListenAddr = *listenAddrFlag
	}
	if cfg.MetricsAddr == "" || *metricsAddrFlag != defaultMetricsAddr {
		cfg.MetricsAddr = *metricsAddrFlag
	}
	if *publicIPFlag != "" {
		cfg.PublicIP = *publicIPFlag
	}
	cfg.DisableICMPv4 = cfg.DisableICMPv4 || *disableICMPv4Flag
	cfg.DisableICMPv6 = cfg.DisableICMPv6 || *disableICMPv6Flag
	if *probeIntervalFlag != 0 {
		cfg.ProbeInterval = *probeIntervalFlag
	}
	if *testprobeIntervalFlag != 0 {
		cfg.TestprobeInterval = *testprobeIntervalFlag
	}
	if *statsIntervalFlag != 0 {
		cfg.StatsInterval = *statsIntervalFlag
	}
	if *maxTTLFlag != 0 {
		cfg.MaxTTL = *maxTTLFlag
	}
	if *sessionIdleTimeoutFlag != 0 {
		cfg.SessionIdleTimeout = *sessionIdleTimeoutFlag
	}
	if cfg.SessionIdleTimeout == 0 {
		cfg.SessionIdleTimeout = defaultSessionIdleTimeout
	}

	var publicIP net.IP
	if cfg.PublicIP != "" {
		publicIP = net.ParseIP(cfg.PublicIP)
		if publicIP == nil {
			log.Error("failed to parse public ip", "ip", cfg.PublicIP)
			return fmt.Errorf("failed to parse public ip: %s", cfg.PublicIP)
		}
	} else {
		publicIP = detectPublicIP(log)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Prometheus metrics server.
	if cfg.MetricsAddr != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		go func() {
			listener, err := net.Listen("tcp", cfg.MetricsAddr)
			if err != nil {
				log.Error("Failed to start prometheus metrics server listener", "error", err)
				os.Exit(1)
			}
			log.Info("Prometheus metrics server listening", "address", listener.Addr().String())
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.Serve(listener, mux); err != nil {
				log.Error("Failed to start prometheus metrics server", "error", err)
				os.Exit(1)
			}
		}()
	}

	clock := clockwork.NewRealClock()
	registry := session.NewRegistry(log)

	correlator, err := tracker.NewCorrelator(tracker.CorrelatorConfig{
		Logger:         log,
		Clock:          clock,
		LookupTrackers: registry.TrackersByPeer,
		OnHop: func(hop tracker.HopEvent) {
			if sess, ok := registry.LookupByID(hop.ConnID); ok && sess.Engine != nil {
				sess.Engine.OnHop(hop)
			}
		},
		OnOrphan: func(peer netip.Addr) {
			registry.CleanupByPeer(peer)
		},
	})
	if err != nil {
		log.Error("failed to create ICMP correlator", "error", err)
		return err
	}

	sigServer, err := signaling.NewServer(signaling.ServerConfig{
		Logger:   log,
		Registry: registry,
		Clock:    clock,
		PublicIP: publicIP,
		SessionOptions: signaling.SessionOptions{
			ProbeInterval:     cfg.ProbeInterval,
			TestprobeInterval: cfg.TestprobeInterval,
			StatsInterval:     cfg.StatsInterval,
			MaxTTL:            cfg.MaxTTL,
			MTUSweep:          cfg.MTUSweep,
		},
	})
	if err != nil {
		log.Error("failed to create signalling server", "error", err)
		return err
	}

	log.Info("Starting netpoke server",
		"version", version,
		"listenAddr", cfg.ListenAddr,
		"publicIP", publicIP.String(),
		"icmpv4", !cfg.DisableICMPv4,
		"icmpv6", !cfg.DisableICMPv6,
		"sessionIdleTimeout", cfg.SessionIdleTimeout,
	)

	// Manual errCh + WaitGroup instead of errgroup.Group: better
	// per-component logging and full shutdown coordination.
	errCh := make(chan error, 4)
	var wg sync.WaitGroup

	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: sigServer.Handler()}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("signalling server: %w", err)
		}
	}()

	// Raw ICMP listeners: one per enabled address family.
	for _, fam := range []tracker.Family{tracker.FamilyIPv4, tracker.FamilyIPv6} {
		if (fam == tracker.FamilyIPv4 && cfg.DisableICMPv4) || (fam == tracker.FamilyIPv6 && cfg.DisableICMPv6) {
			continue
		}
		listener, err := tracker.NewListener(tracker.ListenerConfig{
			Logger:     log,
			Family:     fam,
			Correlator: correlator,
			Clock:      clock,
		})
		if err != nil {
			log.Error("failed to create ICMP listener", "family", fam, "error", err)
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := listener.Run(ctx); err != nil {
				errCh <- fmt.Errorf("ICMPv%d listener: %w", fam, err)
			}
		}()
	}

	// Registry janitor: a peer that goes silent without ever producing an
	// unmatched ICMP error would otherwise hold its socket and goroutines
	// forever.
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := clock.NewTicker(janitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				registry.EvictIdle(clock.Now(), cfg.SessionIdleTimeout)
			}
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("context done, stopping")
	case e := <-errCh:
		log.Error("shutting down due to error", "error", e)
		runErr = e
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
	registry.Range(func(s *session.Session) { s.Close() })
	wg.Wait()

	return runErr
}

// detectPublicIP picks the source address of the default route, falling back
// to loopback for same-host testing.
func detectPublicIP(log *slog.Logger) net.IP {
	conn, err := net.Dial("udp", "8.8.8.8:53")
	if err != nil {
		log.Warn("could not auto-detect public IP, using loopback", "error", err)
		return net.ParseIP("127.0.0.1")
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP
}

func newLogger(verbose bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level: logLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				t := a.Value.Time().UTC()
				a.Value = slog.StringValue(formatRFC3339Millis(t))
			}
			return a
		},
	}))
}

func formatRFC3339Millis(t time.Time) string {
	t = t.UTC()
	base := t.Format("2006-01-02T15:04:05")
	ms := t.Nanosecond() / 1_000_000
	return fmt.Sprintf("%s.%03dZ", base, ms)
}
