// Command proxy runs firefly-proxy's local endpoint: a smart SOCKS5
// listener and a smart HTTP forward proxy, both routed through the same
// forwarding matcher, plus an optional meek channel listener when relays
// are configured.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/semaphore"

	"github.com/yinghuocho/firefly-proxy/internal/config"
	"github.com/yinghuocho/firefly-proxy/internal/matcher"
	"github.com/yinghuocho/firefly-proxy/internal/meek"
	"github.com/yinghuocho/firefly-proxy/internal/metrics"
	"github.com/yinghuocho/firefly-proxy/internal/relay"
	"github.com/yinghuocho/firefly-proxy/internal/smarthttp"
	"github.com/yinghuocho/firefly-proxy/internal/smartsocks"
	"github.com/yinghuocho/firefly-proxy/pkg/banner"
)

// Version is set at build time via ldflags, as the teacher's cmd binaries do.
var Version = "dev"

const (
	dialTimeout     = 15 * time.Second
	relayProbeDelay = 10 * time.Second
)

func main() {
	var configPath string
	var verbose bool

	root := &cobra.Command{
		Use:     "proxy",
		Short:   "Smart SOCKS5 + HTTP proxy with pluggable circumvention channels",
		Version: Version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, verbose)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to JSON config file")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the proxy version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("proxy %s\n", Version)
			return nil
		},
	}
}

func run(configPath string, verbose bool) error {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	if verbose {
		log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	}

	hosts, err := config.LoadHosts(cfg.Matcher)
	if err != nil {
		return fmt.Errorf("load hosts table: %w", err)
	}
	blacklist, err := config.LoadBlacklist(cfg.Matcher, cfg.ChannelURL)
	if err != nil {
		return fmt.Errorf("load blacklist: %w", err)
	}
	m := matcher.New(hosts, blacklist)

	sem := semaphore.NewWeighted(cfg.SessionCap)

	banner.Print("proxy")

	var channelServer *relay.Server
	if len(cfg.Relays) > 0 {
		channelServer, err = startMeekChannel(cfg, sem)
		if err != nil {
			return fmt.Errorf("start meek channel: %w", err)
		}
	}

	socksServer := relay.NewServer(cfg.SocksAddr, &smartsocks.Factory{Timeout: dialTimeout, Matcher: m}, sem)
	if err := socksServer.Start(); err != nil {
		return fmt.Errorf("start socks listener: %w", err)
	}

	httpHandler := smarthttp.NewHandler(dialTimeout, m)
	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: httpHandler}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[proxy] http listener: %v", err)
		}
	}()

	if cfg.MetricsAddr != "" {
		metrics.Default()
		go func() {
			if err := metrics.ListenAndServe(cfg.MetricsAddr); err != nil {
				log.Printf("[proxy] metrics listener: %v", err)
			}
		}()
	}

	banner.PrintProxyStatus(cfg.SocksAddr, cfg.HTTPAddr, cfg.ChannelURL)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("[proxy] shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := socksServer.Stop(ctx); err != nil {
		log.Printf("[proxy] socks shutdown: %v", err)
	}
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("[proxy] http shutdown: %v", err)
	}
	if channelServer != nil {
		if err := channelServer.Stop(ctx); err != nil {
			log.Printf("[proxy] meek channel shutdown: %v", err)
		}
	}
	return nil
}

// startMeekChannel probes the configured relays and exposes a local SOCKS5
// listener, bound to cfg.ChannelURL's host:port, that tunnels connections
// over meek — the concrete process backing a "socks5://..." channel URL
// when the channel is meek rather than some other opaque provider.
func startMeekChannel(cfg *config.Config, sem *semaphore.Weighted) (*relay.Server, error) {
	u, err := url.Parse(cfg.ChannelURL)
	if err != nil || u.Scheme != "socks5" || u.Host == "" {
		return nil, fmt.Errorf("channel_url %q is not a socks5://host:port channel", cfg.ChannelURL)
	}

	valid := meek.ProbeRelays(cfg.Relays(), relayProbeDelay)
	if len(valid) == 0 {
		log.Println("[proxy] no meek relay passed probing, channel will fail connections until relays recover")
	}
	factory := meek.NewRelayFactory(valid, dialTimeout)

	srv := relay.NewServer(u.Host, factory, sem)
	if err := srv.Start(); err != nil {
		return nil, err
	}
	return srv, nil
}
