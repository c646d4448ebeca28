// Command meekserver runs the server side of the meek pluggable
// transport: an HTTP front end that terminates meek sessions and forwards
// each one to a local SOCKS5 listener.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/yinghuocho/firefly-proxy/internal/config"
	"github.com/yinghuocho/firefly-proxy/internal/meek"
	"github.com/yinghuocho/firefly-proxy/pkg/banner"
)

// Version is set at build time via ldflags.
var Version = "dev"

const (
	sessionDialTimeout = 15 * time.Second
	sessionIdleTimeout = 2 * time.Minute
)

func main() {
	var configPath string
	var verbose bool

	root := &cobra.Command{
		Use:     "meekserver",
		Short:   "Meek pluggable-transport server, forwarding to a local SOCKS5 listener",
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
		Short: "Print the meekserver version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("meekserver %s\n", Version)
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
	if cfg.MeekServerAddr == "" || cfg.MeekUpstream == "" {
		return fmt.Errorf("meek_server_addr and meek_server_upstream are required")
	}

	banner.Print("meekserver")

	handler := meek.NewServer(cfg.MeekUpstream, sessionDialTimeout, sessionIdleTimeout)
	srv := &http.Server{Addr: cfg.MeekServerAddr, Handler: handler}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	banner.PrintMeekServerStatus(cfg.MeekServerAddr, cfg.MeekUpstream)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("[meekserver] received %v, shutting down", sig)
	case err := <-errCh:
		return fmt.Errorf("http listener: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}
