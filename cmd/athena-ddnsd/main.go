// athena-ddnsd keeps authoritative DNS records pointed at the dynamic
// addresses of local network interfaces, using TSIG-signed RFC 2136
// UPDATE transactions.
//
// Usage:
//
//	athena-ddnsd <config.toml>
//	athena-ddnsd --test <config.toml>
//
// The ATHENA_DDNSD_LOG environment variable sets log verbosity
// (debug, info, warn, error; default info).
package main

import (
	"context"
	"flag"
	"fmt"
	nethttp "net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/athena-dhcpd/athena-ddnsd/internal/config"
	"github.com/athena-dhcpd/athena-ddnsd/internal/daemon"
	"github.com/athena-dhcpd/athena-ddnsd/internal/ifwatch"
	"github.com/athena-dhcpd/athena-ddnsd/internal/logging"
	"github.com/athena-dhcpd/athena-ddnsd/internal/metrics"
)

const logLevelEnv = "ATHENA_DDNSD_LOG"

func main() {
	testOnly := flag.Bool("test", false, "validate the configuration and exit")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: %s [--test] <config.toml>\n", os.Args[0])
		os.Exit(2)
	}
	configPath := flag.Arg(0)

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}
	if *testOnly {
		return
	}

	logger := logging.Setup(os.Getenv(logLevelEnv), os.Stdout)
	logger.Info("athena-ddnsd starting",
		"config", configPath,
		"keys", len(cfg.Keys),
		"a_records", len(cfg.A),
		"aaaa_records", len(cfg.AAAA))
	metrics.ServerStartTime.SetToCurrentTime()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.Listen != "" {
		go func() {
			mux := nethttp.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			logger.Info("metrics listener started", "listen", cfg.Metrics.Listen)
			if err := nethttp.ListenAndServe(cfg.Metrics.Listen, mux); err != nil {
				logger.Error("metrics listener failed", "error", err)
			}
		}()
	}

	watcher := ifwatch.New(logger)
	go watcher.Run(ctx)

	d, err := daemon.New(cfg, watcher.C, logger)
	if err != nil {
		logger.Error("failed to build records", "error", err)
		os.Exit(1)
	}

	// SIGINT/SIGTERM stop the daemon; there is no state to flush.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("shutting down", "signal", sig.String())
		cancel()
	}()

	if err := d.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("daemon finished", "error", err)
		os.Exit(1)
	}
}
