// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command firezone-client-core is a thin reference host for
// internal/core. Platform TUN device creation, per-OS DNS/routing
// control, and packaging are all out of this module's scope, so this
// binary wires the core against a loopback TUN (pipetun.go) good
// enough to exercise the full connect/disconnect lifecycle end to end
// without a real kernel device.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/firezone/client-core/internal/config"
	"github.com/firezone/client-core/internal/core"
	"github.com/firezone/client-core/internal/iface"
	"github.com/firezone/client-core/internal/logging"
	"github.com/firezone/client-core/internal/portal"
	"github.com/firezone/client-core/internal/sockfactory"
)

func main() {
	configPath := flag.String("config", "", "path to the HCL config file")
	metricsAddr := flag.String("metrics-addr", "", "if set, serve Prometheus metrics on this address (e.g. 127.0.0.1:9090)")
	flag.Parse()

	if *configPath == "" {
		log.Fatal("usage: firezone-client-core -config <path>")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	logger := logging.New(cfg.LoggingConfig())
	logging.SetDefault(logger)

	if *metricsAddr != "" {
		go serveMetrics(logger, *metricsAddr)
	}

	tun := newPipeTun()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess, err := core.Connect(ctx, *cfg, sockfactory.Default{}, tun, core.Callbacks{
		OnTunInterfaceUpdated: func(c iface.Config) {
			logger.Info("tun interface updated", "ipv4", c.IPv4, "ipv6", c.IPv6, "dns_servers", c.DNSServers)
		},
		OnResourcesUpdated: func(resources []portal.ResourceDescription) {
			logger.Info("resources updated", "count", len(resources))
		},
		OnDisconnected: func(err error) {
			if err != nil {
				logger.Error("disconnected", "err", err)
			} else {
				logger.Info("disconnected")
			}
			stop()
		},
	})
	if err != nil {
		log.Fatalf("connect failed: %v", err)
	}

	logger.Info("firezone-client-core running", "config", *configPath)
	<-ctx.Done()

	logger.Info("shutting down")
	sess.Disconnect()
}

func serveMetrics(logger *logging.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Info("serving metrics", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server stopped", "err", err)
	}
}
