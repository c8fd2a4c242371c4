// mavrouter is a transparent MAVLink message router: it accepts TCP
// connections from ground control stations, holds open serial links to
// vehicles, and fans frames between them under a configurable routing
// policy (spec.md §1-§4). It never inspects a frame beyond the header
// fields needed to route it.
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/mav-router/mavrouter/internal/config"
	"github.com/mav-router/mavrouter/internal/dashboard"
	"github.com/mav-router/mavrouter/internal/endpoint/discovery"
	"github.com/mav-router/mavrouter/internal/endpoint/tcp"
	"github.com/mav-router/mavrouter/internal/endpoint/uart"
	"github.com/mav-router/mavrouter/internal/httpapi"
	"github.com/mav-router/mavrouter/internal/metrics"
	"github.com/mav-router/mavrouter/internal/router"
	"github.com/mav-router/mavrouter/pkg/utils"
)

var (
	version = "0.1.0"

	configFile = flag.String("config", "", "Path to a TOML config file (built-in example config if omitted)")
	logOutput  = flag.String("log-output", "stdout", "Log output: stdout or a file path")
)

func main() {
	flag.Parse()

	// mav-router [config_path]: the positional argument is the primary way
	// to name a config file (spec.md §6), matching the reference binary's
	// std::env::args().nth(1). -config is kept as an alternative; when both
	// are given, the positional argument wins.
	path := *configFile
	if flag.NArg() > 0 {
		path = flag.Arg(0)
	}

	cfg, err := loadConfig(path)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	level := cfg.LogLevel
	if env := os.Getenv("MAVROUTER_LOG"); env != "" {
		level = env
	}
	logger := utils.NewLogger(level, *logOutput)
	logger.WithField("version", version).Info("mavrouter starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	r := router.New(cfg.Routing, m, logger)
	go r.Run(ctx)

	startStaticUART(ctx, cfg.UART, r.Ingress(), logger)

	if cfg.UARTDiscovery.Enabled {
		staticPaths := make([]string, len(cfg.UART))
		for i, u := range cfg.UART {
			staticPaths[i] = u.Path
		}
		scanner := discovery.New(cfg.UARTDiscovery, staticPaths, uint64(len(cfg.UART)), logger)
		go scanner.Run(ctx, r.Ingress())
	}

	tcpServer, err := tcp.Listen(net.JoinHostPort(cfg.TCP.BindAddr, strconv.Itoa(int(cfg.TCP.ListenPort))), r.Ingress(), logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to start TCP listener")
	}
	go tcpServer.Run(ctx)

	statsStop := make(chan struct{})
	go m.RunStatsLogger(statsStop, time.Duration(cfg.StatsInterval)*time.Second, logger)

	dash := dashboard.New(r, m, logger)
	go dash.Run(ctx, time.Second)

	mux := httpapi.NewMux(r, m, dash, reg, logger)
	httpSrv := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}
	go func() {
		logger.WithField("addr", cfg.HTTPAddr).Info("http api listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("http server error")
		}
	}()

	logger.Info("mavrouter operational")
	<-sigCh
	logger.Info("shutdown signal received")

	close(statsStop)
	cancel()
	tcpServer.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("http server shutdown error")
	}

	logger.Info("mavrouter stopped")
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Example(), nil
	}
	return config.Load(path)
}

func startStaticUART(ctx context.Context, uarts []config.UARTConfig, ingress *router.Ingress, logger *logrus.Logger) {
	for i, u := range uarts {
		id := router.ConnectionId{Kind: router.KindUART, Ordinal: uint64(i)}
		ep := uart.New(id, u.Path, u.BaudRate, u.Name, logger)
		ep.Start(ctx, ingress)
	}
}
