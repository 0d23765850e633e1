// Main package for the bridge relay: terminates browser WebSocket
// connections and bridges them onto the backend engine's TCP order-entry
// stream and UDP multicast market-data feed.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/densha/tradebridge/pkg/config"
	"github.com/densha/tradebridge/pkg/relay"
)

func main() {
	logger := zap.Must(zap.NewProduction())
	if os.Getenv("APP_ENV") != "production" {
		logger = zap.Must(zap.NewDevelopment())
	}
	defer logger.Sync()

	//
	// Flags override the YAML file, which overrides built-in defaults.
	configPath := flag.String("config", "", "Path to a YAML config file")

	ordersAddr := flag.String("orders-addr", "", "Listen address for the order-entry WebSocket server")
	backendAddr := flag.String("backend-addr", "", "Backend engine TCP address")

	mdAddr := flag.String("marketdata-addr", "", "Listen address for the market-data WebSocket server")
	groupAddr := flag.String("multicast-group", "", "Multicast group address (ip:port)")
	groupInterface := flag.String("multicast-interface", "", "Network interface for multicast membership")

	metricsAddr := flag.String("metrics-addr", "", "Listen address for the prometheus /metrics endpoint")
	flag.Parse()

	cfg, cfgErr := config.Load(*configPath)
	if cfgErr != nil {
		logger.Fatal("Failed to load config", zap.Error(cfgErr))
	}
	if *ordersAddr != "" {
		cfg.Orders.ListenAddress = *ordersAddr
	}
	if *backendAddr != "" {
		cfg.Orders.BackendAddress = *backendAddr
	}
	if *mdAddr != "" {
		cfg.MarketData.ListenAddress = *mdAddr
	}
	if *groupAddr != "" {
		cfg.MarketData.GroupAddress = *groupAddr
	}
	if *groupInterface != "" {
		cfg.MarketData.Interface = *groupInterface
	}
	if *metricsAddr != "" {
		cfg.MetricsAddress = *metricsAddr
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	metrics := relay.CreateMetrics(registry)

	shutdownCtx, shutdownRelease := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer shutdownRelease()

	tcpRelay, tcpRelayErr := relay.CreateTcpRelay(relay.TcpRelayParams{
		ListenAddress:  cfg.Orders.ListenAddress,
		ListenEndpoint: cfg.Orders.Endpoint,
		BackendAddress: cfg.Orders.BackendAddress,

		MaxClients:           cfg.MaxClients,
		ConnectTimeout:       cfg.Orders.ConnectTimeout.Std(),
		ReconnectBaseDelay:   cfg.Orders.ReconnectBaseDelay.Std(),
		MaxReconnectAttempts: cfg.Orders.MaxReconnectAttempts,
		IdleClientTimeout:    cfg.Orders.IdleClientTimeout.Std(),

		AllowAllHosts:    cfg.AllowAllHosts,
		AllowlistedHosts: cfg.AllowlistedHosts,
		DenylistedHosts:  cfg.DenylistedHosts,

		Logger:  logger,
		Metrics: metrics,
	})
	if tcpRelayErr != nil {
		logger.Fatal("Failed to create order-entry relay", zap.Error(tcpRelayErr))
	}

	multicastRelay, multicastRelayErr := relay.CreateMulticastRelay(relay.MulticastRelayParams{
		ListenAddress:  cfg.MarketData.ListenAddress,
		ListenEndpoint: cfg.MarketData.Endpoint,

		GroupAddress:  cfg.MarketData.GroupAddress,
		InterfaceName: cfg.MarketData.Interface,

		MaxClients:      cfg.MaxClients,
		MaxDatagramSize: cfg.MarketData.MaxDatagramSize,

		AllowAllHosts:    cfg.AllowAllHosts,
		AllowlistedHosts: cfg.AllowlistedHosts,
		DenylistedHosts:  cfg.DenylistedHosts,

		Logger:  logger,
		Metrics: metrics,
	})
	if multicastRelayErr != nil {
		logger.Fatal("Failed to create market-data relay", zap.Error(multicastRelayErr))
	}

	group, groupCtx := errgroup.WithContext(shutdownCtx)

	group.Go(func() error {
		return tcpRelay.Start(groupCtx)
	})

	group.Go(func() error {
		return multicastRelay.Start(groupCtx)
	})

	if cfg.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		server := &http.Server{Addr: cfg.MetricsAddress, Handler: mux}

		group.Go(func() error {
			logger.Sugar().Infof("Starting metrics server at %s", cfg.MetricsAddress)
			if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		group.Go(func() error {
			<-groupCtx.Done()
			closeCtx, closeRelease := context.WithTimeout(context.Background(), 5*time.Second)
			defer closeRelease()
			return server.Shutdown(closeCtx)
		})
	}

	if err := group.Wait(); err != nil {
		logger.Error("Relay exited with error", zap.Error(err))
		return
	}
	logger.Info("Relay shut down cleanly")
}
