package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"jasmine/config"
	"jasmine/internal/broker"
	"jasmine/internal/logger"
	"jasmine/internal/membership"
	mqttmembership "jasmine/internal/membership/mqtt"
	natsmembership "jasmine/internal/membership/nats"
	"jasmine/internal/metrics"
	"jasmine/internal/stats"
)

type brokerFlags struct {
	configPath     string
	nodeID         int
	listenAddr     string
	logLevel       string
	metricsAddr    string
	metricsEnabled bool
}

func newBrokerCmd() *cobra.Command {
	var f brokerFlags

	cmd := &cobra.Command{
		Use:   "broker",
		Short: "Run a broker node",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBroker(f)
		},
	}

	cmd.Flags().StringVar(&f.configPath, "config", "config/config.yaml", "path to config file")
	cmd.Flags().IntVar(&f.nodeID, "node-id", -1, "override cluster.nodeId (-1 = use config)")
	cmd.Flags().StringVar(&f.listenAddr, "listen", "", "override rpc.listenAddress (empty = use config)")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "", "override logging.level (empty = use config)")
	cmd.Flags().StringVar(&f.metricsAddr, "metrics-addr", "", "override metrics server address (empty = use config)")
	cmd.Flags().BoolVar(&f.metricsEnabled, "metrics", false, "enable the metrics server regardless of config")

	return cmd
}

func runBroker(f brokerFlags) error {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	cfg.ApplyOverrides(f.nodeID, f.listenAddr, f.logLevel, f.metricsAddr, f.metricsEnabled)
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := logger.NewLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	st := stats.NewStatsCollector()

	var metricsService *metrics.Metrics
	var httpServer *http.Server

	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		metricsService, err = metrics.NewMetrics(reg)
		if err != nil {
			return fmt.Errorf("failed to create metrics service: %w", err)
		}
		httpServer = newHTTPServer(cfg, reg, st)

		go func() {
			log.Info("starting metrics server",
				"address", cfg.Metrics.Address,
				"path", cfg.Metrics.Path)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server error", "error", err)
			}
		}()
	}

	source, err := newMembership(cfg, log, metricsService)
	if err != nil {
		return fmt.Errorf("failed to create membership source: %w", err)
	}

	node, err := broker.New(cfg, log, metricsService, st, broker.Options{Membership: source})
	if err != nil {
		return fmt.Errorf("failed to create broker: %w", err)
	}
	defer node.Close()

	lis, err := net.Listen("tcp", cfg.RPC.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.RPC.ListenAddress, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() {
		runErr <- node.Run(ctx, lis)
	}()

	log.Info("jasmine broker started",
		"nodeId", cfg.Cluster.NodeID,
		"address", node.Self(),
		"listen", cfg.RPC.ListenAddress,
		"membership", cfg.Membership.Backend,
		"metricsEnabled", cfg.Metrics.Enabled)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		select {
		case err := <-runErr:
			shutdownHTTP(httpServer, log)
			if err != nil {
				return fmt.Errorf("broker stopped: %w", err)
			}
			return nil
		case sig := <-sigChan:
			switch sig {
			case syscall.SIGHUP:
				log.Info("received SIGHUP, reopening logs")
				log.Sync()
			case syscall.SIGINT, syscall.SIGTERM:
				log.Info("shutting down...")
				shutdownHTTP(httpServer, log)
				cancel()
				select {
				case err := <-runErr:
					return err
				case <-time.After(10 * time.Second):
					log.Warn("broker did not stop in time")
					return nil
				}
			}
		}
	}
}

func newHTTPServer(cfg *config.Config, reg *prometheus.Registry, st *stats.StatsCollector) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		Registry:          reg,
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		data, err := st.GetStatsJSON()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	})

	return &http.Server{
		Addr:    cfg.Metrics.Address,
		Handler: mux,
	}
}

func shutdownHTTP(srv *http.Server, log *logger.Logger) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("failed to shutdown metrics server", "error", err)
	}
}

// newMembership builds the source selected by membership.backend
func newMembership(cfg *config.Config, log *logger.Logger, m *metrics.Metrics) (membership.Source, error) {
	switch cfg.Membership.Backend {
	case config.MembershipNATS:
		return natsmembership.New(cfg, log, m), nil
	case config.MembershipMQTT:
		return mqttmembership.New(cfg, log, m)
	case config.MembershipStatic:
		return membership.NewStatic(cfg.Cluster.Addrs), nil
	default:
		return nil, fmt.Errorf("unknown membership backend: %s", cfg.Membership.Backend)
	}
}
