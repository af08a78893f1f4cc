// Command marketfeed-demo drives a Router from a YAML config: it adds every
// configured exchange, replays its configured subscriptions, connects, and
// until interrupted logs each decoded envelope at debug level (stderr plus
// the optional log file) and, if configured, records it to a JSONL file.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"marketfeed"
	"marketfeed/internal/config"
	"marketfeed/internal/logging"
	"marketfeed/internal/obsmetrics"
	"marketfeed/internal/output/jsonl"
)

func main() {
	var configPath, envPath, outputPath string
	flag.StringVar(&configPath, "config", "config.yaml", "path to the exchange configuration file")
	flag.StringVar(&envPath, "env", ".env", "path to an optional .env file overlaying credentials")
	flag.StringVar(&outputPath, "output", "", "optional JSONL file to record every delivered envelope")
	flag.Parse()

	cfg, err := config.Load(configPath, envPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(logging.Config{Level: cfg.App.LogLevel, FilePath: cfg.App.LogFile})
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	ossignal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	var recorder *jsonl.Writer
	if outputPath != "" {
		recorder, err = jsonl.NewWriter(outputPath, 1000, time.Second)
		if err != nil {
			logger.Error("create envelope recorder", zap.Error(err))
			os.Exit(1)
		}
	}

	router := marketfeed.NewRouter(logger)

	var metricsRegistry *obsmetrics.Registry
	if cfg.MetricsAddr != "" {
		metricsRegistry = obsmetrics.NewRegistry(prometheus.DefaultRegisterer)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		server := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Warn("metrics server stopped", zap.Error(err))
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		}()
	}

	for _, entry := range cfg.Exchanges {
		if err := router.AddExchange(entry.Exchange, entry.Credentials); err != nil {
			logger.Error("add exchange", zap.String("exchange", string(entry.Exchange)), zap.Error(err))
			os.Exit(1)
		}
		if err := router.Subscribe(entry.Exchange, entry.ToSubscriptions()); err != nil {
			logger.Error("subscribe", zap.String("exchange", string(entry.Exchange)), zap.Error(err))
			os.Exit(1)
		}
	}

	connectCtx, connectCancel := context.WithTimeout(ctx, time.Duration(cfg.DefaultTimeoutSeconds)*time.Second)
	if err := router.ConnectAll(connectCtx); err != nil {
		logger.Error("connect all", zap.Error(err))
	}
	connectCancel()

	if metricsRegistry != nil {
		go observeMetrics(ctx, router, metricsRegistry)
	}

	logger.Info("marketfeed running", zap.Int("exchanges", len(cfg.Exchanges)))
	runLoop(ctx, logger, router, recorder)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := router.DisconnectAll(shutdownCtx); err != nil {
		logger.Warn("disconnect all", zap.Error(err))
	}
	if recorder != nil {
		_ = recorder.Close()
	}
	logger.Info("shutdown complete")
}

// observeMetrics polls each registered exchange's connection metrics and
// phase into the Prometheus registry until ctx is done.
func observeMetrics(ctx context.Context, router *marketfeed.Router, reg *obsmetrics.Registry) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, ex := range router.Exchanges() {
				if m, err := router.GetMetrics(ex); err == nil {
					reg.Observe(ex, m)
				}
				if state, err := router.GetConnectionState(ex); err == nil {
					reg.ObservePhase(ex, state.Phase)
				}
			}
		}
	}
}

// runLoop layers its own blocking wait on top of Router's non-blocking
// NextMessage: poll immediately, and only sleep on a short ticker between
// misses so the loop stays responsive to ctx cancellation.
func runLoop(ctx context.Context, logger *zap.Logger, router *marketfeed.Router, recorder *jsonl.Writer) {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		env, ok := router.NextMessage()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			continue
		}
		logger.Debug("envelope",
			zap.String("exchange", string(env.Exchange)),
			zap.String("channel", string(env.Channel)),
			zap.String("symbol", string(env.Symbol)))
		if recorder != nil {
			if err := recorder.Write(env); err != nil {
				logger.Warn("record envelope", zap.Error(err))
			}
		}
	}
}
