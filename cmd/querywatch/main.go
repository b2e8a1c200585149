// Package main implements the querywatch demo binary.
// It drives a simulated query workload through the monitoring engine and
// serves the resulting Prometheus metrics, so the full pipeline (tracking,
// pattern detection, analytics, alerting) can be observed end to end.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/querywatch/querywatch/internal/config"
	"github.com/querywatch/querywatch/pkg/monitor"
	"github.com/querywatch/querywatch/pkg/types"
)

type flags struct {
	ConfigPath    string
	MetricsAddr   string
	WorkloadRate  time.Duration
	NPlusOneEvery time.Duration
}

func main() {
	f := parseFlags()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := loadConfig(f.ConfigPath)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())

	mon, err := monitor.New(cfg,
		monitor.WithLogger(logger),
		monitor.WithRegistry(registry),
	)
	if err != nil {
		logger.Fatal("failed to start monitor", zap.Error(err))
	}

	mon.AddAlertCallback(func(a types.PerformanceAlert) {
		logger.Warn("performance alert",
			zap.String("alert_type", string(a.AlertType)),
			zap.String("severity", a.Severity.String()),
			zap.String("table", a.TableName),
			zap.String("message", a.Message))
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go runWorkload(ctx, mon, f, logger)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"healthy","service":"querywatch"}`))
	})
	server := &http.Server{
		Addr:         f.MetricsAddr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("metrics server listening", zap.String("addr", f.MetricsAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("shutting down", zap.String("signal", sig.String()))

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown error", zap.Error(err))
	}

	printSnapshot(mon)

	if err := mon.Close(); err != nil {
		logger.Error("monitor shutdown error", zap.Error(err))
	}
	logger.Info("querywatch stopped")
}

func parseFlags() flags {
	f := flags{}
	flag.StringVar(&f.ConfigPath, "config", "", "Path to YAML or JSON configuration file (optional)")
	flag.StringVar(&f.MetricsAddr, "metrics-addr", ":9090", "Prometheus metrics listen address")
	flag.DurationVar(&f.WorkloadRate, "workload-rate", 50*time.Millisecond, "Delay between simulated queries")
	flag.DurationVar(&f.NPlusOneEvery, "n-plus-one-every", 30*time.Second, "Interval between simulated N+1 bursts")
	flag.Parse()
	return f
}

func loadConfig(path string) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if path != "" {
		cfg, err = config.LoadFromFile(path)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.DefaultConfig()
	}
	config.LoadFromEnv(cfg)
	return cfg, nil
}

// runWorkload generates a mixed synthetic workload: a steady stream of
// queries with occasional slow ones and errors, plus periodic N+1 bursts.
func runWorkload(ctx context.Context, mon *monitor.Monitor, f flags, logger *zap.Logger) {
	tables := []string{"users", "orders", "products", "sessions"}
	queryTypes := []types.QueryType{types.QuerySelect, types.QueryInsert, types.QueryUpdate, types.QueryDelete}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	burst := time.NewTicker(f.NPlusOneEvery)
	defer burst.Stop()
	steady := time.NewTicker(f.WorkloadRate)
	defer steady.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-burst.C:
			logger.Info("simulating N+1 burst")
			for i := 0; i < 15; i++ {
				id := mon.Start(types.QuerySelect, monitor.StartOptions{
					TableName: "orders",
					Tags:      map[string]string{"user_id": fmt.Sprintf("%d", i)},
				})
				mon.Finish(id, types.StatusSuccess, "")
			}
		case <-steady.C:
			table := tables[rng.Intn(len(tables))]
			queryType := queryTypes[rng.Intn(len(queryTypes))]

			id := mon.Start(queryType, monitor.StartOptions{TableName: table})
			switch {
			case rng.Float64() < 0.02:
				time.Sleep(time.Duration(rng.Intn(500)) * time.Millisecond)
				mon.Finish(id, types.StatusError, "simulated deadlock")
			case rng.Float64() < 0.05:
				time.Sleep(time.Duration(1000+rng.Intn(2000)) * time.Millisecond)
				mon.Finish(id, types.StatusSuccess, "")
			default:
				time.Sleep(time.Duration(rng.Intn(20)) * time.Millisecond)
				mon.Finish(id, types.StatusSuccess, "")
			}
		}
	}
}

// printSnapshot dumps a final metrics snapshot and recent alerts to stdout.
func printSnapshot(mon *monitor.Monitor) {
	snapshot := struct {
		Metrics  types.PerformanceMetrics `json:"metrics"`
		Patterns []types.QueryPattern     `json:"patterns"`
		Alerts   []types.PerformanceAlert `json:"alerts"`
	}{
		Metrics:  mon.GetPerformanceMetrics(0),
		Patterns: mon.GetQueryPatterns(10),
		Alerts:   mon.GetPerformanceAlerts(10, types.SeverityInfo),
	}

	out, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to encode snapshot: %v\n", err)
		return
	}
	fmt.Println(string(out))
}
