package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/goodstack/givepool/api/handlers"
	apimetrics "github.com/goodstack/givepool/api/metrics"
	"github.com/goodstack/givepool/pool/pkg/amount"
	"github.com/goodstack/givepool/pool/pkg/engine"
	"github.com/goodstack/givepool/pool/pkg/events"
	"github.com/goodstack/givepool/pool/pkg/ledger"
	"github.com/goodstack/givepool/pool/pkg/router"
	"github.com/goodstack/givepool/pool/pkg/vault"
	"github.com/goodstack/givepool/utils/pkg/logger"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
)

const (
	defaultListenAddr  = "0.0.0.0:8080"
	defaultMetricsAddr = "0.0.0.0:9090"

	treasuryAccount = "pool-treasury"
	backendAccount  = "sim-backend"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	listenAddrFlag := flag.String("listen-addr", defaultListenAddr, "address to listen on for the API (or set LISTEN_ADDR env var)")
	metricsAddrFlag := flag.String("metrics-addr", defaultMetricsAddr, "address to listen on for prometheus metrics (or set METRICS_ADDR env var)")
	authorityKeyFlag := flag.String("authority-key", "", "shared key for the admin surface (or set AUTHORITY_KEY env var)")

	// Simulated backend configuration
	finalizationDelayFlag := flag.Duration("finalization-delay", 10*time.Second, "delay before a withdrawal request finalizes")
	skimRateFlag := flag.Uint64("skim-bps", 0, "backend skim applied to accrued yield, in units of 1/100000")
	yieldIntervalFlag := flag.Duration("yield-interval", 30*time.Second, "interval between simulated yield accruals (0 disables)")
	yieldRateFlag := flag.Uint64("yield-bps", 100, "simulated yield per interval, in units of 1/100000 of backend value")

	shutdownTimeoutFlag := flag.Duration("shutdown-timeout", 30*time.Second, "maximum time to wait for graceful shutdown")

	flag.Parse()

	// Load .env if present, before reading env overrides.
	_ = godotenv.Load()

	if env := os.Getenv("LISTEN_ADDR"); env != "" {
		*listenAddrFlag = env
	}
	if env := os.Getenv("METRICS_ADDR"); env != "" {
		*metricsAddrFlag = env
	}
	if env := os.Getenv("AUTHORITY_KEY"); env != "" {
		*authorityKeyFlag = env
	}
	if env := os.Getenv("FINALIZATION_DELAY"); env != "" {
		d, err := time.ParseDuration(env)
		if err != nil {
			return fmt.Errorf("invalid FINALIZATION_DELAY: %w", err)
		}
		*finalizationDelayFlag = d
	}
	if env := os.Getenv("YIELD_BPS"); env != "" {
		n, err := strconv.ParseUint(env, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid YIELD_BPS: %w", err)
		}
		*yieldRateFlag = n
	}

	log := logger.New(*verboseFlag)

	if *authorityKeyFlag == "" {
		return fmt.Errorf("--authority-key is required (or set AUTHORITY_KEY env var)")
	}

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		sentryEnv := os.Getenv("SENTRY_ENVIRONMENT")
		if sentryEnv == "" {
			sentryEnv = "development"
		}
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         dsn,
			Environment: sentryEnv,
			Release:     version,
		}); err != nil {
			return fmt.Errorf("failed to initialize sentry: %w", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	clock := clockwork.NewRealClock()
	bank := vault.NewBank()

	newBackend := func() (vault.Backend, error) {
		return vault.NewSimBackend(vault.SimBackendConfig{
			Logger:            log,
			Clock:             clock,
			Bank:              bank,
			Account:           backendAccount,
			FinalizationDelay: *finalizationDelayFlag,
			SkimRate:          *skimRateFlag,
		})
	}

	backend, err := newBackend()
	if err != nil {
		return fmt.Errorf("failed to create backend: %w", err)
	}

	eventLog, err := events.NewLog(events.LogConfig{Logger: log, Clock: clock})
	if err != nil {
		return fmt.Errorf("failed to create event log: %w", err)
	}

	coordinator, err := router.New(router.Config{
		Logger:  log,
		Bank:    bank,
		Account: treasuryAccount,
		Events:  eventLog,
	})
	if err != nil {
		return fmt.Errorf("failed to create coordinator: %w", err)
	}
	if err := coordinator.SetBackend(backend); err != nil {
		return fmt.Errorf("failed to set initial backend: %w", err)
	}

	receipts, err := ledger.New(ledger.Config{Logger: log})
	if err != nil {
		return fmt.Errorf("failed to create receipt ledger: %w", err)
	}

	eng, err := engine.New(engine.Config{
		Logger:       log,
		Vault:        coordinator,
		Ledger:       receipts,
		Events:       eventLog,
		AuthorityKey: *authorityKeyFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	mux, err := handlers.NewRouter(handlers.Config{
		Logger:       log,
		Engine:       eng,
		Coordinator:  coordinator,
		Events:       eventLog,
		Ledger:       receipts,
		Bank:         bank,
		AuthorityKey: *authorityKeyFlag,
		NewBackend:   newBackend,
		Version:      version,
	})
	if err != nil {
		return fmt.Errorf("failed to build router: %w", err)
	}

	apimetrics.BuildInfo.WithLabelValues(version, commit).Set(1)

	g, ctx := errgroup.WithContext(ctx)

	apiServer := &http.Server{
		Addr:              *listenAddrFlag,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		listener, err := net.Listen("tcp", apiServer.Addr)
		if err != nil {
			return fmt.Errorf("failed to start API listener: %w", err)
		}
		log.Info("API server listening", "address", listener.Addr().String())
		if err := apiServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:              *metricsAddrFlag,
		Handler:           metricsMux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		listener, err := net.Listen("tcp", metricsServer.Addr)
		if err != nil {
			return fmt.Errorf("failed to start metrics listener: %w", err)
		}
		log.Info("prometheus metrics server listening", "address", listener.Addr().String())
		if err := metricsServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// Simulated yield: periodically accrue interest on whichever backend the
	// coordinator currently routes to.
	if *yieldIntervalFlag > 0 {
		g.Go(func() error {
			ticker := clock.NewTicker(*yieldIntervalFlag)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.Chan():
					accrueYield(log, coordinator, *yieldRateFlag)
				}
			}
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), *shutdownTimeoutFlag)
		defer cancel()
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Error("failed to shut down API server", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Error("failed to shut down metrics server", "error", err)
		}
		return nil
	})

	return g.Wait()
}

// accrueYield applies one interval of simulated interest to the active
// backend. Non-sim backends are skipped.
func accrueYield(log *slog.Logger, coordinator *router.Coordinator, yieldRate uint64) {
	sim, ok := coordinator.ActiveBackend().(*vault.SimBackend)
	if !ok {
		return
	}
	value, err := sim.Value()
	if err != nil {
		log.Warn("failed to read backend value", "error", err)
		return
	}
	yield, err := amount.MulDiv(value, yieldRate, amount.RateDenom)
	if err != nil {
		log.Warn("failed to compute yield", "error", err)
		return
	}
	if yield == 0 {
		return
	}
	if err := sim.Accrue(yield); err != nil {
		log.Warn("failed to accrue yield", "error", err)
		return
	}
	log.Debug("accrued simulated yield", "amount", yield, "backend_value", value+yield)
}
