package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"eugene-chernyshenko/proxy-traffic/internal/config"
	"eugene-chernyshenko/proxy-traffic/internal/logging"
	"eugene-chernyshenko/proxy-traffic/internal/metrics"
	"eugene-chernyshenko/proxy-traffic/internal/pool"
	"eugene-chernyshenko/proxy-traffic/internal/proxy"
	"eugene-chernyshenko/proxy-traffic/internal/request"
	"eugene-chernyshenko/proxy-traffic/internal/runner"
	"eugene-chernyshenko/proxy-traffic/internal/status"
	"eugene-chernyshenko/proxy-traffic/internal/visit"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "proxy-traffic:", err)
		os.Exit(1)
	}
}

func run() error {
	// .env is optional
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}

	path := os.Getenv("CONFIG_FILE")
	if path == "" {
		path = config.DefaultFile
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	log, closer, err := logging.New(cfg.Logging, os.Stderr)
	if err != nil {
		return err
	}
	defer closer.Close()

	// Private registry so only our collectors plus the runtime ones are exported
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	buckets := cfg.GetLatencyBuckets()
	m := metrics.New(reg, buckets)

	var source pool.Source
	if len(cfg.Proxies) > 0 {
		source = pool.StaticSource(cfg.Proxies)
	} else {
		source = pool.NewProviderSource(cfg.Provider.URL, cfg.Provider.Params, cfg.ProviderTimeout())
	}
	proxies := pool.New(source, m)
	tunnels := proxy.NewManager(cfg.Provider.Protocol, cfg.TimeoutDuration(), m)
	stats := metrics.NewStats(proxies.Size)

	fp := request.NewFingerprint(cfg.Request.Headers, cfg.Request.Referrers, cfg.Request.SearchTerms, cfg.Request.UserAgents)
	executor := visit.New(visit.Options{
		TargetURL:  cfg.TargetURL,
		UseProxy:   cfg.UseProxy,
		Protocol:   cfg.Provider.Protocol,
		MaxRetries: cfg.MaxRetries,
		Timeout:    cfg.TimeoutDuration(),
		Backoff:    cfg.BackoffDuration(),
	}, proxies, tunnels, fp, stats, m, log)

	scheduler := runner.New(runner.Options{
		Concurrency:     cfg.Concurrency,
		Interval:        cfg.IntervalDuration(),
		UseProxy:        cfg.UseProxy,
		RefreshInterval: cfg.RefreshDuration(),
	}, proxies, executor, tunnels, stats, log)

	logConfig(log, cfg, buckets)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := scheduler.Start(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to start")
		return err
	}

	if cfg.MetricsPort > 0 {
		srv := status.New(cfg.MetricsPort, reg, scheduler.Snapshot, 2*time.Second, log)
		go func() {
			if err := srv.Run(ctx); err != nil {
				log.Error().Err(err).Msg("Status server failed")
			}
		}()
	}

	go logStats(ctx, log, scheduler, cfg.StatsDuration())

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	if err := scheduler.Stop(); err != nil {
		log.Warn().Err(err).Msg("Some tunnels failed to close")
	}
	snap := scheduler.Snapshot()
	log.Info().
		Uint64("total_visits", snap.TotalVisits).
		Uint64("failed_visits", snap.FailedVisits).
		Stringer("success_rate", snap.SuccessRate).
		Msg("Final stats")
	return nil
}

func logConfig(log zerolog.Logger, cfg *config.Config, buckets []float64) {
	log.Info().
		Str("target_url", cfg.TargetURL).
		Int("concurrency", cfg.Concurrency).
		Dur("interval", cfg.IntervalDuration()).
		Strs("countries", cfg.Countries).
		Bool("use_proxy", cfg.UseProxy).
		Int("static_proxies", len(cfg.Proxies)).
		Str("proxy_protocol", cfg.Provider.Protocol).
		Dur("proxy_refresh_interval", cfg.RefreshDuration()).
		Int("max_retries", cfg.MaxRetries).
		Dur("timeout", cfg.TimeoutDuration()).
		Dur("retry_backoff", cfg.BackoffDuration()).
		Int("metrics_port", cfg.MetricsPort).
		Floats64("latency_buckets", buckets).
		Msg("Configuration")
}

func logStats(ctx context.Context, log zerolog.Logger, s *runner.Scheduler, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := s.Snapshot()
			log.Info().
				Uint64("total_visits", snap.TotalVisits).
				Uint64("failed_visits", snap.FailedVisits).
				Uint64("attempts", snap.Attempts).
				Uint64("retries", snap.Retries).
				Stringer("success_rate", snap.SuccessRate).
				Int("active_proxies", snap.ActiveProxies).
				Msg("Stats")
		}
	}
}
