package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"eugene-chernyshenko/proxy-traffic/internal/config"
	"eugene-chernyshenko/proxy-traffic/internal/logging"
	"eugene-chernyshenko/proxy-traffic/internal/metrics"
	"eugene-chernyshenko/proxy-traffic/internal/pool"
	"eugene-chernyshenko/proxy-traffic/internal/proxy"
	"eugene-chernyshenko/proxy-traffic/internal/request"
	"eugene-chernyshenko/proxy-traffic/internal/visit"
)

// One-shot probe: performs a single visit, with retries, and prints how it went.
func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run . <target_url> [proxy ...]")
		fmt.Println("Example: go run . https://httpbin.org/ip user:pass@127.0.0.1:8080")
		fmt.Println("PROXY_PROTOCOL selects http (default), https or socks5; SOCKS5_PROXY is used when no proxy is given")
		os.Exit(1)
	}
	_ = godotenv.Load()

	cfg := config.Default()
	cfg.TargetURL = os.Args[1]
	cfg.Proxies = os.Args[2:]
	if v := os.Getenv("PROXY_PROTOCOL"); v != "" {
		cfg.Provider.Protocol = v
	}
	if len(cfg.Proxies) == 0 {
		if socks := os.Getenv("SOCKS5_PROXY"); socks != "" {
			cfg.Proxies = []string{socks}
			cfg.Provider.Protocol = "socks5"
		}
	}
	cfg.UseProxy = len(cfg.Proxies) > 0
	cfg.Logging = config.Logging{Level: "debug", Console: true}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("Invalid arguments: %v\n", err)
		os.Exit(1)
	}

	log, closer, err := logging.New(cfg.Logging, os.Stderr)
	if err != nil {
		fmt.Printf("Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer closer.Close()

	proxies := pool.New(pool.StaticSource(cfg.Proxies), nil)
	tunnels := proxy.NewManager(cfg.Provider.Protocol, cfg.TimeoutDuration(), nil)
	defer tunnels.CloseAll()
	stats := metrics.NewStats(proxies.Size)

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.MaxRetries+1)*cfg.TimeoutDuration())
	defer cancel()

	if cfg.UseProxy {
		if err := proxies.Refresh(ctx); err != nil {
			fmt.Printf("Error loading proxies: %v\n", err)
			os.Exit(1)
		}
		for _, p := range proxies.Snapshot() {
			fmt.Printf("Using %s proxy: %s\n", cfg.Provider.Protocol, proxy.MaskAuth(cfg.Provider.Protocol, p))
		}
	} else {
		fmt.Println("No proxy given, connecting directly")
	}

	fp := request.NewFingerprint(cfg.Request.Headers, cfg.Request.Referrers, cfg.Request.SearchTerms, nil)
	executor := visit.New(visit.Options{
		TargetURL:  cfg.TargetURL,
		UseProxy:   cfg.UseProxy,
		Protocol:   cfg.Provider.Protocol,
		MaxRetries: cfg.MaxRetries,
		Timeout:    cfg.TimeoutDuration(),
	}, proxies, tunnels, fp, stats, nil, log)

	fmt.Printf("Visiting: %s\n", cfg.TargetURL)
	out := executor.Execute(ctx, 1)

	fmt.Printf("\nAttempts: %d\n", out.Attempts)
	fmt.Printf("Last proxy: %s\n", out.Proxy)
	if out.Status != 0 {
		fmt.Printf("Status: %d\n", out.Status)
	}
	if out.Success {
		fmt.Println("Result: success")
		return
	}

	fmt.Printf("Result: failed, %s: %v\n", request.CategorizeError(out.Err), out.Err)
	closer.Close()
	os.Exit(1)
}
