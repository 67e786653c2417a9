package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"raftmap/pkg/client"
	"raftmap/pkg/config"
)

type BenchmarkResult struct {
	TotalOps      int
	SuccessfulOps int
	FailedOps     int
	Duration      time.Duration
	OpsPerSec     float64
	AvgLatency    time.Duration
	P99Latency    time.Duration
	MinLatency    time.Duration
	MaxLatency    time.Duration
}

func main() {
	var (
		addrs      = flag.String("addrs", "127.0.0.1:5000", "comma separated replica addresses")
		configPath = flag.String("config", "config.yaml", "client config (session and client sections)")
		sessions   = flag.Int("sessions", 10, "concurrent sessions")
		ops        = flag.Int("ops", 1000, "operations per session")
		valueSize  = flag.Int("value-size", 64, "value size in bytes")
		mode       = flag.String("mode", "put", "put or putAndGet")
	)
	flag.Parse()

	if *mode != "put" && *mode != "putAndGet" {
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", *mode)
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	fmt.Println("=== raftmap benchmark ===")
	fmt.Printf("Targets: %s, sessions: %d, ops/session: %d, mode: %s\n\n", *addrs, *sessions, *ops, *mode)

	resolver := client.StaticResolver(strings.Split(*addrs, ","))
	result, err := benchmark(ctx, &cfg, resolver, *sessions, *ops, *valueSize, *mode == "putAndGet")
	if err != nil {
		fmt.Fprintf(os.Stderr, "benchmark: %v\n", err)
		os.Exit(1)
	}
	printResult(*mode, result)
}

func benchmark(ctx context.Context, cfg *config.Config, resolver client.Resolver, sessions, ops, valueSize int, withGet bool) (BenchmarkResult, error) {
	maps := make([]*client.Map, 0, sessions)
	conn := client.NewHTTPConn(cfg.Client.OperationTimeout)
	for i := 0; i < sessions; i++ {
		s := client.NewSession(conn, resolver, client.OptionsFromConfig(cfg))
		if err := s.Connect(ctx); err != nil {
			return BenchmarkResult{}, err
		}
		defer s.Close(context.Background())
		maps = append(maps, client.NewMap(s))
	}

	value := make([]byte, valueSize)
	for i := range value {
		value[i] = byte('a' + i%26)
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		success   int
		failed    int
		latencies = make([]time.Duration, 0, sessions*ops)
	)

	start := time.Now()
	for i, m := range maps {
		wg.Add(1)
		go func(sessionID int, m *client.Map) {
			defer wg.Done()
			for j := 0; j < ops && ctx.Err() == nil; j++ {
				key := fmt.Sprintf("bench_key_%d_%d", sessionID, j)

				opStart := time.Now()
				_, _, err := m.Put(ctx, key, value)
				if err == nil && withGet {
					var found bool
					_, found, err = m.Get(ctx, key)
					if err == nil && !found {
						err = fmt.Errorf("key %s lost", key)
					}
				}
				latency := time.Since(opStart)

				mu.Lock()
				if err == nil {
					success++
				} else {
					failed++
				}
				latencies = append(latencies, latency)
				mu.Unlock()
			}
		}(i, m)
	}
	wg.Wait()
	duration := time.Since(start)

	return summarize(latencies, success, failed, duration), nil
}

func summarize(latencies []time.Duration, success, failed int, duration time.Duration) BenchmarkResult {
	res := BenchmarkResult{
		TotalOps:      success + failed,
		SuccessfulOps: success,
		FailedOps:     failed,
		Duration:      duration,
	}
	if len(latencies) == 0 {
		return res
	}

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	var sum time.Duration
	for _, lat := range latencies {
		sum += lat
	}
	res.MinLatency = latencies[0]
	res.MaxLatency = latencies[len(latencies)-1]
	res.P99Latency = latencies[len(latencies)*99/100]
	res.AvgLatency = sum / time.Duration(len(latencies))
	if duration > 0 {
		res.OpsPerSec = float64(success) / duration.Seconds()
	}
	return res
}

func printResult(testName string, result BenchmarkResult) {
	fmt.Printf("%s:\n", testName)
	fmt.Printf("  Total Operations: %d\n", result.TotalOps)
	fmt.Printf("  Successful: %d\n", result.SuccessfulOps)
	fmt.Printf("  Failed: %d\n", result.FailedOps)
	fmt.Printf("  Duration: %v\n", result.Duration)
	fmt.Printf("  Operations/sec: %.2f\n", result.OpsPerSec)
	fmt.Printf("  Avg Latency: %v\n", result.AvgLatency)
	fmt.Printf("  P99 Latency: %v\n", result.P99Latency)
	fmt.Printf("  Min Latency: %v\n", result.MinLatency)
	fmt.Printf("  Max Latency: %v\n", result.MaxLatency)
}
