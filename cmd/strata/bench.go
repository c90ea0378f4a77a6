package main

import (
	"flag"
	"fmt"
	"os"
	"sync"
	"time"

	"strata/pkg/engine"
)

type benchResult struct {
	TotalOps      int
	SuccessfulOps int
	FailedOps     int
	Duration      time.Duration
	OpsPerSec     float64
	AvgLatency    time.Duration
	MinLatency    time.Duration
	MaxLatency    time.Duration
}

// bench runs a write and read workload against an engine opened in a
// scratch directory, or in -dir when given.
func bench(args []string) error {
	fs := flag.NewFlagSet("bench", flag.ExitOnError)
	configPath := configFlag(fs)
	dir := fs.String("dir", "", "storage directory (default: temporary)")
	ops := fs.Int("ops", 100000, "operations per phase")
	concurrency := fs.Int("concurrency", 8, "concurrent workers")
	valueSize := fs.Int("value-size", 128, "value size in bytes")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *ops <= 0 || *concurrency <= 0 {
		return fmt.Errorf("ops and concurrency must be positive")
	}

	cfg, err := initConfig(*configPath)
	if err != nil {
		return err
	}
	logger, err := initLogger(&cfg)
	if err != nil {
		return err
	}
	opts, err := engine.FromConfig(cfg, logger)
	if err != nil {
		return err
	}

	path := *dir
	if path == "" {
		path, err = os.MkdirTemp("", "strata-bench-")
		if err != nil {
			return err
		}
		defer os.RemoveAll(path)
	}

	eng, err := engine.Open(path, opts)
	if err != nil {
		return fmt.Errorf("failed to open engine: %w", err)
	}
	defer eng.Close()

	value := make([]byte, *valueSize)
	for i := range value {
		value[i] = byte('a' + i%26)
	}

	fmt.Printf("=== strata benchmark ===\nPath: %s\n\n", path)

	fmt.Printf("Writes (%d operations, %d goroutines)\n", *ops, *concurrency)
	printResult(run(*ops, *concurrency, func(i int) error {
		_, err := eng.Put(benchKey(i), value)
		return err
	}))

	if err := eng.Flush(); err != nil {
		return err
	}

	fmt.Printf("\nReads (%d operations, %d goroutines)\n", *ops, *concurrency)
	printResult(run(*ops, *concurrency, func(i int) error {
		_, found, err := eng.Get(benchKey(i), nil)
		if err == nil && !found {
			err = fmt.Errorf("key %d not found", i)
		}
		return err
	}))

	stats, err := eng.Stats()
	if err != nil {
		return err
	}
	fmt.Printf("\nTables: %d (%d bytes), flushes: %d, compactions: %d, stalls: %d\n",
		stats.Tables, stats.TableBytes, stats.Flushes, stats.Compactions, stats.WriteStalls)
	fmt.Println("=== benchmark complete ===")
	return nil
}

func benchKey(i int) []byte {
	return []byte(fmt.Sprintf("bench_key_%010d", i))
}

// run spreads totalOps over concurrency goroutines and collects latencies.
func run(totalOps, concurrency int, op func(i int) error) benchResult {
	start := time.Now()
	var wg sync.WaitGroup
	var mu sync.Mutex

	successful, failed := 0, 0
	latencies := make([]time.Duration, 0, totalOps)

	perWorker := totalOps / concurrency
	remainder := totalOps % concurrency
	next := 0
	for w := 0; w < concurrency; w++ {
		n := perWorker
		if w < remainder {
			n++
		}
		first := next
		next += n

		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]time.Duration, 0, n)
			ok, bad := 0, 0
			for i := first; i < first+n; i++ {
				opStart := time.Now()
				if err := op(i); err != nil {
					bad++
				} else {
					ok++
				}
				local = append(local, time.Since(opStart))
			}

			mu.Lock()
			successful += ok
			failed += bad
			latencies = append(latencies, local...)
			mu.Unlock()
		}()
	}
	wg.Wait()
	duration := time.Since(start)

	res := benchResult{
		TotalOps:      totalOps,
		SuccessfulOps: successful,
		FailedOps:     failed,
		Duration:      duration,
		OpsPerSec:     float64(successful) / duration.Seconds(),
	}
	if len(latencies) > 0 {
		var sum time.Duration
		res.MinLatency, res.MaxLatency = latencies[0], latencies[0]
		for _, lat := range latencies {
			res.MinLatency = min(res.MinLatency, lat)
			res.MaxLatency = max(res.MaxLatency, lat)
			sum += lat
		}
		res.AvgLatency = sum / time.Duration(len(latencies))
	}
	return res
}

func printResult(r benchResult) {
	fmt.Printf("  Total Operations: %d\n", r.TotalOps)
	fmt.Printf("  Successful: %d\n", r.SuccessfulOps)
	fmt.Printf("  Failed: %d\n", r.FailedOps)
	fmt.Printf("  Duration: %v\n", r.Duration)
	fmt.Printf("  Operations/sec: %.2f\n", r.OpsPerSec)
	fmt.Printf("  Avg Latency: %v\n", r.AvgLatency)
	fmt.Printf("  Min Latency: %v\n", r.MinLatency)
	fmt.Printf("  Max Latency: %v\n", r.MaxLatency)
}
