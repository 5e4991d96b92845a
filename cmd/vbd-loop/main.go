package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	vbd "github.com/behrlich/go-vbd"
	"github.com/behrlich/go-vbd/backend"
	"github.com/behrlich/go-vbd/daemon"
	"github.com/behrlich/go-vbd/internal/logging"
)

func main() {
	var (
		sizeStr     = flag.String("size", "64M", "Size of the memory device (e.g., 64M, 1G)")
		outstanding = flag.Int("outstanding", vbd.DefaultMaxOutstanding, "Maximum in-flight requests")
		workers     = flag.Int("workers", 4, "Daemon service goroutines")
		ops         = flag.Int("ops", 10000, "Workload operations to run")
		blockSize   = flag.Int("bs", 4096, "Workload block size in bytes")
		verbose     = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	size, err := parseSize(*sizeStr)
	if err != nil {
		log.Fatalf("Invalid size '%s': %v", *sizeStr, err)
	}

	// Set up logging
	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	logger.Info("creating loopback device",
		"size", formatSize(size), "size_bytes", size, "outstanding", *outstanding)

	conn := vbd.Open(vbd.Params{
		MaxOutstanding:   *outstanding,
		DetectZeroWrites: true,
	}, &vbd.Options{Logger: logger})
	defer conn.Close()

	memBackend := backend.NewMemory(size)

	d := daemon.New(daemon.Config{
		Conn:    conn,
		Workers: *workers,
		Logger:  logger,
	})
	if err := d.AddDevice(1, uint32(*outstanding), memBackend); err != nil {
		logger.Error("failed to register device", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	daemonDone := make(chan error, 1)
	go func() { daemonDone <- d.Run(ctx) }()

	start := time.Now()
	if err := runWorkload(conn, size, *ops, *blockSize); err != nil {
		logger.Error("workload failed", "error", err)
	}
	elapsed := time.Since(start)

	d.Stop()
	if err := <-daemonDone; err != nil {
		logger.Error("daemon exited with error", "error", err)
	}

	snap := conn.Metrics().Snapshot()
	fmt.Printf("Completed %d operations in %s\n", snap.Completions, elapsed.Round(time.Millisecond))
	fmt.Printf("  reads: %d  writes: %d  discards: %d  flushes: %d\n",
		snap.ReadOps, snap.WriteOps, snap.DiscardOps, snap.FlushOps)
	fmt.Printf("  replies: %d  notifications: %d  failures: %d\n",
		snap.Replies, snap.Notifications, snap.Failures)
	fmt.Printf("  avg latency: %s  p99: %s  max queue depth: %d\n",
		time.Duration(snap.AvgLatencyNs), time.Duration(snap.LatencyP99Ns), snap.MaxQueueDepth)
}

// runWorkload submits a mixed read/write/discard/flush stream and waits
// for every completion.
func runWorkload(conn *vbd.Connection, size int64, ops, blockSize int) error {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	blocks := size / int64(blockSize)
	if blocks == 0 {
		return fmt.Errorf("device smaller than one block")
	}

	var wg sync.WaitGroup
	end := func(req *vbd.Request) {
		wg.Done()
	}

	for i := 0; i < ops; i++ {
		offset := uint64(rng.Int63n(blocks)) * uint64(blockSize)
		var err error

		wg.Add(1)
		switch rng.Intn(10) {
		case 0:
			_, err = conn.SubmitFlush(1, end)
		case 1:
			_, err = conn.SubmitDiscard(1, offset, uint32(blockSize), end)
		case 2, 3, 4:
			data := make([]byte, blockSize)
			rng.Read(data)
			_, err = conn.SubmitWrite(1, offset, 0, vbd.SegmentsFor(data, 4096), end)
		default:
			data := make([]byte, blockSize)
			_, err = conn.SubmitRead(1, offset, vbd.SegmentsFor(data, 4096), end)
		}
		if err != nil {
			wg.Done()
			if vbd.IsCode(err, vbd.CodeOutOfIdentifiers) {
				// Saturated; back off and retry the slot
				time.Sleep(time.Millisecond)
				i--
				continue
			}
			return err
		}
	}

	wg.Wait()
	return nil
}

// parseSize parses a size string like "64M", "1G", "512K"
func parseSize(s string) (int64, error) {
	s = strings.ToUpper(s)

	var multiplier int64 = 1
	var numStr string

	if strings.HasSuffix(s, "K") {
		multiplier = 1024
		numStr = strings.TrimSuffix(s, "K")
	} else if strings.HasSuffix(s, "M") {
		multiplier = 1024 * 1024
		numStr = strings.TrimSuffix(s, "M")
	} else if strings.HasSuffix(s, "G") {
		multiplier = 1024 * 1024 * 1024
		numStr = strings.TrimSuffix(s, "G")
	} else {
		numStr = s
	}

	num, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil {
		return 0, err
	}

	return num * multiplier, nil
}

// formatSize formats a byte count as a human-readable string
func formatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	units := []string{"K", "M", "G", "T"}
	return fmt.Sprintf("%.1f %sB", float64(bytes)/float64(div), units[exp])
}
