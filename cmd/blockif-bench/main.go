// Command blockif-bench drives a blockif.Device with a synthetic read/write
// workload and reports throughput and latency percentiles, for exercising
// the thread-pool and ring backends outside of any particular consumer.
package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/blockif-go/blockif"
	"github.com/blockif-go/blockif/internal/logging"
)

func main() {
	var (
		sizeStr   = flag.String("size", "64M", "size of the backing file (e.g. 64M, 1G)")
		path      = flag.String("path", "", "backing file path (default: a temp file, removed on exit)")
		queues    = flag.Int("queues", 4, "number of queues")
		ioSize    = flag.Int("io-size", 4096, "size of each read/write request, in bytes")
		duration  = flag.Duration("duration", 5*time.Second, "how long to run the workload")
		aio       = flag.String("aio", "threads", "aio backend: threads or io_uring")
		writeFrac = flag.Float64("write-frac", 0.3, "fraction of requests that are writes")
		verbose   = flag.Bool("v", false, "verbose logging")
	)
	flag.Parse()

	size, err := parseSize(*sizeStr)
	if err != nil {
		log.Fatalf("invalid -size %q: %v", *sizeStr, err)
	}

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	backingPath := *path
	if backingPath == "" {
		f, err := os.CreateTemp("", "blockif-bench-*.img")
		if err != nil {
			log.Fatalf("create temp backing file: %v", err)
		}
		backingPath = f.Name()
		if err := f.Truncate(size); err != nil {
			log.Fatalf("truncate backing file: %v", err)
		}
		f.Close()
		defer os.Remove(backingPath)
	}

	optstr := backingPath
	if *aio == "io_uring" {
		optstr += ",aio=io_uring"
	}

	device, err := blockif.Open(optstr, *queues, logger, nil)
	if err != nil {
		logger.Error("failed to open device", "error", err)
		os.Exit(1)
	}
	defer device.Close()

	logger.Info("device opened", "path", backingPath, "size", formatSize(device.Size()), "queues", *queues)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	stop := make(chan struct{})
	go func() {
		select {
		case <-sigCh:
			logger.Info("received shutdown signal")
			close(stop)
		case <-time.After(*duration):
			close(stop)
		}
	}()

	var completed atomic.Uint64
	var wg sync.WaitGroup
	for q := 0; q < *queues; q++ {
		wg.Add(1)
		go runWorker(device, q, *ioSize, *writeFrac, &completed, stop, &wg)
	}
	wg.Wait()

	snap := device.Metrics()
	fmt.Printf("\ncompleted %d requests\n", completed.Load())
	fmt.Printf("read:  %d ops, %s, p99=%v\n", snap.ReadOps, formatSize(int64(snap.ReadBytes)), time.Duration(snap.LatencyP99Ns))
	fmt.Printf("write: %d ops, %s, p99=%v\n", snap.WriteOps, formatSize(int64(snap.WriteBytes)), time.Duration(snap.LatencyP99Ns))
	fmt.Printf("cancelled: %d, blocked-slots(final): %d\n", snap.CancelledOps, snap.BlockedSlots)
}

// runWorker keeps one queue saturated: a request's Done callback fires the
// next Submit for that queue, so at most QueueDepth requests are ever
// outstanding on it at once.
func runWorker(device *blockif.Device, queue, ioSize int, writeFrac float64, completed *atomic.Uint64, stop <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	rng := rand.New(rand.NewSource(int64(queue) + 1))
	maxOffset := device.Size() - int64(ioSize)
	if maxOffset < 0 {
		maxOffset = 0
	}

	inFlight := device.QueueDepth()
	if inFlight > 32 {
		inFlight = 32
	}

	var outstanding sync.WaitGroup
	var submit func()
	submit = func() {
		select {
		case <-stop:
			return
		default:
		}

		op := blockif.OpRead
		buf := make([]byte, ioSize)
		if rng.Float64() < writeFrac {
			op = blockif.OpWrite
			rng.Read(buf)
		}
		offset := rng.Int63n(maxOffset + 1)

		req := &blockif.Request{
			Queue:  queue,
			Offset: offset,
			Buf:    buf,
			Done: func(n int, err error) {
				completed.Add(1)
				submit()
				outstanding.Done()
			},
		}
		outstanding.Add(1)
		if err := device.Submit(req, op); err != nil {
			outstanding.Done()
		}
	}

	for i := 0; i < inFlight; i++ {
		submit()
	}
	outstanding.Wait()
}

func parseSize(s string) (int64, error) {
	s = strings.ToUpper(s)
	multiplier := int64(1)
	numStr := s
	switch {
	case strings.HasSuffix(s, "K"):
		multiplier = 1024
		numStr = strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		multiplier = 1024 * 1024
		numStr = strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		multiplier = 1024 * 1024 * 1024
		numStr = strings.TrimSuffix(s, "G")
	}
	n, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil {
		return 0, err
	}
	return n * multiplier, nil
}

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
