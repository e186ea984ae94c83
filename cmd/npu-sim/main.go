package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	npurt "github.com/ehrlich-b/go-npurt"
	"github.com/ehrlich-b/go-npurt/backend"
	"github.com/ehrlich-b/go-npurt/internal/logging"
	"github.com/ehrlich-b/go-npurt/internal/uapi"
)

func main() {
	var (
		streams   = flag.Int("streams", 2, "Number of streams to drive")
		tasks     = flag.Int("tasks", 1000, "Tasks submitted per stream")
		depth     = flag.Int("depth", 0, "Slots per stream (0 uses the configuration)")
		mode      = flag.String("mode", "normal", "Failure mode: normal, stop-on-first, abort-all")
		cfgPath   = flag.String("config", "", "YAML configuration file")
		latency   = flag.Duration("latency", 20*time.Microsecond, "Simulated execution time per task")
		argSize   = flag.Int("args", 64, "Argument bytes attached to each task")
		failEvery = flag.Int("fail-every", 0, "Inject a task failure every N sequences (0 disables)")
		timeout   = flag.Duration("timeout", time.Minute, "Bound on the final synchronize")
		verbose   = flag.Bool("v", false, "Verbose output")
		jsonOut   = flag.Bool("json", false, "Print the metrics snapshot as JSON")
	)
	flag.Parse()

	// Set up logging
	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	failureMode, err := npurt.ParseFailureMode(*mode)
	if err != nil {
		logging.Error("invalid failure mode", "mode", *mode, "error", err)
		os.Exit(1)
	}

	cfg := npurt.DefaultConfig()
	if *cfgPath != "" {
		if cfg, err = npurt.LoadConfig(*cfgPath); err != nil {
			logger.Error("failed to load configuration", "error", err)
			os.Exit(1)
		}
	}
	if *depth > 0 {
		cfg.MaxStreamDepth = *depth
	}
	if *streams > cfg.MaxStreamNum {
		cfg.MaxStreamNum = *streams
	}

	sim := backend.NewSim(backend.SimConfig{Latency: *latency})
	dev, err := npurt.Init(0, cfg, sim, nil)
	if err != nil {
		logger.Error("failed to initialize device", "error", err)
		os.Exit(1)
	}
	if err := dev.Start(); err != nil {
		logger.Error("failed to start reconciler", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Set up SIGUSR1 handler for stack trace dumps
	stackDumpCh := make(chan os.Signal, 1)
	signal.Notify(stackDumpCh, syscall.SIGUSR1)
	go func() {
		for range stackDumpCh {
			buf := make([]byte, 1024*1024)
			n := runtime.Stack(buf, true)
			fmt.Fprintf(os.Stderr, "\n=== FULL GOROUTINE STACK DUMP ===\n%s\n=== END STACK DUMP ===\n\n", buf[:n])
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	c := dev.NewContext()
	var active []*npurt.Stream
	for i := 0; i < *streams; i++ {
		s, err := dev.StreamCreate(c, npurt.StreamOptions{FailureMode: failureMode})
		if err != nil {
			logger.Error("failed to create stream", "error", err)
			break
		}
		if *failEvery > 0 {
			for seq := *failEvery - 1; seq < *tasks; seq += *failEvery {
				sim.InjectFault(uint32(s.ID()), uint32(seq), backend.Fault{
					ErrorType: uapi.NPU_ERR_TYPE_EXIST_ERROR,
					Code:      uapi.NPU_DRV_EXEC_FAILED,
				})
			}
		}
		active = append(active, s)
	}

	logger.Info("driving simulated device",
		"streams", len(active), "tasks", *tasks, "depth", dev.Config().MaxStreamDepth, "mode", failureMode.String())

	start := time.Now()
	var wg sync.WaitGroup
	for _, s := range active {
		wg.Add(1)
		go func(s *npurt.Stream) {
			defer wg.Done()
			drive(ctx, logger, s, *tasks, *argSize, *timeout)
		}(s)
	}
	wg.Wait()
	elapsed := time.Since(start)

	for _, s := range active {
		if err := s.Destroy(context.Background(), true); err != nil {
			logger.Error("stream teardown failed", "stream", s.ID(), "error", err)
		}
	}
	snap := dev.MetricsSnapshot()
	if err := dev.Close(); err != nil {
		logger.Error("error closing device", "error", err)
	}

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(snap); err != nil {
			logger.Error("failed to encode metrics", "error", err)
		}
		return
	}
	printSnapshot(snap, elapsed, sim.Stats())
}

// drive submits n tasks on s and waits for them
func drive(ctx context.Context, logger *logging.Logger, s *npurt.Stream, n, argSize int, timeout time.Duration) {
	kinds := []npurt.TaskKind{npurt.KindKernel, npurt.KindMemcpy, npurt.KindEventRecord}
	args := make([]byte, argSize)
	for i := 0; i < n; i++ {
		spec := npurt.TaskSpec{Kind: kinds[i%len(kinds)]}
		if argSize > 0 {
			spec.Args = args
		}
		task, err := s.SubmitTask(ctx, spec)
		if errors.Is(err, npurt.ErrSendFailed) && task != nil {
			err = s.Resend(task)
		}
		if err != nil {
			logger.Warn("submission stopped", "stream", s.ID(), "submitted", i, "error", err)
			break
		}
	}
	if err := s.SynchronizeAll(ctx, timeout); err != nil {
		logger.Warn("synchronize failed", "stream", s.ID(), "error", err)
	}
}

func printSnapshot(snap npurt.MetricsSnapshot, elapsed time.Duration, sim backend.SimStats) {
	fmt.Printf("Elapsed:          %v\n", elapsed.Round(time.Millisecond))
	fmt.Printf("Tasks submitted:  %d (%d sqes)\n", snap.TasksSubmitted, snap.SqesSubmitted)
	fmt.Printf("Tasks completed:  %d\n", snap.TasksCompleted)
	fmt.Printf("Tasks failed:     %d (%.2f%%)\n", snap.TasksFailed, snap.ErrorRate)
	fmt.Printf("Queue full waits: %d\n", snap.QueueFullRetries)
	fmt.Printf("Reports:          %d\n", snap.CompletionReports)
	fmt.Printf("Aborts:           %d\n", snap.Aborts)
	fmt.Printf("Queue depth:      avg %.1f, max %d\n", snap.AvgQueueDepth, snap.MaxQueueDepth)
	fmt.Printf("Latency:          avg %v, p50 %v, p99 %v\n",
		time.Duration(snap.AvgLatencyNs), time.Duration(snap.LatencyP50Ns), time.Duration(snap.LatencyP99Ns))
	fmt.Printf("Throughput:       %.0f tasks/s\n", snap.TasksPerSecond)
	fmt.Printf("Device:           executed %d, flushed %d, faults %d\n", sim.Executed, sim.Flushed, sim.Faults)
}
