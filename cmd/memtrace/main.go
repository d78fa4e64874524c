// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Command memtrace is the collector binary: it loads the kernel
// programs, wires the ring transport through the merger, aggregator,
// and Parquet writer, and runs until either its configured duration
// elapses or it is signalled. Signal and drain handling are owned by
// pkg/supervisor rather than hand-rolled here.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/antimetal/memtrace/pkg/aggregator"
	"github.com/antimetal/memtrace/pkg/config"
	"github.com/antimetal/memtrace/pkg/ebpf/core"
	"github.com/antimetal/memtrace/pkg/ebpf/sampler"
	"github.com/antimetal/memtrace/pkg/ebpf/taskmeta"
	"github.com/antimetal/memtrace/pkg/ebpf/timer"
	"github.com/antimetal/memtrace/pkg/merger"
	"github.com/antimetal/memtrace/pkg/parquetio"
	"github.com/antimetal/memtrace/pkg/protocol"
	"github.com/antimetal/memtrace/pkg/ringbuf"
	"github.com/antimetal/memtrace/pkg/sink"
	"github.com/antimetal/memtrace/pkg/sink/local"
	"github.com/antimetal/memtrace/pkg/sink/s3"
	"github.com/antimetal/memtrace/pkg/supervisor"
	"github.com/antimetal/memtrace/pkg/tasktable"
)

// defaultBPFObjectDir is where the three compiled objects are expected;
// MEMTRACE_BPF_PATH takes precedence when set.
const defaultBPFObjectDir = "/usr/local/lib/memtrace/ebpf"

func main() {
	os.Exit(run())
}

func run() int {
	var (
		duration        = flag.Int("duration", 0, "Run for N seconds (0 = unbounded)")
		storageType     = flag.String("storage-type", "local", "Sink selection: local or s3")
		prefix          = flag.String("prefix", "memtrace-", "Key/path prefix for outputs")
		verbose         = flag.Bool("verbose", false, "Enable debug logging")
		trace           = flag.Bool("trace", false, "Emit raw events, bypass aggregation")
		parquetBufSize  = flag.Int64("parquet-buffer-size", 64<<20, "In-memory buffer before row-group flush, in bytes")
		parquetFileSize = flag.Int64("parquet-file-size", 512<<20, "File rotation threshold, in bytes")
		maxRowGroup     = flag.Int("max-row-group-size", 100_000, "Rows per row group")
		storageQuota    = flag.Int64("storage-quota", 0, "Optional cumulative byte ceiling (0 = unbounded)")
	)
	flag.IntVar(duration, "d", 0, "Alias for -duration")
	flag.Parse()

	var logger logr.Logger
	if *verbose {
		zapLogger, _ := zap.NewDevelopment()
		logger = zapr.NewLogger(zapLogger)
	} else {
		zapLogger, _ := zap.NewProduction()
		logger = zapr.NewLogger(zapLogger)
	}

	kv, err := core.DetectVersion()
	if err != nil {
		fmt.Fprintf(os.Stderr, "memtrace: detecting kernel version: %v\n", err)
		return 1
	}
	mode, err := timer.ProbeTimerMode(kv.Raw)
	if err != nil {
		fmt.Fprintf(os.Stderr,
			"memtrace: %v (minimum supported kernel is %s)\n", err, timer.MinimumSupportedKernel)
		return 2
	}

	cfg := config.Default()
	cfg.DurationSeconds = *duration
	cfg.StorageType = config.StorageType(*storageType)
	cfg.Prefix = *prefix
	cfg.Verbose = *verbose
	cfg.Trace = *trace
	cfg.ParquetBufferSize = *parquetBufSize
	cfg.ParquetFileSize = *parquetFileSize
	cfg.MaxRowGroupSize = *maxRowGroup
	cfg.StorageQuota = *storageQuota
	cfg.ApplyDefaults()
	cfg.ApplyAWSEnvironment()

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "memtrace: %v\n", err)
		return 1
	}

	logger.Info("starting", "timer_mode", mode, "storage_type", cfg.StorageType)

	objDir := os.Getenv("MEMTRACE_BPF_PATH")
	if objDir == "" {
		objDir = defaultBPFObjectDir
	}

	loadCtx, loadCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer loadCancel()

	// The three compiled objects are independent of one another (they
	// only share the pinned "events" map at the bpffs layer, see
	// pkg/ebpf/core.PinDir), so loading and attaching them is the
	// per-component fan-out golang.org/x/sync/errgroup is for.
	var tmr *timer.Timer
	var smp *sampler.Sampler
	var tm *taskmeta.Collector
	eg, egCtx := errgroup.WithContext(loadCtx)
	eg.Go(func() error {
		t, err := timer.Load(egCtx, logger, mode, timer.Config{ObjectPath: filepath.Join(objDir, "timer.bpf.o")})
		tmr = t
		return err
	})
	eg.Go(func() error {
		s, err := sampler.Load(logger, sampler.Config{ObjectPath: filepath.Join(objDir, "sampler.bpf.o")})
		smp = s
		return err
	})
	eg.Go(func() error {
		c, err := taskmeta.Load(logger, taskmeta.Config{ObjectPath: filepath.Join(objDir, "task.bpf.o")})
		tm = c
		return err
	})
	if err := eg.Wait(); err != nil {
		fmt.Fprintf(os.Stderr, "memtrace: loading BPF programs: %v\n", err)
		closeAll(tmr, smp, tm)
		return 1
	}
	defer closeAll(tmr, smp, tm)

	eventsMap, ok := tmr.EventsMap()
	if !ok {
		fmt.Fprintln(os.Stderr, "memtrace: timer program did not expose an events map")
		return 1
	}

	numCPU := runtime.NumCPU()
	ring, err := ringbuf.Open(logger, eventsMap, numCPU, ringbuf.Options{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "memtrace: opening ring transport: %v\n", err)
		return 1
	}
	defer ring.Close()

	sk, parquetPrefix, err := buildSink(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "memtrace: %v\n", err)
		return 1
	}
	s3Sink, _ := sk.(*s3.Sink)

	parquetCfg := parquetio.Config{
		Prefix:            parquetPrefix,
		MaxRowGroupSize:   cfg.MaxRowGroupSize,
		ParquetBufferSize: cfg.ParquetBufferSize,
		ParquetFileSize:   cfg.ParquetFileSize,
		StorageQuota:      cfg.StorageQuota,
	}

	tasks := tasktable.New()
	cpus := make([]int, numCPU)
	for i := range cpus {
		cpus[i] = i
	}
	mrg := merger.New(logger, tasks, cpus, merger.Config{})

	// Trace mode bypasses aggregation and carries the per-sample
	// context-switch columns; aggregated mode buckets into timeslots.
	var writeStage supervisor.Stage
	var closeWriter func() error
	if cfg.Trace {
		writer := parquetio.New[parquetio.TraceRow](logger, sk, parquetCfg)
		closeWriter = writer.Close
		writeStage = supervisor.Stage{Name: "write", Run: func(ctx context.Context) error {
			return runTraceWriteStage(ctx, mrg, tasks, writer)
		}}
	} else {
		writer := parquetio.New[parquetio.AggregateRow](logger, sk, parquetCfg)
		closeWriter = writer.Close
		window := aggregator.NewWindow(3, uint64(time.Millisecond))
		writeStage = supervisor.Stage{Name: "write", Run: func(ctx context.Context) error {
			return runAggregateWriteStage(ctx, mrg, tasks, window, writer)
		}}
	}

	stages := []supervisor.Stage{
		{Name: "merge", Run: func(ctx context.Context) error {
			return runMergeStage(ctx, ring, mrg)
		}},
		writeStage,
	}

	runCtx := context.Background()
	if cfg.DurationSeconds > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, time.Duration(cfg.DurationSeconds)*time.Second)
		defer cancel()
	}

	sup := supervisor.New(logger, supervisor.Config{}, stages...)
	code := sup.Run(runCtx)

	if err := closeWriter(); err != nil {
		logger.Error(err, "closing parquet writer during shutdown")
		if code == 0 {
			code = 1
		}
	}

	// Any multipart upload the writer did not complete above is dead
	// weight on the server; abort it rather than leave it incomplete.
	if s3Sink != nil {
		abortCtx, abortCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer abortCancel()
		if err := s3Sink.AbortOpen(abortCtx); err != nil {
			logger.Error(err, "aborting incomplete multipart uploads")
		}
	}

	return code
}

func closeAll(tmr *timer.Timer, smp *sampler.Sampler, tm *taskmeta.Collector) {
	if tm != nil {
		tm.Close()
	}
	if smp != nil {
		smp.Close()
	}
	if tmr != nil {
		tmr.Close()
	}
}

// buildSink selects the sink per cfg.StorageType. For the local sink
// cfg.Prefix is split into a directory component (the sink root) and a
// file-name prefix (what pkg/parquetio prepends to each generated
// file), so "--prefix /tmp/m-" produces files under /tmp named
// "m-<uuid>-<seq>.parquet".
func buildSink(cfg config.Config) (sink.Sink, string, error) {
	switch cfg.StorageType {
	case config.StorageTypeLocal:
		dir, filePrefix := filepath.Split(cfg.Prefix)
		if dir == "" {
			dir = "."
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, "", fmt.Errorf("creating output directory %s: %w", dir, err)
		}
		return local.New(dir), filePrefix, nil

	case config.StorageTypeS3:
		opts := []s3.Option{s3.WithLogger(logr.Discard())}
		if cfg.AWS.Endpoint != "" {
			opts = append(opts, s3.WithEndpoint(cfg.AWS.Endpoint, !cfg.AWS.VirtualHostedStyle))
		}
		if cfg.AWS.AccessKeyID != "" {
			opts = append(opts, s3.WithStaticCredentials(cfg.AWS.AccessKeyID, cfg.AWS.SecretAccessKey))
		}
		sk, err := s3.New(context.Background(), cfg.AWS.Bucket, cfg.AWS.Region, opts...)
		if err != nil {
			return nil, "", fmt.Errorf("creating s3 sink: %w", err)
		}
		return sk, cfg.Prefix, nil

	default:
		return nil, "", fmt.Errorf("unknown storage type %q", cfg.StorageType)
	}
}

// runMergeStage decodes raw ring records and feeds them into the
// single-writer merger (which owns the task table and must not be
// called concurrently), ticking it at a steady rate so a permanently
// idle CPU stream cannot stall the merge.
func runMergeStage(ctx context.Context, ring *ringbuf.Reader, mrg *merger.Merger) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case rec, ok := <-ring.Records():
			if !ok {
				return nil
			}
			msg, err := protocol.Decode(bytes.NewReader(rec.Data))
			if err != nil {
				continue
			}
			mrg.Push(rec.CPU, msg)
		case now := <-ticker.C:
			mrg.Tick(now)
		}
	}
}

// runAggregateWriteStage drains the merger's timestamp-ordered output
// through the aggregation window into the aggregate-schema Parquet
// writer, and periodically garbage-collects the task table using the
// most recently emitted timestamp as an approximation of the merger
// horizon.
func runAggregateWriteStage(ctx context.Context, mrg *merger.Merger, tasks *tasktable.Table, window *aggregator.Window, writer *parquetio.Writer[parquetio.AggregateRow]) error {
	gcTicker := time.NewTicker(5 * time.Second)
	defer gcTicker.Stop()

	var lastTs uint64

	for {
		select {
		case <-ctx.Done():
			for _, slot := range window.Flush() {
				if err := writeAggregateSlot(writer, tasks, slot); err != nil {
					return err
				}
			}
			return nil

		case ev, ok := <-mrg.Output():
			if !ok {
				return nil
			}
			lastTs = protocol.Timestamp(ev.Message)

			pm, isPerf := ev.Message.(*protocol.PerfMeasurement)
			if !isPerf {
				continue
			}
			for _, slot := range window.Accumulate(pm) {
				if err := writeAggregateSlot(writer, tasks, slot); err != nil {
					return err
				}
			}

		case <-gcTicker.C:
			tasks.GC(lastTs)
		}
	}
}

// runTraceWriteStage drains the merger's output straight into the
// trace-schema Parquet writer, one row per raw sample.
func runTraceWriteStage(ctx context.Context, mrg *merger.Merger, tasks *tasktable.Table, writer *parquetio.Writer[parquetio.TraceRow]) error {
	gcTicker := time.NewTicker(5 * time.Second)
	defer gcTicker.Stop()

	var lastTs uint64

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-mrg.Output():
			if !ok {
				return nil
			}
			lastTs = protocol.Timestamp(ev.Message)

			pm, isPerf := ev.Message.(*protocol.PerfMeasurement)
			if !isPerf {
				continue
			}
			if err := writer.WriteRow(traceRowFromPerf(pm, tasks)); err != nil {
				return fmt.Errorf("writing trace row: %w", err)
			}

		case <-gcTicker.C:
			tasks.GC(lastTs)
		}
	}
}

func writeAggregateSlot(writer *parquetio.Writer[parquetio.AggregateRow], tasks *tasktable.Table, slot *aggregator.Timeslot) error {
	for pid, agg := range slot.Aggregates {
		row := parquetio.AggregateRow{
			StartTimeNs:  int64(slot.StartNs),
			Pid:          int32(pid),
			Cycles:       int64(agg.Cycles),
			Instructions: int64(agg.Instructions),
			LLCMisses:    int64(agg.LLCMisses),
			CacheRefs:    int64(agg.CacheRefs),
			DurationNs:   int64(agg.DurationNs),
		}
		if e, ok := tasks.Lookup(pid); ok {
			comm := e.Comm
			row.Comm = &comm
			cgroupID := e.CgroupID
			row.CgroupID = &cgroupID
		}
		if err := writer.WriteRow(row); err != nil {
			return fmt.Errorf("writing aggregate row: %w", err)
		}
	}
	return nil
}

func traceRowFromPerf(pm *protocol.PerfMeasurement, tasks *tasktable.Table) parquetio.TraceRow {
	row := parquetio.TraceRow{
		StartTimeNs:     int64(protocol.Timestamp(pm)) - int64(pm.TimeDeltaNs),
		Pid:             int32(pm.Pid),
		Cycles:          int64(pm.CyclesDelta),
		Instructions:    int64(pm.InstructionsDelta),
		LLCMisses:       int64(pm.LLCMissesDelta),
		CacheRefs:       int64(pm.CacheRefsDelta),
		DurationNs:      int64(pm.TimeDeltaNs),
		IsContextSwitch: pm.IsContextSwitch != 0,
	}
	if e, ok := tasks.Lookup(pm.Pid); ok {
		comm := e.Comm
		row.Comm = &comm
		cgroupID := e.CgroupID
		row.CgroupID = &cgroupID
	}
	if pm.IsContextSwitch != 0 {
		nextPid := int32(pm.NextPid)
		row.NextPid = &nextPid
	}
	return row
}
