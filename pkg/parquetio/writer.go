// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package parquetio encodes aggregated (or, in trace mode, raw) rows
// into Parquet v2 row groups with Snappy compression, handling
// row-group sizing, file rotation, and cumulative storage-quota
// enforcement. The two operating modes carry different schemas:
// AggregateRow for timeslot aggregates, TraceRow for raw per-sample
// events with the context-switch columns.
package parquetio

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/parquet-go/parquet-go"

	"github.com/antimetal/memtrace/pkg/sink"
)

// AggregateRow is one timeslot/pid aggregate. Comm and CgroupID are
// nullable, joined from the task table.
type AggregateRow struct {
	StartTimeNs  int64   `parquet:"start_time_ns"`
	Pid          int32   `parquet:"pid"`
	Comm         *string `parquet:"comm,optional"`
	CgroupID     *uint64 `parquet:"cgroup_id,optional"`
	Cycles       int64   `parquet:"cycles"`
	Instructions int64   `parquet:"instructions"`
	LLCMisses    int64   `parquet:"llc_misses"`
	CacheRefs    int64   `parquet:"cache_refs"`
	DurationNs   int64   `parquet:"duration_ns"`
}

// TraceRow is one raw merged sample, emitted when aggregation is
// bypassed. It extends the aggregate schema with the context-switch
// columns that only exist per-sample.
type TraceRow struct {
	StartTimeNs     int64   `parquet:"start_time_ns"`
	Pid             int32   `parquet:"pid"`
	Comm            *string `parquet:"comm,optional"`
	CgroupID        *uint64 `parquet:"cgroup_id,optional"`
	Cycles          int64   `parquet:"cycles"`
	Instructions    int64   `parquet:"instructions"`
	LLCMisses       int64   `parquet:"llc_misses"`
	CacheRefs       int64   `parquet:"cache_refs"`
	DurationNs      int64   `parquet:"duration_ns"`
	IsContextSwitch bool    `parquet:"is_context_switch"`
	NextPid         *int32  `parquet:"next_pid,optional"`
}

// Config tunes row-group sizing, file rotation and quota enforcement,
// mapped from the --parquet-* and --storage-quota CLI flags.
type Config struct {
	Prefix            string
	MaxRowGroupSize   int
	ParquetBufferSize int64
	ParquetFileSize   int64
	StorageQuota      int64 // 0 = unbounded
}

func (c *Config) applyDefaults() {
	if c.MaxRowGroupSize <= 0 {
		c.MaxRowGroupSize = 100_000
	}
	if c.ParquetBufferSize <= 0 {
		c.ParquetBufferSize = 64 << 20
	}
	if c.ParquetFileSize <= 0 {
		c.ParquetFileSize = 512 << 20
	}
}

// Writer rotates Parquet files under a Sink, enforcing the row-group
// and file-size thresholds, and tracking a global storage quota across
// every file it has ever written in this process.
type Writer[R any] struct {
	logger logr.Logger
	sink   sink.Sink
	cfg    Config

	// rowMemSize approximates the in-memory footprint of one buffered
	// row for the ParquetBufferSize threshold. The post-encoding size
	// is not knowable until the row group flushes, so buffer accounting
	// uses the unencoded struct size as its estimate.
	rowMemSize int64

	mu sync.Mutex

	seq           uint64
	currentFile   sink.WriteCloser
	currentWriter *parquet.GenericWriter[R]
	bufferedRows  int
	writtenBytes  int64
	totalBytes    int64
	quotaExceeded bool
}

// New creates a Writer backed by the given sink.
func New[R any](logger logr.Logger, s sink.Sink, cfg Config) *Writer[R] {
	cfg.applyDefaults()
	var zero R
	return &Writer[R]{
		logger:     logger.WithName("parquet"),
		sink:       s,
		cfg:        cfg,
		rowMemSize: int64(unsafe.Sizeof(zero)),
	}
}

// QuotaExceeded reports whether the cumulative byte count has crossed
// StorageQuota; the writer keeps running but further WriteRow calls
// become no-ops once this is true.
func (w *Writer[R]) QuotaExceeded() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.quotaExceeded
}

// WriteRow appends one row, opening a new file if none is open or the
// current one has crossed ParquetFileSize, and closing the current row
// group if it has crossed MaxRowGroupSize rows or ParquetBufferSize
// bytes of buffered rows.
func (w *Writer[R]) WriteRow(r R) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.quotaExceeded {
		return nil
	}
	if w.cfg.StorageQuota > 0 && w.totalBytes >= w.cfg.StorageQuota {
		w.quotaExceeded = true
		w.logger.Info("storage quota exceeded, suppressing further writes",
			"quota_bytes", w.cfg.StorageQuota, "written_bytes", w.totalBytes)
		return nil
	}

	if w.currentWriter == nil {
		if err := w.openFileLocked(); err != nil {
			return err
		}
	}

	if _, err := w.currentWriter.Write([]R{r}); err != nil {
		return fmt.Errorf("parquetio: writing row: %w", err)
	}
	w.bufferedRows++

	if w.bufferedRows >= w.cfg.MaxRowGroupSize ||
		int64(w.bufferedRows)*w.rowMemSize >= w.cfg.ParquetBufferSize {
		if err := w.flushRowGroupLocked(); err != nil {
			return err
		}
	}

	if n, err := w.currentFile.Size(); err == nil {
		w.writtenBytes = n
	}
	if w.writtenBytes >= w.cfg.ParquetFileSize {
		if err := w.rotateLocked(); err != nil {
			return err
		}
	}

	return nil
}

func (w *Writer[R]) openFileLocked() error {
	key := fmt.Sprintf("%s%s-%d.parquet", w.cfg.Prefix, uuid.NewString(), w.seq)
	w.seq++

	wc, err := w.sink.Open(key)
	if err != nil {
		return fmt.Errorf("parquetio: opening %s: %w", key, err)
	}

	w.currentFile = wc
	// Write buffering is off so every flushed row group reaches the sink
	// at once and Size() reflects it for the ParquetFileSize check.
	w.currentWriter = parquet.NewGenericWriter[R](wc,
		parquet.Compression(&parquet.Snappy),
		parquet.WriteBufferSize(0),
	)
	w.bufferedRows = 0
	w.writtenBytes = 0
	return nil
}

func (w *Writer[R]) flushRowGroupLocked() error {
	if w.currentWriter == nil {
		return nil
	}
	if err := w.currentWriter.Flush(); err != nil {
		return fmt.Errorf("parquetio: flushing row group: %w", err)
	}
	w.bufferedRows = 0
	return nil
}

func (w *Writer[R]) rotateLocked() error {
	if err := w.closeCurrentLocked(); err != nil {
		return err
	}
	return w.openFileLocked()
}

func (w *Writer[R]) closeCurrentLocked() error {
	if w.currentWriter == nil {
		return nil
	}
	if err := w.currentWriter.Close(); err != nil {
		return fmt.Errorf("parquetio: closing writer: %w", err)
	}
	n, err := w.currentFile.Size()
	if err == nil {
		w.totalBytes += n
	}
	if err := w.currentFile.Close(); err != nil {
		return fmt.Errorf("parquetio: closing file: %w", err)
	}
	w.currentWriter = nil
	w.currentFile = nil
	return nil
}

// Close finalizes the current file (if any). It is called during
// supervisor drain so the last partial Parquet file is still a valid,
// readable file.
func (w *Writer[R]) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeCurrentLocked()
}
