// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package ringbuf consumes the per-CPU perf-event-array ring buffers the
// kernel side of the collector writes into: one bounded SPSC ring per
// online CPU, mmap'd into userspace by the kernel, head/tail advanced
// with acquire/release ordering. cilium/ebpf/perf.Reader implements the
// mmap/ioctl/epoll machinery for this contract, including the bounce
// copy for records that wrap the ring boundary; this package wraps it
// to attach the per-CPU origin tag and the message-framing contract the
// rest of the pipeline needs (see pkg/protocol).
package ringbuf

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/perf"
	"github.com/go-logr/logr"
)

// CPURecord is one raw record read off a per-CPU ring, still in wire
// format; pkg/protocol.Decode turns it into a typed Message.
type CPURecord struct {
	CPU  int
	Data []byte
}

// Transport is a stream of per-CPU records plus loss accounting. It
// exists so pkg/merger can consume records without depending on
// cilium/ebpf directly.
type Transport interface {
	Records() <-chan CPURecord
	LostSamples(cpu int) uint64
	Close() error
}

// Reader wraps a BPF_MAP_TYPE_PERF_EVENT_ARRAY map, one ring per online
// CPU, and fans raw records out to a single channel tagged with their
// originating CPU.
type Reader struct {
	logger logr.Logger

	reader *perf.Reader

	records chan CPURecord
	lost    []atomic.Uint64 // indexed by CPU

	closeOnce sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// Options configures the watermark (producer wakeup threshold) and the
// channel depth between the ring reader and its consumer.
type Options struct {
	// PerCPUBufferSize is the size, in bytes, of each CPU's mmap'd ring.
	PerCPUBufferSize int
	// Watermark is the number of unread bytes that must accumulate
	// before the kernel notifies userspace, avoiding a wakeup per
	// message.
	Watermark int
	// ChannelDepth bounds the record channel between this
	// reader and its consumer.
	ChannelDepth int
}

func (o *Options) applyDefaults() {
	if o.PerCPUBufferSize <= 0 {
		o.PerCPUBufferSize = 256 * 1024
	}
	if o.Watermark <= 0 {
		o.Watermark = 4096
	}
	if o.ChannelDepth <= 0 {
		o.ChannelDepth = 4096
	}
}

// Open creates per-CPU rings over the given perf-event-array map and
// starts reading. numCPU is the number of online CPUs, used to
// pre-size the loss counters; cilium/ebpf's perf.Reader multiplexes all
// per-CPU rings behind a single Read() call and tags each record with
// its CPU, matching the one-ring-per-CPU contract directly.
func Open(logger logr.Logger, eventsMap *ebpf.Map, numCPU int, opts Options) (*Reader, error) {
	opts.applyDefaults()

	rd, err := perf.NewReaderWithOptions(eventsMap, opts.PerCPUBufferSize, perf.ReaderOptions{
		Watermark: opts.Watermark,
	})
	if err != nil {
		return nil, fmt.Errorf("ringbuf: opening perf reader: %w", err)
	}

	r := &Reader{
		logger:  logger.WithName("ringbuf"),
		reader:  rd,
		records: make(chan CPURecord, opts.ChannelDepth),
		lost:    make([]atomic.Uint64, numCPU),
		stopCh:  make(chan struct{}),
	}

	r.wg.Add(1)
	go r.readLoop()

	return r, nil
}

func (r *Reader) readLoop() {
	defer r.wg.Done()
	defer close(r.records)

	for {
		record, err := r.reader.Read()
		if err != nil {
			if errors.Is(err, perf.ErrClosed) {
				return
			}
			r.logger.Error(err, "ring read failed")
			continue
		}

		if record.LostSamples > 0 {
			if record.CPU >= 0 && record.CPU < len(r.lost) {
				r.lost[record.CPU].Add(record.LostSamples)
			}
			continue
		}

		cpu := record.CPU
		select {
		case r.records <- CPURecord{CPU: cpu, Data: record.RawSample}:
		case <-r.stopCh:
			return
		}
	}
}

// Records returns the channel of decoded-ready, per-CPU-tagged raw
// records. The channel closes when Close is called; any other read
// error is logged and reading continues.
func (r *Reader) Records() <-chan CPURecord { return r.records }

// LostSamples returns the monotonic loss counter for cpu, incremented
// whenever the kernel producer found insufficient ring space. A full
// ring is handled by dropping and counting, never by a partial write.
func (r *Reader) LostSamples(cpu int) uint64 {
	if cpu < 0 || cpu >= len(r.lost) {
		return 0
	}
	return r.lost[cpu].Load()
}

// Close stops the read loop and releases the mmap'd rings.
func (r *Reader) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.stopCh)
		err = r.reader.Close()
		r.wg.Wait()
	})
	return err
}

var _ Transport = (*Reader)(nil)

// WaitClosed blocks until ctx is done or the reader's loop has exited,
// whichever comes first.
func WaitClosed(ctx context.Context, r *Reader) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
