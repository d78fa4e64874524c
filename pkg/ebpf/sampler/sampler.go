// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package sampler loads the hardware-counter delta sampler: the
// sched_switch tracepoint half of the measurement engine, plus one raw
// hardware perf-event fd per counter per CPU installed into the
// BPF-side PERF_EVENT_ARRAY maps the compiled programs read from. It
// also surfaces the per-CPU "kernel-thread samples skipped" counter.
package sampler

import (
	"fmt"
	"runtime"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/rlimit"
	"github.com/go-logr/logr"
	"golang.org/x/sys/unix"

	"github.com/antimetal/memtrace/pkg/ebpf/core"
)

// Counter identifies one of the four sampled hardware counters.
type Counter int

const (
	CounterCycles Counter = iota
	CounterInstructions
	CounterLLCMisses
	CounterCacheRefs
)

func (c Counter) String() string {
	switch c {
	case CounterCycles:
		return "cycles"
	case CounterInstructions:
		return "instructions"
	case CounterLLCMisses:
		return "llc_misses"
	case CounterCacheRefs:
		return "cache_refs"
	default:
		return "unknown"
	}
}

// perfEventConfig maps a Counter to the generic hardware perf_event_attr
// type/config pair (PERF_TYPE_HARDWARE), portable across x86/arm64.
func (c Counter) perfEventConfig() (typ, config uint64) {
	switch c {
	case CounterCycles:
		return unix.PERF_TYPE_HARDWARE, unix.PERF_COUNT_HW_CPU_CYCLES
	case CounterInstructions:
		return unix.PERF_TYPE_HARDWARE, unix.PERF_COUNT_HW_INSTRUCTIONS
	case CounterLLCMisses:
		return unix.PERF_TYPE_HARDWARE, unix.PERF_COUNT_HW_CACHE_MISSES
	case CounterCacheRefs:
		return unix.PERF_TYPE_HARDWARE, unix.PERF_COUNT_HW_CACHE_REFERENCES
	default:
		return unix.PERF_TYPE_HARDWARE, unix.PERF_COUNT_HW_CPU_CYCLES
	}
}

// mapName is the BPF_MAP_TYPE_PERF_EVENT_ARRAY each counter's per-CPU
// fds are installed into, read back via bpf_perf_event_read_value on
// the kernel side.
func (c Counter) mapName() string {
	return c.String() + "_fds"
}

// Config tunes which compiled object backs the sampler.
type Config struct {
	ObjectPath string
}

// Sampler owns the loaded sched_switch tracepoint program, the raw
// hardware perf-event fds it installed into the BPF program's
// PERF_EVENT_ARRAY maps, and the events map pkg/ringbuf reads from.
type Sampler struct {
	logger logr.Logger

	manager *core.Manager
	coll    *ebpf.Collection
	link    link.Link

	perfFDs []int // every fd opened, closed on Close
}

// Load loads bpf/src/sampler.bpf.c, opens one raw hardware counter per
// online CPU for each of the four counters, installs the fds into the
// program's PERF_EVENT_ARRAY maps, and attaches the sched_switch
// tracepoint.
func Load(logger logr.Logger, cfg Config) (*Sampler, error) {
	if runtime.GOOS != "linux" {
		return nil, fmt.Errorf("sampler: eBPF is only supported on Linux")
	}

	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("sampler: removing memlock: %w", err)
	}

	manager, err := core.NewManager(logger)
	if err != nil {
		return nil, fmt.Errorf("sampler: creating CO-RE manager: %w", err)
	}

	coll, err := manager.LoadCollection(cfg.ObjectPath)
	if err != nil {
		return nil, fmt.Errorf("sampler: loading collection: %w", err)
	}

	s := &Sampler{logger: logger.WithName("sampler"), manager: manager, coll: coll}

	counters := []Counter{CounterCycles, CounterInstructions, CounterLLCMisses, CounterCacheRefs}
	for _, c := range counters {
		if err := s.installCounter(c); err != nil {
			s.Close()
			return nil, err
		}
	}

	prog, ok := coll.Programs["on_switch"]
	if !ok {
		s.Close()
		return nil, fmt.Errorf("sampler: program %q not found in object", "on_switch")
	}
	l, err := link.AttachTracing(link.TracingOptions{Program: prog})
	if err != nil {
		// If tp_btf attachment fails, the same program is retried
		// through the classic tracepoint attach API; sampler.bpf.c
		// defines only the tp_btf section.
		l, err = link.Tracepoint("sched", "sched_switch", prog, nil)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("sampler: attaching sched_switch: %w", err)
		}
	}
	s.link = l

	s.logger.Info("sampler attached", "cpus", runtime.NumCPU())
	return s, nil
}

// installCounter opens counter on every online CPU and writes the
// resulting fds into the BPF program's per-counter PERF_EVENT_ARRAY.
func (s *Sampler) installCounter(c Counter) error {
	m, ok := s.coll.Maps[c.mapName()]
	if !ok {
		return fmt.Errorf("sampler: map %q not found in object", c.mapName())
	}

	typ, config := c.perfEventConfig()
	numCPU := runtime.NumCPU()
	for cpu := 0; cpu < numCPU; cpu++ {
		attr := unix.PerfEventAttr{
			Type:   uint32(typ),
			Config: config,
			Bits:   unix.PerfBitDisabled | unix.PerfBitExcludeHv,
		}
		fd, err := unix.PerfEventOpen(&attr, -1, cpu, -1, unix.PERF_FLAG_FD_CLOEXEC)
		if err != nil {
			return fmt.Errorf("sampler: opening %s on cpu %d: %w", c, cpu, err)
		}
		s.perfFDs = append(s.perfFDs, fd)

		key := uint32(cpu)
		val := uint32(fd)
		if err := m.Update(&key, &val, ebpf.UpdateAny); err != nil {
			return fmt.Errorf("sampler: installing %s fd for cpu %d: %w", c, cpu, err)
		}
		if err := unix.IoctlSetInt(fd, unix.PERF_EVENT_IOC_ENABLE, 0); err != nil {
			return fmt.Errorf("sampler: enabling %s on cpu %d: %w", c, cpu, err)
		}
	}
	return nil
}

// KernelThreadSamplesSkipped reads the per-CPU kernel-thread-skip
// counter for cpu. Samples landing on a kernel thread emit nothing, so
// this counter is the only record they happened.
func (s *Sampler) KernelThreadSamplesSkipped(cpu int) (uint64, error) {
	m, ok := s.coll.Maps["kthread_skipped"]
	if !ok {
		return 0, fmt.Errorf("sampler: map %q not found in object", "kthread_skipped")
	}
	// kthread_skipped is a one-entry PERCPU_ARRAY: key 0 holds one
	// value per CPU.
	var perCPUVals []uint64
	key := uint32(0)
	if err := m.Lookup(&key, &perCPUVals); err != nil {
		return 0, fmt.Errorf("sampler: reading kthread_skipped: %w", err)
	}
	if cpu < 0 || cpu >= len(perCPUVals) {
		return 0, fmt.Errorf("sampler: cpu %d out of range for kthread_skipped", cpu)
	}
	return perCPUVals[cpu], nil
}

// EventsMap returns the shared PERF_EVENT_ARRAY that both the timer's
// callback-driven samples and this tracepoint's context-switch samples
// are written into, for pkg/ringbuf to consume.
func (s *Sampler) EventsMap() (*ebpf.Map, bool) {
	m, ok := s.coll.Maps["events"]
	return m, ok
}

// Close detaches the tracepoint, closes every perf-event fd this
// Sampler opened, and releases the loaded collection.
func (s *Sampler) Close() error {
	if s.link != nil {
		s.link.Close()
		s.link = nil
	}
	for _, fd := range s.perfFDs {
		unix.Close(fd)
	}
	s.perfFDs = nil
	if s.coll != nil {
		s.coll.Close()
		s.coll = nil
	}
	return nil
}
