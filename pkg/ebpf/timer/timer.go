// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package timer arms the per-CPU synchronized millisecond timer.
// Kernel capability varies across distributions that are still in
// production, so the arming mode is probed once at startup and handed
// to the BPF program through a constant in the timer_mode map.
package timer

import (
	"context"
	"fmt"
	"runtime"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/rlimit"
	"github.com/go-logr/logr"
	"golang.org/x/sys/unix"

	"github.com/antimetal/memtrace/pkg/ebpf/core"
)

// Mode is the per-CPU timer arming strategy the running kernel
// supports.
type Mode int

const (
	// Unsupported means the kernel predates a usable bpf_timer; the
	// collector must refuse to start.
	Unsupported Mode = iota
	// Legacy arms a relative-time bpf_timer only (kernel 5.15-6.3).
	// Migration detection is mandatory: a relative timer may fire on
	// whichever CPU the kernel schedules its callback on.
	Legacy
	// Intermediate arms an absolute-time bpf_timer (kernel 6.4-6.6) but
	// cannot pin the callback to a CPU, so migration detection still
	// applies.
	Intermediate
	// Modern arms an absolute-time, CPU-pinned bpf_timer (kernel >=
	// 6.7). Migration should never occur but is still checked.
	Modern
)

func (m Mode) String() string {
	switch m {
	case Modern:
		return "modern"
	case Intermediate:
		return "intermediate"
	case Legacy:
		return "legacy"
	default:
		return "unsupported"
	}
}

// Pinned reports whether the mode pins the timer callback to its
// arming CPU, making TimerMigrationDetected an anomaly rather than an
// expected occurrence.
func (m Mode) Pinned() bool { return m == Modern }

// MinimumSupportedKernel is the version string reported when the
// running kernel is Unsupported.
const MinimumSupportedKernel = "5.15"

// ProbeTimerMode selects the timer arming strategy for the given
// kernel version string (as returned by core.Version.Raw): Modern on
// 6.7+, Intermediate on 6.4-6.6, Legacy on 5.15-6.3, else Unsupported.
func ProbeTimerMode(kernelVersion string) (Mode, error) {
	v, err := core.ParseVersionString(kernelVersion)
	if err != nil {
		return Unsupported, err
	}

	switch {
	case v.AtLeast(6, 7):
		return Modern, nil
	case v.AtLeast(6, 4):
		return Intermediate, nil
	case v.AtLeast(5, 15):
		return Legacy, nil
	default:
		return Unsupported, fmt.Errorf("kernel %s is below the minimum supported version %s", kernelVersion, MinimumSupportedKernel)
	}
}

// Config tunes which compiled object backs the timer program.
type Config struct {
	ObjectPath string
}

// Timer owns the loaded BPF collection arming one bpf_timer per online
// CPU and the link(s) required to keep it running.
type Timer struct {
	logger logr.Logger
	mode   Mode

	manager *core.Manager
	coll    *ebpf.Collection
	links   []link.Link
}

// Load loads and attaches the timer program compiled for mode. The
// caller is expected to have already called ProbeTimerMode and bailed
// out with exit code 2 on Unsupported.
func Load(ctx context.Context, logger logr.Logger, mode Mode, cfg Config) (*Timer, error) {
	if mode == Unsupported {
		return nil, fmt.Errorf("timer: refusing to load on an unsupported kernel (need >= %s)", MinimumSupportedKernel)
	}
	if runtime.GOOS != "linux" {
		return nil, fmt.Errorf("timer: eBPF is only supported on Linux")
	}

	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("timer: removing memlock: %w", err)
	}

	manager, err := core.NewManager(logger)
	if err != nil {
		return nil, fmt.Errorf("timer: creating CO-RE manager: %w", err)
	}

	coll, err := manager.LoadCollection(cfg.ObjectPath)
	if err != nil {
		return nil, fmt.Errorf("timer: loading collection: %w", err)
	}

	t := &Timer{logger: logger.WithName("timer"), mode: mode, manager: manager, coll: coll}

	modeMap, ok := coll.Maps["timer_mode"]
	if ok {
		key := uint32(0)
		val := uint32(mode)
		if err := modeMap.Update(&key, &val, ebpf.UpdateAny); err != nil {
			t.Close()
			return nil, fmt.Errorf("timer: writing timer_mode: %w", err)
		}
	}

	prog, ok := coll.Programs["timer_arm"]
	if !ok {
		t.Close()
		return nil, fmt.Errorf("timer: program %q not found in object", "timer_arm")
	}

	// timer_arm is a BPF_PROG_TYPE_SYSCALL program: it is not attached
	// to a hook, it is invoked once per online CPU to call
	// bpf_timer_init/bpf_timer_set_callback/bpf_timer_start against
	// that CPU's slot of the timer array, and then returns immediately.
	// The timer's own callback re-arms itself thereafter, so no
	// persistent link is held for arming. The prog-run call executes on
	// whatever CPU the calling thread is scheduled on, so the calling
	// goroutine is locked to its OS thread and pinned via
	// sched_setaffinity for the duration of each per-CPU invocation.
	numCPU := runtime.NumCPU()
	if err := armPerCPU(prog, numCPU); err != nil {
		t.Close()
		return nil, err
	}

	t.logger.Info("timer armed", "mode", mode, "cpus", numCPU)
	return t, nil
}

func armPerCPU(prog *ebpf.Program, numCPU int) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	var origSet unix.CPUSet
	if err := unix.SchedGetaffinity(0, &origSet); err != nil {
		return fmt.Errorf("timer: reading original CPU affinity: %w", err)
	}
	defer unix.SchedSetaffinity(0, &origSet)

	for cpu := 0; cpu < numCPU; cpu++ {
		var set unix.CPUSet
		set.Zero()
		set.Set(cpu)
		if err := unix.SchedSetaffinity(0, &set); err != nil {
			return fmt.Errorf("timer: pinning to CPU %d: %w", cpu, err)
		}
		if _, err := prog.Run(&ebpf.RunOptions{}); err != nil {
			return fmt.Errorf("timer: arming CPU %d: %w", cpu, err)
		}
	}
	return nil
}

// Mode returns the arming strategy this Timer was loaded with.
func (t *Timer) Mode() Mode { return t.mode }

// EventsMap returns the per-CPU perf-event array the timer callback
// writes PerfMeasurement/TimerFinishedProcessing/TimerMigrationDetected
// messages into, for pkg/ringbuf to open.
func (t *Timer) EventsMap() (*ebpf.Map, bool) {
	m, ok := t.coll.Maps["events"]
	return m, ok
}

// Close tears down the timer's links and releases the loaded
// collection. timer.bpf.c has no cancel path of its own; the armed
// timers stop when the kernel frees the cpu_timers map that holds them.
func (t *Timer) Close() error {
	for _, l := range t.links {
		l.Close()
	}
	t.links = nil
	if t.coll != nil {
		t.coll.Close()
		t.coll = nil
	}
	return nil
}
