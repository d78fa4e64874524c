// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package taskmeta loads and attaches the kernel half of the
// task-metadata lifecycle (bpf/src/task.bpf.c): the per-task-local-
// storage announce-once gate that emits TaskMetadata and the
// exiting-group-leader LRU that emits TaskFree. The userspace side
// that consumes those messages is pkg/tasktable; this package only
// owns the collection's lifecycle, mirroring pkg/ebpf/timer and
// pkg/ebpf/sampler's load/attach/close shape.
package taskmeta

import (
	"fmt"
	"runtime"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/rlimit"
	"github.com/go-logr/logr"

	"github.com/antimetal/memtrace/pkg/ebpf/core"
)

// Config tunes which compiled object backs the task lifecycle programs.
type Config struct {
	ObjectPath string
}

// Collector owns the loaded task.bpf.c collection and its three attach
// points: the sched_switch announce gate and the two process-exit/free
// tracepoints that drive TaskFree.
type Collector struct {
	logger logr.Logger

	manager *core.Manager
	coll    *ebpf.Collection
	links   []link.Link
}

// Load loads bpf/src/task.bpf.c and attaches its three tracepoints.
func Load(logger logr.Logger, cfg Config) (*Collector, error) {
	if runtime.GOOS != "linux" {
		return nil, fmt.Errorf("taskmeta: eBPF is only supported on Linux")
	}

	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("taskmeta: removing memlock: %w", err)
	}

	manager, err := core.NewManager(logger)
	if err != nil {
		return nil, fmt.Errorf("taskmeta: creating CO-RE manager: %w", err)
	}

	coll, err := manager.LoadCollection(cfg.ObjectPath)
	if err != nil {
		return nil, fmt.Errorf("taskmeta: loading collection: %w", err)
	}

	c := &Collector{logger: logger.WithName("taskmeta"), manager: manager, coll: coll}

	attaches := []struct {
		prog  string
		group string
		name  string
	}{
		{"on_switch_announce", "sched", "sched_switch"},
		{"on_process_exit", "sched", "sched_process_exit"},
		{"on_process_free", "sched", "sched_process_free"},
	}

	for _, a := range attaches {
		prog, ok := coll.Programs[a.prog]
		if !ok {
			c.Close()
			return nil, fmt.Errorf("taskmeta: program %q not found in object", a.prog)
		}
		l, err := link.AttachTracing(link.TracingOptions{Program: prog})
		if err != nil {
			l, err = link.Tracepoint(a.group, a.name, prog, nil)
			if err != nil {
				c.Close()
				return nil, fmt.Errorf("taskmeta: attaching %s: %w", a.prog, err)
			}
		}
		c.links = append(c.links, l)
	}

	c.logger.Info("task lifecycle programs attached")
	return c, nil
}

// EventsMap returns the shared PERF_EVENT_ARRAY that TaskMetadata/TaskFree
// messages are written into, for pkg/ringbuf to consume.
func (c *Collector) EventsMap() (*ebpf.Map, bool) {
	m, ok := c.coll.Maps["events"]
	return m, ok
}

// Close detaches every tracepoint and releases the loaded collection.
func (c *Collector) Close() error {
	for _, l := range c.links {
		l.Close()
	}
	c.links = nil
	if c.coll != nil {
		c.coll.Close()
		c.coll = nil
	}
	return nil
}
