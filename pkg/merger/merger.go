// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package merger performs a k-way merge of per-CPU message streams
// into a single timestamp-ordered sequence, gated by per-CPU liveness
// fences (TimerFinishedProcessing), with forced advance on stall and
// whole-timeslot-drop backpressure toward the downstream stage.
package merger

import (
	"time"

	"github.com/go-logr/logr"

	"github.com/antimetal/memtrace/pkg/protocol"
	"github.com/antimetal/memtrace/pkg/tasktable"
)

// MergedEvent is one message placed into global timestamp order, tagged
// with its originating CPU. Ties in timestamp break by CPU id, so the
// merged order is deterministic given identical per-CPU inputs.
type MergedEvent struct {
	CPU     int
	Message protocol.Message
}

// Config tunes the merge discipline.
type Config struct {
	// SlotLengthNs is the timeslot width used purely for the
	// drop-granularity of backpressure: an overflow drops a whole
	// timeslot's worth of buffered output, never partial rows.
	SlotLengthNs uint64
	// MaxPendingSlots bounds how many distinct timeslots of output may
	// be buffered awaiting a free downstream slot before the oldest is
	// dropped.
	MaxPendingSlots int
	// StallDeadline is how long the merger waits for a fence to
	// arrive on a starved CPU stream before forcing advance.
	StallDeadline time.Duration
	// OutputCapacity sizes the bounded channel handed to the next stage.
	OutputCapacity int
}

func (c *Config) applyDefaults() {
	if c.SlotLengthNs == 0 {
		c.SlotLengthNs = uint64(time.Millisecond)
	}
	if c.MaxPendingSlots == 0 {
		c.MaxPendingSlots = 64
	}
	if c.StallDeadline == 0 {
		c.StallDeadline = 250 * time.Millisecond
	}
	if c.OutputCapacity == 0 {
		c.OutputCapacity = 4096
	}
}

type cpuQueue struct {
	cpu     int
	pending []protocol.Message
	fenceNs uint64 // highest timestamp below which no more messages will arrive
	closed  bool
}

type pendingSlot struct {
	key    uint64
	events []MergedEvent
}

// Merger owns the task table and is not safe for concurrent use from
// more than one goroutine; Push and Tick must be called from the same
// goroutine.
type Merger struct {
	logger logr.Logger
	cfg    Config
	tasks  *tasktable.Table

	queues map[int]*cpuQueue

	out chan MergedEvent

	pendingSlots []pendingSlot

	lastProgress time.Time
	dropCount    uint64
	unknownCount uint64
	stallCount   uint64
	lastStallLog time.Time
}

// New creates a merger for the given set of CPU ids.
func New(logger logr.Logger, tasks *tasktable.Table, cpus []int, cfg Config) *Merger {
	cfg.applyDefaults()
	m := &Merger{
		logger:       logger.WithName("merger"),
		cfg:          cfg,
		tasks:        tasks,
		queues:       make(map[int]*cpuQueue, len(cpus)),
		out:          make(chan MergedEvent, cfg.OutputCapacity),
		lastProgress: time.Now(),
	}
	for _, cpu := range cpus {
		m.queues[cpu] = &cpuQueue{cpu: cpu}
	}
	return m
}

// Output is the bounded channel of merged, timestamp-ordered events.
func (m *Merger) Output() <-chan MergedEvent { return m.out }

// DropCount is the number of timeslots dropped under backpressure.
func (m *Merger) DropCount() uint64 { return m.dropCount }

// UnknownCount is the number of unrecognized message types skipped.
func (m *Merger) UnknownCount() uint64 { return m.unknownCount }

// Push appends a decoded message from cpu's stream and attempts to
// advance the merge as far as the current liveness state allows. It
// must be called with messages in the order they appeared on that CPU's
// ring, which is non-decreasing in timestamp per stream.
func (m *Merger) Push(cpu int, msg protocol.Message) {
	q, ok := m.queues[cpu]
	if !ok {
		q = &cpuQueue{cpu: cpu}
		m.queues[cpu] = q
	}

	if _, isUnknown := msg.(*protocol.UnknownMessage); isUnknown {
		m.unknownCount++
		return
	}

	if fence, ok := msg.(*protocol.TimerFinishedProcessing); ok {
		ts := protocol.Timestamp(fence)
		if ts > q.fenceNs {
			q.fenceNs = ts
		}
		m.advance()
		return
	}

	q.pending = append(q.pending, msg)
	m.updateTaskTable(msg)
	m.advance()
}

// CloseStream marks cpu's stream as permanently exhausted (its ring
// reader exited); its absence of further messages no longer blocks
// advancement.
func (m *Merger) CloseStream(cpu int) {
	if q, ok := m.queues[cpu]; ok {
		q.closed = true
		m.advance()
	}
}

// Tick drives stall detection; callers invoke it periodically (e.g. on
// a 1 Hz ticker) even when no new messages have arrived, so a
// permanently idle CPU cannot wedge the merge.
func (m *Merger) Tick(now time.Time) {
	if now.Sub(m.lastProgress) < m.cfg.StallDeadline {
		return
	}
	if m.forceAdvanceOne() {
		m.stallCount++
		if now.Sub(m.lastStallLog) >= time.Second {
			m.logger.Info("merger stalled, forcing advance", "stalls", m.stallCount)
			m.lastStallLog = now
		}
		m.advance()
	}
}

// advance pops every message currently eligible for emission in
// timestamp order: the global minimum head is eligible only when every
// CPU either has a queued head or has certified (via fence or closure)
// that nothing earlier will arrive.
func (m *Merger) advance() {
	for {
		cpu, ok := m.readyMinCPU()
		if !ok {
			return
		}
		m.emitHead(cpu)
		m.lastProgress = time.Now()
	}
}

// readyMinCPU finds the CPU whose queue head has the smallest timestamp
// among all non-empty queues, and returns it only if every other queue
// is either non-empty or has a fence/closure proving no earlier message
// can still arrive.
func (m *Merger) readyMinCPU() (int, bool) {
	bestCPU := -1
	var bestTs uint64
	any := false

	for cpu, q := range m.queues {
		if len(q.pending) == 0 {
			continue
		}
		ts := protocol.Timestamp(q.pending[0])
		if !any || ts < bestTs || (ts == bestTs && cpu < bestCPU) {
			bestCPU, bestTs, any = cpu, ts, true
		}
	}
	if !any {
		return 0, false
	}

	for _, q := range m.queues {
		if len(q.pending) > 0 {
			continue
		}
		if q.closed {
			continue
		}
		if q.fenceNs < bestTs {
			return 0, false // some stream hasn't certified past bestTs yet
		}
	}
	return bestCPU, true
}

// forceAdvanceOne picks the global minimum head regardless of fence
// state, used only after the stall deadline has elapsed.
func (m *Merger) forceAdvanceOne() bool {
	bestCPU := -1
	var bestTs uint64
	any := false
	for cpu, q := range m.queues {
		if len(q.pending) == 0 {
			continue
		}
		ts := protocol.Timestamp(q.pending[0])
		if !any || ts < bestTs || (ts == bestTs && cpu < bestCPU) {
			bestCPU, bestTs, any = cpu, ts, true
		}
	}
	if !any {
		return false
	}
	m.emitHead(bestCPU)
	return true
}

func (m *Merger) emitHead(cpu int) {
	q := m.queues[cpu]
	msg := q.pending[0]
	q.pending = q.pending[1:]
	m.enqueueOut(MergedEvent{CPU: cpu, Message: msg})
}

func (m *Merger) updateTaskTable(msg protocol.Message) {
	switch v := msg.(type) {
	case *protocol.TaskMetadata:
		m.tasks.Announce(v.Pid, v.CommString(), v.CgroupID, protocol.Timestamp(v))
	case *protocol.TaskFree:
		m.tasks.Free(v.Pid, protocol.Timestamp(v))
	case *protocol.PerfMeasurement:
		m.tasks.Touch(v.Pid, protocol.Timestamp(v))
	}
}

// enqueueOut buffers ev by timeslot and drains toward the output
// channel, dropping the oldest whole timeslot (never partial rows) when
// the channel stays full and too many timeslots have accumulated.
func (m *Merger) enqueueOut(ev MergedEvent) {
	key := protocol.Timestamp(ev.Message) / m.cfg.SlotLengthNs

	if len(m.pendingSlots) == 0 || m.pendingSlots[len(m.pendingSlots)-1].key != key {
		m.pendingSlots = append(m.pendingSlots, pendingSlot{key: key})
	}
	last := &m.pendingSlots[len(m.pendingSlots)-1]
	last.events = append(last.events, ev)

	m.drainPending()
}

func (m *Merger) drainPending() {
	for len(m.pendingSlots) > 0 {
		slot := &m.pendingSlots[0]
		for len(slot.events) > 0 {
			select {
			case m.out <- slot.events[0]:
				slot.events = slot.events[1:]
			default:
				m.handleBackpressure()
				return
			}
		}
		m.pendingSlots = m.pendingSlots[1:]
	}
}

func (m *Merger) handleBackpressure() {
	if len(m.pendingSlots) <= m.cfg.MaxPendingSlots {
		return
	}
	dropped := m.pendingSlots[0]
	m.pendingSlots = m.pendingSlots[1:]
	m.dropCount++
	now := time.Now()
	if now.Sub(m.lastStallLog) >= time.Second {
		m.logger.Info("dropped timeslot under backpressure",
			"slot_key", dropped.key, "events", len(dropped.events), "total_drops", m.dropCount)
		m.lastStallLog = now
	}
}
