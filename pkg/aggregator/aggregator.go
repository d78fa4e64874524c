// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package aggregator bucketizes merged PerfMeasurement deltas into
// fixed-length timeslots, splitting counters proportionally across any
// slot boundary a sample spans, and retiring slots downstream in order
// as the window advances. Trace mode bypasses this package entirely
// (see cmd/memtrace), feeding merged events straight to pkg/parquetio.
package aggregator

import (
	"github.com/antimetal/memtrace/pkg/aggregator/slotring"
	"github.com/antimetal/memtrace/pkg/protocol"
)

// Aggregate accumulates counter deltas attributed to one pid within one
// timeslot.
type Aggregate struct {
	Cycles       uint64
	Instructions uint64
	LLCMisses    uint64
	CacheRefs    uint64
	DurationNs   uint64
}

// Timeslot is the window [StartNs, StartNs+L) with per-pid aggregates.
type Timeslot struct {
	StartNs    uint64
	Aggregates map[uint32]*Aggregate
}

func newTimeslot(startNs uint64) *Timeslot {
	return &Timeslot{StartNs: startNs, Aggregates: make(map[uint32]*Aggregate)}
}

func (s *Timeslot) aggregateFor(pid uint32) *Aggregate {
	a, ok := s.Aggregates[pid]
	if !ok {
		a = &Aggregate{}
		s.Aggregates[pid] = a
	}
	return a
}

// Window holds the most recent consecutive timeslots, retiring the
// oldest as new ones open.
type Window struct {
	slotLengthNs uint64
	ring         *slotring.Ring[*Timeslot]
}

// NewWindow creates a window of w timeslots, each slotLengthNs wide.
func NewWindow(w int, slotLengthNs uint64) *Window {
	if slotLengthNs == 0 {
		slotLengthNs = 1_000_000 // 1ms
	}
	if w <= 0 {
		w = 3
	}
	return &Window{slotLengthNs: slotLengthNs, ring: slotring.New[*Timeslot](w)}
}

func (w *Window) slotIndex(ts uint64) uint64 { return ts / w.slotLengthNs }
func (w *Window) slotStart(idx uint64) uint64 { return idx * w.slotLengthNs }

// Accumulate attributes one PerfMeasurement's deltas to the timeslot(s)
// it overlaps, advancing the window so the slot containing its
// timestamp is the newest, and returns any slots retired by that
// advance, oldest first, ready for downstream emission.
//
// ev.TimestampNs is the sample-production time (the end of the
// interval); the interval covered is [ts-Δ, ts]. A zero TimeDeltaNs
// is accumulated as a single zero-width point in its own slot rather
// than divided by zero.
func (w *Window) Accumulate(ev *protocol.PerfMeasurement) []*Timeslot {
	ts := protocol.Timestamp(ev)
	delta := ev.TimeDeltaNs

	start := uint64(0)
	if ts > delta {
		start = ts - delta
	}

	var retired []*Timeslot
	if w.ring.Len() == 0 && delta > 0 {
		// Open an empty window at the slot holding the interval's start,
		// so a first sample spanning a boundary is split like any other.
		retired = w.ensureContains(w.slotIndex(start))
	}
	retired = append(retired, w.ensureContains(w.slotIndex(ts))...)

	if delta == 0 {
		slot := w.slotAt(w.slotIndex(ts))
		if slot != nil {
			w.addWhole(slot, ev)
		}
		return retired
	}

	type overlapSlot struct {
		slot    *Timeslot
		overlap uint64
	}
	var spans []overlapSlot
	for _, slot := range w.ring.GetAll() {
		slotStart := slot.StartNs
		slotEnd := slotStart + w.slotLengthNs
		overlapStart := maxU64(start, slotStart)
		overlapEnd := minU64(ts, slotEnd)
		if overlapEnd <= overlapStart {
			continue
		}
		spans = append(spans, overlapSlot{slot: slot, overlap: overlapEnd - overlapStart})
	}
	if len(spans) == 0 {
		// The interval falls entirely before the window (can happen
		// only if Δ vastly exceeds W*L); attribute it wholly to the
		// oldest retained slot rather than discard it silently.
		if all := w.ring.GetAll(); len(all) > 0 {
			w.addWhole(all[0], ev)
		}
		return retired
	}

	counters := [5]uint64{ev.CyclesDelta, ev.InstructionsDelta, ev.LLCMissesDelta, ev.CacheRefsDelta, delta}
	var assigned [5]uint64
	for i, sp := range spans {
		isLast := i == len(spans)-1
		a := sp.slot.aggregateFor(ev.Pid)
		for c := range counters {
			var share uint64
			if isLast {
				share = counters[c] - assigned[c] // residual rounding goes to the last slot
			} else {
				share = counters[c] * sp.overlap / delta
				assigned[c] += share
			}
			addShare(a, c, share)
		}
	}

	return retired
}

func addShare(a *Aggregate, counterIndex int, share uint64) {
	switch counterIndex {
	case 0:
		a.Cycles += share
	case 1:
		a.Instructions += share
	case 2:
		a.LLCMisses += share
	case 3:
		a.CacheRefs += share
	case 4:
		a.DurationNs += share
	}
}

func (w *Window) addWhole(slot *Timeslot, ev *protocol.PerfMeasurement) {
	a := slot.aggregateFor(ev.Pid)
	a.Cycles += ev.CyclesDelta
	a.Instructions += ev.InstructionsDelta
	a.LLCMisses += ev.LLCMissesDelta
	a.CacheRefs += ev.CacheRefsDelta
	a.DurationNs += ev.TimeDeltaNs
}

func (w *Window) slotAt(idx uint64) *Timeslot {
	for _, s := range w.ring.GetAll() {
		if w.slotIndex(s.StartNs) == idx {
			return s
		}
	}
	return nil
}

// ensureContains slides the window forward so slotIdx is the newest
// slot, retiring any slots that fall off the back.
func (w *Window) ensureContains(slotIdx uint64) []*Timeslot {
	var retired []*Timeslot

	if w.ring.Len() == 0 {
		w.ring.Push(newTimeslot(w.slotStart(slotIdx)))
		return retired
	}

	newest := w.ring.Newest()
	currentIdx := w.slotIndex((*newest).StartNs)
	for currentIdx < slotIdx {
		currentIdx++
		if w.ring.Len() == w.ring.Cap() {
			retired = append(retired, w.ring.PopOldest())
		}
		w.ring.Push(newTimeslot(w.slotStart(currentIdx)))
	}
	return retired
}

// Flush retires every slot still held by the window, oldest first, for
// use during supervisor drain.
func (w *Window) Flush() []*Timeslot {
	var out []*Timeslot
	for w.ring.Len() > 0 {
		out = append(out, w.ring.PopOldest())
	}
	return out
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
