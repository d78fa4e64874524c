// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package tasktable holds the userspace half of the task-metadata
// lifecycle: a single-writer, in-memory pid table owned by the merger
// goroutine (see pkg/merger), populated from TaskMetadata messages and
// retired on TaskFree, garbage-collected only once the merger horizon
// has passed a task's last reference.
package tasktable

// Entry is one row of the task table, keyed by Pid in Table.
type Entry struct {
	Pid         uint32
	Comm        string
	CgroupID    uint64
	FirstSeenNs uint64
	LastSeenNs  uint64
	Alive       bool
}

// Table is not safe for concurrent use; it is owned exclusively by the
// merger goroutine.
type Table struct {
	entries map[uint32]*Entry
}

// New returns an empty task table.
func New() *Table {
	return &Table{entries: make(map[uint32]*Entry)}
}

// Announce records a TaskMetadata sighting. The kernel side emits
// metadata at most once per (boot, group leader PID), so a second
// Announce for the same pid indicates a test artifact rather than a
// real duplicate; it is folded into the existing entry's CgroupID/Comm
// rather than rejected.
func (t *Table) Announce(pid uint32, comm string, cgroupID, timestampNs uint64) *Entry {
	e, ok := t.entries[pid]
	if !ok {
		e = &Entry{Pid: pid, FirstSeenNs: timestampNs}
		t.entries[pid] = e
	}
	e.Comm = comm
	e.CgroupID = cgroupID
	e.Alive = true
	if timestampNs > e.LastSeenNs {
		e.LastSeenNs = timestampNs
	}
	return e
}

// Touch updates LastSeenNs for a pid already in the table, used on every
// PerfMeasurement so the table knows how recently a pid was referenced
// for GC horizon purposes. It is a no-op if the pid was never announced:
// a well-formed merge order announces before measuring, but the table
// does not assume it; an unannounced pid is simply not tracked.
func (t *Table) Touch(pid uint32, timestampNs uint64) {
	if e, ok := t.entries[pid]; ok && timestampNs > e.LastSeenNs {
		e.LastSeenNs = timestampNs
	}
}

// Free marks pid dead on TaskFree. TaskFree is the final message for a
// pid, so no later sample may reference it; the entry is retained
// (Alive=false) until GC.
func (t *Table) Free(pid uint32, timestampNs uint64) {
	if e, ok := t.entries[pid]; ok {
		e.Alive = false
		if timestampNs > e.LastSeenNs {
			e.LastSeenNs = timestampNs
		}
	}
}

// Lookup returns the entry for pid, if known.
func (t *Table) Lookup(pid uint32) (*Entry, bool) {
	e, ok := t.entries[pid]
	return e, ok
}

// GC purges dead entries whose LastSeenNs is strictly below horizon,
// the largest timestamp below which the merger has certified no stream
// will produce an earlier message.
// Live entries are never purged regardless of horizon: a dead pid with
// LastSeenNs >= horizon might still be referenced by an in-flight
// message and is kept for the next GC pass.
func (t *Table) GC(horizon uint64) (purged int) {
	for pid, e := range t.entries {
		if !e.Alive && e.LastSeenNs < horizon {
			delete(t.entries, pid)
			purged++
		}
	}
	return purged
}

// Len reports the number of tracked entries, live or dead-pending-GC.
func (t *Table) Len() int { return len(t.entries) }
