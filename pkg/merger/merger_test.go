package merger

import (
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antimetal/memtrace/pkg/protocol"
	"github.com/antimetal/memtrace/pkg/tasktable"
)

func perfMsg(ts uint64, pid uint32) *protocol.PerfMeasurement {
	return &protocol.PerfMeasurement{
		Header: protocol.Header{Type: protocol.MessageTypePerfMeasurement, TimestampNs: ts},
		Pid:    pid,
	}
}

func fence(ts uint64) *protocol.TimerFinishedProcessing {
	return &protocol.TimerFinishedProcessing{Header: protocol.Header{Type: protocol.MessageTypeTimerFinishedProcessing, TimestampNs: ts}}
}

func TestMergerOrdersAcrossCPUsByTimestamp(t *testing.T) {
	tbl := tasktable.New()
	m := New(logr.Discard(), tbl, []int{0, 1}, Config{})

	m.Push(0, perfMsg(100, 1))
	// CPU 1 has neither a queued message nor a fence yet, so nothing
	// should emit.
	select {
	case ev := <-m.Output():
		t.Fatalf("unexpected early emission: %+v", ev)
	default:
	}
	m.Push(1, perfMsg(50, 2))

	m.Push(0, fence(200))
	m.Push(1, fence(200))

	var got []uint64
	for i := 0; i < 2; i++ {
		select {
		case ev := <-m.Output():
			got = append(got, protocol.Timestamp(ev.Message))
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for merged event")
		}
	}
	assert.Equal(t, []uint64{50, 100}, got)
}

func TestMergerTiesBreakByCPU(t *testing.T) {
	tbl := tasktable.New()
	m := New(logr.Discard(), tbl, []int{0, 1}, Config{})

	m.Push(1, perfMsg(100, 2))
	m.Push(0, perfMsg(100, 1))
	m.Push(0, fence(100))
	m.Push(1, fence(100))

	ev1 := <-m.Output()
	ev2 := <-m.Output()
	assert.Equal(t, 0, ev1.CPU)
	assert.Equal(t, 1, ev2.CPU)
}

func TestMergerUpdatesTaskTable(t *testing.T) {
	tbl := tasktable.New()
	m := New(logr.Discard(), tbl, []int{0}, Config{})

	var comm [16]byte
	copy(comm[:], "app")
	meta := &protocol.TaskMetadata{
		Header:   protocol.Header{Type: protocol.MessageTypeTaskMetadata, TimestampNs: 10},
		Pid:      5,
		Comm:     comm,
		CgroupID: 1,
	}
	m.Push(0, meta)
	m.Push(0, fence(10))
	<-m.Output()

	entry, ok := tbl.Lookup(5)
	require.True(t, ok)
	assert.Equal(t, "app", entry.Comm)
	assert.True(t, entry.Alive)
}

func TestMergerUnknownMessagesAreCountedNotEmitted(t *testing.T) {
	tbl := tasktable.New()
	m := New(logr.Discard(), tbl, []int{0}, Config{})

	m.Push(0, &protocol.UnknownMessage{Header: protocol.Header{TimestampNs: 1}})
	m.Push(0, fence(10))

	select {
	case ev := <-m.Output():
		t.Fatalf("unknown message should not be emitted: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, uint64(1), m.UnknownCount())
}

func TestMergerTickForcesStallAdvance(t *testing.T) {
	tbl := tasktable.New()
	m := New(logr.Discard(), tbl, []int{0, 1}, Config{StallDeadline: time.Millisecond})

	// CPU 1 never produces anything (e.g. an idle, pinned-out CPU).
	m.Push(0, perfMsg(100, 1))

	time.Sleep(5 * time.Millisecond)
	m.Tick(time.Now())

	select {
	case ev := <-m.Output():
		assert.Equal(t, uint64(100), protocol.Timestamp(ev.Message))
	case <-time.After(time.Second):
		t.Fatal("stalled merger never advanced")
	}
}

func TestMergerDropsOldestTimeslotUnderBackpressure(t *testing.T) {
	tbl := tasktable.New()
	m := New(logr.Discard(), tbl, []int{0}, Config{
		SlotLengthNs:    uint64(time.Millisecond),
		MaxPendingSlots: 2,
		OutputCapacity:  1,
	})

	// Fill the output channel (capacity 1) and then push well past the
	// pending-slot budget without draining, forcing a drop.
	for i := 0; i < 10; i++ {
		ts := uint64(i) * uint64(time.Millisecond)
		m.Push(0, perfMsg(ts, 1))
		m.Push(0, fence(ts+uint64(time.Millisecond)-1))
	}

	assert.Greater(t, m.DropCount(), uint64(0))
}
