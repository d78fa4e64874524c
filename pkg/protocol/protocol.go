// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package protocol defines the wire format carried on the per-CPU ring
// buffers: a fixed, little-endian, 8-byte aligned header followed by a
// type-specific payload.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MessageType discriminates the payload following a Header.
type MessageType uint32

const (
	MessageTypeTaskMetadata MessageType = iota + 1
	MessageTypeTaskFree
	MessageTypePerfMeasurement
	MessageTypeTimerFinishedProcessing
	MessageTypeTimerMigrationDetected
)

func (t MessageType) String() string {
	switch t {
	case MessageTypeTaskMetadata:
		return "TaskMetadata"
	case MessageTypeTaskFree:
		return "TaskFree"
	case MessageTypePerfMeasurement:
		return "PerfMeasurement"
	case MessageTypeTimerFinishedProcessing:
		return "TimerFinishedProcessing"
	case MessageTypeTimerMigrationDetected:
		return "TimerMigrationDetected"
	default:
		return fmt.Sprintf("Unknown(%d)", uint32(t))
	}
}

// HeaderSize is the fixed size, in bytes, of every message header:
// size(u32) + type(u32) + timestamp_ns(u64), 8-byte aligned.
const HeaderSize = 16

// Header is the self-describing prefix of every message on the transport.
// Size is populated by the ring producer; TimestampNs is the monotonic
// clock reading at message production; Type discriminates the payload.
type Header struct {
	Size        uint32
	Type        MessageType
	TimestampNs uint64
}

// TaskMetadata is emitted at most once per (boot, group leader PID).
type TaskMetadata struct {
	Header
	Pid      uint32
	Comm     [16]byte
	CgroupID uint64
}

// CommString trims the NUL-padded comm field.
func (m *TaskMetadata) CommString() string {
	return commString(m.Comm[:])
}

// TaskFree is emitted once when the group leader is reaped; it must be
// the last message bearing that PID.
type TaskFree struct {
	Header
	Pid uint32
}

// PerfMeasurement is emitted once per sample point.
type PerfMeasurement struct {
	Header
	Pid               uint32
	CyclesDelta       uint64
	InstructionsDelta uint64
	LLCMissesDelta    uint64
	CacheRefsDelta    uint64
	TimeDeltaNs       uint64
	IsContextSwitch   uint32
	NextPid           uint32
}

// TimerFinishedProcessing marks that the producing CPU completed a
// timer-driven sample set; it is used as a synchronization fence by the
// merger (see pkg/merger).
type TimerFinishedProcessing struct {
	Header
}

// TimerMigrationDetected is a diagnostic: a timer fired on a different
// CPU than the one it was scheduled for.
type TimerMigrationDetected struct {
	Header
	ExpectedCPU uint32
	ActualCPU   uint32
}

// Message is the decoded union of every variant above.
type Message interface {
	header() Header
}

func (m *TaskMetadata) header() Header            { return m.Header }
func (m *TaskFree) header() Header                { return m.Header }
func (m *PerfMeasurement) header() Header         { return m.Header }
func (m *TimerFinishedProcessing) header() Header { return m.Header }
func (m *TimerMigrationDetected) header() Header  { return m.Header }

// Timestamp returns the message's monotonic production timestamp,
// regardless of variant.
func Timestamp(m Message) uint64 { return m.header().TimestampNs }

// UnknownMessage is returned by Decode for a type it does not recognize.
// Consumers must count and skip it rather than treat it as an error, so
// the protocol can evolve forward-compatibly.
type UnknownMessage struct {
	Header
	Payload []byte
}

func (m *UnknownMessage) header() Header { return m.Header }

// Decode reads one complete message from r: the fixed header, then the
// type-specific payload. Known types are read by their fixed field
// layout; an unknown type's payload is Header.Size minus the header
// bytes, read whole and returned as an UnknownMessage. It never returns a
// partial message: callers see either a fully decoded Message or an
// error from the underlying reader.
func Decode(r io.Reader) (Message, error) {
	var hdr Header
	if err := binary.Read(r, binary.LittleEndian, &hdr.Size); err != nil {
		return nil, err
	}
	var rawType uint32
	if err := binary.Read(r, binary.LittleEndian, &rawType); err != nil {
		return nil, err
	}
	hdr.Type = MessageType(rawType)
	if err := binary.Read(r, binary.LittleEndian, &hdr.TimestampNs); err != nil {
		return nil, err
	}

	switch hdr.Type {
	case MessageTypeTaskMetadata:
		m := &TaskMetadata{Header: hdr}
		if err := binary.Read(r, binary.LittleEndian, &m.Pid); err != nil {
			return nil, err
		}
		if _, err := io.ReadFull(r, m.Comm[:]); err != nil {
			return nil, err
		}
		// 4 bytes of explicit alignment padding before the u64.
		if err := skipPad(r); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.LittleEndian, &m.CgroupID); err != nil {
			return nil, err
		}
		return m, nil

	case MessageTypeTaskFree:
		m := &TaskFree{Header: hdr}
		if err := binary.Read(r, binary.LittleEndian, &m.Pid); err != nil {
			return nil, err
		}
		return m, nil

	case MessageTypePerfMeasurement:
		m := &PerfMeasurement{Header: hdr}
		if err := binary.Read(r, binary.LittleEndian, &m.Pid); err != nil {
			return nil, err
		}
		// 4 bytes of explicit alignment padding before the u64 deltas.
		if err := skipPad(r); err != nil {
			return nil, err
		}
		fields := []any{
			&m.CyclesDelta, &m.InstructionsDelta, &m.LLCMissesDelta,
			&m.CacheRefsDelta, &m.TimeDeltaNs, &m.IsContextSwitch, &m.NextPid,
		}
		for _, f := range fields {
			if err := binary.Read(r, binary.LittleEndian, f); err != nil {
				return nil, err
			}
		}
		return m, nil

	case MessageTypeTimerFinishedProcessing:
		return &TimerFinishedProcessing{Header: hdr}, nil

	case MessageTypeTimerMigrationDetected:
		m := &TimerMigrationDetected{Header: hdr}
		if err := binary.Read(r, binary.LittleEndian, &m.ExpectedCPU); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.LittleEndian, &m.ActualCPU); err != nil {
			return nil, err
		}
		return m, nil

	default:
		payloadLen := int(hdr.Size) - HeaderSize
		if payloadLen < 0 {
			return nil, fmt.Errorf("protocol: message size %d smaller than header", hdr.Size)
		}
		payload := make([]byte, payloadLen)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, err
		}
		return &UnknownMessage{Header: hdr, Payload: payload}, nil
	}
}

// CounterDelta computes current-previous using unsigned wraparound
// subtraction, correct for a single wrap of a u64 counter between
// samples. It does not detect the first sample on a CPU (the kernel
// side marks that case with a zero previous timestamp, not a zero
// counter); callers must suppress output there rather than trust the
// delta.
func CounterDelta(previous, current uint64) uint64 {
	return current - previous
}

func skipPad(r io.Reader) error {
	var pad [4]byte
	_, err := io.ReadFull(r, pad[:])
	return err
}

func commString(b []byte) string {
	n := 0
	for n < len(b) && b[n] != 0 {
		n++
	}
	return string(b[:n])
}
