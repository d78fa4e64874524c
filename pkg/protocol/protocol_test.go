package protocol

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeHeader(buf *bytes.Buffer, size uint32, typ MessageType, ts uint64) {
	binary.Write(buf, binary.LittleEndian, size)
	binary.Write(buf, binary.LittleEndian, uint32(typ))
	binary.Write(buf, binary.LittleEndian, ts)
}

func TestDecodeTaskMetadata(t *testing.T) {
	var buf bytes.Buffer
	var comm [16]byte
	copy(comm[:], "nginx")
	size := uint32(HeaderSize + 4 + 16 + 4 + 8)
	encodeHeader(&buf, size, MessageTypeTaskMetadata, 1234)
	binary.Write(&buf, binary.LittleEndian, uint32(42))
	buf.Write(comm[:])
	binary.Write(&buf, binary.LittleEndian, uint32(0)) // alignment padding
	binary.Write(&buf, binary.LittleEndian, uint64(99))

	msg, err := Decode(&buf)
	require.NoError(t, err)

	tm, ok := msg.(*TaskMetadata)
	require.True(t, ok)
	assert.Equal(t, uint32(42), tm.Pid)
	assert.Equal(t, "nginx", tm.CommString())
	assert.Equal(t, uint64(99), tm.CgroupID)
	assert.Equal(t, uint64(1234), Timestamp(tm))
}

func TestDecodePerfMeasurement(t *testing.T) {
	var buf bytes.Buffer
	size := uint32(HeaderSize + 4 + 4 + 8*5 + 4 + 4)
	encodeHeader(&buf, size, MessageTypePerfMeasurement, 5000)
	binary.Write(&buf, binary.LittleEndian, uint32(7))
	binary.Write(&buf, binary.LittleEndian, uint32(0)) // alignment padding
	binary.Write(&buf, binary.LittleEndian, uint64(100))
	binary.Write(&buf, binary.LittleEndian, uint64(200))
	binary.Write(&buf, binary.LittleEndian, uint64(3))
	binary.Write(&buf, binary.LittleEndian, uint64(4))
	binary.Write(&buf, binary.LittleEndian, uint64(1_000_000))
	binary.Write(&buf, binary.LittleEndian, uint32(1))
	binary.Write(&buf, binary.LittleEndian, uint32(99))

	msg, err := Decode(&buf)
	require.NoError(t, err)

	pm, ok := msg.(*PerfMeasurement)
	require.True(t, ok)
	assert.Equal(t, uint32(7), pm.Pid)
	assert.Equal(t, uint64(100), pm.CyclesDelta)
	assert.Equal(t, uint32(1), pm.IsContextSwitch)
	assert.Equal(t, uint32(99), pm.NextPid)
}

func TestDecodeUnknownTypeSkipped(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	encodeHeader(&buf, uint32(HeaderSize+len(payload)), MessageType(999), 1)
	buf.Write(payload)

	// Trailing well-formed message must still be decodable.
	encodeHeader(&buf, HeaderSize, MessageTypeTimerFinishedProcessing, 2)

	msg, err := Decode(&buf)
	require.NoError(t, err)
	unk, ok := msg.(*UnknownMessage)
	require.True(t, ok)
	assert.Equal(t, payload, unk.Payload)

	msg2, err := Decode(&buf)
	require.NoError(t, err)
	_, ok = msg2.(*TimerFinishedProcessing)
	assert.True(t, ok)
}

func TestCounterDeltaWraps(t *testing.T) {
	// Simulate a single wraparound of a 64-bit counter between samples.
	previous := ^uint64(0) - 10 // near max
	current := uint64(5)        // wrapped past zero
	delta := CounterDelta(previous, current)
	assert.Equal(t, uint64(16), delta)
}
