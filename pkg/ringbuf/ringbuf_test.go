package ringbuf

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOptionsApplyDefaults(t *testing.T) {
	var o Options
	o.applyDefaults()
	assert.Equal(t, 256*1024, o.PerCPUBufferSize)
	assert.Equal(t, 4096, o.Watermark)
	assert.Equal(t, 4096, o.ChannelDepth)
}

func TestOptionsApplyDefaultsPreservesExplicitValues(t *testing.T) {
	o := Options{PerCPUBufferSize: 8192, Watermark: 1, ChannelDepth: 16}
	o.applyDefaults()
	assert.Equal(t, 8192, o.PerCPUBufferSize)
	assert.Equal(t, 1, o.Watermark)
	assert.Equal(t, 16, o.ChannelDepth)
}

func TestReaderLostSamplesOutOfRange(t *testing.T) {
	r := &Reader{lost: make([]atomic.Uint64, 2)}
	assert.Equal(t, uint64(0), r.LostSamples(-1))
	assert.Equal(t, uint64(0), r.LostSamples(5))
}
