// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package sampler

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCounterString(t *testing.T) {
	assert.Equal(t, "cycles", CounterCycles.String())
	assert.Equal(t, "instructions", CounterInstructions.String())
	assert.Equal(t, "llc_misses", CounterLLCMisses.String())
	assert.Equal(t, "cache_refs", CounterCacheRefs.String())
}

func TestCounterMapName(t *testing.T) {
	assert.Equal(t, "cycles_fds", CounterCycles.mapName())
	assert.Equal(t, "llc_misses_fds", CounterLLCMisses.mapName())
}

func TestCounterPerfEventConfigDistinct(t *testing.T) {
	seen := map[uint64]bool{}
	for _, c := range []Counter{CounterCycles, CounterInstructions, CounterLLCMisses, CounterCacheRefs} {
		_, cfg := c.perfEventConfig()
		assert.False(t, seen[cfg], "duplicate perf_event config for %s", c)
		seen[cfg] = true
	}
}
