// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package timer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProbeTimerModeTable(t *testing.T) {
	tests := []struct {
		version string
		want    Mode
	}{
		{"6.7.0", Modern},
		{"6.10.3-generic", Modern},
		{"6.4.0", Intermediate},
		{"6.6.9-arch1", Intermediate},
		{"5.15.0", Legacy},
		{"6.3.12", Legacy},
	}

	for _, tt := range tests {
		t.Run(tt.version, func(t *testing.T) {
			mode, err := ProbeTimerMode(tt.version)
			require.NoError(t, err)
			assert.Equal(t, tt.want, mode)
		})
	}
}

func TestProbeTimerModeUnsupportedBelowMinimum(t *testing.T) {
	_, err := ProbeTimerMode("5.14.0")
	assert.Error(t, err)
}

func TestModePinned(t *testing.T) {
	assert.True(t, Modern.Pinned())
	assert.False(t, Intermediate.Pinned())
	assert.False(t, Legacy.Pinned())
	assert.False(t, Unsupported.Pinned())
}
