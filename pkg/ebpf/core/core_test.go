// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package core_test

import (
	"runtime"
	"testing"

	"github.com/antimetal/memtrace/pkg/ebpf/core"
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectVersion(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("kernel version only meaningful on Linux")
	}

	v, err := core.DetectVersion()
	require.NoError(t, err)
	assert.NotEmpty(t, v.Raw)
}

func TestVersionAtLeast(t *testing.T) {
	v := core.Version{Major: 6, Minor: 7}
	assert.True(t, v.AtLeast(6, 7))
	assert.True(t, v.AtLeast(6, 6))
	assert.True(t, v.AtLeast(5, 15))
	assert.False(t, v.AtLeast(6, 8))
	assert.False(t, v.AtLeast(7, 0))
}

func TestNewManagerOnLinux(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("CO-RE manager only supported on Linux")
	}
	m, err := core.NewManager(logr.Discard())
	require.NoError(t, err)
	_ = m.HasBTF()
}
