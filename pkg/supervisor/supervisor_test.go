// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunReturnsZeroWhenAllStagesFinish(t *testing.T) {
	s := New(logr.Discard(), Config{},
		Stage{Name: "a", Run: func(ctx context.Context) error { return nil }},
		Stage{Name: "b", Run: func(ctx context.Context) error { return nil }},
	)
	assert.Equal(t, 0, s.Run(context.Background()))
	assert.Empty(t, s.Errors())
}

func TestRunFatalErrorCancelsPeersAndReturnsOne(t *testing.T) {
	peerCancelled := make(chan struct{})
	s := New(logr.Discard(), Config{DrainTimeout: 5 * time.Second},
		Stage{Name: "failing", Run: func(ctx context.Context) error {
			return errors.New("boom")
		}},
		Stage{Name: "peer", Run: func(ctx context.Context) error {
			<-ctx.Done()
			close(peerCancelled)
			return nil
		}},
	)

	code := s.Run(context.Background())
	assert.Equal(t, 1, code)

	select {
	case <-peerCancelled:
	default:
		t.Fatal("peer stage was not cancelled after fatal error")
	}

	errs := s.Errors()
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "failing")
}

func TestRunDrainTimeoutForcesExit(t *testing.T) {
	s := New(logr.Discard(), Config{DrainTimeout: 50 * time.Millisecond},
		Stage{Name: "failing", Run: func(ctx context.Context) error {
			return errors.New("boom")
		}},
		Stage{Name: "wedged", Run: func(ctx context.Context) error {
			// Ignores cancellation entirely.
			select {}
		}},
	)

	start := time.Now()
	code := s.Run(context.Background())
	assert.Equal(t, 1, code)
	assert.Less(t, time.Since(start), 2*time.Second, "forced exit must not wait for the wedged stage")
}

func TestRunParentContextCancellationDrainsCleanly(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := New(logr.Discard(), Config{},
		Stage{Name: "a", Run: func(ctx context.Context) error {
			<-ctx.Done()
			return nil
		}},
	)

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	assert.Equal(t, 0, s.Run(ctx))
}

func TestStageErrorAfterCancelIsNotFatal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := New(logr.Discard(), Config{},
		Stage{Name: "a", Run: func(ctx context.Context) error {
			<-ctx.Done()
			return errors.New("interrupted mid-write")
		}},
	)

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	assert.Equal(t, 0, s.Run(ctx), "errors produced by cancellation itself are not fatal")
}
