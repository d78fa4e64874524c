// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package supervisor owns the collector's stage lifecycle:
// SIGINT/SIGTERM-driven shutdown, fatal-error fan-in, and a bounded
// graceful-drain timeout before forcing exit. Stages observe shutdown
// through context cancellation; channel-draining stages shut down
// naturally as their inputs close.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-logr/logr"
)

// Stage is one pipeline component the supervisor owns. Run must return
// when ctx is cancelled, and must not be called more than once.
type Stage struct {
	Name string
	Run  func(ctx context.Context) error
}

// Config tunes the graceful-drain bound; when it elapses the process
// exits non-zero regardless of what is still in flight.
type Config struct {
	DrainTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
}

// Supervisor runs a fixed set of stages to completion or until a fatal
// error or external signal triggers a cancel-and-drain sequence.
type Supervisor struct {
	logger logr.Logger
	cfg    Config

	stages []Stage

	mu      sync.Mutex
	errs    []error
	fatalCh chan error
}

// New creates a Supervisor for the given stages.
func New(logger logr.Logger, cfg Config, stages ...Stage) *Supervisor {
	cfg.applyDefaults()
	return &Supervisor{
		logger:  logger.WithName("supervisor"),
		cfg:     cfg,
		stages:  stages,
		fatalCh: make(chan error, len(stages)),
	}
}

// Run starts every stage, blocks until either all stages finish
// naturally, a fatal error is reported, or SIGINT/SIGTERM arrives, then
// drains with the configured timeout. It returns the process exit code:
// 0 clean, 1 fatal runtime error.
func (s *Supervisor) Run(ctx context.Context) int {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var wg sync.WaitGroup
	for _, st := range s.stages {
		st := st
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := st.Run(ctx); err != nil && ctx.Err() == nil {
				s.reportFatal(st.Name, err)
			}
		}()
	}

	allDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(allDone)
	}()

	select {
	case <-allDone:
		return s.exitCode()
	case sig := <-sigCh:
		s.logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	case err := <-s.fatalCh:
		s.logger.Error(err, "fatal stage error, draining")
		cancel()
	}

	return s.drain(allDone)
}

func (s *Supervisor) drain(allDone <-chan struct{}) int {
	select {
	case <-allDone:
		return s.exitCode()
	case <-time.After(s.cfg.DrainTimeout):
		s.logger.Info("drain timeout elapsed, forcing exit", "timeout", s.cfg.DrainTimeout)
		return 1
	}
}

func (s *Supervisor) exitCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.errs) > 0 {
		return 1
	}
	return 0
}

func (s *Supervisor) reportFatal(stage string, err error) {
	s.mu.Lock()
	s.errs = append(s.errs, fmt.Errorf("%s: %w", stage, err))
	s.mu.Unlock()

	select {
	case s.fatalCh <- err:
	default:
	}
}

// Errors returns every fatal error reported by a stage, in report order.
func (s *Supervisor) Errors() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]error, len(s.errs))
	copy(out, s.errs)
	return out
}
