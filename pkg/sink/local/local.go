// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package local implements the filesystem storage sink: writes land in
// a temporary file beside the final path and are atomically renamed
// into place on Close, so a reader never observes a partially written
// Parquet file.
package local

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/antimetal/memtrace/pkg/sink"
)

// Sink writes files under Dir.
type Sink struct {
	Dir string
}

// New creates a local Sink rooted at dir. Open creates dir and any
// directories a key names if they do not exist yet.
func New(dir string) *Sink {
	return &Sink{Dir: dir}
}

func (s *Sink) Open(key string) (sink.WriteCloser, error) {
	finalPath := filepath.Join(s.Dir, key)
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return nil, fmt.Errorf("local sink: creating parent dir: %w", err)
	}

	tmpPath := finalPath + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("local sink: opening %s: %w", tmpPath, err)
	}

	return &file{f: f, tmpPath: tmpPath, finalPath: finalPath}, nil
}

var _ sink.Sink = (*Sink)(nil)

type file struct {
	f         *os.File
	tmpPath   string
	finalPath string
	written   int64
}

func (fl *file) Write(p []byte) (int, error) {
	n, err := fl.f.Write(p)
	fl.written += int64(n)
	return n, err
}

func (fl *file) Size() (int64, error) { return fl.written, nil }

func (fl *file) Close() error {
	if err := fl.f.Sync(); err != nil {
		return fmt.Errorf("local sink: fsync %s: %w", fl.tmpPath, err)
	}
	if err := fl.f.Close(); err != nil {
		return fmt.Errorf("local sink: closing %s: %w", fl.tmpPath, err)
	}
	if err := os.Rename(fl.tmpPath, fl.finalPath); err != nil {
		return fmt.Errorf("local sink: renaming %s to %s: %w", fl.tmpPath, fl.finalPath, err)
	}
	return nil
}

var _ sink.WriteCloser = (*file)(nil)
