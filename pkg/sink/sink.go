// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package sink defines the storage-sink contract, implemented by
// pkg/sink/local (atomic-rename filesystem writes) and pkg/sink/s3
// (S3-compatible multipart upload).
package sink

import "io"

// WriteCloser is an open output file: bytes are written in order, Size
// reports how many have been written so far (used by the Parquet writer
// for file-rotation accounting), and Close finalizes the file: an
// atomic rename for the local sink, a completed multipart upload for
// the S3 sink.
type WriteCloser interface {
	io.Writer
	io.Closer
	Size() (int64, error)
}

// Sink opens a new output file addressed by key.
type Sink interface {
	Open(key string) (WriteCloser, error)
}
