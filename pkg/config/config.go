// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package config holds the collector's runtime configuration: CLI
// flags assembled by cmd/memtrace, plus the AWS_* environment
// variables the object-store sink reads.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// StorageType selects the storage sink backing a Config.
type StorageType string

const (
	StorageTypeLocal StorageType = "local"
	StorageTypeS3    StorageType = "s3"
)

// Config is the collector's full runtime configuration, assembled by
// cmd/memtrace from CLI flags and environment variables.
type Config struct {
	// DurationSeconds is how long to run before exiting cleanly; 0 means
	// unbounded.
	DurationSeconds int
	StorageType     StorageType
	Prefix          string
	Verbose         bool
	// Trace bypasses timeslot aggregation and emits raw merged events
	// directly to the Parquet writer.
	Trace bool

	ParquetBufferSize int64
	ParquetFileSize   int64
	MaxRowGroupSize   int
	StorageQuota      int64 // 0 = unbounded

	// AWS holds the S3 sink's credentials and endpoint, sourced only
	// from environment variables.
	AWS AWSConfig
}

// AWSConfig mirrors the AWS_* environment variables; it is populated
// by ApplyAWSEnvironment and consumed only by pkg/sink/s3.
type AWSConfig struct {
	Bucket             string
	Region             string
	Endpoint           string
	AccessKeyID        string
	SecretAccessKey    string
	VirtualHostedStyle bool
}

// Default returns a Config with every flag default applied.
func Default() Config {
	return Config{
		DurationSeconds:   0,
		StorageType:       StorageTypeLocal,
		Prefix:            "memtrace-",
		ParquetBufferSize: 64 << 20,
		ParquetFileSize:   512 << 20,
		MaxRowGroupSize:   100_000,
	}
}

// ApplyDefaults fills in zero-valued fields with the defaults Default
// returns.
func (c *Config) ApplyDefaults() {
	defaults := Default()
	if c.StorageType == "" {
		c.StorageType = defaults.StorageType
	}
	if c.Prefix == "" {
		c.Prefix = defaults.Prefix
	}
	if c.ParquetBufferSize <= 0 {
		c.ParquetBufferSize = defaults.ParquetBufferSize
	}
	if c.ParquetFileSize <= 0 {
		c.ParquetFileSize = defaults.ParquetFileSize
	}
	if c.MaxRowGroupSize <= 0 {
		c.MaxRowGroupSize = defaults.MaxRowGroupSize
	}
}

// Validate rejects a StorageType that isn't local or s3, and an s3
// storage type missing its required AWS_BUCKET. An empty AWS_REGION is
// allowed for s3: the sink resolves it from EC2 instance metadata.
func (c *Config) Validate() error {
	switch c.StorageType {
	case StorageTypeLocal:
	case StorageTypeS3:
		if c.AWS.Bucket == "" {
			return fmt.Errorf("config: --storage-type=s3 requires AWS_BUCKET")
		}
	default:
		return fmt.Errorf("config: unknown --storage-type %q (want local or s3)", c.StorageType)
	}
	return nil
}

// ApplyAWSEnvironment fills c.AWS from AWS_BUCKET, AWS_REGION,
// AWS_ENDPOINT, AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY, and
// AWS_VIRTUAL_HOSTED_STYLE_REQUEST. No other package reads these
// variables.
func (c *Config) ApplyAWSEnvironment() {
	c.AWS.Bucket = os.Getenv("AWS_BUCKET")
	c.AWS.Region = os.Getenv("AWS_REGION")
	c.AWS.Endpoint = os.Getenv("AWS_ENDPOINT")
	c.AWS.AccessKeyID = os.Getenv("AWS_ACCESS_KEY_ID")
	c.AWS.SecretAccessKey = os.Getenv("AWS_SECRET_ACCESS_KEY")
	if v := os.Getenv("AWS_VIRTUAL_HOSTED_STYLE_REQUEST"); v != "" {
		b, err := strconv.ParseBool(v)
		c.AWS.VirtualHostedStyle = err == nil && b
	}
}
