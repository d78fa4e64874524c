// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyDefaultsFillsZeroFields(t *testing.T) {
	var c Config
	c.ApplyDefaults()

	defaults := Default()
	assert.Equal(t, defaults.StorageType, c.StorageType)
	assert.Equal(t, defaults.Prefix, c.Prefix)
	assert.Equal(t, defaults.ParquetBufferSize, c.ParquetBufferSize)
	assert.Equal(t, defaults.ParquetFileSize, c.ParquetFileSize)
	assert.Equal(t, defaults.MaxRowGroupSize, c.MaxRowGroupSize)
}

func TestApplyDefaultsPreservesExplicitValues(t *testing.T) {
	c := Config{StorageType: StorageTypeS3, Prefix: "custom-", MaxRowGroupSize: 7}
	c.ApplyDefaults()

	assert.Equal(t, StorageTypeS3, c.StorageType)
	assert.Equal(t, "custom-", c.Prefix)
	assert.Equal(t, 7, c.MaxRowGroupSize)
}

func TestValidateRejectsUnknownStorageType(t *testing.T) {
	c := Config{StorageType: "ftp"}
	assert.Error(t, c.Validate())
}

func TestValidateRequiresBucketForS3(t *testing.T) {
	c := Config{StorageType: StorageTypeS3}
	assert.Error(t, c.Validate())

	c.AWS.Bucket = "b"
	require.NoError(t, c.Validate())

	// Region stays optional: the s3 sink discovers it from instance
	// metadata when unset.
	c.AWS.Region = "us-east-1"
	require.NoError(t, c.Validate())
}

func TestValidateAcceptsLocalWithNoAWSConfig(t *testing.T) {
	c := Config{StorageType: StorageTypeLocal}
	assert.NoError(t, c.Validate())
}

func TestApplyAWSEnvironment(t *testing.T) {
	t.Setenv("AWS_BUCKET", "my-bucket")
	t.Setenv("AWS_REGION", "us-west-2")
	t.Setenv("AWS_ENDPOINT", "https://minio.local")
	t.Setenv("AWS_ACCESS_KEY_ID", "AKIA")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "secret")
	t.Setenv("AWS_VIRTUAL_HOSTED_STYLE_REQUEST", "true")

	var c Config
	c.ApplyAWSEnvironment()

	assert.Equal(t, "my-bucket", c.AWS.Bucket)
	assert.Equal(t, "us-west-2", c.AWS.Region)
	assert.Equal(t, "https://minio.local", c.AWS.Endpoint)
	assert.Equal(t, "AKIA", c.AWS.AccessKeyID)
	assert.Equal(t, "secret", c.AWS.SecretAccessKey)
	assert.True(t, c.AWS.VirtualHostedStyle)
}
