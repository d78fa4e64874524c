// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package s3 implements the S3-compatible object-store sink: explicit
// multipart upload with parts of at least 5 MiB, a pluggable credential
// chain, and exponential-backoff-with-jitter retries on transient
// failures. 4xx client errors are fatal for the file being written;
// 5xx and throttling responses are retried.
package s3

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/cenkalti/backoff/v5"
	"github.com/go-logr/logr"

	memerrors "github.com/antimetal/memtrace/pkg/errors"
	"github.com/antimetal/memtrace/pkg/sink"
)

// MinPartSize is the minimum multipart-upload part size S3 accepts,
// except for the final part.
const MinPartSize = 5 << 20

// Option configures a Sink.
type Option func(*Sink) error

func WithLogger(logger logr.Logger) Option {
	return func(s *Sink) error { s.logger = logger; return nil }
}

func WithEndpoint(endpoint string, pathStyle bool) Option {
	return func(s *Sink) error {
		s.endpoint = endpoint
		s.pathStyle = pathStyle
		return nil
	}
}

func WithStaticCredentials(accessKeyID, secretAccessKey string) Option {
	return func(s *Sink) error {
		s.staticCreds = credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, "")
		return nil
	}
}

func WithPartSize(n int64) Option {
	return func(s *Sink) error {
		if n < MinPartSize {
			return fmt.Errorf("s3 sink: part size %d below minimum %d", n, MinPartSize)
		}
		s.partSize = n
		return nil
	}
}

// Sink uploads each opened object as a multipart upload against a
// single bucket/region. Credentials resolve, in order: static
// access-key/secret (WithStaticCredentials), otherwise the SDK default
// chain (environment, shared config, EC2/ECS instance role via IMDS).
type Sink struct {
	logger logr.Logger
	client *s3.Client
	bucket string
	region string

	endpoint  string
	pathStyle bool

	staticCreds aws.CredentialsProvider
	partSize    int64

	mu   sync.Mutex
	open map[*object]struct{}
}

// New resolves AWS config per the option chain and constructs a Sink
// writing into bucket. An empty region falls back to EC2 instance
// metadata, covering the instance-role deployment where nothing but
// the bucket is configured explicitly.
func New(ctx context.Context, bucket, region string, opts ...Option) (*Sink, error) {
	s := &Sink{
		bucket:   bucket,
		region:   region,
		partSize: MinPartSize,
		logger:   logr.Discard(),
		open:     make(map[*object]struct{}),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	var cfgOpts []func(*config.LoadOptions) error
	if s.region != "" {
		cfgOpts = append(cfgOpts, config.WithRegion(s.region))
	}
	if s.staticCreds != nil {
		cfgOpts = append(cfgOpts, config.WithCredentialsProvider(s.staticCreds))
	}
	cfg, err := config.LoadDefaultConfig(ctx, cfgOpts...)
	if err != nil {
		return nil, fmt.Errorf("s3 sink: loading AWS config: %w", err)
	}

	if s.region == "" {
		out, err := imds.NewFromConfig(cfg).GetRegion(ctx, &imds.GetRegionInput{})
		if err != nil {
			return nil, fmt.Errorf("s3 sink: no region configured and instance metadata lookup failed: %w", err)
		}
		s.region = out.Region
		cfg.Region = out.Region
	}

	s.client = s3.NewFromConfig(cfg, func(o *s3.Options) {
		if s.endpoint != "" {
			o.BaseEndpoint = aws.String(s.endpoint)
		}
		o.UsePathStyle = s.pathStyle
	})

	return s, nil
}

func (s *Sink) Open(key string) (sink.WriteCloser, error) {
	ctx := context.Background()
	out, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("s3 sink: creating multipart upload for %s: %w", key, err)
	}

	o := &object{
		sink:     s,
		key:      key,
		uploadID: *out.UploadId,
	}
	s.mu.Lock()
	s.open[o] = struct{}{}
	s.mu.Unlock()
	return o, nil
}

// AbortOpen aborts every multipart upload still in flight, releasing
// the server-side storage its uploaded parts occupy. Called during
// shutdown so no incomplete upload is left behind to accrue cost.
func (s *Sink) AbortOpen(ctx context.Context) error {
	s.mu.Lock()
	pending := make([]*object, 0, len(s.open))
	for o := range s.open {
		pending = append(pending, o)
	}
	s.mu.Unlock()

	var firstErr error
	for _, o := range pending {
		if err := o.Abort(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Sink) forget(o *object) {
	s.mu.Lock()
	delete(s.open, o)
	s.mu.Unlock()
}

var _ sink.Sink = (*Sink)(nil)

// object is one in-flight multipart upload. Writes are buffered until
// the part size is reached, then uploaded as a part; Close flushes the
// final (possibly undersized) part and completes the upload. Abort
// releases server-side storage for an upload that will never
// complete; shutdown aborts open uploads rather than best-effort
// completing them.
type object struct {
	sink     *Sink
	key      string
	uploadID string

	buf         bytes.Buffer
	parts       []types.CompletedPart
	partNumber  int32
	writtenSize int64
	completed   bool
}

func (o *object) Write(p []byte) (int, error) {
	n, _ := o.buf.Write(p)
	o.writtenSize += int64(n)

	for int64(o.buf.Len()) >= o.sink.partSize {
		chunk := make([]byte, o.sink.partSize)
		copy(chunk, o.buf.Next(int(o.sink.partSize)))
		if err := o.uploadPart(chunk); err != nil {
			return n, err
		}
	}
	return n, nil
}

func (o *object) Size() (int64, error) { return o.writtenSize, nil }

func (o *object) uploadPart(data []byte) error {
	o.partNumber++
	partNumber := o.partNumber

	_, err := backoff.Retry(context.Background(), func() (struct{}, error) {
		out, err := o.sink.client.UploadPart(context.Background(), &s3.UploadPartInput{
			Bucket:     aws.String(o.sink.bucket),
			Key:        aws.String(o.key),
			UploadId:   aws.String(o.uploadID),
			PartNumber: aws.Int32(partNumber),
			Body:       bytes.NewReader(data),
		})
		if err != nil {
			if !memerrors.Retryable(classify(err)) {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		}
		o.parts = append(o.parts, types.CompletedPart{ETag: out.ETag, PartNumber: aws.Int32(partNumber)})
		return struct{}{}, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()))

	return err
}

func (o *object) Close() error {
	if o.buf.Len() > 0 || len(o.parts) == 0 {
		if err := o.uploadPart(o.buf.Bytes()); err != nil {
			return err
		}
		o.buf.Reset()
	}

	_, err := o.sink.client.CompleteMultipartUpload(context.Background(), &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(o.sink.bucket),
		Key:             aws.String(o.key),
		UploadId:        aws.String(o.uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: o.parts},
	})
	if err != nil {
		return fmt.Errorf("s3 sink: completing multipart upload for %s: %w", o.key, err)
	}
	o.completed = true
	o.sink.forget(o)
	return nil
}

// Abort cancels an in-flight multipart upload, freeing the storage its
// uploaded parts occupy. Sink.AbortOpen calls this for every object
// still open; cmd/memtrace runs AbortOpen after the supervisor returns.
func (o *object) Abort(ctx context.Context) error {
	if o.completed {
		return nil
	}
	_, err := o.sink.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(o.sink.bucket),
		Key:      aws.String(o.key),
		UploadId: aws.String(o.uploadID),
	})
	if err == nil {
		o.sink.forget(o)
	}
	return err
}

// apiError is the subset of smithy's APIError this sink needs to
// distinguish transient failures from fatal client errors.
type apiError interface {
	ErrorCode() string
}

// classify maps an S3 error into a RetryableError when it looks
// transient (5xx, throttling); 4xx client errors are fatal for that
// file.
func classify(err error) error {
	var ae apiError
	if !memerrors.As(err, &ae) {
		return memerrors.NewRetryable(err.Error())
	}
	switch ae.ErrorCode() {
	case "SlowDown", "RequestTimeout", "InternalError", "ServiceUnavailable", "Throttling", "ThrottlingException":
		return memerrors.NewRetryable(err.Error())
	default:
		return err
	}
}

// StallDrainTimeout is 30 seconds, the same as pkg/supervisor's default
// drain bound. Nothing in this module reads it; the supervisor does not
// abort uploads itself.
const StallDrainTimeout = 30 * time.Second
