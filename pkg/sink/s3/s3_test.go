package s3

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	memerrors "github.com/antimetal/memtrace/pkg/errors"
)

type fakeAPIError struct{ code string }

func (e *fakeAPIError) Error() string     { return "api error: " + e.code }
func (e *fakeAPIError) ErrorCode() string { return e.code }

func TestClassifyRetriesThrottling(t *testing.T) {
	err := classify(&fakeAPIError{code: "SlowDown"})
	assert.True(t, memerrors.Retryable(err))
}

func TestClassifyFatalForClientError(t *testing.T) {
	err := classify(&fakeAPIError{code: "NoSuchBucket"})
	assert.False(t, memerrors.Retryable(err))
}

func TestClassifyRetriesUnrecognizedErrors(t *testing.T) {
	err := classify(errors.New("connection reset"))
	assert.True(t, memerrors.Retryable(err))
}

func TestWithPartSizeRejectsBelowMinimum(t *testing.T) {
	s := &Sink{}
	err := WithPartSize(1024)(s)
	assert.Error(t, err)
}

func TestWithPartSizeAcceptsMinimum(t *testing.T) {
	s := &Sink{}
	err := WithPartSize(MinPartSize)(s)
	assert.NoError(t, err)
	assert.Equal(t, int64(MinPartSize), s.partSize)
}
