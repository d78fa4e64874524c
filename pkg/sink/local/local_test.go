package local

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenWriteCloseRenamesAtomically(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	wc, err := s.Open("sub/out.parquet")
	require.NoError(t, err)

	tmpPath := filepath.Join(dir, "sub", "out.parquet.tmp")
	_, err = os.Stat(tmpPath)
	assert.NoError(t, err, "write must land in a .tmp file before Close")

	n, err := wc.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	size, err := wc.Size()
	require.NoError(t, err)
	assert.Equal(t, int64(5), size)

	require.NoError(t, wc.Close())

	finalPath := filepath.Join(dir, "sub", "out.parquet")
	data, err := os.ReadFile(finalPath)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	_, err = os.Stat(tmpPath)
	assert.True(t, os.IsNotExist(err), "tmp file must not survive Close")
}
