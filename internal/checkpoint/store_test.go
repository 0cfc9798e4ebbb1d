package checkpoint

import (
	"path/filepath"
	"testing"

	"github.com/crowdcompute/foreman/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStoreCreatesDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "checkpoints")
	s, err := NewStore(dir)
	require.NoError(t, err)
	assert.NotNil(t, s)
}

func TestSaveAndLoadRoundTrips(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Save("job-1-0", []byte("progress=42")))

	blob, err := s.Load("job-1-0")
	require.NoError(t, err)
	assert.Equal(t, []byte("progress=42"), blob)
}

func TestSaveOverwritesPriorCheckpoint(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Save("job-1-0", []byte("v1")))
	require.NoError(t, s.Save("job-1-0", []byte("v2")))

	blob, err := s.Load("job-1-0")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), blob)
}

func TestLoadMissingTaskReturnsErrNotFound(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	_, err = s.Load("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExistsReflectsSaveAndEvict(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	assert.False(t, s.Exists(types.TaskID("job-1-0")))
	require.NoError(t, s.Save("job-1-0", []byte("data")))
	assert.True(t, s.Exists(types.TaskID("job-1-0")))

	require.NoError(t, s.Evict("job-1-0"))
	assert.False(t, s.Exists(types.TaskID("job-1-0")))
}

func TestEvictMissingTaskIsNotAnError(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	assert.NoError(t, s.Evict("never-saved"))
}
