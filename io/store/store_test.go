package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/txcoord/core/dto"
)

func TestStore_PutGet(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Put("key1", []byte("value1")))
	require.NoError(t, s.Put("key2", []byte{}))

	val, err := s.Get("key1")
	require.NoError(t, err)
	assert.Equal(t, []byte("value1"), val)

	_, err = s.Get("missing")
	require.ErrorIs(t, err, dto.ErrNotFound)

	require.Error(t, s.Put("", []byte("x")))
	require.Equal(t, 2, s.Size())

	// nil deletes
	require.NoError(t, s.Put("key1", nil))
	require.NoError(t, s.Put("never-set", nil))
	_, err = s.Get("key1")
	require.ErrorIs(t, err, dto.ErrNotFound)
	require.Equal(t, 1, s.Size())
}

func TestStore_SnapshotSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, s.Put("a", []byte("1")))
	require.NoError(t, s.Put("b", []byte("2")))
	require.NoError(t, s.Close())

	s, err = New(dir)
	require.NoError(t, err)
	defer s.Close()

	snapshot, err := s.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{"a": []byte("1"), "b": []byte("2")}, snapshot)
}

func TestStore_EmptyPath(t *testing.T) {
	_, err := New("")
	require.Error(t, err)
}
