package checkpoint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/alecthomas/assert/v2"
)

func TestFileReadWrite(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "task.checkpoint")
		f := NewFile(path)

		offsets := map[TopicPartition]int64{
			{Topic: "app-counts-changelog", Partition: 0}:  100,
			{Topic: "app-counts-changelog", Partition: 1}:  200,
			{Topic: "app-windows-changelog", Partition: 0}: 0,
		}
		assert.NoError(t, f.Write(offsets))

		read, err := f.Read()
		assert.NoError(t, err)
		assert.Equal(t, offsets, read)
	})

	t.Run("missing file reads empty", func(t *testing.T) {
		f := NewFile(filepath.Join(t.TempDir(), "absent.checkpoint"))
		read, err := f.Read()
		assert.NoError(t, err)
		assert.Equal(t, 0, len(read))
	})

	t.Run("unknown offset sentinel survives", func(t *testing.T) {
		f := NewFile(filepath.Join(t.TempDir(), "task.checkpoint"))
		offsets := map[TopicPartition]int64{
			{Topic: "cl", Partition: 3}: OffsetUnknown,
		}
		assert.NoError(t, f.Write(offsets))

		read, err := f.Read()
		assert.NoError(t, err)
		assert.Equal(t, OffsetUnknown, read[TopicPartition{Topic: "cl", Partition: 3}])
	})

	t.Run("overwrite replaces previous content", func(t *testing.T) {
		f := NewFile(filepath.Join(t.TempDir(), "task.checkpoint"))
		assert.NoError(t, f.Write(map[TopicPartition]int64{
			{Topic: "a", Partition: 0}: 1,
			{Topic: "b", Partition: 0}: 2,
		}))
		assert.NoError(t, f.Write(map[TopicPartition]int64{
			{Topic: "a", Partition: 0}: 7,
		}))

		read, err := f.Read()
		assert.NoError(t, err)
		assert.Equal(t, map[TopicPartition]int64{{Topic: "a", Partition: 0}: 7}, read)
	})

	t.Run("empty write deletes file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "task.checkpoint")
		f := NewFile(path)
		assert.NoError(t, f.Write(map[TopicPartition]int64{{Topic: "a", Partition: 0}: 1}))
		assert.NoError(t, f.Write(nil))

		_, err := os.Stat(path)
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("invalid offset rejected", func(t *testing.T) {
		f := NewFile(filepath.Join(t.TempDir(), "task.checkpoint"))
		err := f.Write(map[TopicPartition]int64{{Topic: "a", Partition: 0}: -1})
		assert.Error(t, err)
	})
}

func TestFileCorruption(t *testing.T) {
	t.Run("truncated entry list is an error", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "task.checkpoint")
		assert.NoError(t, os.WriteFile(path, []byte("0\n2\ntopic 0 5\n"), 0o644))

		_, err := NewFile(path).Read()
		assert.Error(t, err)
	})

	t.Run("unknown version is an error", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "task.checkpoint")
		assert.NoError(t, os.WriteFile(path, []byte("9\n0\n"), 0o644))

		_, err := NewFile(path).Read()
		assert.Error(t, err)
	})

	t.Run("garbage line is an error", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "task.checkpoint")
		assert.NoError(t, os.WriteFile(path, []byte("0\n1\nnot enough\n"), 0o644))

		_, err := NewFile(path).Read()
		assert.Error(t, err)
	})

	t.Run("empty file is an error", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "task.checkpoint")
		assert.NoError(t, os.WriteFile(path, nil, 0o644))

		_, err := NewFile(path).Read()
		assert.Error(t, err)
	})
}

func TestFileDelete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "task.checkpoint")
	f := NewFile(path)
	assert.NoError(t, f.Write(map[TopicPartition]int64{{Topic: "a", Partition: 0}: 1}))
	assert.NoError(t, f.Delete())
	assert.NoError(t, f.Delete()) // idempotent

	read, err := f.Read()
	assert.NoError(t, err)
	assert.Equal(t, 0, len(read))
}
