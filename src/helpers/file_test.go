package helpers

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestWriteAtomicAndReadMapped(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chunk_0")

	require.NoError(t, WriteFileAtomic(path, []byte("first")))
	require.NoError(t, WriteFileAtomic(path, []byte("second write")))

	data, err := ReadMappedFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second write", string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestReadMappedEmptyAndMissing(t *testing.T) {
	dir := t.TempDir()
	empty := filepath.Join(dir, "empty")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))

	data, err := ReadMappedFile(empty)
	require.NoError(t, err)
	assert.Empty(t, data)

	_, err = ReadMappedFile(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestFileExists(t *testing.T) {
	dir := t.TempDir()
	logger := zap.NewNop().Sugar()
	path := filepath.Join(dir, "f")

	assert.False(t, FileExists(path, logger))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	assert.True(t, FileExists(path, logger))
	assert.False(t, FileExists(dir, logger))

	require.NoError(t, DeleteDataFile(path))
	require.NoError(t, DeleteDataFile(path))
	assert.False(t, FileExists(path, nil))
}

func TestFreeDiskSpace(t *testing.T) {
	free, err := FreeDiskSpace(t.TempDir())
	require.NoError(t, err)
	assert.Positive(t, free)

	_, err = FreeDiskSpace(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

func TestBSONRoundTrip(t *testing.T) {
	in := map[string]interface{}{"name": "Alice", "age": int64(28)}
	data, err := EncodeBSON(in)
	require.NoError(t, err)

	var out map[string]interface{}
	require.NoError(t, DecodeBSON(data, &out))
	assert.Equal(t, "Alice", out["name"])
	assert.Equal(t, int64(28), out["age"])

	assert.Error(t, DecodeBSON([]byte{1, 2}, &out))
}

func TestStripQuotes(t *testing.T) {
	assert.Equal(t, "db", StripQuotes(` "db" `))
	assert.Equal(t, "db", StripQuotes(`'db'`))
	assert.Equal(t, `"db`, StripQuotes(`"db`))
	assert.Len(t, GenerateUUID(), 36)
}
