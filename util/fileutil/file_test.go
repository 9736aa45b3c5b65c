package fileutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPathJoinSafe(t *testing.T) {
	assert.Equal(t, filepath.Join("onnx", "clip_ort_trt.onnx"), PathJoinSafe("onnx", "clip_ort_trt.onnx"))
	assert.Equal(t, "s3://bucket/output/sd-fp16-1.png", PathJoinSafe("s3://bucket/output/", "sd-fp16-1.png"))
	assert.True(t, IsLocal("/tmp/onnx"))
	assert.False(t, IsLocal("s3://bucket/onnx"))
}

func TestWriteAndReadFileBytes(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "nested", "report.json")
	require.NoError(t, CreateFile(filepath.Dir(target), true))

	require.NoError(t, WriteFileBytes(target, "application/json", []byte(`{"a":1}`)))
	// overwriting replaces the previous content
	require.NoError(t, WriteFileBytes(target, "", []byte(`{"b":2}`)))

	exists, err := FileExists(target)
	require.NoError(t, err)
	assert.True(t, exists)

	data, err := ReadFileBytes(target)
	require.NoError(t, err)
	assert.Equal(t, `{"b":2}`, string(data))

	onDisk, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, data, onDisk)
}
