package imageutil

import (
	"bytes"
	"image/png"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knights-analytics/diffbench/backends"
)

func TestToPixel(t *testing.T) {
	assert.Equal(t, uint8(0), ToPixel(-1))
	assert.Equal(t, uint8(0), ToPixel(-3))
	assert.Equal(t, uint8(255), ToPixel(1))
	assert.Equal(t, uint8(255), ToPixel(2))
	assert.Equal(t, uint8(128), ToPixel(0))
}

func TestToRGBA(t *testing.T) {
	// one 1x2 image: red channel -1, green 0, blue 1
	images, err := backends.NewFloat32Tensor(backends.NewShape(1, 3, 1, 2), []float32{-1, -1, 0, 0, 1, 1})
	require.NoError(t, err)
	out, err := ToRGBA(images)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, 2, out[0].Bounds().Dx())
	assert.Equal(t, 1, out[0].Bounds().Dy())
	c := out[0].RGBAAt(1, 0)
	assert.Equal(t, uint8(0), c.R)
	assert.Equal(t, uint8(128), c.G)
	assert.Equal(t, uint8(255), c.B)
	assert.Equal(t, uint8(255), c.A)

	_, err = ToRGBA(backends.Zeros(backends.NewShape(1, 4, 2, 2), backends.DataTypeFloat32))
	assert.Error(t, err)

	short := &backends.Tensor{Shape: backends.NewShape(1, 3, 2, 2), DataType: backends.DataTypeFloat32, Float32: make([]float32, 6)}
	_, err = ToRGBA(short)
	assert.ErrorContains(t, err, "holds 6 values, expected 12")
}

func TestSaveImages(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "output")
	images := backends.Zeros(backends.NewShape(2, 3, 8, 8), backends.DataTypeFloat32)
	paths, err := SaveImages(images, dir, "sd-fp16-a_beautif-")
	require.NoError(t, err)
	require.Len(t, paths, 2)

	pattern := regexp.MustCompile(`sd-fp16-a_beautif-([12])-(\d{4})\.png$`)
	for i, path := range paths {
		m := pattern.FindStringSubmatch(path)
		require.NotNil(t, m, path)
		assert.Equal(t, []string{"1", "2"}[i], m[1])
	}

	data, err := os.ReadFile(paths[0])
	require.NoError(t, err)
	loaded, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	r, g, b, a := loaded.At(3, 3).RGBA()
	assert.Equal(t, uint32(128), r>>8)
	assert.Equal(t, uint32(128), g>>8)
	assert.Equal(t, uint32(128), b>>8)
	assert.Equal(t, uint32(255), a>>8)
}
