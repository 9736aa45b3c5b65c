package imageutil

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math/rand/v2"

	"github.com/phuslu/log"

	"github.com/knights-analytics/diffbench/backends"
	"github.com/knights-analytics/diffbench/util/fileutil"
	"github.com/knights-analytics/diffbench/util/safeconv"
)

// ToPixel maps a decoder output in [-1, 1] to an 8 bit channel value.
func ToPixel(x float32) uint8 {
	return safeconv.ClampToUint8((x + 1) * 255 / 2)
}

// ToRGBA converts a (batch, 3, height, width) tensor of decoder outputs into images.
func ToRGBA(images *backends.Tensor) ([]*image.RGBA, error) {
	if !images.DataType.IsFloat() {
		return nil, fmt.Errorf("images must be a float tensor, got %s", images.DataType)
	}
	if len(images.Shape) != 4 || images.Shape[1] != 3 {
		return nil, fmt.Errorf("images must have shape (batch, 3, height, width), got %s", images.Shape)
	}
	if err := images.CheckData(); err != nil {
		return nil, err
	}
	batch, height, width := int(images.Shape[0]), int(images.Shape[2]), int(images.Shape[3])
	plane := height * width
	out := make([]*image.RGBA, batch)
	for b := range batch {
		img := image.NewRGBA(image.Rect(0, 0, width, height))
		base := b * 3 * plane
		for y := range height {
			for x := range width {
				p := y*width + x
				img.SetRGBA(x, y, color.RGBA{
					R: ToPixel(images.Float32[base+p]),
					G: ToPixel(images.Float32[base+plane+p]),
					B: ToPixel(images.Float32[base+2*plane+p]),
					A: 255,
				})
			}
		}
		out[b] = img
	}
	return out, nil
}

// SaveImages writes every image of the batch to dir as <prefix><index>-<random>.png and
// returns the written paths. dir may be a local path or an s3:// URL.
func SaveImages(images *backends.Tensor, dir string, prefix string) ([]string, error) {
	decoded, err := ToRGBA(images)
	if err != nil {
		return nil, err
	}
	if fileutil.IsLocal(dir) {
		exists, existsErr := fileutil.FileExists(dir)
		if existsErr != nil {
			return nil, existsErr
		}
		if !exists {
			if err = fileutil.CreateFile(dir, true); err != nil {
				return nil, fmt.Errorf("creating output directory %s: %w", dir, err)
			}
		}
	}

	paths := make([]string, 0, len(decoded))
	for i, img := range decoded {
		path := fileutil.PathJoinSafe(dir, fmt.Sprintf("%s%d-%d.png", prefix, i+1, 1000+rand.IntN(9000)))
		log.Info().Msgf("Saving image %d / %d to: %s", i+1, len(decoded), path)
		buf := &bytes.Buffer{}
		if err = png.Encode(buf, img); err != nil {
			return paths, err
		}
		if err = fileutil.WriteFileBytes(path, "image/png", buf.Bytes()); err != nil {
			return paths, fmt.Errorf("writing %s: %w", path, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}
