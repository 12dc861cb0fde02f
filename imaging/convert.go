package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"

	"golang.org/x/image/draw"
)

// DefaultJPEGQuality is used when EncodeOptions.Quality is zero.
const DefaultJPEGQuality = 90

// EncodeOptions tunes Convert. Quality applies to JPEG only; higher values
// produce larger files with fewer compression artifacts.
type EncodeOptions struct {
	Quality int
}

// Convert encodes the current raster of asset as target.
func Convert(asset *Asset, target Format, opts EncodeOptions) ([]byte, error) {
	if asset == nil || asset.Raster == nil {
		return nil, &EncodeError{Format: target, Err: ErrNoImage}
	}

	var buf bytes.Buffer
	switch target {
	case FormatPNG:
		if err := png.Encode(&buf, asset.Raster); err != nil {
			return nil, &EncodeError{Format: target, Err: err}
		}
	case FormatJPEG:
		quality := opts.Quality
		if quality == 0 {
			quality = DefaultJPEGQuality
		}
		if quality < 1 || quality > 100 {
			return nil, &EncodeError{Format: target, Err: fmt.Errorf("%w: %d", ErrInvalidQuality, opts.Quality)}
		}
		if err := jpeg.Encode(&buf, flatten(asset.Raster), &jpeg.Options{Quality: quality}); err != nil {
			return nil, &EncodeError{Format: target, Err: err}
		}
	default:
		return nil, &EncodeError{Format: target, Err: ErrUnsupportedFormat}
	}
	return buf.Bytes(), nil
}

// flatten composites src over white; JPEG has no alpha channel.
func flatten(src *image.NRGBA) *image.RGBA {
	dst := image.NewRGBA(src.Bounds())
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), src, src.Bounds().Min, draw.Over)
	return dst
}
