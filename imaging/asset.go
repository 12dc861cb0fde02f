package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"

	"golang.org/x/image/draw"
)

// MaxPixels bounds the raster size accepted by Decode. Headers claiming more
// pixels are rejected before any pixel data is allocated.
const MaxPixels = 100_000_000

// Asset is a decoded image together with its viewing state.
//
// Assets are never mutated after construction. Operations return a new Asset
// that may share the Raster of its input when no pixels change.
type Asset struct {
	Name     string
	Format   Format
	Raster   *image.NRGBA
	Rotation int
	Dirty    bool
	Source   []byte
}

// Width returns the raster width in pixels.
func (a *Asset) Width() int {
	return a.Raster.Bounds().Dx()
}

// Height returns the raster height in pixels.
func (a *Asset) Height() int {
	return a.Raster.Bounds().Dy()
}

// Decode parses an encoded image. The container is detected from its magic
// bytes; GIF input yields its first frame.
func Decode(data []byte) (*Asset, error) {
	return DecodeNamed("", data)
}

// DecodeNamed is Decode with a source name recorded on the asset.
func DecodeNamed(name string, data []byte) (asset *Asset, err error) {
	format := SniffFormat(data)
	c, ok := codecs[format]
	if !ok {
		return nil, &DecodeError{Kind: DecodeUnsupportedFormat, Format: FormatFromName(name), Err: errors.New("unrecognized image signature")}
	}

	defer func() {
		if r := recover(); r != nil {
			asset = nil
			err = corrupt(format, fmt.Errorf("decoder panic: %v", r))
		}
	}()

	cfg, err := c.decodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, corrupt(format, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, corrupt(format, fmt.Errorf("invalid dimensions %dx%d", cfg.Width, cfg.Height))
	}
	if int64(cfg.Width)*int64(cfg.Height) > MaxPixels {
		return nil, corrupt(format, fmt.Errorf("image too large: %dx%d", cfg.Width, cfg.Height))
	}

	img, err := c.decode(bytes.NewReader(data))
	if err != nil {
		return nil, corrupt(format, err)
	}

	return &Asset{
		Name:   name,
		Format: format,
		Raster: toNRGBA(img),
		Source: data,
	}, nil
}

// toNRGBA copies img into a zero-origin NRGBA raster.
func toNRGBA(img image.Image) *image.NRGBA {
	b := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

// derive returns a dirty copy of a carrying a new raster. The encoded source
// bytes no longer describe the pixels and are dropped.
func (a *Asset) derive(raster *image.NRGBA) *Asset {
	return &Asset{
		Name:     a.Name,
		Format:   a.Format,
		Raster:   raster,
		Rotation: a.Rotation,
		Dirty:    true,
	}
}
