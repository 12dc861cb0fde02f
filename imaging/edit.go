package imaging

import (
	"fmt"
	"image"

	"golang.org/x/image/draw"
)

// Operation is a destructive pixel edit applied by Edit.
type Operation interface {
	apply(src *image.NRGBA) (*image.NRGBA, error)
}

// Crop keeps the pixels inside Rect, which must lie within the raster.
type Crop struct {
	Rect image.Rectangle
}

// Resize scales to Width x Height. When one side is zero it is derived from
// the other so the aspect ratio is kept.
type Resize struct {
	Width  int
	Height int
}

// FlipHorizontal mirrors the image left to right.
type FlipHorizontal struct{}

// FlipVertical mirrors the image top to bottom.
type FlipVertical struct{}

// Grayscale replaces every pixel by its luma, keeping alpha.
type Grayscale struct{}

// Edit applies op to asset and returns the edited asset marked dirty.
// Edits are deterministic: equal inputs give pixel-identical output.
func Edit(asset *Asset, op Operation) (*Asset, error) {
	if asset == nil || asset.Raster == nil {
		return nil, ErrNoImage
	}
	if op == nil {
		return nil, fmt.Errorf("%w: nil operation", ErrInvalidEdit)
	}
	raster, err := op.apply(asset.Raster)
	if err != nil {
		return nil, err
	}
	return asset.derive(raster), nil
}

func (c Crop) apply(src *image.NRGBA) (*image.NRGBA, error) {
	r := c.Rect.Canon()
	if r.Empty() || !r.In(src.Bounds()) {
		return nil, fmt.Errorf("%w: crop %v outside %v", ErrInvalidEdit, c.Rect, src.Bounds())
	}
	dst := image.NewNRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(dst, dst.Bounds(), src, r.Min, draw.Src)
	return dst, nil
}

func (r Resize) apply(src *image.NRGBA) (*image.NRGBA, error) {
	w, h := r.Width, r.Height
	sw, sh := src.Bounds().Dx(), src.Bounds().Dy()
	switch {
	case w < 0 || h < 0 || (w == 0 && h == 0):
		return nil, fmt.Errorf("%w: resize to %dx%d", ErrInvalidEdit, w, h)
	case w == 0:
		w = max(1, int(float64(sw)*float64(h)/float64(sh)+0.5))
	case h == 0:
		h = max(1, int(float64(sh)*float64(w)/float64(sw)+0.5))
	}
	if int64(w)*int64(h) > MaxPixels {
		return nil, fmt.Errorf("%w: resize to %dx%d exceeds pixel limit", ErrInvalidEdit, w, h)
	}
	return scale(src, w, h, draw.CatmullRom), nil
}

func (FlipHorizontal) apply(src *image.NRGBA) (*image.NRGBA, error) {
	w, h := src.Bounds().Dx(), src.Bounds().Dy()
	dst := image.NewNRGBA(src.Bounds())
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			si := y*src.Stride + x*4
			di := y*dst.Stride + (w-1-x)*4
			copy(dst.Pix[di:di+4], src.Pix[si:si+4])
		}
	}
	return dst, nil
}

func (FlipVertical) apply(src *image.NRGBA) (*image.NRGBA, error) {
	w, h := src.Bounds().Dx(), src.Bounds().Dy()
	dst := image.NewNRGBA(src.Bounds())
	for y := 0; y < h; y++ {
		copy(dst.Pix[(h-1-y)*dst.Stride:(h-1-y)*dst.Stride+w*4], src.Pix[y*src.Stride:y*src.Stride+w*4])
	}
	return dst, nil
}

func (Grayscale) apply(src *image.NRGBA) (*image.NRGBA, error) {
	dst := image.NewNRGBA(src.Bounds())
	for i := 0; i+3 < len(src.Pix); i += 4 {
		r, g, b := uint32(src.Pix[i]), uint32(src.Pix[i+1]), uint32(src.Pix[i+2])
		// Rec. 601 luma in 16.16 fixed point.
		y := uint8((19595*r + 38470*g + 7471*b + 1<<15) >> 16)
		dst.Pix[i], dst.Pix[i+1], dst.Pix[i+2], dst.Pix[i+3] = y, y, y, src.Pix[i+3]
	}
	return dst, nil
}

func scale(src *image.NRGBA, w, h int, s draw.Scaler) *image.NRGBA {
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	s.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst
}
