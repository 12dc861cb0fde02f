package imaging

import "image"

// Rotate turns the image clockwise by quarterTurns * 90 degrees. Turns are
// taken modulo 4, so -1 is the same as 3. A zero turn returns asset itself.
func Rotate(asset *Asset, quarterTurns int) *Asset {
	q := ((quarterTurns % 4) + 4) % 4
	if q == 0 || asset == nil {
		return asset
	}

	out := asset.derive(rotateRaster(asset.Raster, q))
	out.Rotation = (asset.Rotation + q) % 4
	return out
}

func rotateRaster(src *image.NRGBA, q int) *image.NRGBA {
	w, h := src.Bounds().Dx(), src.Bounds().Dy()
	var dst *image.NRGBA
	if q%2 == 1 {
		dst = image.NewNRGBA(image.Rect(0, 0, h, w))
	} else {
		dst = image.NewNRGBA(image.Rect(0, 0, w, h))
	}

	for y := 0; y < h; y++ {
		row := src.Pix[y*src.Stride : y*src.Stride+w*4]
		for x := 0; x < w; x++ {
			var dx, dy int
			switch q {
			case 1:
				dx, dy = h-1-y, x
			case 2:
				dx, dy = w-1-x, h-1-y
			case 3:
				dx, dy = y, w-1-x
			}
			i := dy*dst.Stride + dx*4
			copy(dst.Pix[i:i+4], row[x*4:x*4+4])
		}
	}
	return dst
}
