package imaging

import (
	"fmt"
	"path/filepath"
	"time"

	"golang.org/x/image/draw"
)

// Metadata is the info panel content for an asset.
type Metadata struct {
	Filename   string
	Width      int
	Height     int
	Dimensions string
	Size       string
	Format     string
	Modified   string
}

// ModifiedLayout formats Metadata.Modified.
const ModifiedLayout = "2006-01-02 15:04:05"

// Describe summarises asset for display. sizeBytes is the encoded size the
// caller knows about; pass a negative value when unknown.
func Describe(asset *Asset, sizeBytes int64) Metadata {
	return DescribeFile(asset, sizeBytes, time.Time{})
}

// DescribeFile is Describe with the source file's modification time, shown in
// local time. A zero modified leaves Modified empty.
func DescribeFile(asset *Asset, sizeBytes int64, modified time.Time) Metadata {
	if asset == nil || asset.Raster == nil {
		return Metadata{}
	}
	md := Metadata{
		Filename:   filepath.Base(asset.Name),
		Width:      asset.Width(),
		Height:     asset.Height(),
		Dimensions: fmt.Sprintf("%d x %d", asset.Width(), asset.Height()),
		Format:     asset.Format.String(),
	}
	if asset.Name == "" {
		md.Filename = "untitled"
	}
	if sizeBytes >= 0 {
		md.Size = FormatSize(sizeBytes)
	}
	if !modified.IsZero() {
		md.Modified = modified.Local().Format(ModifiedLayout)
	}
	return md
}

// FormatSize renders a byte count as "512 B", "12.3 KB" or "1.25 MB".
func FormatSize(n int64) string {
	switch {
	case n < 1024:
		return fmt.Sprintf("%d B", n)
	case n < 1024*1024:
		return fmt.Sprintf("%.1f KB", float64(n)/1024)
	default:
		return fmt.Sprintf("%.2f MB", float64(n)/(1024*1024))
	}
}

// Thumbnail returns a downscaled copy whose longer side is at most maxSide.
// The returned asset is a preview and is not marked dirty.
func Thumbnail(asset *Asset, maxSide int) (*Asset, error) {
	if asset == nil || asset.Raster == nil {
		return nil, ErrNoImage
	}
	if maxSide <= 0 {
		return nil, fmt.Errorf("%w: thumbnail size %d", ErrInvalidEdit, maxSide)
	}
	w, h := asset.Width(), asset.Height()
	if w <= maxSide && h <= maxSide {
		return asset, nil
	}
	tw, th := maxSide, maxSide
	if w >= h {
		th = max(1, h*maxSide/w)
	} else {
		tw = max(1, w*maxSide/h)
	}
	return &Asset{
		Name:     asset.Name,
		Format:   asset.Format,
		Raster:   scale(asset.Raster, tw, th, draw.ApproxBiLinear),
		Rotation: asset.Rotation,
		Dirty:    asset.Dirty,
	}, nil
}
