package imaging

import (
	"bytes"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"path/filepath"
	"strings"

	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
	"golang.org/x/image/webp"
)

// Format identifies an encoded image container.
type Format string

const (
	FormatUnknown Format = ""
	FormatPNG     Format = "png"
	FormatJPEG    Format = "jpeg"
	FormatGIF     Format = "gif"
	FormatBMP     Format = "bmp"
	FormatTIFF    Format = "tiff"
	FormatWebP    Format = "webp"
)

type codec struct {
	decode       func(io.Reader) (image.Image, error)
	decodeConfig func(io.Reader) (image.Config, error)
}

var codecs = map[Format]codec{
	FormatPNG:  {decode: png.Decode, decodeConfig: png.DecodeConfig},
	FormatJPEG: {decode: jpeg.Decode, decodeConfig: jpeg.DecodeConfig},
	FormatGIF:  {decode: gif.Decode, decodeConfig: gif.DecodeConfig},
	FormatBMP:  {decode: bmp.Decode, decodeConfig: bmp.DecodeConfig},
	FormatTIFF: {decode: tiff.Decode, decodeConfig: tiff.DecodeConfig},
	FormatWebP: {decode: webp.Decode, decodeConfig: webp.DecodeConfig},
}

// String returns the upper-case display name ("PNG", "JPEG", ...).
func (f Format) String() string {
	if f == FormatUnknown {
		return "UNKNOWN"
	}
	return strings.ToUpper(string(f))
}

// Encodable reports whether Convert can produce this format.
func (f Format) Encodable() bool {
	return f == FormatPNG || f == FormatJPEG
}

// MimeType returns the media type used in transfer offers.
func (f Format) MimeType() string {
	switch f {
	case FormatPNG:
		return "image/png"
	case FormatJPEG:
		return "image/jpeg"
	case FormatGIF:
		return "image/gif"
	case FormatBMP:
		return "image/bmp"
	case FormatTIFF:
		return "image/tiff"
	case FormatWebP:
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}

// Extension returns the canonical file extension including the dot.
func (f Format) Extension() string {
	switch f {
	case FormatJPEG:
		return ".jpg"
	case FormatUnknown:
		return ""
	default:
		return "." + string(f)
	}
}

// FormatFromName guesses a format from a file name extension.
func FormatFromName(name string) Format {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".png":
		return FormatPNG
	case ".jpg", ".jpeg":
		return FormatJPEG
	case ".gif":
		return FormatGIF
	case ".bmp":
		return FormatBMP
	case ".tif", ".tiff":
		return FormatTIFF
	case ".webp":
		return FormatWebP
	default:
		return FormatUnknown
	}
}

// SniffFormat identifies the container from magic bytes.
func SniffFormat(data []byte) Format {
	switch {
	case bytes.HasPrefix(data, []byte("\x89PNG\r\n\x1a\n")):
		return FormatPNG
	case bytes.HasPrefix(data, []byte{0xff, 0xd8}):
		return FormatJPEG
	case bytes.HasPrefix(data, []byte("GIF87a")), bytes.HasPrefix(data, []byte("GIF89a")):
		return FormatGIF
	case bytes.HasPrefix(data, []byte("BM")):
		return FormatBMP
	case bytes.HasPrefix(data, []byte("II*\x00")), bytes.HasPrefix(data, []byte("MM\x00*")):
		return FormatTIFF
	case len(data) >= 12 && string(data[:4]) == "RIFF" && string(data[8:12]) == "WEBP":
		return FormatWebP
	default:
		return FormatUnknown
	}
}
