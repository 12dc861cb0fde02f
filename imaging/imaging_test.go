package imaging

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/gif"
	"image/png"
	"testing"
	"time"

	"github.com/gogpu/gg/text"
)

func testRaster(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 37), G: uint8(y * 53), B: uint8((x + y) * 11), A: 255})
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode() error = %v", err)
	}
	return buf.Bytes()
}

func sameRaster(a, b *image.NRGBA) bool {
	return a.Bounds() == b.Bounds() && bytes.Equal(a.Pix, b.Pix)
}

func TestDecodePNG(t *testing.T) {
	src := testRaster(7, 5)
	asset, err := DecodeNamed("photos/cat.png", encodePNG(t, src))
	if err != nil {
		t.Fatalf("DecodeNamed() error = %v", err)
	}
	if asset.Format != FormatPNG {
		t.Fatalf("expected png format, got %q", asset.Format)
	}
	if asset.Name != "photos/cat.png" || asset.Dirty || asset.Rotation != 0 {
		t.Fatalf("unexpected asset state: %+v", asset)
	}
	if !sameRaster(asset.Raster, src) {
		t.Fatalf("decoded raster differs from source")
	}
}

func TestDecodeGIFFirstFrame(t *testing.T) {
	pal := color.Palette{color.Black, color.White}
	frame := image.NewPaletted(image.Rect(0, 0, 3, 2), pal)
	frame.SetColorIndex(1, 1, 1)
	var buf bytes.Buffer
	if err := gif.EncodeAll(&buf, &gif.GIF{Image: []*image.Paletted{frame, frame}, Delay: []int{0, 0}}); err != nil {
		t.Fatalf("gif.EncodeAll() error = %v", err)
	}

	asset, err := Decode(buf.Bytes())
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if asset.Format != FormatGIF || asset.Width() != 3 || asset.Height() != 2 {
		t.Fatalf("unexpected gif asset %s %dx%d", asset.Format, asset.Width(), asset.Height())
	}
	if got := asset.Raster.NRGBAAt(1, 1); got != (color.NRGBA{255, 255, 255, 255}) {
		t.Fatalf("expected white pixel, got %v", got)
	}
}

func TestDecodeMalformed(t *testing.T) {
	valid := encodePNG(t, testRaster(4, 4))
	tests := []struct {
		name string
		data []byte
		want error
	}{
		{name: "empty", data: nil, want: ErrUnsupportedFormat},
		{name: "text", data: []byte("hello, not an image"), want: ErrUnsupportedFormat},
		{name: "png signature only", data: valid[:8], want: ErrCorrupt},
		{name: "truncated png", data: valid[:len(valid)/2], want: ErrCorrupt},
		{name: "jpeg garbage", data: []byte{0xff, 0xd8, 0xff, 0x00, 0x01, 0x02}, want: ErrCorrupt},
		{name: "webp header only", data: []byte("RIFF\x00\x00\x00\x00WEBPVP8 "), want: ErrCorrupt},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			asset, err := Decode(tc.data)
			if asset != nil {
				t.Fatalf("expected nil asset on error")
			}
			var decErr *DecodeError
			if !errors.As(err, &decErr) {
				t.Fatalf("expected *DecodeError, got %T (%v)", err, err)
			}
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestDecodeRejectsHugeDimensions(t *testing.T) {
	data := encodePNG(t, testRaster(1, 1))
	// Patch IHDR width/height (offsets 16..23) to 20000x20000; CRC no longer
	// matches, and either check must classify the input as corrupt.
	copy(data[16:24], []byte{0, 0, 0x4e, 0x20, 0, 0, 0x4e, 0x20})
	if _, err := Decode(data); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
}

func TestRotateCyclicGroup(t *testing.T) {
	asset := &Asset{Format: FormatPNG, Raster: testRaster(5, 3)}

	if got := Rotate(asset, 0); got != asset {
		t.Fatalf("rotate by 0 should return the same asset")
	}
	if got := Rotate(asset, 8); got != asset {
		t.Fatalf("rotate by 8 should return the same asset")
	}

	once := Rotate(asset, 1)
	if once.Width() != 3 || once.Height() != 5 {
		t.Fatalf("expected 3x5 after one turn, got %dx%d", once.Width(), once.Height())
	}
	if !once.Dirty || once.Rotation != 1 {
		t.Fatalf("expected dirty asset with rotation 1, got dirty=%v rotation=%d", once.Dirty, once.Rotation)
	}
	// Top-left source pixel ends up top-right after a clockwise turn.
	if once.Raster.NRGBAAt(2, 0) != asset.Raster.NRGBAAt(0, 0) {
		t.Fatalf("clockwise rotation misplaced the origin pixel")
	}

	four := Rotate(Rotate(Rotate(Rotate(asset, 1), 1), 1), 1)
	if !sameRaster(four.Raster, asset.Raster) {
		t.Fatalf("four quarter turns did not restore the image")
	}
	if four.Rotation != 0 {
		t.Fatalf("expected rotation 0 after full turn, got %d", four.Rotation)
	}
	if back := Rotate(Rotate(asset, 1), 3); !sameRaster(back.Raster, asset.Raster) {
		t.Fatalf("rotate 1 then 3 did not restore the image")
	}
	if neg, pos := Rotate(asset, -1), Rotate(asset, 3); !sameRaster(neg.Raster, pos.Raster) {
		t.Fatalf("rotate -1 should equal rotate 3")
	}
	if Rotate(asset, 2).Raster == asset.Raster {
		t.Fatalf("rotation must not share the source raster")
	}
}

func TestConvertRoundTripPNG(t *testing.T) {
	asset, err := Decode(encodePNG(t, testRaster(9, 6)))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	out, err := Convert(asset, FormatPNG, EncodeOptions{})
	if err != nil {
		t.Fatalf("Convert() error = %v", err)
	}
	again, err := Decode(out)
	if err != nil {
		t.Fatalf("Decode(converted) error = %v", err)
	}
	if !sameRaster(again.Raster, asset.Raster) {
		t.Fatalf("png round-trip is not exact")
	}
}

func TestConvertRoundTripJPEGWithinTolerance(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 32, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			src.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 8), G: uint8(y * 8), B: 128, A: 255})
		}
	}
	asset := &Asset{Format: FormatPNG, Raster: src}

	out, err := Convert(asset, FormatJPEG, EncodeOptions{Quality: 95})
	if err != nil {
		t.Fatalf("Convert() error = %v", err)
	}
	if SniffFormat(out) != FormatJPEG {
		t.Fatalf("expected jpeg output")
	}
	again, err := Decode(out)
	if err != nil {
		t.Fatalf("Decode(converted) error = %v", err)
	}
	if again.Raster.Bounds() != src.Bounds() {
		t.Fatalf("bounds changed: %v", again.Raster.Bounds())
	}

	var total int
	for i := range src.Pix {
		d := int(src.Pix[i]) - int(again.Raster.Pix[i])
		if d < 0 {
			d = -d
		}
		total += d
	}
	if mean := float64(total) / float64(len(src.Pix)); mean > 6 {
		t.Fatalf("mean absolute error %.2f above tolerance", mean)
	}
}

func TestConvertQuality(t *testing.T) {
	asset := &Asset{Format: FormatPNG, Raster: testRaster(64, 64)}

	for _, q := range []int{-1, 101, 1000} {
		_, err := Convert(asset, FormatJPEG, EncodeOptions{Quality: q})
		if !errors.Is(err, ErrInvalidQuality) {
			t.Fatalf("quality %d: expected ErrInvalidQuality, got %v", q, err)
		}
		var encErr *EncodeError
		if !errors.As(err, &encErr) {
			t.Fatalf("quality %d: expected *EncodeError, got %T", q, err)
		}
	}

	low, err := Convert(asset, FormatJPEG, EncodeOptions{Quality: 10})
	if err != nil {
		t.Fatalf("Convert(q=10) error = %v", err)
	}
	high, err := Convert(asset, FormatJPEG, EncodeOptions{Quality: 100})
	if err != nil {
		t.Fatalf("Convert(q=100) error = %v", err)
	}
	if len(high) <= len(low) {
		t.Fatalf("expected higher quality to be larger: q100=%d q10=%d", len(high), len(low))
	}
}

func TestConvertUnsupportedTarget(t *testing.T) {
	asset := &Asset{Format: FormatPNG, Raster: testRaster(2, 2)}
	if _, err := Convert(asset, FormatWebP, EncodeOptions{}); !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
	if _, err := Convert(nil, FormatPNG, EncodeOptions{}); !errors.Is(err, ErrNoImage) {
		t.Fatalf("expected ErrNoImage, got %v", err)
	}
}

func TestEditOperations(t *testing.T) {
	asset := &Asset{Format: FormatPNG, Raster: testRaster(8, 4)}

	cropped, err := Edit(asset, Crop{Rect: image.Rect(2, 1, 6, 3)})
	if err != nil {
		t.Fatalf("Edit(Crop) error = %v", err)
	}
	if cropped.Width() != 4 || cropped.Height() != 2 || !cropped.Dirty {
		t.Fatalf("unexpected crop result %dx%d dirty=%v", cropped.Width(), cropped.Height(), cropped.Dirty)
	}
	if cropped.Raster.NRGBAAt(0, 0) != asset.Raster.NRGBAAt(2, 1) {
		t.Fatalf("crop origin pixel mismatch")
	}

	resized, err := Edit(asset, Resize{Width: 4})
	if err != nil {
		t.Fatalf("Edit(Resize) error = %v", err)
	}
	if resized.Width() != 4 || resized.Height() != 2 {
		t.Fatalf("expected aspect-preserving 4x2, got %dx%d", resized.Width(), resized.Height())
	}

	flipped, err := Edit(asset, FlipHorizontal{})
	if err != nil {
		t.Fatalf("Edit(FlipHorizontal) error = %v", err)
	}
	if flipped.Raster.NRGBAAt(7, 0) != asset.Raster.NRGBAAt(0, 0) {
		t.Fatalf("horizontal flip misplaced pixel")
	}
	twice, _ := Edit(flipped, FlipHorizontal{})
	if !sameRaster(twice.Raster, asset.Raster) {
		t.Fatalf("double horizontal flip should restore the image")
	}

	vflip, err := Edit(asset, FlipVertical{})
	if err != nil {
		t.Fatalf("Edit(FlipVertical) error = %v", err)
	}
	if vflip.Raster.NRGBAAt(3, 3) != asset.Raster.NRGBAAt(3, 0) {
		t.Fatalf("vertical flip misplaced pixel")
	}

	gray, err := Edit(asset, Grayscale{})
	if err != nil {
		t.Fatalf("Edit(Grayscale) error = %v", err)
	}
	px := gray.Raster.NRGBAAt(5, 2)
	if px.R != px.G || px.G != px.B || px.A != 255 {
		t.Fatalf("expected gray pixel, got %v", px)
	}

	if asset.Dirty {
		t.Fatalf("edits must not mutate the input asset")
	}
}

func TestEditInvalidParameters(t *testing.T) {
	asset := &Asset{Format: FormatPNG, Raster: testRaster(8, 4)}
	ops := map[string]Operation{
		"crop outside":   Crop{Rect: image.Rect(0, 0, 9, 4)},
		"crop empty":     Crop{Rect: image.Rect(2, 2, 2, 3)},
		"resize zero":    Resize{},
		"resize neg":     Resize{Width: -3, Height: 2},
		"annotate empty": Annotate{},
		"text no string": Annotate{Marks: []Mark{{Kind: MarkText, Points: []image.Point{{1, 1}}}}},
		"line one point": Annotate{Marks: []Mark{{Kind: MarkLine, Points: []image.Point{{1, 1}}}}},
		"unknown mark":   Annotate{Marks: []Mark{{Kind: "spray", Points: []image.Point{{1, 1}}}}},
		"nil op":         nil,
	}
	for name, op := range ops {
		if _, err := Edit(asset, op); !errors.Is(err, ErrInvalidEdit) {
			t.Fatalf("%s: expected ErrInvalidEdit, got %v", name, err)
		}
	}
}

func TestEditDeterministic(t *testing.T) {
	asset := &Asset{Format: FormatPNG, Raster: testRaster(40, 30)}
	ops := []Operation{
		Resize{Width: 17, Height: 11},
		Grayscale{},
		Annotate{Marks: []Mark{
			{Kind: MarkStroke, Points: []image.Point{{2, 2}, {10, 12}, {20, 4}}, Color: color.NRGBA{R: 255, A: 255}, Width: 3},
			{Kind: MarkRectangle, Points: []image.Point{{25, 5}, {35, 15}}, Filled: true, Color: color.NRGBA{B: 255, A: 255}},
			{Kind: MarkEllipse, Points: []image.Point{{5, 18}, {15, 28}}},
		}},
	}
	for _, op := range ops {
		a, err := Edit(asset, op)
		if err != nil {
			t.Fatalf("Edit(%T) error = %v", op, err)
		}
		b, err := Edit(asset, op)
		if err != nil {
			t.Fatalf("Edit(%T) error = %v", op, err)
		}
		if !sameRaster(a.Raster, b.Raster) {
			t.Fatalf("Edit(%T) is not deterministic", op)
		}
	}
}

func TestAnnotateDrawsFilledRectangle(t *testing.T) {
	white := image.NewNRGBA(image.Rect(0, 0, 20, 20))
	for i := range white.Pix {
		white.Pix[i] = 255
	}
	asset := &Asset{Format: FormatPNG, Raster: white}

	out, err := Edit(asset, Annotate{Marks: []Mark{{
		Kind:   MarkRectangle,
		Points: []image.Point{{4, 4}, {16, 16}},
		Color:  color.NRGBA{R: 255, A: 255},
		Filled: true,
	}}})
	if err != nil {
		t.Fatalf("Edit(Annotate) error = %v", err)
	}
	if got := out.Raster.NRGBAAt(10, 10); got.R < 200 || got.G > 60 || got.B > 60 {
		t.Fatalf("expected red at rectangle centre, got %v", got)
	}
	if got := out.Raster.NRGBAAt(1, 1); got != (color.NRGBA{255, 255, 255, 255}) {
		t.Fatalf("expected untouched corner, got %v", got)
	}
}

func TestTextMarkFontSelection(t *testing.T) {
	sources := make(map[*text.FontSource]string)
	for _, tc := range []struct {
		name string
		mark Mark
	}{
		{"regular", Mark{}},
		{"bold", Mark{Bold: true}},
		{"mono", Mark{Monospace: true}},
		{"mono bold", Mark{Monospace: true, Bold: true}},
	} {
		src, err := fontFor(tc.mark)
		if err != nil {
			t.Fatalf("fontFor(%s) error = %v", tc.name, err)
		}
		if other, dup := sources[src]; dup {
			t.Fatalf("%s and %s share a font source", tc.name, other)
		}
		sources[src] = tc.name

		again, _ := fontFor(tc.mark)
		if again != src {
			t.Fatalf("fontFor(%s) loaded the font twice", tc.name)
		}
	}

	asset := &Asset{Format: FormatPNG, Raster: testRaster(80, 30)}
	for _, m := range []Mark{
		{Kind: MarkText, Points: []image.Point{{2, 20}}, Text: "pix", Bold: true},
		{Kind: MarkText, Points: []image.Point{{2, 20}}, Text: "pix", Monospace: true, FontSize: 12},
	} {
		if _, err := Edit(asset, Annotate{Marks: []Mark{m}}); err != nil {
			t.Fatalf("Edit(text mark %+v) error = %v", m, err)
		}
	}
}

func TestDescribeAndThumbnail(t *testing.T) {
	asset := &Asset{Name: "/pictures/holiday.jpg", Format: FormatJPEG, Raster: testRaster(400, 200)}

	md := Describe(asset, 12_595)
	if md.Filename != "holiday.jpg" || md.Dimensions != "400 x 200" || md.Format != "JPEG" || md.Size != "12.3 KB" {
		t.Fatalf("unexpected metadata %+v", md)
	}
	if md.Modified != "" {
		t.Fatalf("modified without a time = %q", md.Modified)
	}
	modified := time.Date(2024, 5, 17, 9, 30, 5, 0, time.Local)
	if got := DescribeFile(asset, -1, modified); got.Modified != "2024-05-17 09:30:05" || got.Size != "" {
		t.Fatalf("unexpected file metadata %+v", got)
	}
	if got := FormatSize(1_310_720); got != "1.25 MB" {
		t.Fatalf("FormatSize() = %q", got)
	}
	if got := FormatSize(512); got != "512 B" {
		t.Fatalf("FormatSize() = %q", got)
	}

	thumb, err := Thumbnail(asset, 100)
	if err != nil {
		t.Fatalf("Thumbnail() error = %v", err)
	}
	if thumb.Width() != 100 || thumb.Height() != 50 {
		t.Fatalf("expected 100x50 thumbnail, got %dx%d", thumb.Width(), thumb.Height())
	}
	if thumb.Dirty {
		t.Fatalf("thumbnail of clean asset must stay clean")
	}
	if small, _ := Thumbnail(asset, 1000); small != asset {
		t.Fatalf("thumbnail larger than image should return the asset")
	}
}

func TestFormatHelpers(t *testing.T) {
	tests := []struct {
		name string
		want Format
		mime string
		ext  string
	}{
		{"a.PNG", FormatPNG, "image/png", ".png"},
		{"b.jpeg", FormatJPEG, "image/jpeg", ".jpg"},
		{"c.jpg", FormatJPEG, "image/jpeg", ".jpg"},
		{"d.webp", FormatWebP, "image/webp", ".webp"},
		{"e.tif", FormatTIFF, "image/tiff", ".tiff"},
		{"f.txt", FormatUnknown, "application/octet-stream", ""},
	}
	for _, tc := range tests {
		f := FormatFromName(tc.name)
		if f != tc.want || f.MimeType() != tc.mime || f.Extension() != tc.ext {
			t.Fatalf("%s: got %q %q %q", tc.name, f, f.MimeType(), f.Extension())
		}
	}
}
