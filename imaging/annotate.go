package imaging

import (
	"fmt"
	"image"
	"image/color"
	"sync"

	"github.com/gogpu/gg"
	"github.com/gogpu/gg/text"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/gofont/gomono"
	"golang.org/x/image/font/gofont/gomonobold"
	"golang.org/x/image/font/gofont/goregular"
)

// MarkKind selects the drawing tool of a Mark.
type MarkKind string

const (
	MarkStroke    MarkKind = "stroke"
	MarkLine      MarkKind = "line"
	MarkRectangle MarkKind = "rectangle"
	MarkEllipse   MarkKind = "ellipse"
	MarkText      MarkKind = "text"
)

// Mark is one annotation in raster coordinates.
//
// Stroke uses every point of Points as a freehand path. Line, Rectangle and
// Ellipse use the first two points as opposite corners. Text is drawn with its
// baseline starting at Points[0] in Go Regular, or Go Mono when Monospace is
// set, and the bold cut of either when Bold is set.
type Mark struct {
	Kind      MarkKind
	Points    []image.Point
	Color     color.Color
	Width     float64
	Filled    bool
	Text      string
	FontSize  float64
	Monospace bool
	Bold      bool
}

// Annotate burns marks into the raster.
type Annotate struct {
	Marks []Mark
}

type lazyFont struct {
	ttf  []byte
	once sync.Once
	src  *text.FontSource
	err  error
}

func (f *lazyFont) load() (*text.FontSource, error) {
	f.once.Do(func() {
		f.src, f.err = text.NewFontSource(f.ttf)
	})
	return f.src, f.err
}

var (
	fontRegular  = &lazyFont{ttf: goregular.TTF}
	fontBold     = &lazyFont{ttf: gobold.TTF}
	fontMono     = &lazyFont{ttf: gomono.TTF}
	fontMonoBold = &lazyFont{ttf: gomonobold.TTF}
)

func fontFor(m Mark) (*text.FontSource, error) {
	switch {
	case m.Monospace && m.Bold:
		return fontMonoBold.load()
	case m.Monospace:
		return fontMono.load()
	case m.Bold:
		return fontBold.load()
	default:
		return fontRegular.load()
	}
}

func (a Annotate) apply(src *image.NRGBA) (*image.NRGBA, error) {
	if len(a.Marks) == 0 {
		return nil, fmt.Errorf("%w: annotate without marks", ErrInvalidEdit)
	}
	for i, m := range a.Marks {
		if err := m.validate(); err != nil {
			return nil, fmt.Errorf("%w: mark %d: %v", ErrInvalidEdit, i, err)
		}
	}

	dc := gg.NewContextForImage(src)
	defer dc.Close()
	dc.SetLineCap(gg.LineCapRound)
	dc.SetLineJoin(gg.LineJoinRound)

	for _, m := range a.Marks {
		if err := drawMark(dc, m); err != nil {
			return nil, fmt.Errorf("imaging: draw %s: %w", m.Kind, err)
		}
	}
	return toNRGBA(dc.Image()), nil
}

func (m Mark) validate() error {
	need := 2
	switch m.Kind {
	case MarkStroke:
		need = 1
	case MarkText:
		need = 1
		if m.Text == "" {
			return fmt.Errorf("empty text")
		}
	case MarkLine, MarkRectangle, MarkEllipse:
	default:
		return fmt.Errorf("unknown kind %q", m.Kind)
	}
	if len(m.Points) < need {
		return fmt.Errorf("%s needs %d points, got %d", m.Kind, need, len(m.Points))
	}
	if m.Width < 0 || m.FontSize < 0 {
		return fmt.Errorf("negative size")
	}
	return nil
}

func drawMark(dc *gg.Context, m Mark) error {
	col := m.Color
	if col == nil {
		col = color.Black
	}
	width := m.Width
	if width == 0 {
		width = 2
	}
	dc.SetColor(col)
	dc.SetLineWidth(width)

	pt := func(i int) (float64, float64) {
		return float64(m.Points[i].X), float64(m.Points[i].Y)
	}

	switch m.Kind {
	case MarkStroke:
		x, y := pt(0)
		dc.MoveTo(x, y)
		if len(m.Points) == 1 {
			dc.LineTo(x, y)
		}
		for i := 1; i < len(m.Points); i++ {
			dc.LineTo(pt(i))
		}
		return dc.Stroke()
	case MarkLine:
		x1, y1 := pt(0)
		x2, y2 := pt(1)
		dc.DrawLine(x1, y1, x2, y2)
		return dc.Stroke()
	case MarkRectangle:
		r := image.Rectangle{Min: m.Points[0], Max: m.Points[1]}.Canon()
		dc.DrawRectangle(float64(r.Min.X), float64(r.Min.Y), float64(r.Dx()), float64(r.Dy()))
		return paint(dc, m.Filled)
	case MarkEllipse:
		r := image.Rectangle{Min: m.Points[0], Max: m.Points[1]}.Canon()
		rx, ry := float64(r.Dx())/2, float64(r.Dy())/2
		dc.DrawEllipse(float64(r.Min.X)+rx, float64(r.Min.Y)+ry, rx, ry)
		return paint(dc, m.Filled)
	case MarkText:
		src, err := fontFor(m)
		if err != nil {
			return err
		}
		size := m.FontSize
		if size == 0 {
			size = 16
		}
		dc.SetFont(src.Face(size))
		x, y := pt(0)
		dc.DrawString(m.Text, x, y)
		return nil
	}
	return nil
}

func paint(dc *gg.Context, filled bool) error {
	if filled {
		return dc.Fill()
	}
	return dc.Stroke()
}
