package ground

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"

	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// ErrNothingToRender is returned for frames without finite points
var ErrNothingToRender = errors.New("no finite points to render")

// maxHeightMapSide caps the height map in pixels per side
const maxHeightMapSide = 1024

var (
	gridColor   = color.RGBA{0xd3, 0xd3, 0xd3, 0xff}
	groundColor = color.RGBA{0x00, 0x64, 0x00, 0xff}
)

// PreviewRenderer draws aligned frames for quick visual checks
type PreviewRenderer struct {
	Scale       float64           // Canvas millimetres per metre
	Padding     float64           // Padding in metres
	GridSpacing float64           // Height grid spacing in metres; 0 disables
	MaxPoints   int               // Points drawn at most; the frame is subsampled evenly
	PointRadius float64           // Marker radius in canvas millimetres
	Resolution  canvas.Resolution // PNG resolution of the side view
	CellSize    float64           // Height map cell size in metres
}

// NewPreviewRenderer returns a renderer suited to a roadside scan
func NewPreviewRenderer() *PreviewRenderer {
	return &PreviewRenderer{
		Scale:       5,
		Padding:     2,
		GridSpacing: 1,
		MaxPoints:   20000,
		PointRadius: 0.6,
		Resolution:  canvas.DPI(72),
		CellSize:    0.25,
	}
}

// canvasRenderer is implemented by the svg and rasterizer renderers
type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

// sideBounds spans x horizontally and z vertically
type sideBounds struct {
	minX, maxX, minZ, maxZ float64
}

func (r *PreviewRenderer) sideBounds(points []Point3) (sideBounds, bool) {
	b := sideBounds{minX: math.Inf(1), maxX: math.Inf(-1), minZ: math.Inf(1), maxZ: math.Inf(-1)}
	found := false
	for _, p := range points {
		if !isFinitePoint(p) {
			continue
		}
		found = true
		b.minX, b.maxX = math.Min(b.minX, p.X), math.Max(b.maxX, p.X)
		b.minZ, b.maxZ = math.Min(b.minZ, p.Z), math.Max(b.maxZ, p.Z)
	}
	// The ground line is always in view
	b.minZ, b.maxZ = math.Min(b.minZ, 0), math.Max(b.maxZ, 0)
	return b, found
}

func (r *PreviewRenderer) canvasSize(b sideBounds) (float64, float64) {
	width := (b.maxX - b.minX + 2*r.Padding) * r.Scale
	height := (b.maxZ - b.minZ + 2*r.Padding) * r.Scale
	return width, height
}

// RenderSideViewSVG writes an x/z elevation of frame as SVG. The ground plane
// is the line z = 0.
func (r *PreviewRenderer) RenderSideViewSVG(w io.Writer, frame *Frame) error {
	b, ok := r.sideBounds(frame.Points)
	if !ok {
		return ErrNothingToRender
	}
	width, height := r.canvasSize(b)

	svgRenderer := svg.New(w, width, height, nil)
	r.renderSideView(svgRenderer, frame.Points, b, width, height)
	return svgRenderer.Close()
}

// RenderSideViewPNG is RenderSideViewSVG rasterised
func (r *PreviewRenderer) RenderSideViewPNG(w io.Writer, frame *Frame) error {
	b, ok := r.sideBounds(frame.Points)
	if !ok {
		return ErrNothingToRender
	}
	width, height := r.canvasSize(b)

	rast := rasterizer.New(width, height, r.Resolution, canvas.DefaultColorSpace)
	r.renderSideView(rast, frame.Points, b, width, height)
	return png.Encode(w, rast)
}

func (r *PreviewRenderer) renderSideView(renderer canvasRenderer, points []Point3, b sideBounds, width, height float64) {
	bgStyle := canvas.DefaultStyle
	bgStyle.Fill = canvas.Paint{Color: canvas.White}
	renderer.RenderPath(canvas.Rectangle(width, height), bgStyle, canvas.Identity)

	toCanvas := func(x, z float64) (float64, float64) {
		return (x - b.minX + r.Padding) * r.Scale, (z - b.minZ + r.Padding) * r.Scale
	}

	if r.GridSpacing > 0 {
		gridStyle := canvas.DefaultStyle
		gridStyle.Fill = canvas.Paint{Color: canvas.Transparent}
		gridStyle.Stroke = canvas.Paint{Color: gridColor}
		gridStyle.StrokeWidth = 0.2
		gridStyle.Dashes = []float64{1, 1}

		for z := math.Floor(b.minZ/r.GridSpacing) * r.GridSpacing; z <= b.maxZ; z += r.GridSpacing {
			if z == 0 {
				continue
			}
			x1, y1 := toCanvas(b.minX-r.Padding, z)
			x2, y2 := toCanvas(b.maxX+r.Padding, z)
			line := &canvas.Path{}
			line.MoveTo(x1, y1)
			line.LineTo(x2, y2)
			renderer.RenderPath(line, gridStyle, canvas.Identity)
		}
	}

	groundStyle := canvas.DefaultStyle
	groundStyle.Fill = canvas.Paint{Color: canvas.Transparent}
	groundStyle.Stroke = canvas.Paint{Color: groundColor}
	groundStyle.StrokeWidth = 0.5
	gx1, gy := toCanvas(b.minX-r.Padding, 0)
	gx2, _ := toCanvas(b.maxX+r.Padding, 0)
	ground := &canvas.Path{}
	ground.MoveTo(gx1, gy)
	ground.LineTo(gx2, gy)
	renderer.RenderPath(ground, groundStyle, canvas.Identity)

	pointStyle := canvas.DefaultStyle
	pointStyle.Stroke = canvas.Paint{Color: canvas.Transparent}
	stride := r.stride(len(points))
	for i := 0; i < len(points); i += stride {
		p := points[i]
		if !isFinitePoint(p) {
			continue
		}
		pointStyle.Fill = canvas.Paint{Color: heightColor(p.Z, b.minZ, b.maxZ)}
		cx, cy := toCanvas(p.X, p.Z)
		renderer.RenderPath(canvas.Circle(r.PointRadius).Translate(cx, cy), pointStyle, canvas.Identity)
	}
}

func (r *PreviewRenderer) stride(n int) int {
	if r.MaxPoints <= 0 || n <= r.MaxPoints {
		return 1
	}
	return (n + r.MaxPoints - 1) / r.MaxPoints
}

// RenderHeightMapPNG writes a top-down raster of frame where each cell shows
// the highest point above the ground plane
func (r *PreviewRenderer) RenderHeightMapPNG(w io.Writer, frame *Frame) error {
	img, err := r.HeightMap(frame)
	if err != nil {
		return err
	}
	return png.Encode(w, img)
}

// HeightMap rasterises frame top-down. Cells without points stay white.
func (r *PreviewRenderer) HeightMap(frame *Frame) (*image.RGBA, error) {
	bound, ok := footprint(frame.Points)
	if !ok {
		return nil, ErrNothingToRender
	}

	cell := r.CellSize
	if cell <= 0 {
		cell = 0.25
	}
	spanX := bound.Max.X() - bound.Min.X()
	spanY := bound.Max.Y() - bound.Min.Y()
	if longest := math.Max(spanX, spanY); longest/cell > maxHeightMapSide {
		cell = longest / maxHeightMapSide
	}
	const margin = 20 // pixels, room for the legend
	cols := int(spanX/cell) + 1
	rows := int(spanY/cell) + 1

	top := make([]float64, cols*rows)
	for i := range top {
		top[i] = math.Inf(-1)
	}
	minZ, maxZ := math.Inf(1), math.Inf(-1)
	for _, p := range frame.Points {
		if !isFinitePoint(p) {
			continue
		}
		cx := int((p.X - bound.Min.X()) / cell)
		cy := int((p.Y - bound.Min.Y()) / cell)
		idx := cy*cols + cx
		top[idx] = math.Max(top[idx], p.Z)
		minZ, maxZ = math.Min(minZ, p.Z), math.Max(maxZ, p.Z)
	}

	img := image.NewRGBA(image.Rect(0, 0, cols, rows+margin))
	for i := range img.Pix {
		img.Pix[i] = 255
	}
	for cy := 0; cy < rows; cy++ {
		for cx := 0; cx < cols; cx++ {
			z := top[cy*cols+cx]
			if math.IsInf(z, -1) {
				continue
			}
			// Image rows grow downwards, y grows upwards
			img.SetRGBA(cx, margin+rows-1-cy, heightColor(z, minZ, maxZ))
		}
	}

	drawText(img, 2, 14, fmt.Sprintf("%s z %.2f..%.2f m", frame.ID, minZ, maxZ), color.RGBA{0, 0, 0, 255})
	return img, nil
}

// heightColor maps z onto a blue-green-red ramp over [lo, hi]
func heightColor(z, lo, hi float64) color.RGBA {
	t := 0.5
	if hi > lo {
		t = (z - lo) / (hi - lo)
	}
	t = math.Max(0, math.Min(1, t))

	var rr, gg, bb float64
	if t < 0.5 {
		s := t * 2
		rr, gg, bb = 0, s, 1-s
	} else {
		s := (t - 0.5) * 2
		rr, gg, bb = s, 1-s, 0
	}
	return color.RGBA{uint8(rr * 255), uint8(gg * 255), uint8(bb * 255), 255}
}

// drawText renders a label with the fixed 7x13 face
func drawText(img *image.RGBA, x, y int, text string, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}
