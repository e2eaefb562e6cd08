package slam

import (
	"image/color"
	"image/png"
	"io"
	"math"
	"sort"

	"github.com/paulmach/orb"
	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
)

// VectorRenderer draws the vector view of the map (occupied cells,
// landmarks, the planned path, particles and robot poses) as SVG or PNG.
// Canvas units are millimeters; Scale converts world meters to them.
type VectorRenderer struct {
	Grid      *Grid
	Landmarks []Landmark
	Path      []Point
	Particles []Particle
	Positions map[string]*LivePosition

	OccupiedThreshold float64
	Scale             float64 // canvas mm per world meter
	Padding           float64 // world meters around the content
	GridSpacing       float64 // world meters between guide lines; 0 disables
	Resolution        canvas.Resolution
}

// NewVectorRenderer creates a renderer with default settings
func NewVectorRenderer() *VectorRenderer {
	return &VectorRenderer{
		OccupiedThreshold: 0.5,
		Scale:             20,
		Padding:           0.5,
		GridSpacing:       1,
		Resolution:        canvas.DPMM(4),
	}
}

// canvasRenderer is implemented by both the svg and rasterizer renderers
type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

// RenderToSVG writes the view as SVG
func (r *VectorRenderer) RenderToSVG(w io.Writer) error {
	bound := r.worldBound()
	width, height := r.canvasSize(bound)

	svgRenderer := svg.New(w, width, height, nil)
	r.renderToCanvas(svgRenderer, bound, width, height)
	return svgRenderer.Close()
}

// RenderToPNG writes the view as PNG
func (r *VectorRenderer) RenderToPNG(w io.Writer) error {
	bound := r.worldBound()
	width, height := r.canvasSize(bound)

	rast := rasterizer.New(width, height, r.Resolution, canvas.DefaultColorSpace)
	r.renderToCanvas(rast, bound, width, height)
	return png.Encode(w, rast)
}

func (r *VectorRenderer) canvasSize(b orb.Bound) (float64, float64) {
	return (b.Max[0] - b.Min[0]) * r.Scale, (b.Max[1] - b.Min[1]) * r.Scale
}

// occupiedCells returns the centres of cells above the threshold
func (r *VectorRenderer) occupiedCells() []Point {
	if r.Grid == nil {
		return nil
	}
	var out []Point
	for y := 0; y < r.Grid.Size; y++ {
		for x := 0; x < r.Grid.Size; x++ {
			c := Cell{X: x, Y: y}
			if r.Grid.At(c) > r.OccupiedThreshold {
				out = append(out, r.Grid.CellToWorld(c))
			}
		}
	}
	return out
}

// worldBound covers every drawn element plus padding. An empty view is a
// 2 m square around the origin.
func (r *VectorRenderer) worldBound() orb.Bound {
	bound, ok := LandmarkBound(r.Landmarks)
	extend := func(p Point) {
		if !ok {
			bound = orb.Bound{Min: toOrbPoint(p), Max: toOrbPoint(p)}
			ok = true
			return
		}
		bound = bound.Extend(toOrbPoint(p))
	}
	for _, p := range r.occupiedCells() {
		extend(p)
	}
	for _, p := range r.Path {
		extend(p)
	}
	for _, pos := range r.Positions {
		extend(Point{X: pos.X, Y: pos.Y})
	}
	if !ok {
		return orb.Bound{Min: orb.Point{-1, -1}, Max: orb.Point{1, 1}}
	}
	return bound.Pad(r.Padding)
}

// renderToCanvas holds the drawing shared by SVG and PNG output
func (r *VectorRenderer) renderToCanvas(renderer canvasRenderer, b orb.Bound, width, height float64) {
	toCanvas := func(p Point) (float64, float64) {
		return (p.X - b.Min[0]) * r.Scale, (p.Y - b.Min[1]) * r.Scale
	}

	bgStyle := canvas.DefaultStyle
	bgStyle.Fill = canvas.Paint{Color: canvas.White}
	renderer.RenderPath(canvas.Rectangle(width, height), bgStyle, canvas.Identity)

	if r.GridSpacing > 0 {
		gridStyle := strokeStyle(color.RGBA{211, 211, 211, 255}, 0.2)
		gridStyle.Dashes = []float64{1, 1}
		for x := math.Ceil(b.Min[0]/r.GridSpacing) * r.GridSpacing; x <= b.Max[0]; x += r.GridSpacing {
			r.line(renderer, toCanvas, Point{X: x, Y: b.Min[1]}, Point{X: x, Y: b.Max[1]}, gridStyle)
		}
		for y := math.Ceil(b.Min[1]/r.GridSpacing) * r.GridSpacing; y <= b.Max[1]; y += r.GridSpacing {
			r.line(renderer, toCanvas, Point{X: b.Min[0], Y: y}, Point{X: b.Max[0], Y: y}, gridStyle)
		}
	}

	if r.Grid != nil {
		cellStyle := fillStyle(color.RGBA{60, 60, 60, 255})
		side := r.Grid.CellSize() * r.Scale
		for _, p := range r.occupiedCells() {
			x, y := toCanvas(p)
			renderer.RenderPath(canvas.Rectangle(side, side).Translate(x-side/2, y-side/2), cellStyle, canvas.Identity)
		}
	}

	particleStyle := fillStyle(particleColor)
	for _, p := range r.Particles {
		x, y := toCanvas(p.Pose.Position())
		renderer.RenderPath(canvas.Circle(0.3).Translate(x, y), particleStyle, canvas.Identity)
	}

	if len(r.Path) > 1 {
		cp := &canvas.Path{}
		for i, p := range r.Path {
			x, y := toCanvas(p)
			if i == 0 {
				cp.MoveTo(x, y)
			} else {
				cp.LineTo(x, y)
			}
		}
		renderer.RenderPath(cp, strokeStyle(pathColor, 1), canvas.Identity)
	}

	for _, l := range r.Landmarks {
		x, y := toCanvas(l.Position)
		if l.Kind == KindCorner {
			renderer.RenderPath(canvas.Rectangle(2, 2).Translate(x-1, y-1), fillStyle(cornerColor), canvas.Identity)
		} else {
			renderer.RenderPath(canvas.Circle(1).Translate(x, y), fillStyle(edgeColor), canvas.Identity)
		}
	}

	ids := make([]string, 0, len(r.Positions))
	for id := range r.Positions {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		pos := r.Positions[id]
		x, y := toCanvas(Point{X: pos.X, Y: pos.Y})
		robotColor := parseHexColor(pos.Color)

		body := fillStyle(robotColor)
		body.Stroke = canvas.Paint{Color: canvas.Black}
		body.StrokeWidth = 0.4
		radius := 0.18 * r.Scale
		renderer.RenderPath(canvas.Circle(radius).Translate(x, y), body, canvas.Identity)

		heading := &canvas.Path{}
		heading.MoveTo(x, y)
		heading.LineTo(x+1.6*radius*math.Cos(pos.Angle), y+1.6*radius*math.Sin(pos.Angle))
		renderer.RenderPath(heading, strokeStyle(canvas.Black, 0.6), canvas.Identity)
	}
}

func (r *VectorRenderer) line(renderer canvasRenderer, toCanvas func(Point) (float64, float64), a, b Point, style canvas.Style) {
	p := &canvas.Path{}
	x1, y1 := toCanvas(a)
	x2, y2 := toCanvas(b)
	p.MoveTo(x1, y1)
	p.LineTo(x2, y2)
	renderer.RenderPath(p, style, canvas.Identity)
}

func fillStyle(c color.RGBA) canvas.Style {
	s := canvas.DefaultStyle
	s.Fill = canvas.Paint{Color: c}
	s.Stroke = canvas.Paint{Color: canvas.Transparent}
	return s
}

func strokeStyle(c color.RGBA, width float64) canvas.Style {
	s := canvas.DefaultStyle
	s.Fill = canvas.Paint{Color: canvas.Transparent}
	s.Stroke = canvas.Paint{Color: c}
	s.StrokeWidth = width
	return s
}
