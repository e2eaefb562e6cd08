package slam

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"
	"os"
	"sort"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var (
	particleColor = color.RGBA{255, 140, 0, 255}
	pathColor     = color.RGBA{0, 160, 0, 255}
	cornerColor   = color.RGBA{0, 90, 255, 255}
	edgeColor     = color.RGBA{160, 0, 200, 255}
	textColor     = color.RGBA{0, 0, 0, 255}
)

// GridRenderer draws an occupancy grid as a greyscale PNG (free white,
// unknown grey, occupied black) with optional overlays.
type GridRenderer struct {
	Grid      *Grid
	Scale     int // pixels per cell
	Title     string
	Positions map[string]*LivePosition
	Particles []Particle
	Path      []Point
	Landmarks []Landmark
}

// NewGridRenderer picks a scale so the image is at least minPixels wide
func NewGridRenderer(g *Grid, minPixels int) *GridRenderer {
	scale := 1
	if g.Size > 0 && minPixels > g.Size {
		scale = minPixels / g.Size
	}
	return &GridRenderer{Grid: g, Scale: scale}
}

// toImage maps a world point to pixel coordinates; image rows grow downward
func (r *GridRenderer) toImage(p Point) (int, int, bool) {
	c, ok := r.Grid.WorldToCell(p)
	if !ok {
		return 0, 0, false
	}
	return c.X*r.Scale + r.Scale/2, (r.Grid.Size-1-c.Y)*r.Scale + r.Scale/2, true
}

// occupancyGrey maps [-1, 1] to [255, 0]
func occupancyGrey(v float64) uint8 {
	v = clampOccupancy(v)
	return uint8(math.Round(127.5 * (1 - v)))
}

// Render draws the grid and every configured overlay
func (r *GridRenderer) Render() *image.RGBA {
	size := r.Grid.Size * r.Scale
	img := image.NewRGBA(image.Rect(0, 0, size, size))

	for y := 0; y < r.Grid.Size; y++ {
		for x := 0; x < r.Grid.Size; x++ {
			g := occupancyGrey(r.Grid.At(Cell{X: x, Y: y}))
			c := color.RGBA{g, g, g, 255}
			top := (r.Grid.Size - 1 - y) * r.Scale
			for dy := 0; dy < r.Scale; dy++ {
				for dx := 0; dx < r.Scale; dx++ {
					img.SetRGBA(x*r.Scale+dx, top+dy, c)
				}
			}
		}
	}

	for _, p := range r.Particles {
		if ix, iy, ok := r.toImage(p.Pose.Position()); ok {
			setPixel(img, ix, iy, particleColor)
		}
	}

	r.drawPath(img)

	for _, l := range r.Landmarks {
		ix, iy, ok := r.toImage(l.Position)
		if !ok {
			continue
		}
		if l.Kind == KindCorner {
			drawSquare(img, ix, iy, 5, cornerColor)
		} else {
			drawCircle(img, ix, iy, 2, edgeColor)
		}
	}

	for _, pos := range r.Positions {
		if ix, iy, ok := r.toImage(Point{X: pos.X, Y: pos.Y}); ok {
			drawRobotIcon(img, ix, iy, 14, pos.Angle, parseHexColor(pos.Color))
		}
	}

	y := 15
	if r.Title != "" {
		drawText(img, 10, y, r.Title, textColor)
		y += 18
	}
	drawLegend(img, y, r.Positions)

	return img
}

// drawPath joins the waypoints with pixel lines
func (r *GridRenderer) drawPath(img *image.RGBA) {
	for i := 1; i < len(r.Path); i++ {
		ax, ay, okA := r.toImage(r.Path[i-1])
		bx, by, okB := r.toImage(r.Path[i])
		if !okA || !okB {
			continue
		}
		traceLine(Cell{X: ax, Y: ay}, Cell{X: bx, Y: by}, func(c Cell) bool {
			setPixel(img, c.X, c.Y, pathColor)
			return true
		})
	}
}

// WritePNG encodes the rendered image
func (r *GridRenderer) WritePNG(w io.Writer) error {
	return png.Encode(w, r.Render())
}

// SavePNG renders to a file
func (r *GridRenderer) SavePNG(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer f.Close()
	return r.WritePNG(f)
}

func setPixel(img *image.RGBA, x, y int, c color.RGBA) {
	if image.Pt(x, y).In(img.Bounds()) {
		img.SetRGBA(x, y, c)
	}
}

// drawCircle draws a filled circle
func drawCircle(img *image.RGBA, cx, cy, radius int, c color.RGBA) {
	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			if dx*dx+dy*dy <= radius*radius {
				setPixel(img, cx+dx, cy+dy, c)
			}
		}
	}
}

// drawSquare draws a filled square
func drawSquare(img *image.RGBA, cx, cy, size int, c color.RGBA) {
	half := size / 2
	for dy := -half; dy <= half; dy++ {
		for dx := -half; dx <= half; dx++ {
			setPixel(img, cx+dx, cy+dy, c)
		}
	}
}

// drawRobotIcon draws a filled body with an outline and a heading tick.
// angle is the world heading (CCW, y up); image rows grow downward so the
// tick is mirrored vertically.
func drawRobotIcon(img *image.RGBA, cx, cy, size int, angle float64, c color.RGBA) {
	outline := color.RGBA{40, 40, 40, 255}
	radius := size / 2

	drawCircle(img, cx, cy, radius+1, outline)
	drawCircle(img, cx, cy, radius, c)

	dx, dy := math.Cos(angle), -math.Sin(angle)
	for t := 0.0; t <= float64(radius)+3; t += 0.5 {
		x := cx + int(math.Round(dx*t))
		y := cy + int(math.Round(dy*t))
		setPixel(img, x, y, outline)
		setPixel(img, x+1, y, outline)
	}
}

// drawLegend lists the robots with a color swatch, starting at row y
func drawLegend(img *image.RGBA, y int, positions map[string]*LivePosition) {
	ids := make([]string, 0, len(positions))
	for id := range positions {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		swatch := parseHexColor(positions[id].Color)
		for dy := 0; dy < 12; dy++ {
			for dx := 0; dx < 12; dx++ {
				setPixel(img, 10+dx, y+dy-10, swatch)
			}
		}
		drawText(img, 28, y, id, textColor)
		y += 18
	}
}

// drawText renders text with its baseline at y
func drawText(img *image.RGBA, x, y int, text string, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}

// parseHexColor parses "#RRGGBB", falling back to red
func parseHexColor(hex string) color.RGBA {
	fallback := color.RGBA{255, 0, 0, 255}

	if len(hex) > 0 && hex[0] == '#' {
		hex = hex[1:]
	}
	if len(hex) != 6 {
		return fallback
	}

	var r, g, b uint8
	if _, err := fmt.Sscanf(hex, "%02x%02x%02x", &r, &g, &b); err != nil {
		return fallback
	}
	return color.RGBA{r, g, b, 255}
}
