package transcode

import (
	"fmt"
	"math"
	"strings"
)

// PatternType defines the type of test pattern to generate.
type PatternType int

const (
	PatternColorBars    PatternType = iota // SMPTE color bars
	PatternGradient                        // Horizontal gradient
	PatternCheckerboard                    // Checkerboard pattern
	PatternSolidColor                      // Solid color
	PatternNoise                           // Random noise
	PatternMovingBox                       // Moving box (animated)
)

func (p PatternType) String() string {
	switch p {
	case PatternColorBars:
		return "ColorBars"
	case PatternGradient:
		return "Gradient"
	case PatternCheckerboard:
		return "Checkerboard"
	case PatternSolidColor:
		return "SolidColor"
	case PatternNoise:
		return "Noise"
	case PatternMovingBox:
		return "MovingBox"
	default:
		return "Unknown"
	}
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *PatternType) UnmarshalText(b []byte) error {
	switch strings.ToLower(strings.ReplaceAll(string(b), "_", "")) {
	case "colorbars", "bars", "":
		*p = PatternColorBars
	case "gradient":
		*p = PatternGradient
	case "checkerboard":
		*p = PatternCheckerboard
	case "solidcolor", "solid":
		*p = PatternSolidColor
	case "noise":
		*p = PatternNoise
	case "movingbox", "box":
		*p = PatternMovingBox
	default:
		return fmt.Errorf("unknown pattern %q", b)
	}
	return nil
}

// animated reports whether the pattern changes from frame to frame.
func (p PatternType) animated() bool {
	return p == PatternMovingBox || p == PatternNoise
}

// patternGenerator renders test patterns into a tightly packed I420 buffer.
type patternGenerator struct {
	width, height int
	pattern       PatternType
	checkerSize   int
	solid         [3]uint8

	frame  []byte
	yPlane []byte
	uPlane []byte
	vPlane []byte

	// Random state for noise pattern
	rngState uint64
}

func newPatternGenerator(width, height int, pattern PatternType) *patternGenerator {
	ySize := width * height
	cw, ch := (width+1)/2, (height+1)/2
	uvSize := cw * ch
	frame := make([]byte, ySize+2*uvSize)
	g := &patternGenerator{
		width:       width,
		height:      height,
		pattern:     pattern,
		checkerSize: 32,
		solid:       [3]uint8{0, 0, 192},
		frame:       frame,
		yPlane:      frame[:ySize],
		uPlane:      frame[ySize : ySize+uvSize],
		vPlane:      frame[ySize+uvSize:],
		rngState:    0x9E3779B97F4A7C15,
	}
	g.render(0)
	return g
}

// Frame returns a copy of the frame with the given index.
func (g *patternGenerator) Frame(frameNum uint64) []byte {
	if g.pattern.animated() && frameNum > 0 {
		g.render(frameNum)
	}
	return append([]byte(nil), g.frame...)
}

func (g *patternGenerator) render(frameNum uint64) {
	switch g.pattern {
	case PatternColorBars:
		g.generateColorBars()
	case PatternGradient:
		g.generateGradient()
	case PatternCheckerboard:
		g.generateCheckerboard()
	case PatternSolidColor:
		g.generateSolidColor(g.solid[0], g.solid[1], g.solid[2])
	case PatternNoise:
		g.generateNoise()
	case PatternMovingBox:
		g.generateMovingBox(frameNum)
	default:
		g.generateColorBars()
	}
}

func (g *patternGenerator) chromaIndex(x, y int) int {
	return (y/2)*((g.width+1)/2) + x/2
}

// SMPTE color bars (simplified 8-bar pattern)
var colorBarsRGB = [][3]uint8{
	{192, 192, 192}, // White (75%)
	{192, 192, 0},   // Yellow
	{0, 192, 192},   // Cyan
	{0, 192, 0},     // Green
	{192, 0, 192},   // Magenta
	{192, 0, 0},     // Red
	{0, 0, 192},     // Blue
	{16, 16, 16},    // Black
}

func (g *patternGenerator) generateColorBars() {
	w, h := g.width, g.height
	barWidth := max(w/8, 1)

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			barIdx := min(x/barWidth, 7)
			rgb := colorBarsRGB[barIdx]
			yVal, u, v := rgbToYUV(rgb[0], rgb[1], rgb[2])

			g.yPlane[y*w+x] = yVal
			if x%2 == 0 && y%2 == 0 {
				uvIdx := g.chromaIndex(x, y)
				g.uPlane[uvIdx] = u
				g.vPlane[uvIdx] = v
			}
		}
	}
}

func (g *patternGenerator) generateGradient() {
	w, h := g.width, g.height
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			// Horizontal gradient from black to white
			g.yPlane[y*w+x] = uint8((x * 255) / w)
		}
	}
	fill(g.uPlane, blackUV)
	fill(g.vPlane, blackUV)
}

func (g *patternGenerator) generateCheckerboard() {
	w, h := g.width, g.height
	size := g.checkerSize
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var yVal uint8 = 16
			if ((x/size)+(y/size))%2 == 0 {
				yVal = 235
			}
			g.yPlane[y*w+x] = yVal
		}
	}
	fill(g.uPlane, blackUV)
	fill(g.vPlane, blackUV)
}

func (g *patternGenerator) generateSolidColor(r, gr, b uint8) {
	yVal, u, v := rgbToYUV(r, gr, b)
	fill(g.yPlane, yVal)
	fill(g.uPlane, u)
	fill(g.vPlane, v)
}

func (g *patternGenerator) generateNoise() {
	// Simple xorshift64 PRNG for fast noise
	for i := range g.yPlane {
		g.rngState ^= g.rngState << 13
		g.rngState ^= g.rngState >> 7
		g.rngState ^= g.rngState << 17
		g.yPlane[i] = uint8(g.rngState)
	}
	fill(g.uPlane, blackUV)
	fill(g.vPlane, blackUV)
}

func (g *patternGenerator) generateMovingBox(frameNum uint64) {
	w, h := g.width, g.height
	fill(g.yPlane, blackY)
	fill(g.uPlane, blackUV)
	fill(g.vPlane, blackUV)

	// The box circles the center.
	boxSize := max(min(w, h)/7, 2)
	radius := float64(min(w, h)) / 4
	angle := float64(frameNum) * 0.05 // Radians per frame
	boxX := w/2 + int(radius*math.Cos(angle)) - boxSize/2
	boxY := h/2 + int(radius*math.Sin(angle)) - boxSize/2

	for y := max(boxY, 0); y < boxY+boxSize && y < h; y++ {
		for x := max(boxX, 0); x < boxX+boxSize && x < w; x++ {
			g.yPlane[y*w+x] = 235
		}
	}
}

// rgbToYUV converts RGB to YUV (BT.601)
func rgbToYUV(r, g, b uint8) (y, u, v uint8) {
	yf := 16.0 + 65.481*float64(r)/255.0 + 128.553*float64(g)/255.0 + 24.966*float64(b)/255.0
	uf := 128.0 - 37.797*float64(r)/255.0 - 74.203*float64(g)/255.0 + 112.0*float64(b)/255.0
	vf := 128.0 + 112.0*float64(r)/255.0 - 93.786*float64(g)/255.0 - 18.214*float64(b)/255.0

	y = uint8(clamp(yf, 16, 235))
	u = uint8(clamp(uf, 16, 240))
	v = uint8(clamp(vf, 16, 240))
	return
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
