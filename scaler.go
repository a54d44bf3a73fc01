package transcode

import (
	"fmt"
	"strings"
)

// ScaleMode defines how scaling should handle aspect ratio mismatches.
type ScaleMode int

const (
	// ScaleModeFit scales to fit within target dimensions, preserving aspect ratio (letterbox).
	ScaleModeFit ScaleMode = iota
	// ScaleModeFill scales to fill target dimensions, preserving aspect ratio (crop).
	ScaleModeFill
	// ScaleModeStretch scales to exactly match target dimensions (may distort).
	ScaleModeStretch
)

func (m ScaleMode) String() string {
	switch m {
	case ScaleModeFit:
		return "fit"
	case ScaleModeFill:
		return "fill"
	case ScaleModeStretch:
		return "stretch"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m ScaleMode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *ScaleMode) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "fit", "":
		*m = ScaleModeFit
	case "fill", "crop":
		*m = ScaleModeFill
	case "stretch":
		*m = ScaleModeStretch
	default:
		return fmt.Errorf("unknown scale mode %q", b)
	}
	return nil
}

// Black in limited-range YUV.
const (
	blackY  = 16
	blackUV = 128
)

// VideoRescaler scales and converts I420/NV12 frames.
type VideoRescaler struct {
	src, dst StreamDescriptor
	mode     ScaleMode

	// Destination rectangle the picture is drawn into (Fit letterboxes).
	rectX, rectY, rectW, rectH int
	calls                      uint64
}

// NewVideoRescaler creates a rescaler from src to dst.
func NewVideoRescaler(src, dst StreamDescriptor, mode ScaleMode) (*VideoRescaler, error) {
	for _, f := range []PixelFormat{src.PixelFormat, dst.PixelFormat} {
		if f != PixelFormatI420 && f != PixelFormatNV12 {
			return nil, newError(TransformError, src.Index, fmt.Errorf("unsupported pixel format %s", f))
		}
	}
	if src.Width <= 0 || src.Height <= 0 || dst.Width <= 0 || dst.Height <= 0 {
		return nil, newError(TransformError, src.Index,
			fmt.Errorf("invalid dimensions %dx%d -> %dx%d", src.Width, src.Height, dst.Width, dst.Height))
	}
	s := &VideoRescaler{src: src, dst: dst, mode: mode}
	s.rectW, s.rectH = dst.Width, dst.Height
	if mode == ScaleModeFit {
		s.rectW, s.rectH = CalculateScaledSize(src.Width, src.Height, dst.Width, dst.Height, ScaleModeFit)
		s.rectX = ((dst.Width - s.rectW) / 2) &^ 1
		s.rectY = ((dst.Height - s.rectH) / 2) &^ 1
	}
	return s, nil
}

// Calls returns how many frames have been transformed.
func (s *VideoRescaler) Calls() uint64 { return s.calls }

// Transform scales one frame. The input frame is not modified.
func (s *VideoRescaler) Transform(f *Frame) (*Frame, error) {
	s.calls++
	if f.Width != s.src.Width || f.Height != s.src.Height || f.PixelFormat != s.src.PixelFormat {
		return nil, newError(TransformError, s.src.Index, fmt.Errorf("%w: frame %dx%d %s, rescaler expects %dx%d %s",
			ErrReconfiguration, f.Width, f.Height, f.PixelFormat, s.src.Width, s.src.Height, s.src.PixelFormat))
	}

	planes, strides := f.Planes, f.Strides
	if f.PixelFormat == PixelFormatNV12 {
		planes, strides = nv12ToI420(f)
	}

	out := NewVideoFrame(s.dst.Width, s.dst.Height, PixelFormatI420)
	if s.rectW != s.dst.Width || s.rectH != s.dst.Height {
		fill(out.Planes[0], blackY)
		fill(out.Planes[1], blackUV)
		fill(out.Planes[2], blackUV)
	}

	srcX, srcY, srcW, srcH := s.calculateSourceRegion(f.Width, f.Height)
	for i := 0; i < 3; i++ {
		shift := 0
		if i > 0 {
			shift = 1 // Chroma planes are half resolution
		}
		dstStride := out.Strides[i]
		off := (s.rectY>>shift)*dstStride + (s.rectX >> shift)
		scalePlane(planes[i], strides[i], srcX>>shift, srcY>>shift, srcW>>shift, srcH>>shift,
			out.Planes[i][off:], dstStride, (s.rectW+shift)>>shift, (s.rectH+shift)>>shift)
	}

	if s.dst.PixelFormat == PixelFormatNV12 {
		out = i420ToNV12(out)
	}
	out.PTS = f.PTS
	out.Duration = f.Duration
	out.TimeBase = f.TimeBase
	out.Key = f.Key
	return out, nil
}

// Flush returns nothing: the rescaler holds no frames.
func (s *VideoRescaler) Flush() (*Frame, error) { return nil, nil }

// calculateSourceRegion determines what region of the source to use based on scale mode.
func (s *VideoRescaler) calculateSourceRegion(srcW, srcH int) (x, y, w, h int) {
	if s.mode != ScaleModeFill {
		return 0, 0, srcW, srcH
	}
	// Crop source to match target aspect ratio
	srcAspect := float64(srcW) / float64(srcH)
	dstAspect := float64(s.dst.Width) / float64(s.dst.Height)
	if srcAspect > dstAspect {
		newW := int(float64(srcH)*dstAspect) &^ 1
		return ((srcW - newW) / 2) &^ 1, 0, newW, srcH
	} else if srcAspect < dstAspect {
		newH := int(float64(srcW)/dstAspect) &^ 1
		return 0, ((srcH - newH) / 2) &^ 1, srcW, newH
	}
	return 0, 0, srcW, srcH
}

// scalePlane scales a single plane using bilinear interpolation.
func scalePlane(src []byte, srcStride, srcX, srcY, srcW, srcH int,
	dst []byte, dstStride, dstW, dstH int) {

	if srcW <= 0 || srcH <= 0 || dstW <= 0 || dstH <= 0 {
		return
	}

	// Fixed-point scaling factors (16.16)
	xRatio := (srcW << 16) / dstW
	yRatio := (srcH << 16) / dstH

	for y := 0; y < dstH; y++ {
		srcYFP := y * yRatio
		y0 := srcYFP>>16 + srcY
		y1 := y0 + 1
		if y1 >= srcY+srcH {
			y1 = y0
		}
		yWeight := srcYFP & 0xFFFF

		for x := 0; x < dstW; x++ {
			srcXFP := x * xRatio
			x0 := srcXFP>>16 + srcX
			x1 := x0 + 1
			if x1 >= srcX+srcW {
				x1 = x0
			}
			xWeight := srcXFP & 0xFFFF

			p00 := int(src[y0*srcStride+x0])
			p10 := int(src[y0*srcStride+x1])
			p01 := int(src[y1*srcStride+x0])
			p11 := int(src[y1*srcStride+x1])

			top := (p00*(0x10000-xWeight) + p10*xWeight) >> 16
			bottom := (p01*(0x10000-xWeight) + p11*xWeight) >> 16
			dst[y*dstStride+x] = byte((top*(0x10000-yWeight) + bottom*yWeight) >> 16)
		}
	}
}

func fill(b []byte, v byte) {
	for i := range b {
		b[i] = v
	}
}

// nv12ToI420 splits the interleaved chroma plane.
func nv12ToI420(f *Frame) ([][]byte, []int) {
	cw, ch := (f.Width+1)/2, (f.Height+1)/2
	u := make([]byte, cw*ch)
	v := make([]byte, cw*ch)
	uvStride := f.Strides[1]
	for y := 0; y < ch; y++ {
		row := f.Planes[1][y*uvStride:]
		for x := 0; x < cw; x++ {
			u[y*cw+x] = row[2*x]
			v[y*cw+x] = row[2*x+1]
		}
	}
	return [][]byte{f.Planes[0], u, v}, []int{f.Strides[0], cw, cw}
}

// i420ToNV12 interleaves the chroma planes of a tightly packed I420 frame.
func i420ToNV12(f *Frame) *Frame {
	out := NewVideoFrame(f.Width, f.Height, PixelFormatNV12)
	copy(out.Planes[0], f.Planes[0])
	cw := (f.Width + 1) / 2
	for i := range f.Planes[1] {
		y, x := i/cw, i%cw
		out.Planes[1][y*out.Strides[1]+2*x] = f.Planes[1][i]
		out.Planes[1][y*out.Strides[1]+2*x+1] = f.Planes[2][i]
	}
	return out
}

// CalculateScaledSize returns the output dimensions when scaling with a given mode.
// This is useful for determining letterbox dimensions in ScaleModeFit.
func CalculateScaledSize(srcW, srcH, maxW, maxH int, mode ScaleMode) (w, h int) {
	if mode != ScaleModeFit {
		return maxW, maxH
	}
	srcAspect := float64(srcW) / float64(srcH)
	dstAspect := float64(maxW) / float64(maxH)
	if srcAspect > dstAspect {
		w = maxW
		h = int(float64(maxW) / srcAspect)
	} else {
		h = maxH
		w = int(float64(maxH) * srcAspect)
	}
	// Ensure even dimensions for YUV, never beyond the target
	w = min((w+1)&^1, maxW)
	h = min((h+1)&^1, maxH)
	return w, h
}

// DeriveOutputSize fills in a missing output width or height from the source
// aspect ratio. Zero for both keeps the source size.
func DeriveOutputSize(srcW, srcH, w, h int) (int, int) {
	switch {
	case w <= 0 && h <= 0:
		return srcW, srcH
	case w <= 0:
		w = int(float64(h)*float64(srcW)/float64(srcH) + 0.5)
		w = max((w+1)&^1, 2)
	case h <= 0:
		h = int(float64(w)*float64(srcH)/float64(srcW) + 0.5)
		h = max((h+1)&^1, 2)
	}
	return w, h
}
