package display

import (
	"fmt"
	"image"
	"image/png"
	"io"

	"golang.org/x/image/draw"
)

// ToRGBA samples a surface into a packed RGBA image.
func ToRGBA(s *Surface) (*image.RGBA, error) {
	if s == nil || s.Width == 0 || s.Height == 0 {
		return nil, fmt.Errorf("display: no presentable surface")
	}
	if uint64(len(s.Pixels)) < uint64(s.Stride)*uint64(s.Height) {
		return nil, fmt.Errorf("display: surface pixels shorter than stride*height")
	}

	img := image.NewRGBA(image.Rect(0, 0, int(s.Width), int(s.Height)))
	for y := uint32(0); y < s.Height; y++ {
		src := s.Pixels[y*s.Stride:]
		dst := img.Pix[int(y)*img.Stride:]
		for x := uint32(0); x < s.Width; x++ {
			so := x * 4
			do := x * 4
			switch s.Format {
			case FormatBGRX:
				dst[do+0] = src[so+2]
				dst[do+1] = src[so+1]
				dst[do+2] = src[so+0]
			default:
				dst[do+0] = src[so+0]
				dst[do+1] = src[so+1]
				dst[do+2] = src[so+2]
			}
			dst[do+3] = 0xff
		}
	}
	return img, nil
}

// CapturePNG encodes the surface as a PNG, optionally downscaled by an
// integer factor.
func CapturePNG(s *Surface, w io.Writer, downscale int) error {
	img, err := ToRGBA(s)
	if err != nil {
		return err
	}
	if downscale > 1 {
		bounds := img.Bounds()
		scaled := image.NewRGBA(image.Rect(0, 0,
			max(1, bounds.Dx()/downscale), max(1, bounds.Dy()/downscale)))
		draw.ApproxBiLinear.Scale(scaled, scaled.Bounds(), img, bounds, draw.Src, nil)
		img = scaled
	}
	if err := png.Encode(w, img); err != nil {
		return fmt.Errorf("display: encode png: %w", err)
	}
	return nil
}
