// Package imaging holds the small amount of raster work the pipeline does
// itself: reading screenshot sizes, cropping regions and spotting blank
// pages.
package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"image/png"

	// decoders for element screenshots and downloaded logos
	_ "image/gif"
	_ "image/jpeg"

	"github.com/crpwatch/crpwatch/internal/domain"
)

// Size returns the pixel dimensions of an encoded image.
func Size(data []byte) (width, height int, err error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, fmt.Errorf("decoding image config: %w", err)
	}
	return cfg.Width, cfg.Height, nil
}

// Crop cuts box out of data and returns it PNG encoded. The box is clamped
// to the image bounds; an empty result is an error.
func Crop(data []byte, box domain.Rect) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding image: %w", err)
	}

	r := image.Rect(int(box.X1), int(box.Y1), int(box.X2), int(box.Y2)).Intersect(img.Bounds())
	if r.Empty() {
		return nil, fmt.Errorf("crop box %v outside image bounds %v", box, img.Bounds())
	}

	dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(dst, dst.Bounds(), img, r.Min, draw.Src)

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return nil, fmt.Errorf("encoding crop: %w", err)
	}
	return buf.Bytes(), nil
}

// WhiteRatio returns the fraction of near-white pixels in an encoded image.
func WhiteRatio(data []byte) (float64, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return 0, fmt.Errorf("decoding image: %w", err)
	}
	b := img.Bounds()
	total := b.Dx() * b.Dy()
	if total == 0 {
		return 1, nil
	}

	white := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			// 0xF000 of 0xFFFF is roughly 240/255
			if r >= 0xF000 && g >= 0xF000 && bl >= 0xF000 {
				white++
			}
		}
	}
	return float64(white) / float64(total), nil
}
