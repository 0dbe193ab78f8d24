package service

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	// Frames come from ffmpeg as JPEG, but platform artwork shows up as
	// PNG, GIF or WebP depending on the source site.
	_ "image/gif"
	_ "image/png"

	_ "golang.org/x/image/webp"

	"golang.org/x/image/draw"
)

// scaleJPEG decodes an image in any registered format and re-encodes it
// as JPEG no wider than maxWidth, preserving aspect ratio. Images already
// narrow enough are re-encoded as-is.
func scaleJPEG(raw []byte, maxWidth int) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decoding frame: %w", err)
	}

	bounds := src.Bounds()
	if bounds.Dx() > maxWidth {
		scaled := image.NewRGBA(image.Rect(0, 0, maxWidth, bounds.Dy()*maxWidth/bounds.Dx()))
		draw.CatmullRom.Scale(scaled, scaled.Bounds(), src, bounds, draw.Over, nil)
		src = scaled
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, src, &jpeg.Options{Quality: thumbnailQuality}); err != nil {
		return nil, fmt.Errorf("encoding thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}
