// Package decode turns fetched bytes into images and measures what a decoded
// image costs to keep in memory.
package decode

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"

	// Registered formats.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ErrEmptyInput is returned when there are no bytes to decode.
var ErrEmptyInput = errors.New("no image data")

// Decoder converts raw bytes into an image, reporting the format name.
type Decoder interface {
	Decode(data []byte) (image.Image, string, error)
}

// DecoderFunc adapts a function to the Decoder interface.
type DecoderFunc func(data []byte) (image.Image, string, error)

// Decode calls f(data).
func (f DecoderFunc) Decode(data []byte) (image.Image, string, error) { return f(data) }

// StdDecoder decodes png, jpeg, gif, webp, bmp and tiff. MaxPixels, when
// positive, rejects images whose declared dimensions exceed it before any
// pixel data is allocated.
type StdDecoder struct {
	MaxPixels int64
}

// Decode implements Decoder.
func (d StdDecoder) Decode(data []byte) (image.Image, string, error) {
	if len(data) == 0 {
		return nil, "", ErrEmptyInput
	}
	if d.MaxPixels > 0 {
		cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
		if err != nil {
			return nil, "", fmt.Errorf("failed to read image header: %w", err)
		}
		if px := int64(cfg.Width) * int64(cfg.Height); px > d.MaxPixels {
			return nil, "", fmt.Errorf("image of %dx%d exceeds %d pixels", cfg.Width, cfg.Height, d.MaxPixels)
		}
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("failed to decode image: %w", err)
	}
	return img, format, nil
}

// CheckHeader reports whether data starts with a readable header in one of
// the registered formats. It does not decode pixels.
func CheckHeader(data []byte) error {
	if len(data) == 0 {
		return ErrEmptyInput
	}
	if _, _, err := image.DecodeConfig(bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to read image header: %w", err)
	}
	return nil
}

// Cost estimates the bytes held by the decoded pixels of img. Known concrete
// types are measured from their backing slices; anything else is charged four
// bytes per pixel.
func Cost(img image.Image) int64 {
	if img == nil {
		return 0
	}
	switch m := img.(type) {
	case *image.RGBA:
		return int64(len(m.Pix))
	case *image.NRGBA:
		return int64(len(m.Pix))
	case *image.RGBA64:
		return int64(len(m.Pix))
	case *image.NRGBA64:
		return int64(len(m.Pix))
	case *image.Gray:
		return int64(len(m.Pix))
	case *image.Gray16:
		return int64(len(m.Pix))
	case *image.Alpha:
		return int64(len(m.Pix))
	case *image.Paletted:
		return int64(len(m.Pix)) + int64(len(m.Palette))*4
	case *image.CMYK:
		return int64(len(m.Pix))
	case *image.YCbCr:
		return int64(len(m.Y) + len(m.Cb) + len(m.Cr))
	case *image.NYCbCrA:
		return int64(len(m.Y) + len(m.Cb) + len(m.Cr) + len(m.A))
	}
	b := img.Bounds()
	return int64(b.Dx()) * int64(b.Dy()) * bytesPerPixel(img.ColorModel())
}

func bytesPerPixel(m color.Model) int64 {
	switch m {
	case color.RGBA64Model, color.NRGBA64Model:
		return 8
	case color.Gray16Model, color.Alpha16Model:
		return 2
	case color.GrayModel, color.AlphaModel:
		return 1
	}
	return 4
}
