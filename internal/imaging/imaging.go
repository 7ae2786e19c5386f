// Package imaging decodes upstream map images, stacks them and encodes the result.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"image/png"
	"strings"

	"github.com/gen2brain/webp"
	xdraw "golang.org/x/image/draw"
)

const defaultQuality = 85

var ErrUnsupportedFormat = errors.New("unsupported image format")

// Format is a normalized output format name: png, jpeg or webp.
type Format string

const (
	PNG  Format = "png"
	JPEG Format = "jpeg"
	WebP Format = "webp"
)

// ParseFormat accepts mime types ("image/png"), file extensions ("jpg") and short names.
func ParseFormat(s string) (Format, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "image/")
	if i := strings.IndexByte(s, ';'); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	switch s {
	case "png", "png8", "png24", "png32":
		return PNG, nil
	case "jpeg", "jpg":
		return JPEG, nil
	case "webp":
		return WebP, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, s)
}

func (f Format) MimeType() string { return "image/" + string(f) }

func (f Format) Extension() string {
	if f == JPEG {
		return "jpg"
	}
	return string(f)
}

// Transparent reports whether the format keeps an alpha channel.
func (f Format) Transparent() bool { return f != JPEG }

// Decode sniffs the image format from its header; contentType is only used in errors.
func Decode(data []byte, contentType string) (image.Image, error) {
	r := bytes.NewReader(data)
	var (
		img image.Image
		err error
	)
	switch {
	case bytes.HasPrefix(data, []byte("\x89PNG")):
		img, err = png.Decode(r)
	case bytes.HasPrefix(data, []byte("\xff\xd8")):
		img, err = jpeg.Decode(r)
	case len(data) >= 12 && string(data[:4]) == "RIFF" && string(data[8:12]) == "WEBP":
		img, err = webp.Decode(r)
	default:
		return nil, fmt.Errorf("%w: content type %q", ErrUnsupportedFormat, contentType)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", contentType, err)
	}
	return img, nil
}

// Compose stacks layers bottom to top with source-over blending on a canvas of the given size.
// Layers whose size differs from the canvas are resampled to fill it.
func Compose(width, height int, layers []image.Image) *image.NRGBA {
	canvas := image.NewNRGBA(image.Rect(0, 0, width, height))
	for _, l := range layers {
		if l == nil {
			continue
		}
		b := l.Bounds()
		if b.Dx() == width && b.Dy() == height {
			draw.Draw(canvas, canvas.Bounds(), l, b.Min, draw.Over)
			continue
		}
		xdraw.ApproxBiLinear.Scale(canvas, canvas.Bounds(), l, b, draw.Over, nil)
	}
	return canvas
}

// Blank returns a fully transparent image, or a white one for formats without alpha.
func Blank(width, height int, transparent bool) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	if !transparent {
		draw.Draw(img, img.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	}
	return img
}

// Encode writes img in format f. Opaque output is flattened onto white first.
func Encode(img image.Image, f Format, transparent bool) ([]byte, error) {
	if !transparent || !f.Transparent() {
		img = flatten(img)
	}
	var buf bytes.Buffer
	var err error
	switch f {
	case PNG:
		enc := &png.Encoder{CompressionLevel: png.BestSpeed}
		err = enc.Encode(&buf, img)
	case JPEG:
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: defaultQuality})
	case WebP:
		err = webp.Encode(&buf, img, webp.Options{Quality: defaultQuality})
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, f)
	}
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", f, err)
	}
	return buf.Bytes(), nil
}

func flatten(img image.Image) image.Image {
	out := image.NewNRGBA(img.Bounds())
	draw.Draw(out, out.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(out, out.Bounds(), img, img.Bounds().Min, draw.Over)
	return out
}
