// Package codec wraps the per-format decoders and encoders behind one
// adapter so the lifecycle engine never touches format specifics.
package codec

import (
	"bytes"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"math"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"

	"github.com/mkovalev/converthub/internal/entities"
)

type Converter struct{}

// Decode parses data using the decoder for the declared format. The
// declared format is trusted over sniffing: a mismatch surfaces as a
// decode error and fails the job.
func (Converter) Decode(data []byte, declared entities.ImageFormat) (image.Image, error) {
	r := bytes.NewReader(data)

	var (
		img image.Image
		err error
	)
	switch declared {
	case entities.FormatJPEG, entities.FormatJPG:
		img, err = jpeg.Decode(r)
	case entities.FormatPNG:
		img, err = png.Decode(r)
	case entities.FormatWEBP:
		img, err = webp.Decode(r)
	case entities.FormatBMP:
		img, err = bmp.Decode(r)
	case entities.FormatTIFF:
		img, err = tiff.Decode(r)
	case entities.FormatGIF:
		img, err = gif.Decode(r)
	default:
		return nil, fmt.Errorf("unsupported image format: %q", declared)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", declared, err)
	}
	return img, nil
}

// Encode serializes img in the target format. Quality applies to lossy
// targets only and is silently ignored for the rest.
func (Converter) Encode(img image.Image, target entities.ImageFormat, quality int) ([]byte, error) {
	buf := new(bytes.Buffer)

	var err error
	switch target {
	case entities.FormatJPEG, entities.FormatJPG:
		err = jpeg.Encode(buf, img, &jpeg.Options{Quality: quality})
	case entities.FormatPNG:
		err = png.Encode(buf, img)
	case entities.FormatWEBP:
		err = webp.Encode(buf, img, &webp.Options{Quality: float32(quality)})
	case entities.FormatBMP:
		err = bmp.Encode(buf, img)
	case entities.FormatTIFF:
		err = tiff.Encode(buf, img, &tiff.Options{Compression: tiff.Deflate})
	case entities.FormatGIF:
		err = gif.Encode(buf, img, &gif.Options{NumColors: 256})
	default:
		return nil, fmt.Errorf("unsupported image format: %q", target)
	}
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", target, err)
	}
	return buf.Bytes(), nil
}

// Resize scales img to the requested dimensions. Zero means the
// dimension was not requested. With maintainAspect the unspecified
// dimension is scaled proportionally (rounded); with both given the
// image is fitted inside the box. Without maintainAspect requested
// dimensions are forced exactly and unspecified ones keep the original.
func (Converter) Resize(img image.Image, width, height int, maintainAspect bool) image.Image {
	if width == 0 && height == 0 {
		return img
	}

	srcW := img.Bounds().Dx()
	srcH := img.Bounds().Dy()
	if srcW == 0 || srcH == 0 {
		return img
	}

	if maintainAspect {
		switch {
		case width > 0 && height > 0:
			scale := math.Min(float64(width)/float64(srcW), float64(height)/float64(srcH))
			w := int(math.Round(float64(srcW) * scale))
			h := int(math.Round(float64(srcH) * scale))
			return imaging.Resize(img, max(w, 1), max(h, 1), imaging.Lanczos)
		case width > 0:
			// imaging derives the other dimension proportionally when
			// it is passed as zero.
			return imaging.Resize(img, width, 0, imaging.Lanczos)
		default:
			return imaging.Resize(img, 0, height, imaging.Lanczos)
		}
	}

	if width == 0 {
		width = srcW
	}
	if height == 0 {
		height = srcH
	}
	return imaging.Resize(img, width, height, imaging.Lanczos)
}

// Bounds returns the pixel dimensions of img.
func (Converter) Bounds(img image.Image) (int, int) {
	return img.Bounds().Dx(), img.Bounds().Dy()
}
