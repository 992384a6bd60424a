package entities

import (
	"fmt"
	"strings"
)

// ImageFormat is the closed set of formats the converter understands.
type ImageFormat string

const (
	FormatJPEG ImageFormat = "jpeg"
	FormatJPG  ImageFormat = "jpg"
	FormatPNG  ImageFormat = "png"
	FormatWEBP ImageFormat = "webp"
	FormatBMP  ImageFormat = "bmp"
	FormatTIFF ImageFormat = "tiff"
	FormatGIF  ImageFormat = "gif"
)

type formatTraits struct {
	mime            string
	supportsQuality bool
}

// JPG and JPEG are the same codec, kept as distinct spellings because
// clients send both.
var formats = map[ImageFormat]formatTraits{
	FormatJPEG: {mime: "image/jpeg", supportsQuality: true},
	FormatJPG:  {mime: "image/jpeg", supportsQuality: true},
	FormatPNG:  {mime: "image/png"},
	FormatWEBP: {mime: "image/webp", supportsQuality: true},
	FormatBMP:  {mime: "image/bmp"},
	FormatTIFF: {mime: "image/tiff"},
	FormatGIF:  {mime: "image/gif"},
}

// ParseFormat normalizes a client-supplied format name.
func ParseFormat(s string) (ImageFormat, error) {
	f := ImageFormat(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := formats[f]; !ok {
		return "", fmt.Errorf("unsupported image format: %q", s)
	}
	return f, nil
}

func (f ImageFormat) Valid() bool {
	_, ok := formats[f]
	return ok
}

// MimeType returns the content type served for images of this format.
func (f ImageFormat) MimeType() string {
	return formats[f].mime
}

// SupportsQuality reports whether the format's encoder takes a quality
// setting. Quality on lossless targets is ignored, not rejected.
func (f ImageFormat) SupportsQuality() bool {
	return formats[f].supportsQuality
}

// Ext returns the file extension (with dot) used for stored artifacts.
func (f ImageFormat) Ext() string {
	return "." + string(f)
}
