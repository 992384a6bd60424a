package entities

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    ImageFormat
		wantErr bool
	}{
		{"jpeg", FormatJPEG, false},
		{"JPG", FormatJPG, false},
		{" png ", FormatPNG, false},
		{"WebP", FormatWEBP, false},
		{"bmp", FormatBMP, false},
		{"tiff", FormatTIFF, false},
		{"gif", FormatGIF, false},
		{"svg", "", true},
		{"", "", true},
		{"jpeg2000", "", true},
	}

	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		if tt.wantErr {
			assert.Error(t, err, "input %q", tt.in)
			continue
		}
		require.NoError(t, err, "input %q", tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestSupportsQuality(t *testing.T) {
	assert.True(t, FormatJPEG.SupportsQuality())
	assert.True(t, FormatJPG.SupportsQuality())
	assert.True(t, FormatWEBP.SupportsQuality())

	assert.False(t, FormatPNG.SupportsQuality())
	assert.False(t, FormatBMP.SupportsQuality())
	assert.False(t, FormatTIFF.SupportsQuality())
	assert.False(t, FormatGIF.SupportsQuality())
}

func TestMimeType(t *testing.T) {
	// jpg and jpeg are the same codec and share a content type
	assert.Equal(t, "image/jpeg", FormatJPEG.MimeType())
	assert.Equal(t, "image/jpeg", FormatJPG.MimeType())
	assert.Equal(t, "image/webp", FormatWEBP.MimeType())
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusProcessing.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
}
