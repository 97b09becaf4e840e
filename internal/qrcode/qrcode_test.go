package qrcode

import (
	"bytes"
	"encoding/base64"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderer_Render(t *testing.T) {
	r := NewRenderer()

	t.Run("renders a square png", func(t *testing.T) {
		out, err := r.Render("https://example.com/page", 300)
		require.NoError(t, err)

		raw, err := base64.StdEncoding.DecodeString(out)
		require.NoError(t, err)

		img, err := png.Decode(bytes.NewReader(raw))
		require.NoError(t, err)
		assert.Equal(t, 300, img.Bounds().Dx())
		assert.Equal(t, 300, img.Bounds().Dy())
	})

	t.Run("non-positive size uses the default", func(t *testing.T) {
		out, err := r.Render("https://example.com", 0)
		require.NoError(t, err)

		raw, err := base64.StdEncoding.DecodeString(out)
		require.NoError(t, err)
		img, err := png.Decode(bytes.NewReader(raw))
		require.NoError(t, err)
		assert.Equal(t, DefaultSize, img.Bounds().Dx())
	})

	t.Run("empty content", func(t *testing.T) {
		_, err := r.Render("", 300)
		assert.Error(t, err)
	})
}
