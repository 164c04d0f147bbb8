package validator

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/ocr-batch/internal/models"
	"github.com/feichai0017/ocr-batch/pkg/logger"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 255
	}
	img.SetGray(w/2, h/2, color.Gray{Y: 0})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func codes(r *ValidationResult) []string {
	out := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		out = append(out, e.Code)
	}
	return out
}

func TestValidImage(t *testing.T) {
	v := NewImageValidator(logger.NewNop(), nil)
	data := pngBytes(t, 200, 100)

	r := v.Validate(models.File{Name: "scan.PNG", Data: data})
	require.True(t, r.IsValid, r.Reason())
	assert.Equal(t, "png", r.FileInfo.Format)
	assert.Equal(t, 200, r.FileInfo.Width)
	assert.Equal(t, 100, r.FileInfo.Height)
	assert.Equal(t, ".png", r.FileInfo.Extension)

	sum := sha256.Sum256(data)
	assert.Equal(t, hex.EncodeToString(sum[:]), r.FileInfo.Hash)
}

func TestRejections(t *testing.T) {
	v := NewImageValidator(logger.NewNop(), &ValidatorConfig{
		MaxFileSize:  1 << 20,
		AllowedTypes: DefaultConfig().AllowedTypes,
		MinDimension: 20,
		MaxDimension: 500,
	})

	tests := []struct {
		name string
		file models.File
		code string
	}{
		{"empty", models.File{Name: "a.png"}, CodeEmptyFile},
		{"extension", models.File{Name: "a.txt", Data: pngBytes(t, 50, 50)}, CodeInvalidFileType},
		{"mime mismatch", models.File{Name: "a.jpg", Data: pngBytes(t, 50, 50)}, CodeInvalidFileType},
		{"undecodable", models.File{Name: "a.png", Data: []byte("\x89PNG\r\n\x1a\nnot really")}, CodeUndecodable},
		{"too small", models.File{Name: "a.png", Data: pngBytes(t, 10, 50)}, CodeTooSmall},
		{"too large", models.File{Name: "a.png", Data: pngBytes(t, 600, 50)}, CodeTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := v.Validate(tt.file)
			assert.False(t, r.IsValid)
			assert.Contains(t, codes(r), tt.code)
			assert.NotEmpty(t, r.Reason())
		})
	}
}

func TestFileTooLarge(t *testing.T) {
	v := NewImageValidator(logger.NewNop(), &ValidatorConfig{
		MaxFileSize:  10,
		AllowedTypes: DefaultConfig().AllowedTypes,
	})
	r := v.Validate(models.File{Name: "a.png", Data: pngBytes(t, 50, 50)})
	assert.False(t, r.IsValid)
	assert.Equal(t, []string{CodeFileTooLarge}, codes(r))
}
