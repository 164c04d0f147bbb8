package validator

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"net/http"
	"path/filepath"
	"slices"
	"strings"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/feichai0017/ocr-batch/internal/models"
	"github.com/feichai0017/ocr-batch/pkg/logger"
)

const (
	CodeEmptyFile       = "EMPTY_FILE"
	CodeFileTooLarge    = "FILE_TOO_LARGE"
	CodeInvalidFileType = "INVALID_FILE_TYPE"
	CodeUndecodable     = "UNDECODABLE_IMAGE"
	CodeTooSmall        = "IMAGE_TOO_SMALL"
	CodeTooLarge        = "IMAGE_TOO_LARGE"
)

type ValidatorConfig struct {
	MaxFileSize  int64               // bytes
	AllowedTypes map[string][]string // extension -> accepted sniffed MIME types
	MinDimension int                 // shorter side, pixels
	MaxDimension int                 // longer side, pixels
}

func DefaultConfig() *ValidatorConfig {
	return &ValidatorConfig{
		MaxFileSize: 20 * 1024 * 1024,
		AllowedTypes: map[string][]string{
			".jpg":  {"image/jpeg"},
			".jpeg": {"image/jpeg"},
			".png":  {"image/png"},
			".gif":  {"image/gif"},
			".bmp":  {"image/bmp"},
			".webp": {"image/webp"},
			".tif":  {"application/octet-stream"},
			".tiff": {"application/octet-stream"},
		},
		MinDimension: 16,
		MaxDimension: 12000,
	}
}

type ValidationError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

type FileInfo struct {
	Filename  string `json:"filename"`
	Size      int64  `json:"size"`
	MimeType  string `json:"mimeType"`
	Extension string `json:"extension"`
	Format    string `json:"format,omitempty"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
	Hash      string `json:"hash"`
}

type ValidationResult struct {
	IsValid  bool              `json:"isValid"`
	Errors   []ValidationError `json:"errors,omitempty"`
	FileInfo FileInfo          `json:"fileInfo"`
}

// Reason joins the error messages into one line.
func (r *ValidationResult) Reason() string {
	msgs := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		msgs = append(msgs, e.Message)
	}
	return strings.Join(msgs, "; ")
}

// ImageValidator checks uploads before they enter a batch. Only the image
// header is decoded here.
type ImageValidator struct {
	logger logger.Logger
	config *ValidatorConfig
}

func NewImageValidator(log logger.Logger, config *ValidatorConfig) *ImageValidator {
	if config == nil {
		config = DefaultConfig()
	}
	return &ImageValidator{logger: log.Named("validator"), config: config}
}

func (v *ImageValidator) Validate(f models.File) *ValidationResult {
	sum := sha256.Sum256(f.Data)
	result := &ValidationResult{
		IsValid: true,
		FileInfo: FileInfo{
			Filename:  f.Name,
			Size:      int64(len(f.Data)),
			Extension: strings.ToLower(filepath.Ext(f.Name)),
			Hash:      hex.EncodeToString(sum[:]),
		},
	}
	fail := func(code, field, format string, args ...interface{}) {
		result.IsValid = false
		result.Errors = append(result.Errors, ValidationError{Code: code, Message: fmt.Sprintf(format, args...), Field: field})
	}

	if len(f.Data) == 0 {
		fail(CodeEmptyFile, "size", "file %s is empty", f.Name)
		return result
	}
	if v.config.MaxFileSize > 0 && result.FileInfo.Size > v.config.MaxFileSize {
		fail(CodeFileTooLarge, "size", "file size exceeds maximum limit of %d bytes", v.config.MaxFileSize)
	}

	result.FileInfo.MimeType = http.DetectContentType(f.Data)
	allowed, ok := v.config.AllowedTypes[result.FileInfo.Extension]
	if !ok {
		fail(CodeInvalidFileType, "extension", "file type %q is not allowed", result.FileInfo.Extension)
	} else if !slices.Contains(allowed, result.FileInfo.MimeType) {
		fail(CodeInvalidFileType, "mimeType", "invalid MIME type %s for extension %s", result.FileInfo.MimeType, result.FileInfo.Extension)
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(f.Data))
	if err != nil {
		fail(CodeUndecodable, "data", "cannot decode image: %v", err)
	} else {
		result.FileInfo.Format = format
		result.FileInfo.Width = cfg.Width
		result.FileInfo.Height = cfg.Height
		short, long := min(cfg.Width, cfg.Height), max(cfg.Width, cfg.Height)
		if v.config.MinDimension > 0 && short < v.config.MinDimension {
			fail(CodeTooSmall, "dimensions", "image %dx%d is smaller than %d pixels", cfg.Width, cfg.Height, v.config.MinDimension)
		}
		if v.config.MaxDimension > 0 && long > v.config.MaxDimension {
			fail(CodeTooLarge, "dimensions", "image %dx%d exceeds %d pixels", cfg.Width, cfg.Height, v.config.MaxDimension)
		}
	}

	if !result.IsValid {
		v.logger.Debug("File rejected",
			logger.String("filename", f.Name),
			logger.String("reason", result.Reason()),
		)
	}
	return result
}
