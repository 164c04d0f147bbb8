package handlers

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/feichai0017/ocr-batch/internal/batch"
	perrors "github.com/feichai0017/ocr-batch/internal/errors"
	"github.com/feichai0017/ocr-batch/internal/models"
	"github.com/feichai0017/ocr-batch/internal/preprocess"
	"github.com/feichai0017/ocr-batch/internal/service/jobs"
	"github.com/feichai0017/ocr-batch/pkg/converters"
	"github.com/feichai0017/ocr-batch/pkg/logger"
)

// OwnerHeader identifies the caller. Events are published on the owner's
// channel.
const OwnerHeader = "X-Owner-ID"

type BatchHandler struct {
	service         jobs.Service
	maxUploadBytes  int64
	defaultLanguage string
	converter       converters.BatchConverter
	logger          logger.Logger
}

// ErrorResponse 定义错误响应结构
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// StartResponse is returned by POST /batches.
type StartResponse struct {
	JobID         string                `json:"jobId"`
	TotalImages   int                   `json:"totalImages"`
	ProgressRef   string                `json:"progressRef"`
	Rejected      []models.RejectedFile `json:"rejected,omitempty"`
	IgnoredStages []string              `json:"ignoredStages,omitempty"`
}

type settingsForm struct {
	Language     string   `form:"language"`
	Engine       string   `form:"engine"`
	Enhance      bool     `form:"enhance"`
	Handwriting  bool     `form:"handwriting"`
	Voting       bool     `form:"voting"`
	MaxDimension int      `form:"maxDimension"`
	Stages       []string `form:"stages"`
}

func NewBatchHandler(service jobs.Service, maxUploadBytes int64, defaultLanguage string, log logger.Logger) *BatchHandler {
	return &BatchHandler{
		service:         service,
		maxUploadBytes:  maxUploadBytes,
		defaultLanguage: defaultLanguage,
		converter:       converters.NewJSONConverter(),
		logger:          log.Named("http"),
	}
}

// StartBatch accepts a multipart upload of `files` plus settings fields.
func (h *BatchHandler) StartBatch(c *gin.Context) {
	if h.maxUploadBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes)
	}
	form, err := c.MultipartForm()
	if err != nil {
		h.handleError(c, http.StatusBadRequest, "Invalid form data", err)
		return
	}
	headers := form.File["files"]
	if len(headers) == 0 {
		h.handleError(c, http.StatusBadRequest, "No files provided", nil)
		return
	}

	var sf settingsForm
	if err := c.ShouldBind(&sf); err != nil {
		h.handleError(c, http.StatusBadRequest, "Invalid recognition settings", err)
		return
	}
	settings, ignored := h.settingsFrom(sf)
	if len(ignored) > 0 {
		h.logger.Warn("Ignoring unknown preprocessing stages", logger.Strings("stages", ignored))
	}

	files, err := readFiles(headers)
	if err != nil {
		h.handleError(c, http.StatusBadRequest, "Failed to read uploaded files", err)
		return
	}

	desc, err := h.service.StartBatch(c.Request.Context(), batch.BatchRequest{
		OwnerID:  c.GetHeader(OwnerHeader),
		Settings: settings,
		Files:    files,
	})
	if err != nil {
		switch {
		case errors.Is(err, perrors.ErrNoValidFiles):
			h.handleError(c, http.StatusUnprocessableEntity, "No valid image files", err)
		case errors.Is(err, perrors.ErrInvalidRequest):
			h.handleError(c, http.StatusBadRequest, "Invalid batch request", err)
		case errors.Is(err, perrors.ErrJobExists):
			h.handleError(c, http.StatusConflict, "Batch already exists", err)
		default:
			h.handleError(c, http.StatusInternalServerError, "Failed to start batch", err)
		}
		return
	}

	c.JSON(http.StatusAccepted, StartResponse{
		JobID:         desc.JobID,
		TotalImages:   desc.TotalImages,
		ProgressRef:   desc.ProgressRef,
		Rejected:      desc.Rejected,
		IgnoredStages: ignored,
	})
}

func (h *BatchHandler) GetBatch(c *gin.Context) {
	jobID := c.Param("jobId")
	snap, err := h.service.GetProgress(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, perrors.ErrJobNotFound) {
			h.handleError(c, http.StatusNotFound, "Batch not found", err)
			return
		}
		h.handleError(c, http.StatusInternalServerError, "Failed to get progress", err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *BatchHandler) CancelBatch(c *gin.Context) {
	jobID := c.Param("jobId")
	if err := h.service.Cancel(c.Request.Context(), jobID); err != nil {
		if errors.Is(err, perrors.ErrJobNotFound) {
			h.handleError(c, http.StatusNotFound, "Batch not found", err)
			return
		}
		h.handleError(c, http.StatusInternalServerError, "Failed to cancel batch", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"message": "Batch cancellation requested",
		"jobId":   jobID,
	})
}

// DownloadResult serves a finished batch as a JSON attachment.
func (h *BatchHandler) DownloadResult(c *gin.Context) {
	jobID := c.Param("jobId")
	snap, err := h.service.GetProgress(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, perrors.ErrJobNotFound) {
			h.handleError(c, http.StatusNotFound, "Batch not found", err)
			return
		}
		h.handleError(c, http.StatusInternalServerError, "Failed to get result", err)
		return
	}

	doc, err := h.converter.Convert(snap)
	if err != nil {
		if errors.Is(err, converters.ErrNotFinished) {
			h.handleError(c, http.StatusConflict, "Batch is still running", err)
			return
		}
		h.handleError(c, http.StatusInternalServerError, "Failed to convert result", err)
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=result_%s.json", jobID))
	c.JSON(http.StatusOK, doc)
}

func (h *BatchHandler) ListEngines(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"engines": h.service.Engines()})
}

// settingsFrom maps the form onto recognition settings. Stage names may
// come as repeated fields or a comma separated list; unknown ones are
// dropped and returned.
func (h *BatchHandler) settingsFrom(sf settingsForm) (models.RecognitionSettings, []string) {
	var names []string
	for _, v := range sf.Stages {
		names = append(names, strings.Split(v, ",")...)
	}
	stages, unknown := preprocess.ParseStages(names)

	s := models.RecognitionSettings{
		Language:     sf.Language,
		Engine:       sf.Engine,
		Enhance:      sf.Enhance,
		Handwriting:  sf.Handwriting,
		Voting:       sf.Voting,
		MaxDimension: sf.MaxDimension,
	}
	for _, st := range stages {
		s.Stages = append(s.Stages, st.String())
	}
	return s.WithDefaults(h.defaultLanguage), unknown
}

func readFiles(headers []*multipart.FileHeader) ([]models.File, error) {
	files := make([]models.File, 0, len(headers))
	for _, fh := range headers {
		data, err := readFile(fh)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", fh.Filename, err)
		}
		files = append(files, models.File{Name: fh.Filename, Data: data})
	}
	return files, nil
}

func readFile(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// handleError 统一错误处理
func (h *BatchHandler) handleError(c *gin.Context, status int, message string, err error) {
	fields := []logger.Field{logger.String("path", c.Request.URL.Path), logger.Int("status", status)}
	if err != nil {
		fields = append(fields, logger.Error(err))
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error(message, fields...)
	} else {
		h.logger.Warn(message, fields...)
	}

	response := ErrorResponse{Message: message}
	if err != nil {
		response.Error = err.Error()
		response.Code = string(perrors.CodeOf(err))
	}
	c.JSON(status, response)
}
