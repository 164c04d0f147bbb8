package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// ErrorCode classifies failures surfaced to callers and recorded on items.
type ErrorCode string

const (
	ErrorNoValidFiles      ErrorCode = "NO_VALID_FILES"
	ErrorInvalidFile       ErrorCode = "INVALID_FILE"
	ErrorInvalidRequest    ErrorCode = "INVALID_REQUEST"
	ErrorJobExists         ErrorCode = "JOB_EXISTS"
	ErrorJobNotFound       ErrorCode = "JOB_NOT_FOUND"
	ErrorEngineUnavailable ErrorCode = "ENGINE_UNAVAILABLE"
	ErrorRecognition       ErrorCode = "RECOGNITION_FAILED"
	ErrorStorage           ErrorCode = "STORAGE_FAILED"
	ErrorDecode            ErrorCode = "DECODE_FAILED"
	ErrorCancelled         ErrorCode = "CANCELLED"
	ErrorPanic             ErrorCode = "PANIC"
)

// Sentinels for errors.Is checks across package boundaries.
var (
	ErrNoValidFiles      = stderrors.New("no valid input files")
	ErrInvalidFile       = stderrors.New("invalid input file")
	ErrInvalidRequest    = stderrors.New("invalid batch request")
	ErrJobExists         = stderrors.New("job already exists")
	ErrJobNotFound       = stderrors.New("job not found")
	ErrEngineUnavailable = stderrors.New("recognition engine unavailable")
	ErrNoEngines         = stderrors.New("no recognition engines available")
	ErrAllEnginesFailed  = stderrors.New("all recognition engines failed")
)

// ProcessingError carries a code and the job it belongs to.
type ProcessingError struct {
	Code      ErrorCode
	Message   string
	JobID     string
	Timestamp time.Time
	Details   map[string]interface{}
	Cause     error
}

func (e *ProcessingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ProcessingError) Unwrap() error {
	return e.Cause
}

func NewNoValidFilesError(jobID string, rejected int) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorNoValidFiles,
		Message:   fmt.Sprintf("all %d input files were rejected", rejected),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details:   map[string]interface{}{"rejected": rejected},
		Cause:     ErrNoValidFiles,
	}
}

func NewJobNotFoundError(jobID string) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorJobNotFound,
		Message:   "no in-memory or cached state for job",
		JobID:     jobID,
		Timestamp: time.Now(),
		Cause:     ErrJobNotFound,
	}
}

func NewRecognitionError(jobID string, engine string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorRecognition,
		Message:   fmt.Sprintf("recognition failed on engine: %s", engine),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details:   map[string]interface{}{"engine": engine},
		Cause:     cause,
	}
}

func NewStorageError(jobID string, key string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorStorage,
		Message:   fmt.Sprintf("scratch storage failed for key: %s", key),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details:   map[string]interface{}{"key": key},
		Cause:     cause,
	}
}

func NewDecodeError(jobID string, name string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorDecode,
		Message:   fmt.Sprintf("failed to decode image: %s", name),
		JobID:     jobID,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

func NewInvalidRequestError(jobID string, reason string) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorInvalidRequest,
		Message:   reason,
		JobID:     jobID,
		Timestamp: time.Now(),
		Cause:     ErrInvalidRequest,
	}
}

func NewJobExistsError(jobID string) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorJobExists,
		Message:   fmt.Sprintf("job %s already exists", jobID),
		JobID:     jobID,
		Timestamp: time.Now(),
		Cause:     ErrJobExists,
	}
}

func NewCancelledError(jobID string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorCancelled,
		Message:   "job was cancelled before the item finished",
		JobID:     jobID,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

func NewPanicError(jobID string, recovered interface{}) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorPanic,
		Message:   fmt.Sprintf("unit panicked: %v", recovered),
		JobID:     jobID,
		Timestamp: time.Now(),
	}
}

// CodeOf returns the code of the first ProcessingError in err's chain.
func CodeOf(err error) ErrorCode {
	var pe *ProcessingError
	if stderrors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// IsRetryable reports whether a queued batch may be retried after err.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case ErrorNoValidFiles, ErrorInvalidFile, ErrorInvalidRequest, ErrorJobExists, ErrorCancelled:
		return false
	}
	return !stderrors.Is(err, ErrNoValidFiles)
}
