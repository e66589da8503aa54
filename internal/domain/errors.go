package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrValidation          = errors.New("validation failed")
	ErrTransport           = errors.New("transport failure")
	ErrBusiness            = errors.New("vendor api error")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrUpload              = errors.New("upload failed")
	ErrContentFiltered     = errors.New("content filtered")
	ErrGenerationFailed    = errors.New("generation failed")
	ErrTimeout             = errors.New("generation timed out")
	ErrResultMissing       = errors.New("result url missing")
	ErrMissingHistoryID    = errors.New("submission returned no history record id")
	ErrMissingSession      = errors.New("no session id configured")
	ErrNoImages            = errors.New("at least one reference image is required")
	ErrTooManyFiles        = errors.New("too many files")
	ErrPayloadTooLarge     = errors.New("upload too large")
	ErrMissingURL          = errors.New("url parameter is required")
	ErrRateLimited         = errors.New("rate limited")
)

// InsufficientCreditsCode is the vendor result code reported when the
// account has no generation credits left.
const InsufficientCreditsCode = "5000"

// ContentFilterFailCode is the history fail code the vendor reports when the
// prompt or reference images were rejected by moderation.
const ContentFilterFailCode = 2038

// TransportError wraps network, timeout and undecodable-response failures.
// Only this class of error is retried.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// BusinessError is an explicit non-zero result code returned by the vendor.
type BusinessError struct {
	Code    string
	Message string
}

func (e *BusinessError) Error() string {
	return fmt.Sprintf("jimeng: api error (ret=%s): %s", e.Code, e.Message)
}

func (e *BusinessError) Is(target error) bool {
	switch target {
	case ErrBusiness:
		return true
	case ErrInsufficientCredits:
		return e.Code == InsufficientCreditsCode
	}
	return false
}

// UploadStage names one step of the four-step image upload.
type UploadStage string

const (
	UploadStageToken  UploadStage = "token"
	UploadStageApply  UploadStage = "apply"
	UploadStageUpload UploadStage = "upload"
	UploadStageCommit UploadStage = "commit"
)

// UploadError reports which upload step failed.
type UploadError struct {
	Stage UploadStage
	Err   error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload %s: %v", e.Stage, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

func (e *UploadError) Is(target error) bool { return target == ErrUpload }

// ContentFilteredError is a terminal history status carrying the moderation fail code.
type ContentFilteredError struct {
	FailCode int
}

func (e *ContentFilteredError) Error() string {
	return fmt.Sprintf("generation rejected by content filter (fail_code=%d)", e.FailCode)
}

func (e *ContentFilteredError) Is(target error) bool { return target == ErrContentFiltered }

// GenerationFailedError is a terminal history status with any other fail code.
type GenerationFailedError struct {
	FailCode int
}

func (e *GenerationFailedError) Error() string {
	return fmt.Sprintf("generation failed (fail_code=%d)", e.FailCode)
}

func (e *GenerationFailedError) Is(target error) bool { return target == ErrGenerationFailed }

// TimeoutError means the poll budget ran out before a terminal state.
type TimeoutError struct {
	Attempts int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("generation still running after %d polls", e.Attempts)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// ValidationError is a caller-side precondition failure; no job is created.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid request: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// UpstreamStatusError is a non-2xx answer from the video CDN.
type UpstreamStatusError struct {
	Status int
}

func (e *UpstreamStatusError) Error() string {
	return fmt.Sprintf("upstream returned status %d", e.Status)
}
