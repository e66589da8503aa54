package video

import (
	"context"

	"github.com/wwwzhouhui/seedance2.0/internal/domain"
)

// ImageInput is one reference image as received from the caller.
type ImageInput struct {
	Filename string
	Data     []byte
}

// ProgressFunc receives orchestrator progress. It must not block.
type ProgressFunc func(domain.Progress)

type GenerateRequest struct {
	Prompt    string
	Model     string
	Ratio     string
	Duration  int
	Images    []ImageInput
	SessionID string
	RequestID string
	Progress  ProgressFunc
}

type Asset struct {
	URL       string
	HistoryID string
	Model     string
	Width     int
	Height    int
	Duration  int
}

type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (*Asset, error)
}

var _ Generator = (*Seedance)(nil)
