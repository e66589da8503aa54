// Package service is the boundary between callers and the generation
// pipeline: it validates submissions, runs them in the background and
// renders job state for polling.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/wwwzhouhui/seedance2.0/internal/domain"
	"github.com/wwwzhouhui/seedance2.0/internal/infra"
	"github.com/wwwzhouhui/seedance2.0/internal/jobs"
	"github.com/wwwzhouhui/seedance2.0/internal/providers/video"
)

// SubmitRequest is one generation request as received from a caller.
type SubmitRequest struct {
	Prompt    string             `validate:"max=4000"`
	Model     string             `validate:"omitempty,oneof=seedance-2.0 seedance-2.0-fast"`
	Ratio     string             `validate:"omitempty,oneof=1:1 4:3 3:4 16:9 9:16 21:9"`
	Duration  int                `validate:"omitempty,min=4,max=15"`
	SessionID string             `validate:"-"`
	Images    []video.ImageInput `validate:"max=5"`
	RequestID string             `validate:"-"`
}

// ResultItem mirrors one entry of the OpenAI-style result payload.
type ResultItem struct {
	URL           string `json:"url"`
	RevisedPrompt string `json:"revised_prompt"`
}

type ResultView struct {
	Created int64        `json:"created"`
	Data    []ResultItem `json:"data"`
}

// JobView is what a poll returns.
type JobView struct {
	Status   domain.JobStatus `json:"status"`
	Elapsed  int64            `json:"elapsed"`
	Progress string           `json:"progress,omitempty"`
	Result   *ResultView      `json:"result,omitempty"`
	Error    string           `json:"error,omitempty"`
}

type Options struct {
	Generator        video.Generator
	Registry         *jobs.Registry
	DefaultSessionID string
	Now              func() time.Time
	Logger           *infra.Logger
}

type Service struct {
	gen            video.Generator
	registry       *jobs.Registry
	defaultSession string
	validate       *validator.Validate
	now            func() time.Time
	logger         *infra.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	workers sync.WaitGroup
	sweeper sync.WaitGroup
}

func New(opts Options) (*Service, error) {
	if opts.Generator == nil || opts.Registry == nil {
		return nil, errors.New("service: generator and registry are required")
	}
	s := &Service{
		gen:            opts.Generator,
		registry:       opts.Registry,
		defaultSession: strings.TrimSpace(opts.DefaultSessionID),
		validate:       validator.New(),
		now:            opts.Now,
		logger:         opts.Logger,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = infra.DiscardLogger()
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

// Start launches the registry sweeper.
func (s *Service) Start() {
	s.sweeper.Add(1)
	go func() {
		defer s.sweeper.Done()
		s.registry.Run(s.ctx)
	}()
}

// SubmitJob validates req, registers a job and starts generation in the
// background. The returned id is valid immediately.
func (s *Service) SubmitJob(ctx context.Context, req SubmitRequest) (string, error) {
	session := strings.TrimSpace(req.SessionID)
	if session == "" {
		session = s.defaultSession
	}
	if session == "" {
		return "", domain.ErrMissingSession
	}
	if len(req.Images) == 0 {
		return "", domain.ErrNoImages
	}
	if err := s.validate.StructCtx(ctx, req); err != nil {
		return "", toValidationError(err)
	}
	for i, img := range req.Images {
		if len(img.Data) == 0 {
			return "", &domain.ValidationError{Field: fmt.Sprintf("files[%d]", i), Reason: "empty file"}
		}
	}
	if err := s.ctx.Err(); err != nil {
		return "", fmt.Errorf("service: shutting down: %w", err)
	}

	id := s.registry.Create()
	log := s.logger.With().Str("task_id", id).Str("request_id", req.RequestID).Logger()
	log.Info().
		Str("model", req.Model).
		Str("ratio", req.Ratio).
		Int("duration", req.Duration).
		Int("images", len(req.Images)).
		Msg("service: job accepted")

	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		s.run(id, session, req)
	}()
	return id, nil
}

func (s *Service) run(id, session string, req SubmitRequest) {
	started := s.now()
	asset, err := s.gen.Generate(s.ctx, video.GenerateRequest{
		Prompt:    req.Prompt,
		Model:     req.Model,
		Ratio:     req.Ratio,
		Duration:  req.Duration,
		Images:    req.Images,
		SessionID: session,
		RequestID: id,
		Progress: func(p domain.Progress) {
			p.Elapsed = s.now().Sub(started)
			s.registry.SetProgress(id, p)
		},
	})
	elapsed := s.now().Sub(started)
	if err != nil {
		s.registry.SetError(id, err)
		s.logger.Error().Err(err).Str("task_id", id).Dur("elapsed", elapsed).Msg("service: job failed")
		return
	}
	s.registry.SetResult(id, domain.VideoResult{
		Created:       s.now().Unix(),
		URL:           asset.URL,
		RevisedPrompt: req.Prompt,
	})
	s.logger.Info().Str("task_id", id).Dur("elapsed", elapsed).Msg("service: job done")
}

// PollJob renders the job for locale. Observing a finished job schedules
// its removal.
func (s *Service) PollJob(id, locale string) (JobView, error) {
	job, ok := s.registry.Get(id)
	if !ok {
		return JobView{}, domain.ErrNotFound
	}
	view := JobView{
		Status:  job.Status,
		Elapsed: int64(s.now().Sub(job.StartedAt) / time.Second),
	}
	switch job.Status {
	case domain.JobStatusDone:
		view.Result = &ResultView{
			Created: job.Result.Created,
			Data:    []ResultItem{{URL: job.Result.URL, RevisedPrompt: job.Result.RevisedPrompt}},
		}
	case domain.JobStatusError:
		view.Error = domain.UserMessage(job.Err, locale)
	default:
		view.Progress = job.Progress.Render(locale)
	}
	if job.Status.Terminal() {
		s.registry.MarkObserved(id)
	}
	return view, nil
}

// Close cancels running generations and waits for them and the sweeper
// to stop, or for ctx to expire.
func (s *Service) Close(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		s.sweeper.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func toValidationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		if fe.Field() == "Images" {
			return domain.ErrTooManyFiles
		}
		reason := fe.Tag()
		if fe.Param() != "" {
			reason += "=" + fe.Param()
		}
		return &domain.ValidationError{Field: strings.ToLower(fe.Field()), Reason: reason}
	}
	return &domain.ValidationError{Reason: err.Error()}
}
