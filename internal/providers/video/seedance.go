// Package video drives a Seedance generation from reference images to a
// playable video URL.
package video

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wwwzhouhui/seedance2.0/internal/browser"
	"github.com/wwwzhouhui/seedance2.0/internal/domain"
	"github.com/wwwzhouhui/seedance2.0/internal/infra"
	"github.com/wwwzhouhui/seedance2.0/internal/providers/jimeng"
	"github.com/wwwzhouhui/seedance2.0/internal/providers/prompt"
)

const (
	defaultMaxPolls    = 60
	defaultSettleDelay = 5 * time.Second
)

// VendorAPI is the subset of the Jimeng client the orchestrator uses.
type VendorAPI interface {
	UploadImage(ctx context.Context, sessionID string, data []byte) (string, error)
	GetHistory(ctx context.Context, sessionID, historyID string) (*jimeng.HistoryRecord, error)
	GetLocalItems(ctx context.Context, sessionID, itemID string) (map[string]any, error)
	GenerateURL() string
	Identity(sessionID string) browser.SessionKey
}

// BrowserFetcher runs a fetch inside a live browser session.
type BrowserFetcher interface {
	Fetch(ctx context.Context, key browser.SessionKey, req browser.FetchRequest) (json.RawMessage, error)
}

type Options struct {
	API         VendorAPI
	Browser     BrowserFetcher
	Logger      *infra.Logger
	MaxPolls    int
	SettleDelay time.Duration
	Sleep       jimeng.SleepFunc
	Now         func() time.Time
	NewID       func() string
	Seed        func() int64
}

// Seedance is the generation orchestrator.
type Seedance struct {
	api      VendorAPI
	browser  BrowserFetcher
	logger   *infra.Logger
	maxPolls int
	settle   time.Duration
	sleep    jimeng.SleepFunc
	now      func() time.Time
	newID    func() string
	seed     func() int64
}

func NewSeedance(opts Options) (*Seedance, error) {
	if opts.API == nil || opts.Browser == nil {
		return nil, fmt.Errorf("seedance: vendor api and browser are required")
	}
	s := &Seedance{
		api:      opts.API,
		browser:  opts.Browser,
		logger:   opts.Logger,
		maxPolls: opts.MaxPolls,
		settle:   opts.SettleDelay,
		sleep:    opts.Sleep,
		now:      opts.Now,
		newID:    opts.NewID,
		seed:     opts.Seed,
	}
	if s.logger == nil {
		s.logger = infra.DiscardLogger()
	}
	if s.maxPolls <= 0 {
		s.maxPolls = defaultMaxPolls
	}
	if s.settle < 0 {
		s.settle = 0
	} else if s.settle == 0 {
		s.settle = defaultSettleDelay
	}
	if s.sleep == nil {
		s.sleep = jimeng.Sleep
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	if s.seed == nil {
		s.seed = func() int64 { return rand.Int64N(seedUpperBound) }
	}
	return s, nil
}

// Generate uploads the reference images, submits the draft through the
// browser session, polls the vendor until a terminal state and resolves
// the best available video URL.
func (s *Seedance) Generate(ctx context.Context, req GenerateRequest) (*Asset, error) {
	model := ResolveModel(req.Model)
	res := ResolveResolution(req.Ratio)
	duration := req.Duration
	if duration <= 0 {
		duration = DefaultDuration
	}
	started := s.now()
	report := func(p domain.Progress) {
		if req.Progress != nil {
			req.Progress(p)
		}
	}
	log := s.logger.With().Str("request_id", req.RequestID).Str("model", model.Key).Logger()
	log.Info().
		Int("width", res.Width).
		Int("height", res.Height).
		Int("duration", duration).
		Int("images", len(req.Images)).
		Msg("seedance: generation started")

	images := make([]UploadedImage, 0, len(req.Images))
	for i, img := range req.Images {
		report(domain.Progress{Stage: domain.StageUploading, Current: i + 1, Total: len(req.Images)})
		uri, err := s.api.UploadImage(ctx, req.SessionID, img.Data)
		if err != nil {
			return nil, fmt.Errorf("seedance: upload image %d: %w", i+1, err)
		}
		log.Debug().Int("index", i+1).Str("file", img.Filename).Msg("seedance: image uploaded")
		images = append(images, UploadedImage{URI: uri, Width: res.Width, Height: res.Height})
	}

	draft, err := buildDraft(draftParams{
		Model:      model,
		Resolution: res,
		Duration:   duration,
		Images:     images,
		Segments:   prompt.Compile(req.Prompt, len(images)),
		Seed:       s.seed(),
		CreatedMS:  s.now().UnixMilli(),
		NewID:      s.newID,
	})
	if err != nil {
		return nil, fmt.Errorf("seedance: build draft: %w", err)
	}

	report(domain.Progress{Stage: domain.StageSubmitting})
	historyID, err := s.submit(ctx, req.SessionID, draft)
	if err != nil {
		return nil, err
	}
	log = log.With().Str("history_id", historyID).Logger()
	log.Info().Msg("seedance: draft submitted")

	report(domain.Progress{Stage: domain.StageSubmitted})
	if err := s.sleep(ctx, s.settle); err != nil {
		return nil, err
	}

	rec, err := s.poll(ctx, &log, req.SessionID, historyID, started, report)
	if err != nil {
		return nil, err
	}

	report(domain.Progress{Stage: domain.StageResolving})
	url, err := s.resolve(ctx, &log, req.SessionID, rec.ItemList)
	if err != nil {
		return nil, err
	}
	log.Info().Dur("elapsed", s.now().Sub(started)).Msg("seedance: video ready")
	return &Asset{
		URL:       url,
		HistoryID: historyID,
		Model:     model.Key,
		Width:     res.Width,
		Height:    res.Height,
		Duration:  duration,
	}, nil
}

// submit posts the draft from inside the browser session; the endpoint
// rejects requests that lack a live page fingerprint.
func (s *Seedance) submit(ctx context.Context, sessionID string, draft map[string]any) (string, error) {
	body, err := json.Marshal(draft)
	if err != nil {
		return "", fmt.Errorf("seedance: encode draft: %w", err)
	}
	raw, err := s.browser.Fetch(ctx, s.api.Identity(sessionID), browser.FetchRequest{
		URL:     s.api.GenerateURL(),
		Method:  http.MethodPost,
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    string(body),
	})
	if err != nil {
		return "", fmt.Errorf("seedance: submit: %w", err)
	}
	data, err := jimeng.Unwrap(raw)
	if err != nil {
		return "", err
	}
	var out struct {
		AigcData struct {
			HistoryRecordID json.RawMessage `json:"history_record_id"`
		} `json:"aigc_data"`
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &out); err != nil {
			return "", &domain.TransportError{Op: "seedance: decode submit", Err: err}
		}
	}
	id := strings.Trim(string(out.AigcData.HistoryRecordID), `"`)
	if id == "" || id == "null" || id == "0" {
		return "", domain.ErrMissingHistoryID
	}
	return id, nil
}
