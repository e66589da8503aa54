package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/wwwzhouhui/seedance2.0/internal/domain"
	"github.com/wwwzhouhui/seedance2.0/internal/infra"
	"github.com/wwwzhouhui/seedance2.0/internal/middleware"
	"github.com/wwwzhouhui/seedance2.0/internal/service"
)

// JobService is the submit/poll boundary the handlers drive.
type JobService interface {
	SubmitJob(ctx context.Context, req service.SubmitRequest) (string, error)
	PollJob(id, locale string) (service.JobView, error)
}

// VideoStreamer relays a remote video to the response.
type VideoStreamer interface {
	Serve(w http.ResponseWriter, r *http.Request, rawURL string) error
}

type App struct {
	Jobs           JobService
	Streamer       VideoStreamer
	Logger         *infra.Logger
	MaxUploadBytes int64
	MaxUploadFiles int
	// UploadReadTimeout replaces the server read deadline while a
	// submission body is read.
	UploadReadTimeout time.Duration
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// error writes {"error": <localized message>} with a status derived from err.
func (a *App) error(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError && a.Logger != nil {
		a.Logger.Error().Err(err).
			Str("path", r.URL.Path).
			Str("request_id", middleware.RequestIDFromContext(r.Context())).
			Msg("request failed")
	}
	locale := middleware.LocaleFromContext(r.Context())
	a.json(w, status, map[string]string{"error": domain.UserMessage(err, locale)})
}

func statusFor(err error) int {
	var upstream *domain.UpstreamStatusError
	switch {
	case errors.Is(err, domain.ErrMissingSession):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, domain.ErrNoImages),
		errors.Is(err, domain.ErrTooManyFiles),
		errors.Is(err, domain.ErrMissingURL),
		errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &upstream):
		return upstream.Status
	case errors.Is(err, domain.ErrTransport):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
