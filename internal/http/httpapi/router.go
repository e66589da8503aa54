package httpapi

import (
	stdhttp "net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/wwwzhouhui/seedance2.0/internal/http/handlers"
	"github.com/wwwzhouhui/seedance2.0/internal/infra"
	"github.com/wwwzhouhui/seedance2.0/internal/middleware"
)

// Options configures the cross-cutting middleware around the API routes.
type Options struct {
	Logger          infra.Logger
	CORSOrigins     []string
	DefaultLocale   string
	CountryLookup   middleware.CountryLookup
	RateLimitPerMin int
}

func NewRouter(app *handlers.App, opts Options) stdhttp.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP, chimw.Recoverer)
	r.Use(middleware.RequestID, middleware.Logger(opts.Logger))
	r.Use(middleware.CORS(opts.CORSOrigins))
	r.Use(middleware.I18N(opts.DefaultLocale, opts.CountryLookup))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", app.Health)

		r.With(middleware.RateLimit(opts.RateLimitPerMin, time.Minute)).
			Post("/generate-video", app.GenerateVideo)
		r.Get("/task/{taskId}", app.TaskStatus)
		r.Get("/video-proxy", app.VideoProxy)
	})

	return r
}
