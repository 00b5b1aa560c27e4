package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"studio/internal/http/handlers"
	"studio/internal/metrics"
	"studio/internal/middleware"
)

type Options struct {
	JWTSecret      string
	AllowedOrigins []string
	// RateLimit is requests per minute per user; zero disables it.
	RateLimit     int
	DefaultLocale string
	CountryLookup middleware.CountryLookup
	// StaticDir is served under /static when blobs live on local disk.
	StaticDir string
	Logger    zerolog.Logger
}

func NewRouter(app *handlers.App, opts Options) http.Handler {
	r := chi.NewRouter()

	r.Use(
		chimw.RealIP,
		middleware.RequestID(opts.Logger),
		middleware.Logger(opts.Logger),
		chimw.Recoverer,
		middleware.CORS(opts.AllowedOrigins),
	)

	r.Get("/v1/healthz", app.Health)
	r.Get("/v1/openapi.json", app.OpenAPIJSON)
	r.Get("/v1/docs", app.OpenAPIDocs)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	if opts.StaticDir != "" {
		r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.Dir(opts.StaticDir))))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.AuthJWT(opts.JWTSecret))
		if opts.RateLimit > 0 {
			r.Use(middleware.RateLimit(opts.RateLimit, time.Minute))
		}
		// After auth so a locale claim in the token wins over headers.
		r.Use(middleware.I18N(opts.DefaultLocale, opts.CountryLookup))

		r.Route("/images", func(r chi.Router) {
			r.Get("/", app.ListImages)
			r.Post("/", app.GenerateImage)
			r.Get("/{id}", app.GetImage)
			r.Delete("/{id}", app.DeleteImage)
			r.Get("/{id}/versions", app.ImageVersions)
			r.Post("/{id}/edits", app.EditImage)
		})
		r.Get("/groups", app.ListGroups)

		r.Post("/variations", app.StartVariations)
		r.Post("/comparisons", app.StartCompare)
		r.Route("/batches/{id}", func(r chi.Router) {
			r.Get("/", app.GetBatch)
			r.Delete("/", app.CloseBatch)
			r.Get("/archive", app.BatchArchive)
			r.Post("/variants/{variant}/save", app.SaveVariant)
			r.Post("/variants/{variant}/edit", app.EditFromVariant)
			r.Get("/variants/{variant}/preview", app.VariantPreview)
		})

		r.Get("/credits", app.GetCredits)
		r.Get("/credits/stream", app.StreamCredits)
		r.Get("/suggestions", app.GetSuggestions)
	})

	return r
}
