package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"

	"github.com/digkill/fixtral/internal/gemini"
	"github.com/digkill/fixtral/internal/metrics"
	"github.com/digkill/fixtral/internal/models"
	"github.com/digkill/fixtral/internal/service"
	"github.com/digkill/fixtral/pkg/logger"
)

const maxBodyBytes = 1 << 20

type Credits interface {
	CheckLimit(ctx context.Context, id models.Identity) (service.LimitStatus, error)
	Quota() int
}

type History interface {
	LoadAll(ctx context.Context, id models.Identity) ([]models.HistoryRecord, error)
	Delete(ctx context.Context, id models.Identity, recordID string) error
	Clear(ctx context.Context, id models.Identity) error
}

type Editor interface {
	Edit(ctx context.Context, id models.Identity, req service.EditRequest) (*service.EditOutcome, error)
}

type Analyzer interface {
	Analyze(ctx context.Context, req gemini.AnalyzeRequest) (string, error)
}

type Posts interface {
	RecentImagePosts(ctx context.Context, limit int, maxAge time.Duration) ([]models.RedditPost, error)
	Post(ctx context.Context, postID string) (*models.RedditPost, error)
}

type Options struct {
	Addr               string
	CORSOrigins        []string
	RateLimitPerMinute int
	RequestTimeout     time.Duration
	JWTSecret          string
}

// Deps groups the services behind the routes. Posts and Analyzer may be nil,
// in which case their routes answer 503.
type Deps struct {
	Credits  Credits
	History  History
	Editor   Editor
	Analyzer Analyzer
	Posts    Posts
}

type Server struct {
	addr      string
	timeout   time.Duration
	jwtSecret string
	log       *slog.Logger
	deps      Deps
	router    *chi.Mux
}

func NewServer(opts Options, log *slog.Logger, deps Deps) *Server {
	if opts.RateLimitPerMinute <= 0 {
		opts.RateLimitPerMinute = 100
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 2 * time.Minute
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", DeviceHeader, "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	s := &Server{
		addr:      opts.Addr,
		timeout:   opts.RequestTimeout,
		jwtSecret: opts.JWTSecret,
		log:       log,
		deps:      deps,
		router:    r,
	}

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(api chi.Router) {
		api.Use(middleware.RequestSize(maxBodyBytes))
		api.Use(httprate.LimitByIP(opts.RateLimitPerMinute, time.Minute))
		api.Use(s.identityMiddleware)

		api.Get("/credits", s.handleCredits)
		api.Get("/reddit/posts", s.handlePosts)
		api.Post("/reddit/posts", s.handleAnalyzePost)
		api.Post("/analyze", s.handleAnalyze)
		api.Post("/edit", s.handleEdit)
		api.Route("/history", func(r chi.Router) {
			r.Get("/", s.handleListHistory)
			r.Delete("/", s.handleClearHistory)
			r.Delete("/{id}", s.handleDeleteHistory)
		})
	})
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      s.timeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Error("api shutdown error", "err", err)
		}
	}()

	s.log.Info("api listening", "addr", s.addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api listen: %w", err)
	}
	return nil
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}

func (s *Server) badRequest(w http.ResponseWriter, err error) {
	s.writeError(w, http.StatusBadRequest, err.Error())
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	logger.FromContext(r.Context(), s.log).Error("api handler error", "path", r.URL.Path, "err", err)
	s.writeError(w, http.StatusInternalServerError, "internal error")
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	return nil
}
