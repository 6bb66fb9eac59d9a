package internal

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"connectrpc.com/connect"
	"connectrpc.com/grpchealth"
	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/kazz187/reviewcrew/internal/config"
	"github.com/kazz187/reviewcrew/internal/review"
	"github.com/kazz187/reviewcrew/pkg/cerr"
	"github.com/kazz187/reviewcrew/pkg/clog"
)

const appName = "Code Review Crew API"

type Server struct {
	mu           sync.Mutex
	server       *http.Server
	env          *config.Env
	reviewServer *review.Server
}

func NewServer(env *config.Env, reviewServer *review.Server) *Server {
	return &Server{
		env:          env,
		reviewServer: reviewServer,
	}
}

// Handler builds the full HTTP handler: JSON API, event stream and health
// endpoints behind CORS and the optional API key check.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(clog.SlogChiMiddleware(clog.WithChiFilter(func(r *http.Request) bool {
		return r.URL.Path != "/health"
	})))

	notFound := func(w http.ResponseWriter, r *http.Request) {
		cerr.SetNewJSONError(r.Context(), cerr.NotFound, "not found", nil)
	}

	r.Group(func(r chi.Router) {
		r.Use(cerr.NewConvertConnectErrorChiMiddleware())
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			cerr.SetJSONResponse(r.Context(), map[string]string{"message": appName + " is running"})
		})
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			cerr.SetJSONResponse(r.Context(), map[string]string{
				"status":    "healthy",
				"timestamp": time.Now().Format(time.RFC3339),
			})
		})
		r.NotFound(notFound)
	})
	r.Route("/api", func(r chi.Router) {
		r.Get("/events", s.reviewServer.Events)
		r.Group(func(r chi.Router) {
			r.Use(cerr.NewConvertConnectErrorChiMiddleware())
			s.reviewServer.Routes(r)
			r.NotFound(notFound)
		})
	})

	healthPath, healthHandler := grpchealth.NewHandler(
		grpchealth.NewStaticChecker(),
		connect.WithInterceptors(s.interceptors()...),
	)
	r.Handle(healthPath+"*", healthHandler)

	return cors.New(cors.Options{
		AllowedOrigins: s.env.AllowedOrigins(),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	}).Handler(s.apiKeyMiddleware(r))
}

// ListenAndServe starts the HTTP server. ctx becomes the base context of
// every request so open event streams end on shutdown.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := net.JoinHostPort(s.env.HTTPHost, s.env.HTTPPort)
	slog.Info("starting server", "addr", addr)

	srv := &http.Server{
		Addr:              addr,
		Handler:           h2c.NewHandler(s.Handler(), &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}
	s.mu.Lock()
	s.server = srv
	s.mu.Unlock()
	if ctx.Err() != nil {
		return http.ErrServerClosed
	}
	return srv.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) interceptors() []connect.Interceptor {
	return []connect.Interceptor{
		clog.NewSlogConnectInterceptor(clog.WithConnectFilter(clog.DefaultConnectHealthCheckUnaryFilter)),
		cerr.NewConvertConnectErrorInterceptor(),
	}
}

// apiKeyMiddleware is a no-op unless an API key is configured.
func (s *Server) apiKeyMiddleware(next http.Handler) http.Handler {
	if s.env.APIKey == "" {
		return next
	}
	want := []byte(s.env.APIKey)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || strings.HasPrefix(r.URL.Path, "/grpc.health.v1.Health/") {
			next.ServeHTTP(w, r)
			return
		}
		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" {
			apiKey = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if subtle.ConstantTimeCompare([]byte(apiKey), want) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
