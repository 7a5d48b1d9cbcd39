package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/telechubbiies/identity/pkg/contextkeys"
	"github.com/telechubbiies/identity/pkg/middleware"
	"github.com/telechubbiies/identity/pkg/oauth"
	"github.com/telechubbiies/identity/pkg/observability"
	"github.com/telechubbiies/identity/pkg/sessions"
)

// RateLimiter is satisfied by both the in-memory and the
// redis-backed rate limit middleware.
type RateLimiter interface {
	Handler(next http.Handler) http.Handler
	LoginHandler(next http.Handler) http.Handler
}

// Deps carries everything the server composes. RateLimits and Metrics
// may be nil.
type Deps struct {
	OAuth      *oauth.Handler
	Sessions   *sessions.Handler
	Directory  *DirectoryHandler
	Auth       *middleware.Authenticator
	RateLimits RateLimiter
	Metrics    *observability.Metrics
	Log        *logrus.Logger
}

// Server owns the HTTP router for the identity service.
type Server struct {
	router *mux.Router
	deps   Deps
}

// NewServer assembles the router from the handler packages.
func NewServer(deps Deps) *Server {
	if deps.Log == nil {
		deps.Log = logrus.New()
	}

	s := &Server{
		router: mux.NewRouter(),
		deps:   deps,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestID)
	s.router.Use(s.requestLogging)
	if s.deps.Metrics != nil {
		s.router.Use(s.instrument)
	}
	if s.deps.RateLimits != nil {
		s.router.Use(s.deps.RateLimits.Handler)
	}

	var limitLogin func(http.Handler) http.Handler
	if s.deps.RateLimits != nil {
		limitLogin = s.deps.RateLimits.LoginHandler
	}

	s.deps.Sessions.RegisterRoutes(s.router, s.deps.Auth.Required, limitLogin)
	// The authorize endpoint reuses the bearer middleware as its
	// session check; first-party clients hold an access token from
	// the direct login flow.
	s.deps.OAuth.RegisterRoutes(s.router, s.deps.Auth.Required, s.deps.Auth.Required)
	s.deps.Directory.RegisterRoutes(s.router, s.deps.Auth.Required)
}

// Router returns the assembled handler for the main listener.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(contextkeys.WithRequestID(r.Context(), id)))
	})
}

func (s *Server) requestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		s.deps.Log.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      rec.status,
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  contextkeys.RequestIDFromContext(r.Context()),
		}).Info("request")
	})
}

// instrument records request metrics against the route template so
// path parameters do not explode label cardinality.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		path := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if template, err := route.GetPathTemplate(); err == nil {
				path = template
			}
		}
		s.deps.Metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rec.status)).Inc()
		s.deps.Metrics.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
