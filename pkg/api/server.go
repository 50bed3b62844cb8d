// Package api exposes the admin panel's HTTP surface: plugin review,
// developer browsing, and sign-in.
package api

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/collapp/panel/pkg/httputil"
	"github.com/collapp/panel/pkg/moderation"
	"github.com/collapp/panel/pkg/observability"
	"github.com/collapp/panel/pkg/session"
)

// Moderation is the service surface the handlers call.
type Moderation interface {
	ListPlugins(ctx context.Context, req moderation.ListRequest) (*moderation.PluginPage, error)
	GetPlugin(ctx context.Context, id string) (*moderation.Plugin, error)
	Reject(ctx context.Context, pluginID string, actor moderation.Actor) (*moderation.Plugin, error)
	Accept(ctx context.Context, pluginID string, actor moderation.Actor) (*moderation.Plugin, error)
	ListDevelopers(ctx context.Context, req moderation.ListRequest) (*moderation.DeveloperPage, error)
	GetDeveloper(ctx context.Context, id string) (*moderation.Developer, error)
}

// Authenticator is the sign-in surface the server mounts under /auth.
type Authenticator interface {
	LoginHandler(w http.ResponseWriter, r *http.Request)
	CallbackHandler(w http.ResponseWriter, r *http.Request)
	LogoutHandler(w http.ResponseWriter, r *http.Request)
}

// Options configures optional server collaborators.
type Options struct {
	// Sessions gates /api routes. Required.
	Sessions *session.Middleware

	// Auth mounts the /auth routes when set.
	Auth Authenticator

	// Metrics instruments routes when set.
	Metrics *observability.Metrics

	// TracingEnabled wraps the router with otelhttp.
	TracingEnabled bool
}

// Server is the panel API server.
type Server struct {
	service Moderation
	router  *mux.Router
	opts    Options
	logger  *observability.Logger
}

// NewServer creates the API server and mounts all routes.
func NewServer(service Moderation, logger *observability.Logger, opts Options) *Server {
	s := &Server{
		service: service,
		router:  mux.NewRouter(),
		opts:    opts,
		logger:  logger,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(httputil.RecoveryMiddleware(s.logger))
	s.router.Use(httputil.LoggingMiddleware(s.logger))

	api := s.router.PathPrefix("/api").Subrouter()
	if s.opts.Sessions != nil {
		api.Use(s.opts.Sessions.Handler)
	}

	api.Handle("/plugins", s.route("/api/plugins", s.listPlugins)).Methods(http.MethodGet)
	api.Handle("/plugins/{id}", s.route("/api/plugins/{id}", s.getPlugin)).Methods(http.MethodGet)
	api.Handle("/plugins/{id}/reject", s.route("/api/plugins/{id}/reject", s.rejectPlugin)).Methods(http.MethodPatch)
	api.Handle("/plugins/{id}/accept", s.route("/api/plugins/{id}/accept", s.acceptPlugin)).Methods(http.MethodPatch)

	api.Handle("/developers", s.route("/api/developers", s.listDevelopers)).Methods(http.MethodGet)
	api.Handle("/developers/{id}", s.route("/api/developers/{id}", s.getDeveloper)).Methods(http.MethodGet)

	if s.opts.Auth != nil {
		s.router.HandleFunc("/auth/login", s.opts.Auth.LoginHandler).Methods(http.MethodGet)
		s.router.HandleFunc("/auth/callback", s.opts.Auth.CallbackHandler).Methods(http.MethodGet)
		s.router.HandleFunc("/auth/logout", s.opts.Auth.LogoutHandler).Methods(http.MethodPost)
	}
}

// route applies per-route metrics instrumentation.
func (s *Server) route(template string, h http.HandlerFunc) http.Handler {
	if s.opts.Metrics == nil {
		return h
	}
	return s.opts.Metrics.InstrumentHandler(template, h)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the outermost handler, wrapped for tracing when enabled.
func (s *Server) Handler() http.Handler {
	if s.opts.TracingEnabled {
		return otelhttp.NewHandler(s.router, "panel-api")
	}
	return s.router
}
