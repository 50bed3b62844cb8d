package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/collapp/panel/pkg/httputil"
	"github.com/collapp/panel/pkg/moderation"
	"github.com/collapp/panel/pkg/session"
)

// listPlugins handles GET /api/plugins.
func (s *Server) listPlugins(w http.ResponseWriter, r *http.Request) {
	req, ok := parseListRequest(w, r)
	if !ok {
		return
	}

	page, err := s.service.ListPlugins(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	httputil.WriteSuccess(w, page)
}

// getPlugin handles GET /api/plugins/{id}.
func (s *Server) getPlugin(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}

	plugin, err := s.service.GetPlugin(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	httputil.WriteSuccess(w, plugin)
}

// rejectPlugin handles PATCH /api/plugins/{id}/reject.
func (s *Server) rejectPlugin(w http.ResponseWriter, r *http.Request) {
	s.review(w, r, s.service.Reject)
}

// acceptPlugin handles PATCH /api/plugins/{id}/accept.
func (s *Server) acceptPlugin(w http.ResponseWriter, r *http.Request) {
	s.review(w, r, s.service.Accept)
}

func (s *Server) review(w http.ResponseWriter, r *http.Request, decide func(ctx context.Context, pluginID string, actor moderation.Actor) (*moderation.Plugin, error)) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}

	user, ok := session.UserFromContext(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}

	plugin, err := decide(r.Context(), id, moderation.Actor{Email: user.Email, Name: user.Name})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	httputil.WriteSuccess(w, plugin)
}

// listDevelopers handles GET /api/developers.
func (s *Server) listDevelopers(w http.ResponseWriter, r *http.Request) {
	req, ok := parseListRequest(w, r)
	if !ok {
		return
	}

	page, err := s.service.ListDevelopers(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	httputil.WriteSuccess(w, page)
}

// getDeveloper handles GET /api/developers/{id}.
func (s *Server) getDeveloper(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}

	developer, err := s.service.GetDeveloper(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	httputil.WriteSuccess(w, developer)
}

func parseListRequest(w http.ResponseWriter, r *http.Request) (moderation.ListRequest, bool) {
	page, err := httputil.ParseQueryInt(r, "page", 0)
	if err != nil {
		httputil.WriteBadRequest(w, "page must be an integer")
		return moderation.ListRequest{}, false
	}
	limit, err := httputil.ParseQueryInt(r, "limit", 0)
	if err != nil {
		httputil.WriteBadRequest(w, "limit must be an integer")
		return moderation.ListRequest{}, false
	}

	return moderation.ListRequest{
		Page:  page,
		Limit: limit,
		Name:  httputil.ParseQueryString(r, "name", ""),
	}, true
}

// writeServiceError maps moderation errors onto HTTP statuses. The error
// messages are user-facing and pass through verbatim.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, moderation.ErrNotFound):
		httputil.WriteNotFoundError(w, err.Error())
	case errors.Is(err, moderation.ErrInvalidState):
		httputil.WriteBadRequest(w, err.Error())
	case errors.Is(err, moderation.ErrUnauthorized):
		httputil.WriteForbidden(w, err.Error())
	default:
		s.logger.WithError(err).Error("request failed")
		httputil.WriteInternalError(w, err)
	}
}
