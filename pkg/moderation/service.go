package moderation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/collapp/panel/pkg/buildserver"
	"github.com/collapp/panel/pkg/observability"
)

// Default page size when the caller does not pass a limit.
const defaultPageSize = 20

// Store is the persistence surface the service needs. Implementations return
// the bare ErrNotFound sentinel for absent records and the bare
// ErrInvalidState sentinel when a conditional transition matched no row; the
// service attaches the user-facing messages.
type Store interface {
	ListPlugins(ctx context.Context, req ListRequest) ([]Plugin, int, error)
	GetPlugin(ctx context.Context, id string) (*Plugin, error)
	GetPluginForReview(ctx context.Context, id string) (*Plugin, error)
	FindAdminByEmail(ctx context.Context, email string) (*AdminUser, error)

	// TransitionToRejected flips is_pending off for a still-pending plugin and
	// appends the audit entry in the same transaction.
	TransitionToRejected(ctx context.Context, pluginID, adminID string) (*Plugin, error)

	// TransitionToBuilding flips a pending, non-building plugin with a source
	// artifact into the building state, appends the audit entry, and records
	// the build notification in the outbox, all in one transaction. It returns
	// the updated plugin and the outbox delivery id.
	TransitionToBuilding(ctx context.Context, pluginID, adminID string, notification []byte) (*Plugin, string, error)

	ListDevelopers(ctx context.Context, req ListRequest) ([]Developer, int, error)
	GetDeveloper(ctx context.Context, id string) (*Developer, error)
}

// ArtifactResolver turns a stored artifact key into a fully-qualified URL the
// build server can download.
type ArtifactResolver interface {
	ResolveURL(ctx context.Context, key string) (string, error)
}

// BuildNotifier delivers an accepted plugin's build request. Dispatch must not
// block the caller; delivery failures are the notifier's to log and leave
// retryable.
type BuildNotifier interface {
	Dispatch(ctx context.Context, deliveryID string, req buildserver.BuildRequest)
}

// Service enforces the plugin review state machine and serves the panel's
// plugin and developer queries.
type Service struct {
	store    Store
	resolver ArtifactResolver
	notifier BuildNotifier
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// NewService creates a moderation service. metrics may be nil.
func NewService(store Store, resolver ArtifactResolver, notifier BuildNotifier, logger *observability.Logger, metrics *observability.Metrics) *Service {
	return &Service{
		store:    store,
		resolver: resolver,
		notifier: notifier,
		logger:   logger,
		metrics:  metrics,
	}
}

// ListPlugins returns one page of plugin summaries, optionally filtered by a
// case-insensitive substring match on name.
func (s *Service) ListPlugins(ctx context.Context, req ListRequest) (*PluginPage, error) {
	req = normalize(req)

	plugins, total, err := s.store.ListPlugins(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("listing plugins: %w", err)
	}
	if plugins == nil {
		plugins = []Plugin{}
	}

	return &PluginPage{
		Entities:   plugins,
		Pagination: paginate(req, total),
	}, nil
}

// GetPlugin returns the full plugin record with its source artifact, author,
// and moderation history.
func (s *Service) GetPlugin(ctx context.Context, id string) (*Plugin, error) {
	plugin, err := s.store.GetPlugin(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, reasoned(ErrNotFound, "The plugin was not found.")
	}
	if err != nil {
		return nil, fmt.Errorf("fetching plugin %s: %w", id, err)
	}
	return plugin, nil
}

// Reject marks a pending plugin as rejected and records the decision.
//
// Precondition failures are reported in a fixed order: missing plugin, plugin
// not pending, actor not an admin. The state flip and the audit entry are one
// atomic unit; losing a race against a concurrent decision surfaces as an
// invalid-state failure, the same as finding the plugin already decided.
func (s *Service) Reject(ctx context.Context, pluginID string, actor Actor) (*Plugin, error) {
	plugin, err := s.store.GetPluginForReview(ctx, pluginID)
	if errors.Is(err, ErrNotFound) {
		return nil, reasoned(ErrNotFound, "The plugin was not found.")
	}
	if err != nil {
		return nil, fmt.Errorf("fetching plugin %s: %w", pluginID, err)
	}
	if !plugin.IsPending {
		return nil, reasoned(ErrInvalidState, "Only pending plugins can be rejected.")
	}

	admin, err := s.authorize(ctx, actor)
	if errors.Is(err, ErrUnauthorized) {
		return nil, reasoned(ErrUnauthorized, "Only admins can reject plugins.")
	}
	if err != nil {
		return nil, fmt.Errorf("resolving admin %s: %w", actor.Email, err)
	}

	updated, err := s.store.TransitionToRejected(ctx, pluginID, admin.ID)
	if errors.Is(err, ErrInvalidState) {
		// A concurrent decision won between our precondition read and the
		// conditional update.
		return nil, reasoned(ErrInvalidState, "Only pending plugins can be rejected.")
	}
	if errors.Is(err, ErrNotFound) {
		return nil, reasoned(ErrNotFound, "The plugin was not found.")
	}
	if err != nil {
		return nil, fmt.Errorf("rejecting plugin %s: %w", pluginID, err)
	}

	s.logger.WithFields(map[string]interface{}{
		"plugin_id": pluginID,
		"admin_id":  admin.ID,
	}).Info("plugin rejected")
	s.countDecision("rejected")

	return updated, nil
}

// Accept marks a pending plugin as building, records the decision, and hands
// the build request to the notifier. The notification is dispatched off the
// request path; its outcome never affects the response.
func (s *Service) Accept(ctx context.Context, pluginID string, actor Actor) (*Plugin, error) {
	plugin, err := s.store.GetPluginForReview(ctx, pluginID)
	if errors.Is(err, ErrNotFound) {
		return nil, reasoned(ErrNotFound, "The plugin was not found.")
	}
	if err != nil {
		return nil, fmt.Errorf("fetching plugin %s: %w", pluginID, err)
	}
	if !plugin.IsPending {
		return nil, reasoned(ErrInvalidState, "Only pending plugins can be accepted.")
	}
	if plugin.IsBuilding {
		return nil, reasoned(ErrInvalidState, "Plugin is already being built.")
	}
	if plugin.Source == nil {
		return nil, reasoned(ErrInvalidState, "Plugin must have the source code.")
	}

	admin, err := s.authorize(ctx, actor)
	if errors.Is(err, ErrUnauthorized) {
		return nil, reasoned(ErrUnauthorized, "Only admins can accept plugins.")
	}
	if err != nil {
		return nil, fmt.Errorf("resolving admin %s: %w", actor.Email, err)
	}

	zipURL, err := s.resolver.ResolveURL(ctx, plugin.Source.URL)
	if err != nil {
		return nil, fmt.Errorf("resolving source artifact for plugin %s: %w", pluginID, err)
	}

	req := buildserver.BuildRequest{
		RequestID: plugin.ID,
		Name:      plugin.Name,
		Developer: buildserver.Developer{
			Name:  plugin.Author.Name,
			Email: plugin.Author.Email,
		},
		Zip: buildserver.Zip{URL: zipURL},
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding build request for plugin %s: %w", pluginID, err)
	}

	updated, deliveryID, err := s.store.TransitionToBuilding(ctx, pluginID, admin.ID, payload)
	if errors.Is(err, ErrInvalidState) {
		return nil, reasoned(ErrInvalidState, "Plugin is already being built.")
	}
	if errors.Is(err, ErrNotFound) {
		return nil, reasoned(ErrNotFound, "The plugin was not found.")
	}
	if err != nil {
		return nil, fmt.Errorf("accepting plugin %s: %w", pluginID, err)
	}

	// Detail reads expect the accepted plugin with its source and author; the
	// transition returns the bare row.
	updated.Source = plugin.Source
	updated.Author = plugin.Author

	s.logger.WithFields(map[string]interface{}{
		"plugin_id": pluginID,
		"admin_id":  admin.ID,
		"zip_url":   zipURL,
	}).Info("plugin accepted, build requested")
	s.countDecision("accepted")

	s.notifier.Dispatch(ctx, deliveryID, req)

	return updated, nil
}

// ListDevelopers returns one page of plugin authors.
func (s *Service) ListDevelopers(ctx context.Context, req ListRequest) (*DeveloperPage, error) {
	req = normalize(req)

	developers, total, err := s.store.ListDevelopers(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("listing developers: %w", err)
	}
	if developers == nil {
		developers = []Developer{}
	}

	return &DeveloperPage{
		Entities:   developers,
		Pagination: paginate(req, total),
	}, nil
}

// GetDeveloper returns an author together with their submitted plugins.
func (s *Service) GetDeveloper(ctx context.Context, id string) (*Developer, error) {
	dev, err := s.store.GetDeveloper(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, reasoned(ErrNotFound, "The developer was not found.")
	}
	if err != nil {
		return nil, fmt.Errorf("fetching developer %s: %w", id, err)
	}
	return dev, nil
}

// authorize resolves the actor against the admin directory. The lookup runs on
// every mutating call, never from a cache. Only an absent admin record means
// unauthorized; a failed lookup is an infrastructure error and propagates.
func (s *Service) authorize(ctx context.Context, actor Actor) (*AdminUser, error) {
	if actor.Email == "" {
		return nil, ErrUnauthorized
	}
	admin, err := s.store.FindAdminByEmail(ctx, actor.Email)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrUnauthorized
	}
	if err != nil {
		return nil, fmt.Errorf("looking up admin %s: %w", actor.Email, err)
	}
	return admin, nil
}

func (s *Service) countDecision(decision string) {
	if s.metrics != nil {
		s.metrics.ModerationDecisionsTotal.WithLabelValues(decision).Inc()
	}
}

func normalize(req ListRequest) ListRequest {
	if req.Limit <= 0 {
		req.Limit = defaultPageSize
	}
	if req.Page <= 0 {
		req.Page = 1
	}
	return req
}

func paginate(req ListRequest, total int) Pagination {
	return Pagination{
		Page:  req.Page,
		Pages: int(math.Ceil(float64(total) / float64(req.Limit))),
	}
}
