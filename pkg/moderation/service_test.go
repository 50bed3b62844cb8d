package moderation

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collapp/panel/pkg/buildserver"
	"github.com/collapp/panel/pkg/observability"
)

type fakeStore struct {
	plugins    map[string]*Plugin
	admins     map[string]*AdminUser
	developers map[string]*Developer

	listPlugins      []Plugin
	listTotal        int
	listErr          error
	adminErr         error
	transitionErr    error
	lastNotification []byte
	rejectedWith     string
	acceptedWith     string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		plugins:    make(map[string]*Plugin),
		admins:     make(map[string]*AdminUser),
		developers: make(map[string]*Developer),
	}
}

func (f *fakeStore) ListPlugins(_ context.Context, _ ListRequest) ([]Plugin, int, error) {
	return f.listPlugins, f.listTotal, f.listErr
}

func (f *fakeStore) GetPlugin(_ context.Context, id string) (*Plugin, error) {
	p, ok := f.plugins[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p, nil
}

func (f *fakeStore) GetPluginForReview(ctx context.Context, id string) (*Plugin, error) {
	return f.GetPlugin(ctx, id)
}

func (f *fakeStore) FindAdminByEmail(_ context.Context, email string) (*AdminUser, error) {
	if f.adminErr != nil {
		return nil, f.adminErr
	}
	admin, ok := f.admins[email]
	if !ok {
		return nil, ErrNotFound
	}
	return admin, nil
}

func (f *fakeStore) TransitionToRejected(_ context.Context, pluginID, adminID string) (*Plugin, error) {
	if f.transitionErr != nil {
		return nil, f.transitionErr
	}
	p := f.plugins[pluginID]
	p.IsPending = false
	f.rejectedWith = adminID
	return p, nil
}

func (f *fakeStore) TransitionToBuilding(_ context.Context, pluginID, adminID string, notification []byte) (*Plugin, string, error) {
	if f.transitionErr != nil {
		return nil, "", f.transitionErr
	}
	p := f.plugins[pluginID]
	p.IsPending = false
	p.IsBuilding = true
	f.acceptedWith = adminID
	f.lastNotification = notification
	return p, "delivery-1", nil
}

func (f *fakeStore) ListDevelopers(_ context.Context, _ ListRequest) ([]Developer, int, error) {
	return nil, 0, nil
}

func (f *fakeStore) GetDeveloper(_ context.Context, id string) (*Developer, error) {
	d, ok := f.developers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return d, nil
}

type fakeResolver struct {
	url string
	err error
	key string
}

func (f *fakeResolver) ResolveURL(_ context.Context, key string) (string, error) {
	f.key = key
	return f.url, f.err
}

type fakeNotifier struct {
	deliveryID string
	request    buildserver.BuildRequest
	calls      int
}

func (f *fakeNotifier) Dispatch(_ context.Context, deliveryID string, req buildserver.BuildRequest) {
	f.deliveryID = deliveryID
	f.request = req
	f.calls++
}

func testService(store *fakeStore, resolver *fakeResolver, notifier *fakeNotifier) *Service {
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	return NewService(store, resolver, notifier, logger, nil)
}

func pendingPlugin() *Plugin {
	src := "source-1"
	return &Plugin{
		ID:        "plugin-1",
		Name:      "Tasks",
		AuthorID:  "author-1",
		SourceID:  &src,
		IsPending: true,
		Source:    &SourceArtifact{ID: "source-1", URL: "uploads/tasks.zip"},
		Author:    &Author{ID: "author-1", Name: "Ada", Email: "ada@example.com"},
	}
}

func TestRejectHappyPath(t *testing.T) {
	store := newFakeStore()
	store.plugins["plugin-1"] = pendingPlugin()
	store.admins["admin@example.com"] = &AdminUser{ID: "admin-1", Email: "admin@example.com"}
	svc := testService(store, &fakeResolver{}, &fakeNotifier{})

	updated, err := svc.Reject(context.Background(), "plugin-1", Actor{Email: "admin@example.com"})
	require.NoError(t, err)
	assert.False(t, updated.IsPending)
	assert.False(t, updated.IsBuilding)
	assert.Equal(t, "admin-1", store.rejectedWith)
}

func TestRejectErrors(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(*fakeStore)
		pluginID string
		actor    Actor
		sentinel error
		message  string
	}{
		{
			name:     "missing plugin",
			setup:    func(s *fakeStore) {},
			pluginID: "nope",
			actor:    Actor{Email: "admin@example.com"},
			sentinel: ErrNotFound,
			message:  "The plugin was not found.",
		},
		{
			name: "already decided",
			setup: func(s *fakeStore) {
				p := pendingPlugin()
				p.IsPending = false
				s.plugins[p.ID] = p
			},
			pluginID: "plugin-1",
			actor:    Actor{Email: "admin@example.com"},
			sentinel: ErrInvalidState,
			message:  "Only pending plugins can be rejected.",
		},
		{
			name: "not an admin",
			setup: func(s *fakeStore) {
				s.plugins["plugin-1"] = pendingPlugin()
			},
			pluginID: "plugin-1",
			actor:    Actor{Email: "user@example.com"},
			sentinel: ErrUnauthorized,
			message:  "Only admins can reject plugins.",
		},
		{
			name: "no actor email",
			setup: func(s *fakeStore) {
				s.plugins["plugin-1"] = pendingPlugin()
			},
			pluginID: "plugin-1",
			actor:    Actor{},
			sentinel: ErrUnauthorized,
			message:  "Only admins can reject plugins.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStore()
			store.admins["admin@example.com"] = &AdminUser{ID: "admin-1", Email: "admin@example.com"}
			tt.setup(store)
			svc := testService(store, &fakeResolver{}, &fakeNotifier{})

			_, err := svc.Reject(context.Background(), tt.pluginID, tt.actor)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.sentinel)
			assert.Equal(t, tt.message, err.Error())
		})
	}
}

func TestRejectPreconditionOrder(t *testing.T) {
	// A non-pending plugin reported by a non-admin actor fails on state, not
	// authorization.
	store := newFakeStore()
	p := pendingPlugin()
	p.IsPending = false
	store.plugins[p.ID] = p
	svc := testService(store, &fakeResolver{}, &fakeNotifier{})

	_, err := svc.Reject(context.Background(), "plugin-1", Actor{Email: "user@example.com"})
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, "Only pending plugins can be rejected.", err.Error())
}

func TestRejectLosesRace(t *testing.T) {
	// The precondition read saw a pending plugin, but the conditional update
	// matched nothing.
	store := newFakeStore()
	store.plugins["plugin-1"] = pendingPlugin()
	store.admins["admin@example.com"] = &AdminUser{ID: "admin-1", Email: "admin@example.com"}
	store.transitionErr = ErrInvalidState
	svc := testService(store, &fakeResolver{}, &fakeNotifier{})

	_, err := svc.Reject(context.Background(), "plugin-1", Actor{Email: "admin@example.com"})
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, "Only pending plugins can be rejected.", err.Error())
}

func TestAcceptHappyPath(t *testing.T) {
	store := newFakeStore()
	store.plugins["plugin-1"] = pendingPlugin()
	store.admins["admin@example.com"] = &AdminUser{ID: "admin-1", Email: "admin@example.com"}
	resolver := &fakeResolver{url: "https://cdn.example.com/uploads/tasks.zip"}
	notifier := &fakeNotifier{}
	svc := testService(store, resolver, notifier)

	updated, err := svc.Accept(context.Background(), "plugin-1", Actor{Email: "admin@example.com"})
	require.NoError(t, err)

	assert.False(t, updated.IsPending)
	assert.True(t, updated.IsBuilding)
	assert.NotNil(t, updated.Source)
	assert.NotNil(t, updated.Author)
	assert.Equal(t, "admin-1", store.acceptedWith)
	assert.Equal(t, "uploads/tasks.zip", resolver.key)

	require.Equal(t, 1, notifier.calls)
	assert.Equal(t, "delivery-1", notifier.deliveryID)
	assert.Equal(t, buildserver.BuildRequest{
		RequestID: "plugin-1",
		Name:      "Tasks",
		Developer: buildserver.Developer{Name: "Ada", Email: "ada@example.com"},
		Zip:       buildserver.Zip{URL: "https://cdn.example.com/uploads/tasks.zip"},
	}, notifier.request)

	assert.JSONEq(t, `{
		"requestId": "plugin-1",
		"name": "Tasks",
		"developer": {"name": "Ada", "email": "ada@example.com"},
		"zip": {"url": "https://cdn.example.com/uploads/tasks.zip"}
	}`, string(store.lastNotification))
}

func TestAcceptErrors(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(*fakeStore)
		actor    Actor
		sentinel error
		message  string
	}{
		{
			name:     "missing plugin",
			setup:    func(s *fakeStore) { delete(s.plugins, "plugin-1") },
			actor:    Actor{Email: "admin@example.com"},
			sentinel: ErrNotFound,
			message:  "The plugin was not found.",
		},
		{
			name: "already decided",
			setup: func(s *fakeStore) {
				s.plugins["plugin-1"].IsPending = false
			},
			actor:    Actor{Email: "admin@example.com"},
			sentinel: ErrInvalidState,
			message:  "Only pending plugins can be accepted.",
		},
		{
			name: "already being built",
			setup: func(s *fakeStore) {
				s.plugins["plugin-1"].IsBuilding = true
			},
			actor:    Actor{Email: "admin@example.com"},
			sentinel: ErrInvalidState,
			message:  "Plugin is already being built.",
		},
		{
			name: "no source artifact",
			setup: func(s *fakeStore) {
				s.plugins["plugin-1"].Source = nil
				s.plugins["plugin-1"].SourceID = nil
			},
			actor:    Actor{Email: "admin@example.com"},
			sentinel: ErrInvalidState,
			message:  "Plugin must have the source code.",
		},
		{
			name:     "not an admin",
			setup:    func(s *fakeStore) {},
			actor:    Actor{Email: "user@example.com"},
			sentinel: ErrUnauthorized,
			message:  "Only admins can accept plugins.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStore()
			store.plugins["plugin-1"] = pendingPlugin()
			store.admins["admin@example.com"] = &AdminUser{ID: "admin-1", Email: "admin@example.com"}
			tt.setup(store)
			notifier := &fakeNotifier{}
			svc := testService(store, &fakeResolver{url: "https://cdn.example.com/x"}, notifier)

			_, err := svc.Accept(context.Background(), "plugin-1", tt.actor)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.sentinel)
			assert.Equal(t, tt.message, err.Error())
			assert.Zero(t, notifier.calls)
		})
	}
}

func TestAcceptPendingAndBuildingChecksOrder(t *testing.T) {
	// A plugin that is somehow both decided and building fails on the pending
	// check first.
	store := newFakeStore()
	p := pendingPlugin()
	p.IsPending = false
	p.IsBuilding = true
	store.plugins[p.ID] = p
	svc := testService(store, &fakeResolver{}, &fakeNotifier{})

	_, err := svc.Accept(context.Background(), "plugin-1", Actor{Email: "admin@example.com"})
	assert.Equal(t, "Only pending plugins can be accepted.", err.Error())
}

func TestAdminLookupFailurePropagates(t *testing.T) {
	// A failed directory lookup is an infrastructure error, not a 403. Only an
	// absent admin record means unauthorized.
	store := newFakeStore()
	store.plugins["plugin-1"] = pendingPlugin()
	store.adminErr = errors.New("pq: connection refused")
	notifier := &fakeNotifier{}
	svc := testService(store, &fakeResolver{url: "https://cdn.example.com/x"}, notifier)

	_, err := svc.Reject(context.Background(), "plugin-1", Actor{Email: "admin@example.com"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnauthorized)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrInvalidState)
	assert.Contains(t, err.Error(), "connection refused")
	assert.True(t, store.plugins["plugin-1"].IsPending)

	_, err = svc.Accept(context.Background(), "plugin-1", Actor{Email: "admin@example.com"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnauthorized)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Zero(t, notifier.calls)
}

func TestAcceptLosesRace(t *testing.T) {
	store := newFakeStore()
	store.plugins["plugin-1"] = pendingPlugin()
	store.admins["admin@example.com"] = &AdminUser{ID: "admin-1", Email: "admin@example.com"}
	store.transitionErr = ErrInvalidState
	notifier := &fakeNotifier{}
	svc := testService(store, &fakeResolver{url: "https://cdn.example.com/x"}, notifier)

	_, err := svc.Accept(context.Background(), "plugin-1", Actor{Email: "admin@example.com"})
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, "Plugin is already being built.", err.Error())
	assert.Zero(t, notifier.calls)
}

func TestAcceptResolverFailureDoesNotTransition(t *testing.T) {
	store := newFakeStore()
	store.plugins["plugin-1"] = pendingPlugin()
	store.admins["admin@example.com"] = &AdminUser{ID: "admin-1", Email: "admin@example.com"}
	notifier := &fakeNotifier{}
	svc := testService(store, &fakeResolver{err: errors.New("presign failed")}, notifier)

	_, err := svc.Accept(context.Background(), "plugin-1", Actor{Email: "admin@example.com"})
	require.Error(t, err)
	assert.True(t, store.plugins["plugin-1"].IsPending)
	assert.Zero(t, notifier.calls)
}

func TestGetPluginNotFound(t *testing.T) {
	svc := testService(newFakeStore(), &fakeResolver{}, &fakeNotifier{})

	_, err := svc.GetPlugin(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, "The plugin was not found.", err.Error())
}

func TestGetDeveloperNotFound(t *testing.T) {
	svc := testService(newFakeStore(), &fakeResolver{}, &fakeNotifier{})

	_, err := svc.GetDeveloper(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, "The developer was not found.", err.Error())
}

func TestListPluginsPagination(t *testing.T) {
	tests := []struct {
		name      string
		req       ListRequest
		total     int
		wantPage  int
		wantPages int
	}{
		{name: "defaults", req: ListRequest{}, total: 45, wantPage: 1, wantPages: 3},
		{name: "explicit page", req: ListRequest{Page: 2, Limit: 10}, total: 45, wantPage: 2, wantPages: 5},
		{name: "empty result", req: ListRequest{}, total: 0, wantPage: 1, wantPages: 0},
		{name: "exact multiple", req: ListRequest{Limit: 20}, total: 40, wantPage: 1, wantPages: 2},
		{name: "negative inputs", req: ListRequest{Page: -1, Limit: -5}, total: 5, wantPage: 1, wantPages: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStore()
			store.listTotal = tt.total
			svc := testService(store, &fakeResolver{}, &fakeNotifier{})

			page, err := svc.ListPlugins(context.Background(), tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.wantPage, page.Pagination.Page)
			assert.Equal(t, tt.wantPages, page.Pagination.Pages)
			assert.NotNil(t, page.Entities)
		})
	}
}
