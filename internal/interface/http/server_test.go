package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/study-companion/internal/application/assistant"
	"github.com/alem-hub/study-companion/internal/application/query"
	"github.com/alem-hub/study-companion/internal/application/session"
	"github.com/alem-hub/study-companion/internal/application/viewstate"
	"github.com/alem-hub/study-companion/internal/domain/learning"
	"github.com/alem-hub/study-companion/internal/domain/shared"
	"github.com/alem-hub/study-companion/internal/infrastructure/scheduler"
	"github.com/alem-hub/study-companion/internal/interface/http/handlers"
)

type fakeSession struct {
	state   session.State
	logouts int
}

func (f *fakeSession) State() session.State            { return f.state }
func (f *fakeSession) AccessExpiry() (time.Time, bool) { return time.Time{}, false }
func (f *fakeSession) Logout(context.Context) {
	f.logouts++
	f.state = session.Initial()
}

type fakeView struct {
	sel viewstate.Selection
}

func (f *fakeView) Selection() viewstate.Selection { return f.sel }
func (f *fakeView) BackToDashboard()               { f.sel = viewstate.Selection{} }
func (f *fakeView) BackToSubject()                 { f.sel.LessonID = 0 }

func (f *fakeView) Screen() viewstate.Screen {
	return viewstate.DeriveScreen(viewstate.SessionView{IsAuthenticated: true, HasProfile: true}, f.sel)
}

func (f *fakeView) SelectSubject(id int64) error {
	f.sel = viewstate.Selection{SubjectID: id}
	return nil
}

func (f *fakeView) SelectLesson(id int64) error {
	if f.sel.SubjectID == 0 {
		return viewstate.ErrNoSubject
	}
	f.sel.LessonID = id
	return nil
}

type fakeAssistant struct {
	asked []string
}

func (f *fakeAssistant) Open(context.Context) []assistant.Message {
	return []assistant.Message{{ID: "m0", Role: assistant.RoleAssistant, Content: "Hi!"}}
}

func (f *fakeAssistant) Ask(_ context.Context, message string) (assistant.Message, error) {
	if strings.TrimSpace(message) == "" {
		return assistant.Message{}, shared.NewValidationError("assistant", "Ask", "empty message",
			map[string][]string{"message": {"This field may not be blank."}})
	}
	f.asked = append(f.asked, message)
	return assistant.Message{ID: "m1", Role: assistant.RoleAssistant, Content: "answer"}, nil
}

func (f *fakeAssistant) Quick(ctx context.Context, action assistant.QuickAction) (assistant.Message, error) {
	prompt, _ := action.Prompt()
	return f.Ask(ctx, prompt)
}

func (f *fakeAssistant) Transcript() []assistant.Message { return nil }

type fakeCache struct {
	entries     []query.EntryInfo
	invalidated []query.Pattern
}

func (f *fakeCache) Entries() []query.EntryInfo { return f.entries }
func (f *fakeCache) Sweep() int                 { return 0 }
func (f *fakeCache) Invalidate(p query.Pattern) []query.Key {
	f.invalidated = append(f.invalidated, p)
	var keys []query.Key
	for _, e := range f.entries {
		if k := parseKey(e.Key); p.Matches(k) {
			keys = append(keys, k)
		}
	}
	return keys
}

type fakeJobs struct{}

func (fakeJobs) ListJobs() []scheduler.JobInfo {
	return []scheduler.JobInfo{{Name: "cache_sweep", Enabled: true, Schedule: "@every 1m0s"}}
}

func (fakeJobs) History(limit int) []scheduler.JobResult { return nil }

func (fakeJobs) RunNow(_ context.Context, name string) (scheduler.JobResult, error) {
	switch name {
	case "cache_sweep":
		return scheduler.JobResult{JobName: name, Success: true, Manual: true}, nil
	case "storage_health":
		return scheduler.JobResult{JobName: name, Success: false, Error: "unreachable", Manual: true}, errors.New("unreachable")
	}
	return scheduler.JobResult{}, scheduler.ErrJobNotFound
}

type fixture struct {
	server    *Server
	session   *fakeSession
	cache     *fakeCache
	view      *fakeView
	assistant *fakeAssistant
}

func newFixture(t *testing.T, mutate ...func(*Config, *Dependencies)) *fixture {
	t.Helper()
	f := &fixture{
		session: &fakeSession{state: session.State{
			Identity:        &learning.User{ID: 7, Username: "amina"},
			AccessToken:     "secret-access",
			RefreshToken:    "secret-refresh",
			IsAuthenticated: true,
			Phase:           session.PhaseAuthenticated,
		}},
		cache: &fakeCache{entries: []query.EntryInfo{
			{Key: "lessons/5", Status: "success", HasData: true, Subscribers: 1},
			{Key: "lessons/6", Status: "success", HasData: true, Stale: true},
			{Key: "subjects", Status: "error", Error: "boom"},
		}},
		view:      &fakeView{sel: viewstate.Selection{SubjectID: 4}},
		assistant: &fakeAssistant{},
	}

	cfg := DefaultConfig()
	cfg.RateLimitPerMinute = 0
	cfg.APIKeys = []string{"operator-key"}
	deps := Dependencies{
		Session:   f.session,
		View:      f.view,
		Cache:     f.cache,
		Jobs:      fakeJobs{},
		Assistant: f.assistant,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("companion_up 1\n"))
		}),
	}
	for _, m := range mutate {
		m(&cfg, &deps)
	}
	f.server = NewServer(cfg, deps)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string, headers ...string) (*httptest.ResponseRecorder, JSONResponse) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	var resp JSONResponse
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec, resp
}

func TestServer_StateHidesTokens(t *testing.T) {
	f := newFixture(t)

	rec, resp := f.do(t, http.MethodGet, "/api/v1/state", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, resp.Success)
	assert.NotEmpty(t, resp.RequestID)

	body := rec.Body.String()
	assert.NotContains(t, body, "secret-access")
	assert.NotContains(t, body, "secret-refresh")

	var data struct {
		Data StateView `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &data))
	require.NotNil(t, data.Data.Session)
	assert.True(t, data.Data.Session.Authenticated)
	assert.Equal(t, "amina", data.Data.Session.User.Username)
	assert.Equal(t, "subject_detail", data.Data.View.Screen)
	assert.Equal(t, int64(4), data.Data.View.SubjectID)
	assert.Equal(t, &CacheView{Entries: 3, Stale: 1, Errored: 1, Observed: 1}, data.Data.Cache)
}

func TestServer_CacheEntriesFilterByResource(t *testing.T) {
	f := newFixture(t)

	rec, resp := f.do(t, http.MethodGet, "/api/v1/cache?resource=lessons", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, resp.Meta)
	assert.Equal(t, 2, resp.Meta.TotalCount)
}

func TestServer_OperatorActionsNeedAPIKey(t *testing.T) {
	f := newFixture(t)
	body := `{"resource": "lessons", "params": ["5"]}`

	rec, resp := f.do(t, http.MethodPost, "/api/v1/cache/invalidate", body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, resp.Success)
	assert.Empty(t, f.cache.invalidated)

	rec, _ = f.do(t, http.MethodPost, "/api/v1/cache/invalidate", body, "X-API-Key", "wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, resp = f.do(t, http.MethodPost, "/api/v1/cache/invalidate", body, "Authorization", "Bearer operator-key")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, resp.Meta.TotalCount)
	require.Len(t, f.cache.invalidated, 1)
	assert.Equal(t, query.Pattern{Resource: "lessons", Params: []string{"5"}}, f.cache.invalidated[0])
}

func TestServer_InvalidateRejectsBadBody(t *testing.T) {
	f := newFixture(t)

	rec, resp := f.do(t, http.MethodPost, "/api/v1/cache/invalidate", `{"params": []}`, "X-API-Key", "operator-key")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "validation_error", resp.Error.Code)
	assert.Contains(t, resp.Error.Fields, "resource")

	rec, _ = f.do(t, http.MethodPost, "/api/v1/cache/invalidate", `not json`, "X-API-Key", "operator-key")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_RunJob(t *testing.T) {
	f := newFixture(t)
	key := []string{"X-API-Key", "operator-key"}

	rec, resp := f.do(t, http.MethodPost, "/api/v1/jobs/cache_sweep/run", "", key...)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, resp.Success)

	rec, _ = f.do(t, http.MethodPost, "/api/v1/jobs/storage_health/run", "", key...)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"error":"unreachable"`)

	rec, resp = f.do(t, http.MethodPost, "/api/v1/jobs/nope/run", "", key...)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "job_not_found", resp.Error.Code)
}

func TestServer_Logout(t *testing.T) {
	f := newFixture(t)
	key := []string{"X-API-Key", "operator-key"}

	rec, _ := f.do(t, http.MethodPost, "/api/v1/session/logout", "", key...)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, f.session.logouts)

	rec, resp := f.do(t, http.MethodPost, "/api/v1/session/logout", "", key...)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "invalid_state", resp.Error.Code)
	assert.Equal(t, 1, f.session.logouts)
}

func TestServer_HealthAndReadiness(t *testing.T) {
	checker := handlers.NewCompositeHealthChecker("test")
	checker.AddCriticalCheck("storage", func(context.Context) error { return nil })
	checker.AddCheck("backend", func(context.Context) error { return errors.New("connection refused") })

	f := newFixture(t, func(_ *Config, deps *Dependencies) { deps.HealthChecker = checker })

	rec, _ := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = f.do(t, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "backend")

	rec, _ = f.do(t, http.MethodGet, "/live", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestServer_MetricsAndNotFound(t *testing.T) {
	f := newFixture(t)

	rec, _ := f.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "companion_up 1")

	rec, resp := f.do(t, http.MethodGet, "/api/v1/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", resp.Error.Code)

	f = newFixture(t, func(cfg *Config, _ *Dependencies) { cfg.EnableMetrics = false })
	rec, _ = f.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_MissingSourcesAreUnavailable(t *testing.T) {
	f := newFixture(t, func(_ *Config, deps *Dependencies) {
		deps.Jobs = nil
		deps.Client = nil
	})

	rec, _ := f.do(t, http.MethodGet, "/api/v1/jobs", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec, _ = f.do(t, http.MethodGet, "/api/v1/client", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_RateLimit(t *testing.T) {
	f := newFixture(t, func(cfg *Config, _ *Dependencies) { cfg.RateLimitPerMinute = 2 })

	for i := 0; i < 2; i++ {
		rec, _ := f.do(t, http.MethodGet, "/live", "")
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec, resp := f.do(t, http.MethodGet, "/live", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Equal(t, "rate_limit_exceeded", resp.Error.Code)
}

func TestServer_RecoversFromPanics(t *testing.T) {
	f := newFixture(t, func(_ *Config, deps *Dependencies) {
		deps.Metrics = http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") })
	})

	rec, resp := f.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal_server_error", resp.Error.Code)
}

func TestServer_Navigate(t *testing.T) {
	f := newFixture(t)
	key := []string{"X-API-Key", "operator-key"}

	rec, _ := f.do(t, http.MethodPost, "/api/v1/view/navigate", `{"subject_id": 9, "lesson_id": 2}`, key...)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"screen":"lesson_detail"`)
	assert.Equal(t, viewstate.Selection{SubjectID: 9, LessonID: 2}, f.view.sel)

	rec, _ = f.do(t, http.MethodPost, "/api/v1/view/navigate", `{"back": "subject"}`, key...)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"screen":"subject_detail"`)

	rec, _ = f.do(t, http.MethodPost, "/api/v1/view/navigate", `{"back": "dashboard"}`, key...)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"screen":"dashboard"`)

	rec, resp := f.do(t, http.MethodPost, "/api/v1/view/navigate", `{"lesson_id": 3}`, key...)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "invalid_state", resp.Error.Code)

	rec, resp = f.do(t, http.MethodPost, "/api/v1/view/navigate", `{"back": "home"}`, key...)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, resp.Error.Fields, "back")
}

func TestServer_Assistant(t *testing.T) {
	f := newFixture(t)
	key := []string{"X-API-Key", "operator-key"}

	rec, resp := f.do(t, http.MethodGet, "/api/v1/assistant/transcript", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, resp.Meta.TotalCount)

	rec, _ = f.do(t, http.MethodPost, "/api/v1/assistant/ask", `{"message": "What is a fraction?"}`, key...)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"content":"answer"`)

	rec, _ = f.do(t, http.MethodPost, "/api/v1/assistant/ask", `{"action": "study_tips"}`, key...)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, f.assistant.asked, 2)
	assert.Equal(t, "What is a fraction?", f.assistant.asked[0])

	rec, resp = f.do(t, http.MethodPost, "/api/v1/assistant/ask", `{"message": "  "}`, key...)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, resp.Error.Fields, "message")
}
