package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/alem-hub/study-companion/internal/application/assistant"
	"github.com/alem-hub/study-companion/internal/application/query"
	"github.com/alem-hub/study-companion/internal/domain/learning"
	"github.com/alem-hub/study-companion/internal/domain/shared"
	"github.com/alem-hub/study-companion/internal/infrastructure/scheduler"
	"github.com/alem-hub/study-companion/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// HEALTH & STATUS HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]any{
		"name":    "study-companion",
		"version": s.config.Version,
		"endpoints": map[string]string{
			"health":  "/health",
			"ready":   "/ready",
			"metrics": "/metrics",
			"state":   "/api/v1/state",
			"cache":   "/api/v1/cache",
			"client":  "/api/v1/client",
			"jobs":    "/api/v1/jobs",
		},
	}, nil)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.HealthChecker == nil {
		writeJSON(w, r, http.StatusOK, map[string]any{
			"healthy": true,
			"uptime":  s.Uptime().Round(time.Second).String(),
			"version": s.config.Version,
		}, nil)
		return
	}

	status := s.deps.HealthChecker.Check(r.Context())
	code := http.StatusOK
	if !status.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, r, code, status, nil)
}

// handleReady fails while any check fails, so a backend outage takes the
// companion out of rotation without restarting it.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.deps.HealthChecker == nil {
		writeJSON(w, r, http.StatusOK, map[string]bool{"ready": true}, nil)
		return
	}

	status := s.deps.HealthChecker.Check(r.Context())
	code := http.StatusOK
	if !status.Ready {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, r, code, map[string]any{"ready": status.Ready, "message": status.Message}, nil)
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// ══════════════════════════════════════════════════════════════════════════════
// STATE HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

// SessionView is the token-free projection of the session.
type SessionView struct {
	Authenticated   bool                     `json:"authenticated"`
	Phase           string                   `json:"phase"`
	Loading         bool                     `json:"loading"`
	HasProfile      bool                     `json:"has_profile"`
	User            *learning.User           `json:"user,omitempty"`
	Profile         *learning.StudentProfile `json:"profile,omitempty"`
	AccessExpiresAt *time.Time               `json:"access_expires_at,omitempty"`
	ExpiredNotice   string                   `json:"expired_notice,omitempty"`
}

// ScreenView is the current screen and selection.
type ScreenView struct {
	Screen    string `json:"screen"`
	SubjectID int64  `json:"subject_id,omitempty"`
	LessonID  int64  `json:"lesson_id,omitempty"`
}

// StateView is the body of GET /api/v1/state.
type StateView struct {
	Session *SessionView `json:"session,omitempty"`
	View    *ScreenView  `json:"view,omitempty"`
	Cache   *CacheView   `json:"cache,omitempty"`
}

// CacheView summarizes the query cache.
type CacheView struct {
	Entries  int `json:"entries"`
	Stale    int `json:"stale"`
	Fetching int `json:"fetching"`
	Errored  int `json:"errored"`
	Observed int `json:"observed"`
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	var view StateView

	if s.deps.Session != nil {
		st := s.deps.Session.State()
		sv := &SessionView{
			Authenticated: st.IsAuthenticated,
			Phase:         st.Phase.String(),
			Loading:       st.Loading,
			HasProfile:    st.HasProfile(),
			User:          st.Identity,
			Profile:       st.Profile,
			ExpiredNotice: st.ExpiredNotice,
		}
		if exp, ok := s.deps.Session.AccessExpiry(); ok {
			sv.AccessExpiresAt = &exp
		}
		view.Session = sv
	}

	if s.deps.View != nil {
		sel := s.deps.View.Selection()
		view.View = &ScreenView{
			Screen:    s.deps.View.Screen().String(),
			SubjectID: sel.SubjectID,
			LessonID:  sel.LessonID,
		}
	}

	if s.deps.Cache != nil {
		view.Cache = summarize(s.deps.Cache.Entries())
	}

	writeJSON(w, r, http.StatusOK, view, nil)
}

func summarize(entries []query.EntryInfo) *CacheView {
	cv := &CacheView{Entries: len(entries)}
	for _, e := range entries {
		if e.Stale {
			cv.Stale++
		}
		if e.Fetching {
			cv.Fetching++
		}
		if e.Error != "" {
			cv.Errored++
		}
		if e.Subscribers > 0 {
			cv.Observed++
		}
	}
	return cv
}

// handleCacheEntries lists entries, optionally filtered by ?resource=.
func (s *Server) handleCacheEntries(w http.ResponseWriter, r *http.Request) {
	if s.deps.Cache == nil {
		writeJSONError(w, r, http.StatusServiceUnavailable, "unavailable", "Query cache is not configured")
		return
	}

	entries := s.deps.Cache.Entries()
	if resource := r.URL.Query().Get("resource"); resource != "" {
		p := query.Match(resource)
		filtered := entries[:0]
		for _, e := range entries {
			if p.Matches(parseKey(e.Key)) {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}
	writeJSON(w, r, http.StatusOK, entries, &ResponseMeta{TotalCount: len(entries)})
}

func parseKey(s string) query.Key {
	parts := strings.Split(s, "/")
	return query.Key{Resource: parts[0], Params: parts[1:]}
}

func (s *Server) handleClientStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Client == nil {
		writeJSONError(w, r, http.StatusServiceUnavailable, "unavailable", "Backend client is not configured")
		return
	}
	writeJSON(w, r, http.StatusOK, s.deps.Client.Status(), nil)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil {
		writeJSONError(w, r, http.StatusServiceUnavailable, "unavailable", "Scheduler is not configured")
		return
	}
	jobs := s.deps.Jobs.ListJobs()
	writeJSON(w, r, http.StatusOK, jobs, &ResponseMeta{TotalCount: len(jobs)})
}

func (s *Server) handleJobHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil {
		writeJSONError(w, r, http.StatusServiceUnavailable, "unavailable", "Scheduler is not configured")
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeJSONError(w, r, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = n
	}
	history := s.deps.Jobs.History(limit)
	writeJSON(w, r, http.StatusOK, history, &ResponseMeta{TotalCount: len(history)})
}

// ══════════════════════════════════════════════════════════════════════════════
// OPERATOR ACTIONS
// ══════════════════════════════════════════════════════════════════════════════

// InvalidateRequest selects cache entries by resource and parameter prefix.
type InvalidateRequest struct {
	Resource string   `json:"resource"`
	Params   []string `json:"params"`
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	if s.deps.Cache == nil {
		writeJSONError(w, r, http.StatusServiceUnavailable, "unavailable", "Query cache is not configured")
		return
	}

	var req InvalidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, r, http.StatusBadRequest, "invalid_body", "Body must be JSON: {\"resource\": \"...\", \"params\": [...]}")
		return
	}
	req.Resource = strings.TrimSpace(req.Resource)
	if req.Resource == "" {
		writeAPIError(w, r, http.StatusBadRequest, &APIError{
			Code:    "validation_error",
			Message: "resource is required",
			Fields:  map[string][]string{"resource": {"This field is required."}},
		})
		return
	}

	keys := s.deps.Cache.Invalidate(query.Pattern{Resource: req.Resource, Params: req.Params})
	invalidated := make([]string, len(keys))
	for i, k := range keys {
		invalidated[i] = k.String()
	}
	s.logger.Info("cache invalidated by operator",
		logger.String("resource", req.Resource),
		logger.Int("entries", len(keys)),
	)
	writeJSON(w, r, http.StatusOK, map[string]any{"invalidated": invalidated}, &ResponseMeta{TotalCount: len(keys)})
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	if s.deps.Cache == nil {
		writeJSONError(w, r, http.StatusServiceUnavailable, "unavailable", "Query cache is not configured")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]int{"removed": s.deps.Cache.Sweep()}, nil)
}

func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil {
		writeJSONError(w, r, http.StatusServiceUnavailable, "unavailable", "Scheduler is not configured")
		return
	}

	name := chi.URLParam(r, "name")
	result, err := s.deps.Jobs.RunNow(r.Context(), name)
	if errors.Is(err, scheduler.ErrJobNotFound) {
		writeJSONError(w, r, http.StatusNotFound, "job_not_found", "Unknown job: "+name)
		return
	}
	// A failed run is still a completed request; the failure is in the result.
	writeJSON(w, r, http.StatusOK, result, nil)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if s.deps.Session == nil {
		writeJSONError(w, r, http.StatusServiceUnavailable, "unavailable", "Session store is not configured")
		return
	}
	if !s.deps.Session.State().IsAuthenticated {
		writeDomainError(w, r, shared.NewDomainError("http", "Logout", shared.ErrInvalidState, "no active session"))
		return
	}
	s.deps.Session.Logout(r.Context())
	s.logger.Info("session ended by operator")
	writeJSON(w, r, http.StatusOK, map[string]bool{"logged_out": true}, nil)
}

// writeDomainError maps the error taxonomy onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	msg := shared.Message(err)
	switch {
	case shared.IsValidation(err):
		apiErr := &APIError{Code: "validation_error", Message: msg}
		if ve, ok := shared.AsValidation(err); ok {
			apiErr.Fields = ve.Fields
		}
		writeAPIError(w, r, http.StatusBadRequest, apiErr)
	case shared.IsNotFound(err):
		writeJSONError(w, r, http.StatusNotFound, "not_found", msg)
	case shared.IsAuth(err), shared.IsSessionExpired(err):
		writeJSONError(w, r, http.StatusUnauthorized, "unauthorized", msg)
	case errors.Is(err, shared.ErrInvalidState):
		writeJSONError(w, r, http.StatusConflict, "invalid_state", msg)
	case shared.IsNetwork(err), shared.IsServer(err):
		writeJSONError(w, r, http.StatusBadGateway, "backend_unavailable", msg)
	default:
		writeJSONError(w, r, http.StatusInternalServerError, "internal_server_error", msg)
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// NAVIGATION & ASSISTANT
// ══════════════════════════════════════════════════════════════════════════════

// NavigateRequest selects a subject or lesson, or goes back. Back is
// "dashboard" or "subject".
type NavigateRequest struct {
	SubjectID int64  `json:"subject_id"`
	LessonID  int64  `json:"lesson_id"`
	Back      string `json:"back"`
}

func (s *Server) handleNavigate(w http.ResponseWriter, r *http.Request) {
	if s.deps.View == nil {
		writeJSONError(w, r, http.StatusServiceUnavailable, "unavailable", "View controller is not configured")
		return
	}

	var req NavigateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, r, http.StatusBadRequest, "invalid_body", "Body must be JSON")
		return
	}

	var err error
	switch {
	case req.Back == "dashboard":
		s.deps.View.BackToDashboard()
	case req.Back == "subject":
		s.deps.View.BackToSubject()
	case req.Back != "":
		err = shared.NewValidationError("http", "Navigate", "unknown destination",
			map[string][]string{"back": {"Must be \"dashboard\" or \"subject\"."}})
	case req.SubjectID > 0:
		if err = s.deps.View.SelectSubject(req.SubjectID); err == nil && req.LessonID > 0 {
			err = s.deps.View.SelectLesson(req.LessonID)
		}
	case req.LessonID > 0:
		err = s.deps.View.SelectLesson(req.LessonID)
	default:
		err = shared.NewValidationError("http", "Navigate", "nothing to navigate to",
			map[string][]string{shared.NonFieldKey: {"Provide subject_id, lesson_id or back."}})
	}
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	sel := s.deps.View.Selection()
	writeJSON(w, r, http.StatusOK, ScreenView{
		Screen:    s.deps.View.Screen().String(),
		SubjectID: sel.SubjectID,
		LessonID:  sel.LessonID,
	}, nil)
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	if s.deps.Assistant == nil {
		writeJSONError(w, r, http.StatusServiceUnavailable, "unavailable", "Assistant is not configured")
		return
	}
	messages := s.deps.Assistant.Open(r.Context())
	writeJSON(w, r, http.StatusOK, messages, &ResponseMeta{TotalCount: len(messages)})
}

// AskRequest carries a free-form message or a quick action.
type AskRequest struct {
	Message string `json:"message"`
	Action  string `json:"action"`
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	if s.deps.Assistant == nil {
		writeJSONError(w, r, http.StatusServiceUnavailable, "unavailable", "Assistant is not configured")
		return
	}

	var req AskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, r, http.StatusBadRequest, "invalid_body", "Body must be JSON")
		return
	}

	var (
		reply assistant.Message
		err   error
	)
	if req.Action != "" {
		reply, err = s.deps.Assistant.Quick(r.Context(), assistant.QuickAction(req.Action))
	} else {
		reply, err = s.deps.Assistant.Ask(r.Context(), req.Message)
	}
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, reply, nil)
}
