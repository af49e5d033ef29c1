package eduapi

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/study-companion/internal/domain/learning"
	"github.com/alem-hub/study-companion/internal/domain/shared"
	"github.com/alem-hub/study-companion/pkg/circuitbreaker"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, mutate ...func(*ClientConfig)) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := DefaultClientConfig(srv.URL)
	cfg.RateLimiterConfig = RateLimiterConfig{}
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	for _, m := range mutate {
		m(&cfg)
	}
	return NewClient(cfg)
}

// fakeAuth is a token source whose refresh swaps "old" for "new".
type fakeAuth struct {
	mu        sync.Mutex
	token     string
	refreshes atomic.Int32
	fail      error
	delay     time.Duration
}

func (a *fakeAuth) AccessToken() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.token
}

func (a *fakeAuth) RefreshAccess(ctx context.Context) (string, error) {
	a.refreshes.Add(1)
	time.Sleep(a.delay)
	if a.fail != nil {
		return "", a.fail
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.token = "new"
	return a.token, nil
}

func TestClient_SendsAuthHeaderAndDecodes(t *testing.T) {
	var gotAuth, gotRequestID string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/dashboard/student/", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		gotRequestID = r.Header.Get("X-Request-ID")
		_, _ = w.Write([]byte(`{
			"student": {"id": 3, "username": "amina", "language": "en", "current_grade": "7"},
			"enrollments": [{"id": 1, "student": "amina", "subject": "Math", "enrolled_at": "2026-02-01T10:00:00Z"}],
			"recent_attempts": [],
			"practice_tasks": []
		}`))
	})
	client.SetAuthenticator(&fakeAuth{token: "abc"})

	dashboard, err := client.StudentDashboard(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "JWT abc", gotAuth)
	assert.Len(t, gotRequestID, 36)
	assert.Equal(t, "amina", dashboard.Student.Username)
	require.Len(t, dashboard.Enrollments, 1)
	assert.Equal(t, "Math", dashboard.Enrollments[0].Subject)
}

func TestClient_PublicEndpointHasNoAuthHeader(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`[{"code": "en", "name": "English"}]`))
	})
	client.SetAuthenticator(&fakeAuth{token: "abc"})

	langs, err := client.Languages(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []learning.Language{{Code: "en", Name: "English"}}, langs)
}

func TestClient_ValidationErrorFields(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"email": ["user with this email already exists."], "password": ["This password is too short."]}`))
	})

	_, err := client.RegisterUser(context.Background(), learning.Registration{Email: "a@b.c"})
	require.Error(t, err)
	assert.True(t, shared.IsValidation(err))

	ve, ok := shared.AsValidation(err)
	require.True(t, ok)
	assert.Equal(t, "user with this email already exists.", ve.Field("email"))
	assert.Equal(t, "This password is too short.", ve.Field("password"))
}

func TestClient_CredentialExchange401IsAuthError(t *testing.T) {
	auth := &fakeAuth{token: ""}
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"detail": "No active account found with the given credentials"}`))
	})
	client.SetAuthenticator(auth)

	_, err := client.CreateToken(context.Background(), learning.Credentials{Email: "a@b.c", Password: "x"})
	require.Error(t, err)
	assert.True(t, shared.IsAuth(err))
	assert.Equal(t, "No active account found with the given credentials", shared.Message(err))
	assert.Equal(t, int32(0), auth.refreshes.Load())
}

func TestClient_ConcurrentUnauthorizedTriggersSingleRefresh(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Header.Get("Authorization") != "JWT new" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"detail": "Given token not valid for any token type", "code": "token_not_valid"}`))
			return
		}
		_, _ = w.Write([]byte(`{"id": 7, "username": "amina", "email": "amina@example.com"}`))
	})
	auth := &fakeAuth{token: "old", delay: 20 * time.Millisecond}
	client.SetAuthenticator(auth)

	const n = 5
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = client.CurrentUser(context.Background())
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), auth.refreshes.Load())
}

func TestClient_RefreshFailureIsSessionExpired(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	client.SetAuthenticator(&fakeAuth{token: "old", fail: shared.NewAuthError("eduapi", "RefreshToken", "token is blacklisted", 401)})

	_, err := client.Enrollments(context.Background())
	require.Error(t, err)
	assert.True(t, shared.IsSessionExpired(err))
}

func TestClient_RefreshServerErrorKeepsSession(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	auth := &fakeAuth{token: "old", fail: shared.NewServerError("eduapi", "RefreshToken", http.StatusServiceUnavailable, "maintenance")}
	client.SetAuthenticator(auth)

	_, err := client.Enrollments(context.Background())
	require.Error(t, err)
	assert.True(t, shared.IsServer(err))
	assert.False(t, shared.IsSessionExpired(err))
	assert.Equal(t, int32(1), auth.refreshes.Load())
}

func TestClient_TimeoutIsRetryableNetworkError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	}, func(cfg *ClientConfig) { cfg.Timeout = 50 * time.Millisecond })

	_, err := client.Subjects(context.Background(), learning.SubjectFilter{})
	require.Error(t, err)
	assert.True(t, shared.IsNetwork(err))
	assert.True(t, shared.IsRetryable(err))
}

func TestClient_StatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		check  func(error) bool
	}{
		{"not found", http.StatusNotFound, shared.IsNotFound},
		{"forbidden", http.StatusForbidden, shared.IsAuth},
		{"server error", http.StatusBadGateway, shared.IsServer},
		{"throttled", http.StatusTooManyRequests, shared.IsNetwork},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			})
			_, err := client.Subject(context.Background(), 4)
			require.Error(t, err)
			assert.True(t, tt.check(err), "unexpected error %v", err)
		})
	}
}

func TestClient_RateLimitCoolDownFailsFast(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := client.QuizAttempts(context.Background())
	require.Error(t, err)
	_, err = client.QuizAttempts(context.Background())
	require.Error(t, err)

	assert.True(t, shared.IsRetryable(err))
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, client.Status().RateLimiter.Hits)
}

func TestClient_CircuitOpensOnServerErrors(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}, func(cfg *ClientConfig) {
		cfg.BreakerThreshold = 2
		cfg.BreakerTimeout = time.Minute
	})

	for i := 0; i < 2; i++ {
		_, err := client.Enrollments(context.Background())
		require.True(t, shared.IsServer(err))
	}

	_, err := client.Enrollments(context.Background())
	require.Error(t, err)
	assert.True(t, shared.IsNetwork(err))
	assert.True(t, errors.Is(err, circuitbreaker.ErrCircuitOpen))
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, "open", client.Status().CircuitBreaker)
}

func TestClient_NotFoundDoesNotTripBreaker(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"detail": "Not found."}`))
	}, func(cfg *ClientConfig) { cfg.BreakerThreshold = 1 })

	for i := 0; i < 3; i++ {
		_, err := client.StudentProfile(context.Background())
		assert.True(t, shared.IsNotFound(err))
	}
	assert.Equal(t, "closed", client.Status().CircuitBreaker)
}

func TestClient_RetriesIdempotentReads(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`[]`))
	}, func(cfg *ClientConfig) { cfg.MaxAttempts = 2 })

	attempts, err := client.QuizAttempts(context.Background())
	require.NoError(t, err)
	assert.Empty(t, attempts)
	assert.Equal(t, int32(2), calls.Load())
}
