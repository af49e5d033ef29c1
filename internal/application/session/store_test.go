package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/study-companion/internal/domain/learning"
	"github.com/alem-hub/study-companion/internal/domain/shared"
	"github.com/alem-hub/study-companion/internal/infrastructure/persistence/memory"
)

// ════ fakes ════

type fakeAPI struct {
	createToken  func(context.Context, learning.Credentials) (*learning.TokenPair, error)
	refreshToken func(context.Context, string) (*learning.TokenPair, error)
	currentUser  func(context.Context) (*learning.User, error)
	profile      func(context.Context) (*learning.StudentProfile, error)

	mu    sync.Mutex
	calls map[string]int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		calls: map[string]int{},
		createToken: func(context.Context, learning.Credentials) (*learning.TokenPair, error) {
			t := tokens
			return &t, nil
		},
		refreshToken: func(context.Context, string) (*learning.TokenPair, error) {
			return &learning.TokenPair{Access: "access-2"}, nil
		},
		currentUser: func(context.Context) (*learning.User, error) {
			u := amina
			return &u, nil
		},
		profile: func(context.Context) (*learning.StudentProfile, error) {
			return nil, shared.NewNotFoundError("eduapi", "StudentProfile", "Not found.")
		},
	}
}

func (f *fakeAPI) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeAPI) hit(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
}

func (f *fakeAPI) CreateToken(ctx context.Context, c learning.Credentials) (*learning.TokenPair, error) {
	f.hit("CreateToken")
	return f.createToken(ctx, c)
}

func (f *fakeAPI) RefreshToken(ctx context.Context, r string) (*learning.TokenPair, error) {
	f.hit("RefreshToken")
	return f.refreshToken(ctx, r)
}

func (f *fakeAPI) RegisterUser(ctx context.Context, reg learning.Registration) (*learning.User, error) {
	f.hit("RegisterUser")
	return &learning.User{ID: 9, Username: reg.Username, Email: reg.Email}, nil
}

func (f *fakeAPI) CurrentUser(ctx context.Context) (*learning.User, error) {
	f.hit("CurrentUser")
	return f.currentUser(ctx)
}

func (f *fakeAPI) StudentProfile(ctx context.Context) (*learning.StudentProfile, error) {
	f.hit("StudentProfile")
	return f.profile(ctx)
}

type fakeEvictor struct{ n atomic.Int32 }

func (e *fakeEvictor) EvictUserScope() int { e.n.Add(1); return 0 }

type eventLog struct {
	mu     sync.Mutex
	events []shared.Event
}

func (l *eventLog) Publish(e shared.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
	return nil
}

func (l *eventLog) reasons() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, e := range l.events {
		if sc, ok := e.(shared.SessionChangedEvent); ok {
			out = append(out, sc.Reason)
		}
	}
	return out
}

type fixture struct {
	store   *Store
	api     *fakeAPI
	storage *memory.Storage
	evictor *fakeEvictor
	events  *eventLog
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		api:     newFakeAPI(),
		storage: memory.NewStorage(),
		evictor: &fakeEvictor{},
		events:  &eventLog{},
	}
	f.store = NewStore(Config{
		API:       f.api,
		Storage:   f.storage,
		Evictor:   f.evictor,
		Publisher: f.events,
	})
	return f
}

func (f *fixture) stored(t *testing.T) Snapshot {
	t.Helper()
	data, err := f.storage.Load(context.Background(), StorageKey)
	require.NoError(t, err)
	snap, err := DecodeSnapshot(data)
	require.NoError(t, err)
	return snap
}

func (f *fixture) login(t *testing.T) {
	t.Helper()
	require.NoError(t, f.store.Login(context.Background(), "amina@example.com", "correct-horse"))
}

// ════ login / logout ════

func TestStore_LoginWithoutProfile(t *testing.T) {
	f := newFixture(t)
	f.login(t)

	st := f.store.State()
	assert.True(t, st.IsAuthenticated)
	assert.Equal(t, PhaseAuthenticated, st.Phase)
	assert.False(t, st.HasProfile())
	assert.False(t, st.Loading)
	assert.Equal(t, "amina", st.Identity.Username)

	snap := f.stored(t)
	assert.True(t, snap.IsAuthenticated)
	assert.Equal(t, "access-1", snap.AccessToken)
	assert.Equal(t, "refresh-1", snap.RefreshToken)

	assert.Equal(t, []string{"login_started", "login", "identity_loaded", "profile_loaded"}, f.events.reasons())
}

func TestStore_LoginWithProfile(t *testing.T) {
	f := newFixture(t)
	f.api.profile = func(context.Context) (*learning.StudentProfile, error) {
		p := profile
		return &p, nil
	}
	f.login(t)
	assert.True(t, f.store.State().HasProfile())
	assert.Equal(t, "en", f.stored(t).Profile.Language)
}

func TestStore_LoginRejected(t *testing.T) {
	f := newFixture(t)
	f.api.createToken = func(context.Context, learning.Credentials) (*learning.TokenPair, error) {
		return nil, shared.NewAuthError("eduapi", "CreateToken", "No active account found with the given credentials", 401)
	}

	err := f.store.Login(context.Background(), "amina@example.com", "wrong")
	require.Error(t, err)
	assert.True(t, shared.IsAuth(err))
	assert.Equal(t, "No active account found with the given credentials", shared.Message(err))
	assert.Equal(t, Initial(), f.store.State())
	assert.Equal(t, 0, f.api.count("CurrentUser"))
}

func TestStore_LoginNetworkFailureIsAuthErrorKeepingCause(t *testing.T) {
	f := newFixture(t)
	f.api.createToken = func(context.Context, learning.Credentials) (*learning.TokenPair, error) {
		return nil, shared.NewNetworkError("eduapi", "CreateToken", "request timed out", context.DeadlineExceeded, true)
	}

	err := f.store.Login(context.Background(), "amina@example.com", "pw")
	require.Error(t, err)
	assert.True(t, shared.IsAuth(err))
	assert.True(t, shared.IsNetwork(err))
	assert.True(t, shared.IsRetryable(err))
	assert.False(t, f.store.State().IsAuthenticated)
}

func TestStore_LoginValidatesLocally(t *testing.T) {
	f := newFixture(t)
	err := f.store.Login(context.Background(), "not-an-email", "")
	require.Error(t, err)
	ve, ok := shared.AsValidation(err)
	require.True(t, ok)
	assert.NotEmpty(t, ve.Field("email"))
	assert.NotEmpty(t, ve.Field("password"))
	assert.Equal(t, 0, f.api.count("CreateToken"))
}

func TestStore_ConcurrentLoginIsRejected(t *testing.T) {
	f := newFixture(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	f.api.createToken = func(context.Context, learning.Credentials) (*learning.TokenPair, error) {
		close(entered)
		<-release
		t := tokens
		return &t, nil
	}

	done := make(chan error, 1)
	go func() { done <- f.store.Login(context.Background(), "amina@example.com", "pw") }()
	<-entered

	err := f.store.Login(context.Background(), "other@example.com", "pw")
	assert.ErrorIs(t, err, ErrLoginInProgress)
	assert.Equal(t, PhaseAuthenticating, f.store.State().Phase)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, 1, f.api.count("CreateToken"))
	assert.Equal(t, "amina", f.store.State().Identity.Username)
}

func TestStore_LogoutClearsEverything(t *testing.T) {
	f := newFixture(t)
	f.api.profile = func(context.Context) (*learning.StudentProfile, error) {
		p := profile
		return &p, nil
	}
	f.login(t)

	var seen []State
	unsubscribe := f.store.OnChange(func(s State) { seen = append(seen, s) })
	defer unsubscribe()

	f.store.Logout(context.Background())

	assert.Equal(t, Initial(), f.store.State())
	assert.Equal(t, int32(1), f.evictor.n.Load())
	assert.Equal(t, Snapshot{Version: snapshotVersion}, f.stored(t))
	require.Len(t, seen, 1)
	assert.False(t, seen[0].IsAuthenticated)
}

func TestStore_LogoutCancelsInFlightLogin(t *testing.T) {
	f := newFixture(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	f.api.createToken = func(context.Context, learning.Credentials) (*learning.TokenPair, error) {
		close(entered)
		<-release
		t := tokens
		return &t, nil
	}

	done := make(chan error, 1)
	go func() { done <- f.store.Login(context.Background(), "amina@example.com", "pw") }()
	<-entered

	f.store.Logout(context.Background())
	close(release)

	err := <-done
	assert.ErrorIs(t, err, ErrLoginCancelled)
	assert.Equal(t, Initial(), f.store.State())
	assert.False(t, f.stored(t).IsAuthenticated)
	assert.Equal(t, 0, f.api.count("CurrentUser"))
}

// ════ refresh ════

func TestStore_RefreshRotatesAccessToken(t *testing.T) {
	f := newFixture(t)
	f.login(t)

	access, err := f.store.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-2", access)
	assert.Equal(t, "access-2", f.store.AccessToken())
	assert.Equal(t, "refresh-1", f.store.State().RefreshToken)
	assert.Equal(t, "access-2", f.stored(t).AccessToken)
}

func TestStore_RefreshRejectedForcesLogout(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	f.api.refreshToken = func(context.Context, string) (*learning.TokenPair, error) {
		return nil, shared.NewAuthError("eduapi", "RefreshToken", "Token is blacklisted", 401)
	}

	_, err := f.store.Refresh(context.Background())
	require.Error(t, err)
	assert.True(t, shared.IsSessionExpired(err))

	st := f.store.State()
	assert.False(t, st.IsAuthenticated)
	assert.Empty(t, st.AccessToken)
	assert.Equal(t, ExpiredMessage, st.ExpiredNotice)
	assert.Equal(t, int32(1), f.evictor.n.Load())
	assert.False(t, f.stored(t).IsAuthenticated)
}

func TestStore_RefreshNetworkFailureKeepsSession(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	f.api.refreshToken = func(context.Context, string) (*learning.TokenPair, error) {
		return nil, shared.NewNetworkError("eduapi", "RefreshToken", "backend unreachable", errors.New("dial tcp"), true)
	}

	_, err := f.store.Refresh(context.Background())
	require.Error(t, err)
	assert.True(t, shared.IsNetwork(err))
	assert.False(t, shared.IsSessionExpired(err))
	assert.True(t, f.store.State().IsAuthenticated)
}

func TestStore_ConcurrentRefreshSharesOneExchange(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	f.api.refreshToken = func(context.Context, string) (*learning.TokenPair, error) {
		time.Sleep(30 * time.Millisecond)
		return &learning.TokenPair{Access: "access-2"}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			access, err := f.store.RefreshAccess(context.Background())
			assert.NoError(t, err)
			assert.Equal(t, "access-2", access)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, f.api.count("RefreshToken"))
}

func TestStore_RefreshResultDroppedAfterAccountSwitch(t *testing.T) {
	f := newFixture(t)
	bob := learning.User{ID: 8, Username: "bob", Email: "bob@example.com"}
	bobTokens := learning.TokenPair{Access: "bob-access", Refresh: "bob-refresh"}

	entered := make(chan struct{})
	release := make(chan struct{})
	f.api.createToken = func(_ context.Context, c learning.Credentials) (*learning.TokenPair, error) {
		if c.Email == bob.Email {
			t := bobTokens
			return &t, nil
		}
		t := tokens
		return &t, nil
	}
	f.api.currentUser = func(context.Context) (*learning.User, error) {
		u := amina
		if f.store.AccessToken() == bobTokens.Access {
			u = bob
		}
		return &u, nil
	}
	f.api.refreshToken = func(_ context.Context, refresh string) (*learning.TokenPair, error) {
		assert.Equal(t, "refresh-1", refresh)
		close(entered)
		<-release
		return &learning.TokenPair{Access: "amina-access-2", Refresh: "amina-refresh-2"}, nil
	}
	f.login(t)

	done := make(chan error, 1)
	go func() {
		_, err := f.store.Refresh(context.Background())
		done <- err
	}()
	<-entered

	f.store.Logout(context.Background())
	require.NoError(t, f.store.Login(context.Background(), bob.Email, "pw"))
	close(release)

	err := <-done
	require.Error(t, err)
	assert.True(t, shared.IsSessionExpired(err))

	st := f.store.State()
	assert.True(t, st.IsAuthenticated)
	assert.Equal(t, "bob", st.Identity.Username)
	assert.Equal(t, "bob-access", st.AccessToken)
	assert.Equal(t, "bob-refresh", st.RefreshToken)
	assert.Equal(t, "bob-access", f.stored(t).AccessToken)
}

func TestStore_RejectedRefreshDoesNotExpireNewerSession(t *testing.T) {
	f := newFixture(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	f.api.refreshToken = func(context.Context, string) (*learning.TokenPair, error) {
		close(entered)
		<-release
		return nil, shared.NewAuthError("eduapi", "RefreshToken", "Token is blacklisted", 401)
	}
	f.login(t)

	done := make(chan error, 1)
	go func() {
		_, err := f.store.Refresh(context.Background())
		done <- err
	}()
	<-entered

	f.store.Logout(context.Background())
	f.login(t)
	close(release)

	err := <-done
	assert.True(t, shared.IsSessionExpired(err))
	st := f.store.State()
	assert.True(t, st.IsAuthenticated)
	assert.Empty(t, st.ExpiredNotice)
	assert.Equal(t, "access-1", st.AccessToken)
}

func TestStore_RefreshWithoutSession(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.Refresh(context.Background())
	assert.True(t, shared.IsSessionExpired(err))
	assert.Equal(t, 0, f.api.count("RefreshToken"))
}

// ════ profile ════

func TestStore_SetProfileIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	saves := f.storage.Saves()

	f.store.SetProfile(context.Background(), profile)
	f.store.SetProfile(context.Background(), profile)

	assert.True(t, f.store.State().HasProfile())
	assert.Equal(t, saves+1, f.storage.Saves())
}

// ════ rehydrate ════

func TestStore_RehydrateRestoresAndRevalidates(t *testing.T) {
	f := newFixture(t)
	f.login(t)

	restarted := NewStore(Config{API: f.api, Storage: f.storage, Evictor: f.evictor})
	require.NoError(t, restarted.Rehydrate(context.Background()))
	first := restarted.State()
	assert.True(t, first.IsAuthenticated)
	assert.Equal(t, "amina", first.Identity.Username)

	require.NoError(t, restarted.Rehydrate(context.Background()))
	assert.Equal(t, first, restarted.State())
}

func TestStore_RehydrateInvalidTokenForcesLogout(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	f.api.currentUser = func(context.Context) (*learning.User, error) {
		return nil, shared.NewAuthError("eduapi", "CurrentUser", "Given token not valid for any token type", 401)
	}

	restarted := NewStore(Config{API: f.api, Storage: f.storage, Evictor: f.evictor})
	require.NoError(t, restarted.Rehydrate(context.Background()))

	assert.False(t, restarted.State().IsAuthenticated)
	assert.Equal(t, ExpiredMessage, restarted.State().ExpiredNotice)
	assert.False(t, f.stored(t).IsAuthenticated)
}

func TestStore_RehydrateOfflineKeepsSession(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	f.api.currentUser = func(context.Context) (*learning.User, error) {
		return nil, shared.NewNetworkError("eduapi", "CurrentUser", "backend unreachable", errors.New("dial tcp"), true)
	}

	restarted := NewStore(Config{API: f.api, Storage: f.storage})
	require.NoError(t, restarted.Rehydrate(context.Background()))
	assert.True(t, restarted.State().IsAuthenticated)
	assert.Equal(t, "amina", restarted.State().Identity.Username)
}

func TestStore_RehydrateNothingStored(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Rehydrate(context.Background()))
	assert.Equal(t, Initial(), f.store.State())
	assert.Equal(t, 0, f.api.count("CurrentUser"))
}

func TestStore_RehydrateDiscardsCorruptSnapshot(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.storage.Save(context.Background(), StorageKey, []byte("{broken")))

	require.NoError(t, f.store.Rehydrate(context.Background()))
	assert.Equal(t, Initial(), f.store.State())
	_, err := f.storage.Load(context.Background(), StorageKey)
	assert.True(t, shared.IsNotFound(err))
}

// ════ register ════

func TestStore_RegisterDoesNotSignIn(t *testing.T) {
	f := newFixture(t)
	user, err := f.store.Register(context.Background(), learning.Registration{
		Username:   "amina",
		Email:      "amina@example.com",
		Password:   "long-password",
		RePassword: "long-password",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(9), user.ID)
	assert.False(t, f.store.State().IsAuthenticated)
	assert.Equal(t, 0, f.api.count("CreateToken"))
}

func TestStore_RegisterValidationError(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.Register(context.Background(), learning.Registration{
		Username: "amina", Email: "amina@example.com", Password: "long-password", RePassword: "nope",
	})
	ve, ok := shared.AsValidation(err)
	require.True(t, ok)
	assert.NotEmpty(t, ve.Field("re_password"))
	assert.Equal(t, 0, f.api.count("RegisterUser"))
}

// ════ token expiry ════

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": exp.Unix(), "user_id": 7})
	s, err := token.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return s
}

func TestStore_NeedsRefresh(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	f := newFixture(t)
	f.store.now = func() time.Time { return now }

	assert.False(t, f.store.NeedsRefresh(time.Minute), "signed out")

	f.api.createToken = func(context.Context, learning.Credentials) (*learning.TokenPair, error) {
		return &learning.TokenPair{Access: signedToken(t, now.Add(2*time.Minute)), Refresh: "r"}, nil
	}
	f.login(t)

	exp, ok := f.store.AccessExpiry()
	require.True(t, ok)
	assert.Equal(t, now.Add(2*time.Minute).Unix(), exp.Unix())
	assert.False(t, f.store.NeedsRefresh(time.Minute))
	assert.True(t, f.store.NeedsRefresh(5*time.Minute))
}

func TestStore_OpaqueTokenNeverNeedsRefresh(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	_, ok := f.store.AccessExpiry()
	assert.False(t, ok)
	assert.False(t, f.store.NeedsRefresh(time.Hour))
}
