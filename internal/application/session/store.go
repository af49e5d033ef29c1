package session

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"github.com/alem-hub/study-companion/internal/domain/learning"
	"github.com/alem-hub/study-companion/internal/domain/shared"
	"github.com/alem-hub/study-companion/pkg/logger"
)

const domain = "session"

// ErrLoginInProgress is returned when Login is called while another login on
// the same store has not finished.
var ErrLoginInProgress = shared.NewDomainError(domain, "Login", shared.ErrInvalidState, "a sign-in is already in progress")

// ErrLoginCancelled is returned when the session was signed out or replaced
// while the credential exchange was in flight.
var ErrLoginCancelled = shared.NewDomainError(domain, "Login", shared.ErrInvalidState, "the sign-in was cancelled")

// anyGeneration disables the generation check in commit.
const anyGeneration uint64 = 0

// ══════════════════════════════════════════════════════════════════════════════
// DEPENDENCIES
// ══════════════════════════════════════════════════════════════════════════════

// API is the slice of the backend client the store needs.
type API interface {
	CreateToken(ctx context.Context, creds learning.Credentials) (*learning.TokenPair, error)
	RefreshToken(ctx context.Context, refresh string) (*learning.TokenPair, error)
	RegisterUser(ctx context.Context, reg learning.Registration) (*learning.User, error)
	CurrentUser(ctx context.Context) (*learning.User, error)
	StudentProfile(ctx context.Context) (*learning.StudentProfile, error)
}

// Storage persists the snapshot. Load returns a shared not-found error when
// nothing is stored.
type Storage interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
}

// Evictor drops identity-scoped cached resources.
type Evictor interface {
	EvictUserScope() int
}

// Metrics receives session counters (optional).
type Metrics interface {
	SessionTransition(reason string)
	ObserveTokenRefresh(success bool)
}

// Listener is called after every state change.
type Listener func(State)

// Config wires a Store.
type Config struct {
	API        API
	Storage    Storage
	StorageKey string
	Evictor    Evictor
	Publisher  shared.EventPublisher
	Metrics    Metrics
	Logger     *logger.Logger
	Now        func() time.Time
}

// ══════════════════════════════════════════════════════════════════════════════
// STORE
// ══════════════════════════════════════════════════════════════════════════════

// Store is the single owner of the session. All changes go through Reduce.
type Store struct {
	api       API
	storage   Storage
	key       string
	evictor   Evictor
	publisher shared.EventPublisher
	metrics   Metrics
	log       *logger.Logger
	now       func() time.Time

	// commitMu orders reduce+persist so storage always holds the latest state.
	commitMu sync.Mutex

	mu    sync.RWMutex
	state State
	// gen changes whenever a new session epoch starts (sign-in attempt,
	// sign-out, expiry, restore). Results of calls issued in an older epoch
	// are dropped.
	gen        uint64
	loginBusy  bool
	listeners  map[int]Listener
	nextListen int

	refreshGroup singleflight.Group
}

// NewStore creates a signed-out store. Call Rehydrate to restore a session.
func NewStore(cfg Config) *Store {
	if cfg.StorageKey == "" {
		cfg.StorageKey = StorageKey
	}
	if cfg.Publisher == nil {
		cfg.Publisher = shared.NopPublisher{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Store{
		api:       cfg.API,
		storage:   cfg.Storage,
		key:       cfg.StorageKey,
		evictor:   cfg.Evictor,
		publisher: cfg.Publisher,
		metrics:   cfg.Metrics,
		log:       cfg.Logger.Named("session_store"),
		now:       cfg.Now,
		state:     Initial(),
		gen:       1,
		listeners: make(map[int]Listener),
	}
}

// State returns a copy of the current session.
func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.clone()
}

// OnChange registers l and returns a function that removes it.
func (s *Store) OnChange(l Listener) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextListen
	s.nextListen++
	s.listeners[id] = l
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// current returns the session together with its generation.
func (s *Store) current() (State, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.clone(), s.gen
}

// dispatch reduces ev, persists the result when it changed, then notifies.
func (s *Store) dispatch(ctx context.Context, ev Event) State {
	st, _, _ := s.commit(ctx, ev, true, anyGeneration)
	return st
}

// dispatchAt is dispatch that only applies while the session is still in
// generation gen. ok is false when ev was dropped.
func (s *Store) dispatchAt(ctx context.Context, gen uint64, ev Event) (State, bool) {
	st, _, ok := s.commit(ctx, ev, true, gen)
	return st, ok
}

func startsEpoch(ev Event) bool {
	switch ev.(type) {
	case LoginStarted, LoggedOut, SessionExpired, Restored:
		return true
	}
	return false
}

func (s *Store) commit(ctx context.Context, ev Event, persist bool, at uint64) (State, uint64, bool) {
	s.commitMu.Lock()

	s.mu.Lock()
	if at != anyGeneration && at != s.gen {
		st, gen := s.state.clone(), s.gen
		s.mu.Unlock()
		s.commitMu.Unlock()
		return st, gen, false
	}
	if startsEpoch(ev) {
		s.gen++
	}
	gen := s.gen
	prev := s.state
	next := Reduce(prev, ev)
	s.state = next
	listeners := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.mu.Unlock()

	changed := !reflect.DeepEqual(prev, next)
	if changed && persist {
		s.persist(ctx, next)
	}
	s.commitMu.Unlock()

	if !changed {
		return next.clone(), gen, true
	}

	reason := ev.reason()
	if s.metrics != nil {
		s.metrics.SessionTransition(reason)
	}
	s.log.Debug("session changed",
		logger.String("reason", reason),
		logger.String("phase", next.Phase.String()),
		logger.Bool("has_profile", next.HasProfile()),
	)
	_ = s.publisher.Publish(shared.NewSessionChangedEvent(next.UserID(), next.IsAuthenticated, next.HasProfile(), reason))
	for _, l := range listeners {
		l(next.clone())
	}
	return next.clone(), gen, true
}

// persist writes the snapshot. Storage failures are logged, never returned:
// the in-memory session stays authoritative.
func (s *Store) persist(ctx context.Context, st State) {
	if s.storage == nil {
		return
	}
	data, err := st.Snapshot().Encode()
	if err != nil {
		s.log.Error("encode session snapshot", logger.Err(err))
		return
	}
	if err := s.storage.Save(context.WithoutCancel(ctx), s.key, data); err != nil {
		s.log.Warn("persist session snapshot", logger.Err(err))
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// OPERATIONS
// ══════════════════════════════════════════════════════════════════════════════

// Login exchanges credentials for tokens, then loads the identity and the
// student profile. A missing profile is an expected state and is not an
// error. Credential-exchange failures come back as auth errors and leave the
// store signed out.
func (s *Store) Login(ctx context.Context, email, password string) error {
	creds := learning.Credentials{Email: email, Password: password}
	if err := learning.Validate("Login", creds); err != nil {
		return err
	}

	s.mu.Lock()
	if s.loginBusy {
		s.mu.Unlock()
		return ErrLoginInProgress
	}
	s.loginBusy = true
	wasAuthenticated := s.state.IsAuthenticated
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.loginBusy = false
		s.mu.Unlock()
	}()

	if wasAuthenticated && s.evictor != nil {
		s.evictor.EvictUserScope()
	}

	log := s.log.With(logger.Operation("login"), logger.Email(email))
	_, gen, _ := s.commit(ctx, LoginStarted{}, true, anyGeneration)

	tokens, err := s.api.CreateToken(ctx, creds)
	if err != nil {
		s.dispatchAt(ctx, gen, LoginFailed{})
		log.Info("credential exchange failed", logger.Err(err))
		return loginError(err)
	}
	if _, ok := s.dispatchAt(ctx, gen, LoginSucceeded{Tokens: *tokens}); !ok {
		log.Info("sign-in superseded while exchanging credentials")
		return ErrLoginCancelled
	}

	if user, err := s.api.CurrentUser(ctx); err != nil {
		log.Warn("load identity after login", logger.Err(err))
		if shared.IsSessionExpired(err) || shared.IsAuth(err) {
			s.dispatchAt(ctx, gen, LoginFailed{})
			return loginError(err)
		}
	} else if _, ok := s.dispatchAt(ctx, gen, IdentityLoaded{User: *user}); !ok {
		return ErrLoginCancelled
	}

	if !s.loadProfile(ctx, gen, log) {
		return ErrLoginCancelled
	}
	log.Info("signed in", logger.UserID(s.State().UserID()))
	return nil
}

// loginError normalizes credential failures to the auth kind while keeping
// the cause reachable for IsNetwork and friends.
func loginError(err error) error {
	if shared.IsAuth(err) || shared.IsValidation(err) {
		return err
	}
	wrapped := shared.WrapError(domain, "Login", shared.ErrAuth, "unable to sign in: "+shared.Message(err), err)
	wrapped.Retryable = shared.IsRetryable(err)
	return wrapped
}

// loadProfile fetches the student profile and records whether one exists.
// Every failure is swallowed; the profile is optional. It reports false when
// the session left generation gen meanwhile.
func (s *Store) loadProfile(ctx context.Context, gen uint64, log *logger.Logger) bool {
	profile, err := s.api.StudentProfile(ctx)
	var ok bool
	switch {
	case err == nil:
		_, ok = s.dispatchAt(ctx, gen, ProfileLoaded{Profile: profile})
	case shared.IsNotFound(err):
		log.Debug("no student profile yet")
		_, ok = s.dispatchAt(ctx, gen, ProfileLoaded{Profile: nil})
	default:
		log.Warn("load student profile", logger.Err(err))
		current := s.State().Profile
		_, ok = s.dispatchAt(ctx, gen, ProfileLoaded{Profile: current})
	}
	return ok
}

// Register creates an account. It never signs the caller in.
func (s *Store) Register(ctx context.Context, reg learning.Registration) (*learning.User, error) {
	if err := learning.Validate("Register", reg); err != nil {
		return nil, err
	}
	user, err := s.api.RegisterUser(ctx, reg)
	if err != nil {
		return nil, err
	}
	s.log.Info("account registered", logger.UserID(user.ID), logger.Email(user.Email))
	return user, nil
}

// Logout clears the session, persists the cleared snapshot and drops every
// identity-scoped cache entry before returning. A sign-in still in flight
// is cancelled and returns ErrLoginCancelled.
func (s *Store) Logout(ctx context.Context) {
	s.dispatch(ctx, LoggedOut{})
	if s.evictor != nil {
		s.evictor.EvictUserScope()
	}
	s.log.Info("signed out")
}

// expire ends the session of generation gen because its tokens no longer
// work. A newer session is left alone.
func (s *Store) expire(ctx context.Context, gen uint64) {
	userID := s.State().UserID()
	st, ok := s.dispatchAt(ctx, gen, SessionExpired{})
	if !ok {
		return
	}
	if s.evictor != nil {
		s.evictor.EvictUserScope()
	}
	if st.ExpiredNotice != "" {
		_ = s.publisher.Publish(shared.NewSessionExpiredEvent(userID))
	}
	s.log.Warn("session expired", logger.UserID(userID))
}

// Refresh exchanges the refresh token for a new access token. Concurrent
// callers share one exchange. When the refresh token is rejected the store
// logs out and returns a session-expired error; transient failures keep the
// session and return the failure.
func (s *Store) Refresh(ctx context.Context) (string, error) {
	v, err, _ := s.refreshGroup.Do("refresh", func() (any, error) {
		return s.refresh(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (s *Store) refresh(ctx context.Context) (string, error) {
	st, gen := s.current()
	if !st.IsAuthenticated {
		return "", shared.NewSessionExpired(domain, "Refresh", errors.New("not signed in"))
	}
	if st.RefreshToken == "" {
		s.expire(ctx, gen)
		return "", shared.NewSessionExpired(domain, "Refresh", errors.New("no refresh token"))
	}

	tokens, err := s.api.RefreshToken(ctx, st.RefreshToken)
	if err != nil {
		s.observeRefresh(false)
		if shared.IsClientFault(err) {
			s.expire(ctx, gen)
			return "", shared.NewSessionExpired(domain, "Refresh", err)
		}
		s.log.Warn("token refresh failed, keeping session", logger.Err(err))
		return "", err
	}
	s.observeRefresh(true)

	next, ok := s.dispatchAt(ctx, gen, TokenRefreshed{
		Access:   tokens.Access,
		Refresh:  tokens.Refresh,
		Previous: st.RefreshToken,
	})
	if !ok || !next.IsAuthenticated {
		// Signed out or replaced while the exchange was in flight.
		return "", shared.NewSessionExpired(domain, "Refresh", errors.New("session changed during refresh"))
	}
	return next.AccessToken, nil
}

func (s *Store) observeRefresh(ok bool) {
	if s.metrics != nil {
		s.metrics.ObserveTokenRefresh(ok)
	}
}

// SetProfile records a completed profile. Setting the same profile twice is
// a no-op.
func (s *Store) SetProfile(ctx context.Context, profile learning.StudentProfile) {
	s.dispatch(ctx, ProfileLoaded{Profile: &profile})
}

// Rehydrate restores the persisted session and, when it was authenticated,
// revalidates it by loading the identity. A rejected session is logged out;
// a network failure keeps the restored session for an offline start.
func (s *Store) Rehydrate(ctx context.Context) error {
	if s.storage == nil {
		return nil
	}
	log := s.log.With(logger.Operation("rehydrate"))

	data, err := s.storage.Load(ctx, s.key)
	if err != nil {
		if shared.IsNotFound(err) {
			log.Debug("no stored session")
			return nil
		}
		return shared.WrapError(domain, "Rehydrate", shared.ErrNetwork, "session storage unavailable", err)
	}

	snap, err := DecodeSnapshot(data)
	if err != nil {
		log.Warn("discarding unreadable session snapshot", logger.Err(err))
		if err := s.storage.Delete(ctx, s.key); err != nil {
			log.Warn("delete unreadable snapshot", logger.Err(err))
		}
		return nil
	}

	st, gen, _ := s.commit(ctx, Restored{Snapshot: snap}, false, anyGeneration)
	if !st.IsAuthenticated {
		return nil
	}

	user, err := s.api.CurrentUser(ctx)
	switch {
	case err == nil:
		if _, ok := s.dispatchAt(ctx, gen, IdentityLoaded{User: *user}); !ok {
			return nil
		}
	case shared.IsSessionExpired(err):
		// The refresh path already logged out; this is a no-op then.
		s.expire(ctx, gen)
		return nil
	case shared.IsAuth(err):
		log.Info("stored session rejected", logger.Err(err))
		s.expire(ctx, gen)
		return nil
	default:
		log.Warn("could not revalidate stored session, keeping it", logger.Err(err))
		return nil
	}

	s.loadProfile(ctx, gen, log)
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// TOKEN ACCESS
// ══════════════════════════════════════════════════════════════════════════════

// AccessToken returns the current access token, "" when signed out.
func (s *Store) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.AccessToken
}

// RefreshAccess lets the API client renew the access token after a 401.
func (s *Store) RefreshAccess(ctx context.Context) (string, error) {
	return s.Refresh(ctx)
}

// AccessExpiry reads the exp claim of the access token without verifying
// the signature; the backend does that. ok is false for opaque tokens.
func (s *Store) AccessExpiry() (exp time.Time, ok bool) {
	token := s.AccessToken()
	if token == "" {
		return time.Time{}, false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	at, err := claims.GetExpirationTime()
	if err != nil || at == nil {
		return time.Time{}, false
	}
	return at.Time, true
}

// NeedsRefresh reports whether the access token expires within window.
func (s *Store) NeedsRefresh(window time.Duration) bool {
	exp, ok := s.AccessExpiry()
	if !ok {
		return false
	}
	return exp.Sub(s.now()) < window
}
