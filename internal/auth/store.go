// Package auth holds the Session Store: the authenticated identity, the
// in-progress flags of the auth actions and the realtime session that lives
// exactly as long as the identity does.
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/quictalk/chat-client/internal/api"
	"github.com/quictalk/chat-client/internal/notify"
	"github.com/quictalk/chat-client/internal/presence"
	"github.com/quictalk/chat-client/internal/router"
	"github.com/quictalk/chat-client/internal/transport"
)

// refreshTimeout bounds the history refresh that follows a (re)connect.
const refreshTimeout = 15 * time.Second

// API is the part of the HTTP client the store needs.
type API interface {
	CheckAuth(ctx context.Context) (*api.User, error)
	Login(ctx context.Context, req api.LoginRequest) (*api.User, error)
	Signup(ctx context.Context, req api.SignupRequest) (*api.User, error)
	Logout(ctx context.Context) error
	UpdateProfile(ctx context.Context, req api.ProfileUpdate) (*api.User, error)
}

// Conversations is the part of the conversation store that follows the
// identity's lifecycle.
type Conversations interface {
	Bind(src router.Source, self string)
	Unbind()
	Refresh(ctx context.Context) error
	OnUnauthorized(fn func())
}

// Options configures a Store. API is required.
type Options struct {
	API           API
	Transport     transport.Config
	Header        func() http.Header // handshake headers, e.g. the session cookie
	Conversations Conversations
	Presence      *presence.Tracker
	Notifier      notify.Notifier
	Logger        *slog.Logger

	// OnState is called on every transport state change.
	OnState func(transport.State)
}

// Store is the session state container. It is the only owner of the
// transport session: it connects it after authentication and disconnects it
// on logout.
type Store struct {
	api      API
	conv     Conversations
	presence *presence.Tracker
	notifier notify.Notifier
	logger   *slog.Logger
	onState  func(transport.State)
	session  *transport.Session

	mu              sync.Mutex
	user            *api.User
	detach          transport.Unsubscribe
	signingUp       bool
	loggingIn       bool
	updatingProfile bool
	checkingAuth    bool
}

// New creates a Store with no identity. CheckingAuth starts out true until
// the first CheckAuth completes.
func New(opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = notify.NewLog(logger)
	}
	tracker := opts.Presence
	if tracker == nil {
		tracker = presence.NewTracker(logger, nil)
	}

	s := &Store{
		api:          opts.API,
		conv:         opts.Conversations,
		presence:     tracker,
		notifier:     notifier,
		logger:       logger.With("component", "auth"),
		onState:      opts.OnState,
		checkingAuth: true,
	}
	s.session = transport.NewSession(opts.Transport, transport.Options{
		Logger: logger,
		Header: opts.Header,
		Observer: transport.Observer{
			OnState: s.handleState,
			OnError: s.handleConnectionError,
		},
	})
	if s.conv != nil {
		s.conv.OnUnauthorized(s.Expire)
	}
	return s
}

// CheckAuth restores the identity from an existing session cookie. A 401 is
// the normal answer for a visitor and is not reported.
func (s *Store) CheckAuth(ctx context.Context) error {
	defer s.setFlag(&s.checkingAuth, false)

	u, err := s.api.CheckAuth(ctx)
	if err != nil {
		s.clearIdentity()
		if api.IsAuthenticationRequired(err) {
			s.logger.Debug("no active session")
			return nil
		}
		s.logger.Error("session check failed", "error", err)
		notify.Error(s.notifier, api.UserMessage(err, "Could not verify session"))
		return fmt.Errorf("auth: check: %w", err)
	}
	return s.establish(u)
}

// Login authenticates with email and password and connects the realtime
// session.
func (s *Store) Login(ctx context.Context, email, password string) error {
	s.setFlag(&s.loggingIn, true)
	defer s.setFlag(&s.loggingIn, false)

	u, err := s.api.Login(ctx, api.LoginRequest{Email: email, Password: password})
	if err != nil {
		s.logger.Warn("login failed", "error", err)
		notify.Error(s.notifier, api.UserMessage(err, "Login failed"))
		return fmt.Errorf("auth: login: %w", err)
	}
	if err := s.establish(u); err != nil {
		notify.Error(s.notifier, "Login failed")
		return err
	}
	notify.Success(s.notifier, "Logged in successfully")
	return nil
}

// Signup creates an account and connects the realtime session.
func (s *Store) Signup(ctx context.Context, fullName, email, password string) error {
	s.setFlag(&s.signingUp, true)
	defer s.setFlag(&s.signingUp, false)

	u, err := s.api.Signup(ctx, api.SignupRequest{FullName: fullName, Email: email, Password: password})
	if err != nil {
		s.logger.Warn("signup failed", "error", err)
		notify.Error(s.notifier, api.UserMessage(err, "Signup failed"))
		return fmt.Errorf("auth: signup: %w", err)
	}
	if err := s.establish(u); err != nil {
		notify.Error(s.notifier, "Signup failed")
		return err
	}
	notify.Success(s.notifier, "Account created successfully")
	return nil
}

// Logout ends the server session. The realtime session is torn down and the
// identity cleared whether or not the logout call succeeds; a failed call is
// still reported.
func (s *Store) Logout(ctx context.Context) error {
	err := s.api.Logout(ctx)
	s.teardown()

	if api.IsAuthenticationRequired(err) {
		s.logger.Debug("server session already gone at logout")
		err = nil
	}
	if err != nil {
		s.logger.Warn("logout call failed, local session cleared anyway", "error", err)
		notify.Error(s.notifier, api.UserMessage(err, "Logout failed"))
		return fmt.Errorf("auth: logout: %w", err)
	}
	notify.Success(s.notifier, "Logged out successfully")
	return nil
}

// UpdateProfile changes the profile picture.
func (s *Store) UpdateProfile(ctx context.Context, profilePic string) error {
	s.setFlag(&s.updatingProfile, true)
	defer s.setFlag(&s.updatingProfile, false)

	u, err := s.api.UpdateProfile(ctx, api.ProfileUpdate{ProfilePic: profilePic})
	if api.IsAuthenticationRequired(err) {
		s.Expire()
		return fmt.Errorf("auth: update profile: %w", err)
	}
	if err != nil {
		s.logger.Warn("profile update failed", "error", err)
		notify.Error(s.notifier, api.UserMessage(err, "Update failed"))
		return fmt.Errorf("auth: update profile: %w", err)
	}

	s.mu.Lock()
	s.user = u
	s.mu.Unlock()
	notify.Success(s.notifier, "Profile updated successfully")
	return nil
}

// Expire drops the identity after an authenticated call was answered with
// 401. The server session is gone, so this is not reported as an error.
func (s *Store) Expire() {
	s.mu.Lock()
	hadUser := s.user != nil
	s.mu.Unlock()
	if hadUser {
		s.logger.Info("server session expired, signing out locally")
	}
	s.clearIdentity()
}

// Close releases the realtime session. The store is unusable afterwards.
func (s *Store) Close() {
	s.teardown()
}

// establish stores the identity and connects the realtime session for it.
// Listeners are attached before Connect so the first roster is not missed.
func (s *Store) establish(u *api.User) error {
	id := string(u.ID)

	s.mu.Lock()
	previous := ""
	if s.user != nil {
		previous = string(s.user.ID)
	}
	s.mu.Unlock()
	if current := s.session.Identity(); (previous != "" && previous != id) || (current != "" && current != id) {
		s.teardown()
	}

	s.mu.Lock()
	s.user = u
	if s.detach != nil {
		s.detach()
	}
	s.detach = s.presence.Attach(s.session)
	s.mu.Unlock()

	if s.conv != nil {
		s.conv.Bind(s.session, id)
	}
	if err := s.session.Connect(id); err != nil {
		s.teardown()
		s.logger.Error("cannot connect realtime session", "error", err)
		return fmt.Errorf("auth: connect: %w", err)
	}
	s.logger.Info("session established", "user_id", id)
	return nil
}

// teardown disconnects the realtime session and clears every piece of
// identity-bound state. The store lock is not held across Disconnect since
// a listener finishing its delivery may need it.
func (s *Store) teardown() {
	s.session.Disconnect()

	s.mu.Lock()
	s.detach = nil
	s.user = nil
	s.mu.Unlock()

	if s.conv != nil {
		s.conv.Unbind()
	}
	s.presence.Reset()
}

func (s *Store) clearIdentity() {
	s.mu.Lock()
	hadUser := s.user != nil
	s.mu.Unlock()
	if hadUser {
		s.teardown()
	}
}

func (s *Store) handleState(state transport.State) {
	if state == transport.StateConnected && s.conv != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
			defer cancel()
			if err := s.conv.Refresh(ctx); err != nil {
				s.logger.Debug("refresh after connect failed", "error", err)
			}
		}()
	}
	if s.onState != nil {
		s.onState(state)
	}
}

func (s *Store) handleConnectionError(err error) {
	s.logger.Warn("realtime connection lost", "error", err)
	notify.Error(s.notifier, "Connection lost. Messages will not update until you reconnect.")
}

// Reconnect retries the realtime session after it gave up.
func (s *Store) Reconnect() error {
	u := s.User()
	if u == nil {
		return transport.ErrNoIdentity
	}
	if err := s.session.Connect(string(u.ID)); err != nil {
		return fmt.Errorf("auth: reconnect: %w", err)
	}
	return nil
}

func (s *Store) setFlag(flag *bool, v bool) {
	s.mu.Lock()
	*flag = v
	s.mu.Unlock()
}

func (s *Store) flag(flag *bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *flag
}

// User returns a copy of the authenticated identity, or nil.
func (s *Store) User() *api.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.user == nil {
		return nil
	}
	u := *s.user
	return &u
}

// Authenticated reports whether an identity is held.
func (s *Store) Authenticated() bool { return s.User() != nil }

func (s *Store) SigningUp() bool       { return s.flag(&s.signingUp) }
func (s *Store) LoggingIn() bool       { return s.flag(&s.loggingIn) }
func (s *Store) UpdatingProfile() bool { return s.flag(&s.updatingProfile) }
func (s *Store) CheckingAuth() bool    { return s.flag(&s.checkingAuth) }

// Session exposes the realtime session for read-only use such as state
// display and Emit. Callers must not Connect or Disconnect it.
func (s *Store) Session() *transport.Session { return s.session }

// Presence returns the online users tracker.
func (s *Store) Presence() *presence.Tracker { return s.presence }
