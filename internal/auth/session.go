// Package auth owns the bearer credential: it signs the user in and out,
// mirrors the credential into the durable store and restores it at boot.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/KaramelBytes/datadash-cli/internal/api"
	"github.com/KaramelBytes/datadash-cli/internal/model"
	"github.com/KaramelBytes/datadash-cli/internal/store"
	"go.uber.org/zap"
)

// State is the authentication state of a Session.
type State int

const (
	Anonymous State = iota
	Authenticating
	Authenticated
)

func (s State) String() string {
	switch s {
	case Anonymous:
		return "anonymous"
	case Authenticating:
		return "authenticating"
	case Authenticated:
		return "authenticated"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

var (
	ErrAlreadyAuthenticated = errors.New("already signed in; log out first")
	ErrInProgress           = errors.New("a sign-in is already in progress")
	ErrNotAuthenticated     = errors.New("not signed in")
)

// Client is the subset of the backend used for authentication.
type Client interface {
	Login(ctx context.Context, email, password string) (model.Credential, error)
	Register(ctx context.Context, email, password string) (model.Credential, error)
	Me(ctx context.Context, token string) (string, error)
}

// Session holds the current credential. The zero value is not usable; use
// NewSession.
type Session struct {
	mu       sync.RWMutex
	store    store.Store
	client   Client
	log      *zap.Logger
	state    State
	cred     model.Credential
	onLogout []func()
}

// NewSession returns a signed-out Session backed by st. Call Restore to
// pick up a stored credential.
func NewSession(st store.Store, client Client, log *zap.Logger) *Session {
	if log == nil {
		log = zap.NewNop()
	}
	return &Session{store: st, client: client, log: log.Named("auth")}
}

// Restore loads a persisted credential. A stored token is trusted without
// a network call; it is only re-checked when a request using it fails or
// Verify is called.
func (s *Session) Restore() error {
	token, ok, err := s.store.Get(store.KeyAuthToken)
	if err != nil {
		return fmt.Errorf("restore credential: %w", err)
	}
	email, _, err := s.store.Get(store.KeyAuthEmail)
	if err != nil {
		return fmt.Errorf("restore credential: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !ok || token == "" {
		s.state = Anonymous
		s.cred = model.Credential{}
		return nil
	}
	s.state = Authenticated
	s.cred = model.Credential{Token: token, Email: email}
	s.log.Debug("credential restored", zap.String("email", email))
	return nil
}

// Login signs in with an existing account.
func (s *Session) Login(ctx context.Context, email, password string) error {
	return s.authenticate(ctx, "login", s.client.Login, email, password)
}

// Register creates an account and signs in with it.
func (s *Session) Register(ctx context.Context, email, password string) error {
	return s.authenticate(ctx, "register", s.client.Register, email, password)
}

type authFunc func(ctx context.Context, email, password string) (model.Credential, error)

func (s *Session) authenticate(ctx context.Context, op string, call authFunc, email, password string) error {
	s.mu.Lock()
	switch s.state {
	case Authenticated:
		s.mu.Unlock()
		return ErrAlreadyAuthenticated
	case Authenticating:
		s.mu.Unlock()
		return ErrInProgress
	}
	s.state = Authenticating
	s.mu.Unlock()

	cred, err := call(ctx, email, password)
	if err == nil {
		err = s.persist(cred)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.state = Anonymous
		s.log.Info(op+" rejected", zap.String("email", email), zap.Error(err))
		return err
	}
	s.state = Authenticated
	s.cred = cred
	s.log.Info(op+" succeeded", zap.String("email", cred.Email))
	return nil
}

// persist writes the credential before memory is updated. A failed second
// write removes the first so the store never holds half a credential.
func (s *Session) persist(cred model.Credential) error {
	if err := s.store.Set(store.KeyAuthToken, cred.Token); err != nil {
		return fmt.Errorf("persist credential: %w", err)
	}
	if err := s.store.Set(store.KeyAuthEmail, cred.Email); err != nil {
		_ = s.store.Remove(store.KeyAuthToken)
		return fmt.Errorf("persist credential: %w", err)
	}
	return nil
}

// Logout forgets the credential and wipes every persisted key, then runs
// the OnLogout hooks.
func (s *Session) Logout() error {
	s.mu.Lock()
	s.state = Anonymous
	s.cred = model.Credential{}
	hooks := append([]func(){}, s.onLogout...)
	s.mu.Unlock()

	err := s.store.Clear()
	for _, h := range hooks {
		h()
	}
	if err != nil {
		return fmt.Errorf("clear store: %w", err)
	}
	s.log.Info("signed out")
	return nil
}

// OnLogout registers fn to run after every Logout.
func (s *Session) OnLogout(fn func()) {
	s.mu.Lock()
	s.onLogout = append(s.onLogout, fn)
	s.mu.Unlock()
}

// Verify checks the current token against the backend. A rejected token
// signs the session out and returns the AuthError.
func (s *Session) Verify(ctx context.Context) (string, error) {
	token := s.Token()
	if token == "" {
		return "", ErrNotAuthenticated
	}
	email, err := s.client.Me(ctx, token)
	if err != nil {
		var authErr *api.AuthError
		if errors.As(err, &authErr) {
			s.log.Warn("stored credential rejected", zap.Error(err))
			if lerr := s.Logout(); lerr != nil {
				return "", errors.Join(err, lerr)
			}
		}
		return "", err
	}
	return email, nil
}

// State returns the current auth state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Authenticated reports whether a credential is held.
func (s *Session) Authenticated() bool {
	return s.State() == Authenticated
}

// Credential returns the credential while authenticated.
func (s *Session) Credential() (model.Credential, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != Authenticated {
		return model.Credential{}, false
	}
	return s.cred, true
}

// Token returns the bearer token, or "" when signed out.
func (s *Session) Token() string {
	c, _ := s.Credential()
	return c.Token
}
