// Package session resolves who is calling. An Authenticator turns
// credentials into tokens and tokens into an Identity; a Session holds the
// identity of an interactive client between calls.
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/medatechnology/goutil/medaerror"
)

type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

var (
	ErrNotAuthenticated   medaerror.MedaError = medaerror.MedaError{Message: "not authenticated"}
	ErrInvalidCredentials medaerror.MedaError = medaerror.MedaError{Message: "invalid email or password"}
	ErrInvalidToken       medaerror.MedaError = medaerror.MedaError{Message: "invalid or expired token"}
	ErrEmailTaken         medaerror.MedaError = medaerror.MedaError{Message: "email already registered"}
	ErrInvalidSignUp      medaerror.MedaError = medaerror.MedaError{Message: "invalid sign up request"}
)

// ParseRole accepts "admin" or "user"; empty means user.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case "", RoleUser:
		return RoleUser, nil
	case RoleAdmin:
		return RoleAdmin, nil
	}
	return "", fmt.Errorf("%w: unknown role %q", ErrInvalidSignUp, s)
}

// Identity is the authenticated caller. The zero value is anonymous.
type Identity struct {
	UserID      string `json:"user_id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	Role        Role   `json:"role"`
}

func (i Identity) IsAuthenticated() bool { return i.UserID != "" }
func (i Identity) IsAdmin() bool         { return i.IsAuthenticated() && i.Role == RoleAdmin }

type SignUpRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
	Role        Role   `json:"role,omitempty"`
}

// Normalize trims the fields, lower-cases the email and defaults the role.
func (r SignUpRequest) Normalize() (SignUpRequest, error) {
	r.Email = strings.ToLower(strings.TrimSpace(r.Email))
	r.DisplayName = strings.TrimSpace(r.DisplayName)
	if r.Email == "" || !strings.Contains(r.Email, "@") {
		return r, fmt.Errorf("%w: email is required", ErrInvalidSignUp)
	}
	if len(r.Password) < 6 {
		return r, fmt.Errorf("%w: password must be at least 6 characters", ErrInvalidSignUp)
	}
	if r.DisplayName == "" {
		return r, fmt.Errorf("%w: display name is required", ErrInvalidSignUp)
	}
	role, err := ParseRole(string(r.Role))
	if err != nil {
		return r, err
	}
	r.Role = role
	return r, nil
}

// Token is what a successful sign-in or sign-up hands back.
type Token struct {
	AccessToken string    `json:"access_token,omitempty"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`
	Identity    Identity  `json:"user"`
}

type Authenticator interface {
	SignUp(ctx context.Context, req SignUpRequest) (Token, error)
	SignIn(ctx context.Context, email, password string) (Token, error)
	SignOut(ctx context.Context, accessToken string) error
	// Resolve returns ErrInvalidToken for unknown, expired or revoked tokens.
	Resolve(ctx context.Context, accessToken string) (Identity, error)
}

// Session is the client side state: the current token and identity.
// It is created once at startup and passed to whatever needs it.
type Session struct {
	auth Authenticator

	mu       sync.RWMutex
	token    string
	identity Identity
}

// New returns an anonymous session.
func New(auth Authenticator) *Session {
	return &Session{auth: auth}
}

// Restore resolves a previously issued token. On failure the session
// stays anonymous.
func (s *Session) Restore(ctx context.Context, token string) error {
	id, err := s.auth.Resolve(ctx, token)
	if err != nil {
		s.clear()
		return err
	}
	s.set(token, id)
	return nil
}

func (s *Session) SignUp(ctx context.Context, req SignUpRequest) (Identity, error) {
	tok, err := s.auth.SignUp(ctx, req)
	if err != nil {
		return Identity{}, err
	}
	// Providers with email confirmation return no token until confirmed.
	if tok.AccessToken != "" {
		s.set(tok.AccessToken, tok.Identity)
	}
	return tok.Identity, nil
}

func (s *Session) SignIn(ctx context.Context, email, password string) (Identity, error) {
	tok, err := s.auth.SignIn(ctx, email, password)
	if err != nil {
		return Identity{}, err
	}
	s.set(tok.AccessToken, tok.Identity)
	return tok.Identity, nil
}

// SignOut revokes the token and clears the session even when revocation fails.
func (s *Session) SignOut(ctx context.Context) error {
	s.mu.RLock()
	token := s.token
	s.mu.RUnlock()
	defer s.clear()
	if token == "" {
		return nil
	}
	return s.auth.SignOut(ctx, token)
}

// CurrentUser returns the identity and whether anyone is signed in.
func (s *Session) CurrentUser() (Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity, s.identity.IsAuthenticated()
}

func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

func (s *Session) set(token string, id Identity) {
	s.mu.Lock()
	s.token = token
	s.identity = id
	s.mu.Unlock()
}

func (s *Session) clear() {
	s.set("", Identity{})
}
