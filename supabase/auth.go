package supabase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	orm "github.com/medatechnology/putralib"
	"github.com/medatechnology/putralib/schema"
	"github.com/medatechnology/putralib/session"
	"github.com/tidwall/gjson"
)

// Auth is a session.Authenticator on GoTrue. Roles live in the profiles
// table, never in user metadata, since users can edit their own metadata.
type Auth struct {
	client *Client
	db     orm.Database
	now    func() time.Time
}

var _ session.Authenticator = (*Auth)(nil)

// NewAuth uses db (normally a DB on the same client, with a service role
// key) to write and read profile rows.
func NewAuth(client *Client, db orm.Database) *Auth {
	return &Auth{client: client, db: db, now: time.Now}
}

type authResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	User         *user  `json:"user"`
}

type user struct {
	ID           string                 `json:"id"`
	Email        string                 `json:"email"`
	UserMetadata map[string]interface{} `json:"user_metadata"`
}

// SignUp registers the user and creates the profile row. With email
// confirmation enabled GoTrue returns the bare user and no token.
func (a *Auth) SignUp(ctx context.Context, req session.SignUpRequest) (session.Token, error) {
	req, err := req.Normalize()
	if err != nil {
		return session.Token{}, err
	}
	resp, err := a.client.do(ctx, request{
		method: http.MethodPost,
		path:   "/auth/v1/signup",
		body: map[string]interface{}{
			"email":    req.Email,
			"password": req.Password,
			"data": map[string]string{
				"display_name": req.DisplayName,
			},
		},
	})
	if err != nil {
		return session.Token{}, authError(err)
	}

	var ar authResponse
	if err := json.Unmarshal(resp.Body, &ar); err != nil {
		return session.Token{}, fmt.Errorf("unmarshal response: %w", err)
	}
	u := ar.User
	if u == nil {
		u = &user{
			ID:    gjson.GetBytes(resp.Body, "id").String(),
			Email: gjson.GetBytes(resp.Body, "email").String(),
		}
	}
	if u.ID == "" {
		return session.Token{}, fmt.Errorf("%w: sign up returned no user", ErrSupabaseRequest)
	}

	id := session.Identity{UserID: u.ID, Email: req.Email, DisplayName: req.DisplayName, Role: req.Role}
	_, err = a.db.InsertOneDBRecord(ctx, orm.NewDBRecord(schema.TableProfiles, map[string]interface{}{
		"id":           id.UserID,
		"email":        id.Email,
		"display_name": id.DisplayName,
		"role":         string(id.Role),
	}))
	if err != nil && !errors.Is(err, orm.ErrUniqueViolation) {
		return session.Token{}, err
	}
	return a.token(ar, id), nil
}

func (a *Auth) SignIn(ctx context.Context, email, password string) (session.Token, error) {
	q := url.Values{}
	q.Set("grant_type", "password")
	resp, err := a.client.do(ctx, request{
		method: http.MethodPost,
		path:   "/auth/v1/token",
		query:  q,
		body:   map[string]string{"email": email, "password": password},
	})
	if err != nil {
		return session.Token{}, authError(err)
	}
	var ar authResponse
	if err := json.Unmarshal(resp.Body, &ar); err != nil {
		return session.Token{}, fmt.Errorf("unmarshal response: %w", err)
	}
	if ar.User == nil || ar.AccessToken == "" {
		return session.Token{}, session.ErrInvalidCredentials
	}
	id, err := a.identity(ctx, *ar.User)
	if err != nil {
		return session.Token{}, err
	}
	return a.token(ar, id), nil
}

func (a *Auth) SignOut(ctx context.Context, accessToken string) error {
	_, err := a.client.do(ctx, request{
		method: http.MethodPost,
		path:   "/auth/v1/logout",
		token:  accessToken,
	})
	if err != nil {
		return authError(err)
	}
	return nil
}

// Resolve asks GoTrue for the token's user and reads the role from profiles.
func (a *Auth) Resolve(ctx context.Context, accessToken string) (session.Identity, error) {
	if accessToken == "" {
		return session.Identity{}, session.ErrInvalidToken
	}
	resp, err := a.client.do(ctx, request{
		method: http.MethodGet,
		path:   "/auth/v1/user",
		token:  accessToken,
	})
	if err != nil {
		return session.Identity{}, authError(err)
	}
	var u user
	if err := json.Unmarshal(resp.Body, &u); err != nil {
		return session.Identity{}, fmt.Errorf("unmarshal response: %w", err)
	}
	if u.ID == "" {
		return session.Identity{}, session.ErrInvalidToken
	}
	return a.identity(ctx, u)
}

func (a *Auth) identity(ctx context.Context, u user) (session.Identity, error) {
	id := session.Identity{UserID: u.ID, Email: u.Email, Role: session.RoleUser}
	if name, ok := u.UserMetadata["display_name"].(string); ok {
		id.DisplayName = name
	}
	profile, err := a.db.SelectOneWithCondition(ctx, schema.TableProfiles, orm.Where(orm.Eq("id", u.ID)))
	if err != nil {
		if errors.Is(err, orm.ErrSQLNoRows) {
			return id, nil
		}
		return session.Identity{}, err
	}
	if role, err := session.ParseRole(profile.String("role")); err == nil {
		id.Role = role
	}
	if name := profile.String("display_name"); name != "" {
		id.DisplayName = name
	}
	return id, nil
}

func (a *Auth) token(ar authResponse, id session.Identity) session.Token {
	tok := session.Token{AccessToken: ar.AccessToken, Identity: id}
	if ar.ExpiresIn > 0 {
		tok.ExpiresAt = a.now().Add(time.Duration(ar.ExpiresIn) * time.Second)
	}
	return tok
}

// authError maps GoTrue failures onto the session sentinels.
func authError(err error) error {
	var e *Error
	if !errors.As(err, &e) {
		return err
	}
	switch {
	case e.StatusCode == http.StatusUnprocessableEntity && (e.Code == "user_already_exists" || e.Code == "email_exists"):
		return fmt.Errorf("%w: %s", session.ErrEmailTaken, e.Message)
	case e.StatusCode == http.StatusUnprocessableEntity || e.Code == "weak_password" || e.Code == "validation_failed":
		return fmt.Errorf("%w: %s", session.ErrInvalidSignUp, e.Message)
	case e.StatusCode == http.StatusBadRequest && (e.Code == "invalid_grant" || e.Code == "invalid_credentials"):
		return session.ErrInvalidCredentials
	case e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden:
		return session.ErrInvalidToken
	}
	return err
}
