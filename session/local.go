package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	orm "github.com/medatechnology/putralib"
	"github.com/medatechnology/putralib/schema"
	"golang.org/x/crypto/bcrypt"
)

const (
	DefaultTokenTTL = 24 * time.Hour
	DefaultIssuer   = "putralib"
)

// Claims is the payload of a local access token.
type Claims struct {
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	Role        Role   `json:"role"`
	jwt.RegisteredClaims
}

// LocalAuthenticator keeps accounts in the store next to the profiles and
// issues HS256 tokens. Revoked token ids are remembered until the token
// would have expired anyway.
type LocalAuthenticator struct {
	db     orm.Database
	secret []byte
	ttl    time.Duration
	issuer string
	cost   int
	now    func() time.Time
	logger orm.Logger

	mu      sync.Mutex
	revoked map[string]time.Time
}

var _ Authenticator = (*LocalAuthenticator)(nil)

type LocalOption func(*LocalAuthenticator)

func WithTokenTTL(ttl time.Duration) LocalOption {
	return func(a *LocalAuthenticator) {
		if ttl > 0 {
			a.ttl = ttl
		}
	}
}

func WithIssuer(issuer string) LocalOption {
	return func(a *LocalAuthenticator) {
		if issuer != "" {
			a.issuer = issuer
		}
	}
}

// WithBcryptCost is mostly for tests; the default is bcrypt.DefaultCost.
func WithBcryptCost(cost int) LocalOption {
	return func(a *LocalAuthenticator) { a.cost = cost }
}

func WithNow(now func() time.Time) LocalOption {
	return func(a *LocalAuthenticator) { a.now = now }
}

func WithAuthLogger(logger orm.Logger) LocalOption {
	return func(a *LocalAuthenticator) {
		if logger != nil {
			a.logger = logger
		}
	}
}

func NewLocalAuthenticator(db orm.Database, secret string, opts ...LocalOption) (*LocalAuthenticator, error) {
	if len(secret) < 16 {
		return nil, fmt.Errorf("jwt secret must be at least 16 bytes")
	}
	a := &LocalAuthenticator{
		db:      db,
		secret:  []byte(secret),
		ttl:     DefaultTokenTTL,
		issuer:  DefaultIssuer,
		cost:    bcrypt.DefaultCost,
		now:     time.Now,
		logger:  orm.GetDefaultLogger(),
		revoked: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

func (a *LocalAuthenticator) SignUp(ctx context.Context, req SignUpRequest) (Token, error) {
	req, err := req.Normalize()
	if err != nil {
		return Token{}, err
	}

	_, err = a.db.SelectOneWithCondition(ctx, schema.TableAccounts, orm.Where(orm.Eq("email", req.Email)).Select("id"))
	switch {
	case err == nil:
		return Token{}, ErrEmailTaken
	case !errors.Is(err, orm.ErrSQLNoRows):
		return Token{}, fmt.Errorf("sign up: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), a.cost)
	if err != nil {
		return Token{}, fmt.Errorf("%w: %v", ErrInvalidSignUp, err)
	}

	id := Identity{UserID: uuid.NewString(), Email: req.Email, DisplayName: req.DisplayName, Role: req.Role}
	_, err = a.db.InsertOneDBRecord(ctx, orm.NewDBRecord(schema.TableAccounts, map[string]interface{}{
		"id":            id.UserID,
		"email":         id.Email,
		"password_hash": string(hash),
	}))
	if err != nil {
		if errors.Is(err, orm.ErrUniqueViolation) {
			return Token{}, ErrEmailTaken
		}
		return Token{}, fmt.Errorf("sign up: %w", err)
	}

	_, err = a.db.InsertOneDBRecord(ctx, orm.NewDBRecord(schema.TableProfiles, map[string]interface{}{
		"id":           id.UserID,
		"email":        id.Email,
		"display_name": id.DisplayName,
		"role":         string(id.Role),
	}))
	if err != nil {
		// without a profile the account is unusable
		res := a.db.DeleteWithCondition(ctx, schema.TableAccounts, orm.Where(orm.Eq("id", id.UserID)))
		if res.Error != nil {
			orm.LogErrorWithContext(a.logger, res.Error, orm.String("user_id", id.UserID))
		}
		return Token{}, fmt.Errorf("sign up: %w", err)
	}

	a.logger.Info("account created", orm.String("user_id", id.UserID), orm.String("role", string(id.Role)))
	return a.issue(id)
}

func (a *LocalAuthenticator) SignIn(ctx context.Context, email, password string) (Token, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return Token{}, ErrInvalidCredentials
	}
	acc, err := a.db.SelectOneWithCondition(ctx, schema.TableAccounts, orm.Where(orm.Eq("email", email)))
	if err != nil {
		if errors.Is(err, orm.ErrSQLNoRows) {
			return Token{}, ErrInvalidCredentials
		}
		return Token{}, fmt.Errorf("sign in: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(acc.String("password_hash")), []byte(password)); err != nil {
		return Token{}, ErrInvalidCredentials
	}
	id, err := a.identity(ctx, acc.String("id"))
	if err != nil {
		return Token{}, err
	}
	return a.issue(id)
}

// SignOut revokes the token. An already invalid token is not an error.
func (a *LocalAuthenticator) SignOut(ctx context.Context, accessToken string) error {
	claims, err := a.parse(accessToken)
	if err != nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now()
	for jti, exp := range a.revoked {
		if !exp.After(now) {
			delete(a.revoked, jti)
		}
	}
	a.revoked[claims.ID] = claims.ExpiresAt.Time
	return nil
}

// Resolve validates the token and reloads the profile, so role changes
// apply to tokens already issued.
func (a *LocalAuthenticator) Resolve(ctx context.Context, accessToken string) (Identity, error) {
	claims, err := a.parse(accessToken)
	if err != nil {
		return Identity{}, err
	}
	a.mu.Lock()
	_, revoked := a.revoked[claims.ID]
	a.mu.Unlock()
	if revoked {
		return Identity{}, ErrInvalidToken
	}
	return a.identity(ctx, claims.Subject)
}

func (a *LocalAuthenticator) identity(ctx context.Context, userID string) (Identity, error) {
	rec, err := a.db.SelectOneWithCondition(ctx, schema.TableProfiles, orm.Where(orm.Eq("id", userID)))
	if err != nil {
		if errors.Is(err, orm.ErrSQLNoRows) {
			return Identity{}, ErrInvalidToken
		}
		return Identity{}, fmt.Errorf("load profile: %w", err)
	}
	role, err := ParseRole(rec.String("role"))
	if err != nil {
		role = RoleUser
	}
	return Identity{
		UserID:      userID,
		Email:       rec.String("email"),
		DisplayName: rec.String("display_name"),
		Role:        role,
	}, nil
}

func (a *LocalAuthenticator) issue(id Identity) (Token, error) {
	now := a.now()
	expires := now.Add(a.ttl)
	claims := Claims{
		Email:       id.Email,
		DisplayName: id.DisplayName,
		Role:        id.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   id.UserID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return Token{}, fmt.Errorf("sign token: %w", err)
	}
	return Token{AccessToken: signed, ExpiresAt: expires, Identity: id}, nil
}

func (a *LocalAuthenticator) parse(accessToken string) (*Claims, error) {
	if accessToken == "" {
		return nil, ErrNotAuthenticated
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(accessToken, claims,
		func(token *jwt.Token) (interface{}, error) {
			return a.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(a.issuer),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil || !token.Valid || claims.Subject == "" || claims.ID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
