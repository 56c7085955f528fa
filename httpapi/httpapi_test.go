package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	orm "github.com/medatechnology/putralib"
	"github.com/medatechnology/putralib/borrow"
	"github.com/medatechnology/putralib/catalog"
	"github.com/medatechnology/putralib/memory"
	"github.com/medatechnology/putralib/metrics"
	"github.com/medatechnology/putralib/profile"
	"github.com/medatechnology/putralib/schema"
	"github.com/medatechnology/putralib/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

var today = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

type harness struct {
	t       *testing.T
	db      orm.Database
	auth    *session.LocalAuthenticator
	server  *Server
	handler http.Handler
}

func newHarness(t *testing.T, db orm.Database, opts Options) *harness {
	t.Helper()
	logger := orm.NewNoopLogger()
	auth, err := session.NewLocalAuthenticator(db, "httpapi-test-secret-value",
		session.WithBcryptCost(bcrypt.MinCost), session.WithAuthLogger(logger))
	require.NoError(t, err)
	if opts.Logger == nil {
		opts.Logger = logger
	}
	if opts.RateLimit == 0 {
		opts.RateLimit = 1000
		opts.RateBurst = 1000
	}
	m := metrics.New()
	srv := New(Services{
		DB:       db,
		Auth:     auth,
		Borrow:   borrow.NewManager(db, borrow.WithClock(borrow.FixedClock(today)), borrow.WithLogger(logger), borrow.WithObserver(m)),
		Catalog:  catalog.NewService(db, logger),
		Profiles: profile.NewService(db, logger),
		Metrics:  m,
	}, opts)
	return &harness{t: t, db: db, auth: auth, server: srv, handler: srv.Handler()}
}

func newMemoryHarness(t *testing.T) *harness {
	return newHarness(t, memory.New(memory.WithUniqueKeys(schema.UniqueKeys())), Options{})
}

func (h *harness) do(method, path, token string, body interface{}) *httptest.ResponseRecorder {
	h.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(h.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "10.0.0.1:5555"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func (h *harness) signUp(email, name string, role session.Role) string {
	h.t.Helper()
	tok, err := h.auth.SignUp(context.Background(), session.SignUpRequest{
		Email: email, Password: "secret1", DisplayName: name, Role: role,
	})
	require.NoError(h.t, err)
	return tok.AccessToken
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[map[string]errorBody](t, rec)["error"].Code
}

func TestHealthz(t *testing.T) {
	h := newMemoryHarness(t)
	rec := h.do(http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[map[string]interface{}](t, rec)["status"])
}

func TestAuthEndpoints(t *testing.T) {
	h := newMemoryHarness(t)

	rec := h.do(http.MethodPost, "/auth/signup", "", map[string]string{
		"email": "siti@upm.edu.my", "password": "secret1", "display_name": "Siti",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	tok := decode[session.Token](t, rec)
	assert.Equal(t, session.RoleUser, tok.Identity.Role)

	rec = h.do(http.MethodPost, "/auth/signup", "", map[string]string{
		"email": "siti@upm.edu.my", "password": "secret1", "display_name": "Siti",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = h.do(http.MethodPost, "/auth/signup", "", map[string]string{
		"email": "boss@upm.edu.my", "password": "secret1", "display_name": "Boss", "role": "admin",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code, "anonymous callers cannot create administrators")

	for _, role := range []string{"Admin", " admin", "ADMIN "} {
		rec = h.do(http.MethodPost, "/auth/signup", "", map[string]string{
			"email": "boss@upm.edu.my", "password": "secret1", "display_name": "Boss", "role": role,
		})
		assert.Equal(t, http.StatusForbidden, rec.Code, "role %q", role)
	}
	rec = h.do(http.MethodPost, "/auth/signup", "", map[string]string{
		"email": "boss@upm.edu.my", "password": "secret1", "display_name": "Boss", "role": "librarian",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(http.MethodPost, "/auth/signup", "", map[string]string{"email": "x@y.z", "password": "1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(http.MethodPost, "/auth/signin", "", map[string]string{"email": "siti@upm.edu.my", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid_credentials", errorCode(t, rec))

	rec = h.do(http.MethodPost, "/auth/signin", "", map[string]string{"email": "siti@upm.edu.my", "password": "secret1"})
	require.Equal(t, http.StatusOK, rec.Code)
	token := decode[session.Token](t, rec).AccessToken

	rec = h.do(http.MethodGet, "/auth/me", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Siti", decode[session.Identity](t, rec).DisplayName)

	assert.Equal(t, http.StatusUnauthorized, h.do(http.MethodGet, "/auth/me", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, h.do(http.MethodGet, "/auth/me", "not-a-token", nil).Code)

	rec = h.do(http.MethodPost, "/auth/signout", token, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, http.StatusUnauthorized, h.do(http.MethodGet, "/auth/me", token, nil).Code, "token revoked")
}

func TestBookEndpoints(t *testing.T) {
	h := newMemoryHarness(t)
	admin := h.signUp("lib@upm.edu.my", "Librarian", session.RoleAdmin)
	student := h.signUp("siti@upm.edu.my", "Siti", session.RoleUser)

	book := map[string]interface{}{"title": "Dune", "author": "Frank Herbert", "genre": "Science Fiction"}
	assert.Equal(t, http.StatusUnauthorized, h.do(http.MethodPost, "/books", "", book).Code)
	assert.Equal(t, http.StatusForbidden, h.do(http.MethodPost, "/books", student, book).Code)

	rec := h.do(http.MethodPost, "/books", admin, map[string]interface{}{"title": "No author"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "author", decode[map[string]errorBody](t, rec)["error"].Field)

	rec = h.do(http.MethodPost, "/books", admin, map[string]interface{}{"title": "X", "author": "Y", "isbn": "1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "unknown fields are rejected")

	rec = h.do(http.MethodPost, "/books", admin, book)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[catalog.Book](t, rec)

	rec = h.do(http.MethodGet, "/books?query=dune", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]catalog.Book](t, rec), 1)

	rec = h.do(http.MethodGet, "/books/genres", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"Science Fiction"}, decode[[]string](t, rec))

	rec = h.do(http.MethodGet, "/books/top?limit=5", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]catalog.RatedBook](t, rec))
	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodGet, "/books/top?limit=abc", "", nil).Code)

	rec = h.do(http.MethodGet, "/books/"+created.ID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Dune", decode[catalog.Book](t, rec).Title)
	assert.Equal(t, http.StatusNotFound, h.do(http.MethodGet, "/books/missing", "", nil).Code)

	rec = h.do(http.MethodPut, "/books/"+created.ID, admin, map[string]interface{}{"title": "Dune Messiah", "author": "Frank Herbert"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Dune Messiah", decode[catalog.Book](t, rec).Title)

	rec = h.do(http.MethodPost, "/books/"+created.ID+"/favorite", student, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[map[string]bool](t, rec)["favorite"])
	rec = h.do(http.MethodGet, "/favorites", student, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]borrow.Favorite](t, rec), 1)

	assert.Equal(t, http.StatusNoContent, h.do(http.MethodDelete, "/books/"+created.ID, admin, nil).Code)
	assert.Equal(t, http.StatusNotFound, h.do(http.MethodDelete, "/books/"+created.ID, admin, nil).Code)
}

func TestBorrowLifecycleEndpoints(t *testing.T) {
	h := newMemoryHarness(t)
	admin := h.signUp("lib@upm.edu.my", "Librarian", session.RoleAdmin)
	student := h.signUp("siti@upm.edu.my", "Siti", session.RoleUser)
	other := h.signUp("ali@upm.edu.my", "Ali", session.RoleUser)

	rec := h.do(http.MethodPost, "/books", admin, map[string]interface{}{"title": "Dune", "author": "Frank Herbert"})
	require.Equal(t, http.StatusCreated, rec.Code)
	bookID := decode[catalog.Book](t, rec).ID

	rec = h.do(http.MethodPost, "/borrows", student, map[string]string{
		"book_id": bookID, "borrow_date": "2025-03-09", "return_date": "2025-03-17",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "borrow date in the past")

	rec = h.do(http.MethodPost, "/borrows", student, map[string]string{
		"book_id": bookID, "borrow_date": "2025-03-10", "return_date": "2025-03-17",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	req := decode[borrow.Request](t, rec)
	assert.Equal(t, borrow.StatusPending, req.Status)

	rec = h.do(http.MethodGet, "/admin/borrows?status=pending", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	queue := decode[[]borrow.Request](t, rec)
	require.Len(t, queue, 1)
	assert.Equal(t, "Siti", queue[0].BorrowerName)
	assert.Equal(t, http.StatusForbidden, h.do(http.MethodGet, "/admin/borrows", student, nil).Code)

	decision := map[string]string{"decision": "approve"}
	assert.Equal(t, http.StatusForbidden, h.do(http.MethodPost, "/admin/borrows/"+req.ID+"/decision", student, decision).Code)
	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodPost, "/admin/borrows/"+req.ID+"/decision", admin, map[string]string{"decision": "maybe"}).Code)

	rec = h.do(http.MethodPost, "/admin/borrows/"+req.ID+"/decision", admin, decision)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, borrow.StatusApproved, decode[borrow.Request](t, rec).Status)

	rec = h.do(http.MethodPost, "/admin/borrows/"+req.ID+"/decision", admin, decision)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "invalid_state", errorCode(t, rec))

	assert.Equal(t, http.StatusConflict, h.do(http.MethodDelete, "/borrows/"+req.ID, student, nil).Code, "approved loans cannot be cancelled")
	assert.Equal(t, http.StatusForbidden, h.do(http.MethodGet, "/borrows/"+req.ID, other, nil).Code)

	rec = h.do(http.MethodPost, "/borrows/"+req.ID+"/extension", student, map[string]string{"new_return_date": "2025-03-17"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "extension must move the date later")

	rec = h.do(http.MethodPost, "/borrows/"+req.ID+"/extension", student, map[string]string{"new_return_date": "2025-03-24"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	ext := decode[borrow.Request](t, rec)
	assert.True(t, ext.ExtendRequested)

	rec = h.do(http.MethodPost, "/admin/borrows/"+req.ID+"/decision", admin, decision)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2025-03-24", decode[borrow.Request](t, rec).ReturnDate)

	rec = h.do(http.MethodGet, "/admin/overdue?today=2025-03-30", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	overdue := decode[[]borrow.Request](t, rec)
	require.Len(t, overdue, 1)
	assert.Equal(t, 6, overdue[0].DaysOverdue)

	rec = h.do(http.MethodPost, "/books/"+bookID+"/reviews", student, map[string]interface{}{"rating": 5})
	assert.Equal(t, http.StatusConflict, rec.Code, "not returned yet")

	rec = h.do(http.MethodPost, "/borrows/"+req.ID+"/return", student, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, borrow.StatusReturned, decode[borrow.Request](t, rec).Status)

	rec = h.do(http.MethodPost, "/books/"+bookID+"/reviews", student, map[string]interface{}{"rating": 5, "review_text": "Classic"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, http.StatusConflict, h.do(http.MethodPost, "/books/"+bookID+"/reviews", student, map[string]interface{}{"rating": 4}).Code)

	rec = h.do(http.MethodGet, "/books/"+bookID+"/reviews", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]borrow.Review](t, rec), 1)

	rec = h.do(http.MethodGet, "/borrows", student, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]borrow.Request](t, rec), 1)
	assert.Equal(t, http.StatusUnauthorized, h.do(http.MethodGet, "/borrows", "", nil).Code)

	rec = h.do(http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `putralib_borrow_transitions_total{action="approve",result="ok"} 2`)
}

func TestCancelEndpoint(t *testing.T) {
	h := newMemoryHarness(t)
	admin := h.signUp("lib@upm.edu.my", "Librarian", session.RoleAdmin)
	student := h.signUp("siti@upm.edu.my", "Siti", session.RoleUser)

	rec := h.do(http.MethodPost, "/books", admin, map[string]interface{}{"title": "Dune", "author": "Frank Herbert"})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = h.do(http.MethodPost, "/borrows", student, map[string]string{
		"book_id": decode[catalog.Book](t, rec).ID, "borrow_date": "2025-03-10", "return_date": "2025-03-11",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decode[borrow.Request](t, rec).ID

	assert.Equal(t, http.StatusForbidden, h.do(http.MethodDelete, "/borrows/"+id, admin, nil).Code, "only the owner cancels")
	assert.Equal(t, http.StatusNoContent, h.do(http.MethodDelete, "/borrows/"+id, student, nil).Code)
	assert.Equal(t, http.StatusNotFound, h.do(http.MethodDelete, "/borrows/"+id, student, nil).Code)
}

func TestProfileEndpoints(t *testing.T) {
	h := newMemoryHarness(t)
	admin := h.signUp("lib@upm.edu.my", "Librarian", session.RoleAdmin)
	student := h.signUp("siti@upm.edu.my", "Siti", session.RoleUser)
	other := h.signUp("ali@upm.edu.my", "Ali", session.RoleUser)

	rec := h.do(http.MethodPatch, "/profile", student, map[string]string{"phone_number": "+60 12-345 6789"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	me := decode[profile.Profile](t, rec)
	assert.Equal(t, "+60123456789", me.PhoneNumber)

	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodPatch, "/profile", student, map[string]string{"phone_number": "call me"}).Code)
	assert.Equal(t, http.StatusUnauthorized, h.do(http.MethodPatch, "/profile", "", map[string]string{"phone_number": "0123456789"}).Code)

	rec = h.do(http.MethodGet, "/profiles/"+me.ID, other, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[profile.Profile](t, rec).PhoneNumber, "contact details are private")

	rec = h.do(http.MethodGet, "/profiles/"+me.ID, admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "+60123456789", decode[profile.Profile](t, rec).PhoneNumber)

	assert.Equal(t, http.StatusForbidden, h.do(http.MethodGet, "/admin/profiles", student, nil).Code)
	rec = h.do(http.MethodGet, "/admin/profiles", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]profile.Profile](t, rec), 3)
}

func TestRateLimit(t *testing.T) {
	h := newHarness(t, memory.New(), Options{RateLimit: 0.001, RateBurst: 2})
	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/books", "", nil).Code)
	}
	rec := h.do(http.MethodGet, "/books", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/healthz", "", nil).Code, "health checks are not limited")
}

func TestRateLimiterSweep(t *testing.T) {
	rl := newRateLimiter(1, 1)
	rl.allow("a", today)
	rl.allow("b", today.Add(9*time.Minute))
	rl.sweep(today.Add(11 * time.Minute))
	assert.Len(t, rl.limiters, 1)
}

// brokenStore fails every read with a driver-looking error.
type brokenStore struct {
	orm.Database
}

func (b brokenStore) SelectManyWithCondition(ctx context.Context, table string, c *orm.Condition) (orm.DBRecords, error) {
	return nil, errors.New(`pq: relation "books" does not exist at 10.0.0.5:5432`)
}

func (b brokenStore) Status(ctx context.Context) (orm.NodeStatusStruct, error) {
	return orm.NodeStatusStruct{}, errors.New("dial tcp 10.0.0.5:5432: connection refused")
}

func TestStoreFailuresAreSanitized(t *testing.T) {
	h := newHarness(t, brokenStore{Database: memory.New()}, Options{})

	rec := h.do(http.MethodGet, "/books?query=dune", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "unavailable", errorCode(t, rec))
	assert.False(t, strings.Contains(rec.Body.String(), "10.0.0.5"), rec.Body.String())

	rec = h.do(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.False(t, strings.Contains(rec.Body.String(), "10.0.0.5"))
}

func TestUnknownRoute(t *testing.T) {
	h := newMemoryHarness(t)
	rec := h.do(http.MethodGet, "/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", errorCode(t, rec))
	assert.Equal(t, http.StatusMethodNotAllowed, h.do(http.MethodPatch, "/books", "", nil).Code)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{borrow.Invalid("x", "bad"), http.StatusBadRequest},
		{&borrow.AuthenticationError{Reason: "who"}, http.StatusUnauthorized},
		{&borrow.AuthenticationError{Reason: "no", Forbidden: true}, http.StatusForbidden},
		{&borrow.NotFoundError{Entity: "book", ID: "1"}, http.StatusNotFound},
		{&borrow.InvalidStateError{Op: "approve", Status: borrow.StatusReturned}, http.StatusConflict},
		{&borrow.TransitionConflict{ID: "1"}, http.StatusConflict},
		{&borrow.StoreError{Op: "get", Err: errors.New("boom")}, http.StatusServiceUnavailable},
		{session.ErrEmailTaken, http.StatusConflict},
		{session.ErrInvalidToken, http.StatusUnauthorized},
		{errors.New("surprise"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		status, _ := classify(tt.err)
		assert.Equal(t, tt.status, status, "%v", tt.err)
	}
}
