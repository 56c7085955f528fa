// Package httpapi is the REST surface over the catalogue, the borrow
// lifecycle, sessions and profiles.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	orm "github.com/medatechnology/putralib"
	"github.com/medatechnology/putralib/borrow"
	"github.com/medatechnology/putralib/catalog"
	"github.com/medatechnology/putralib/metrics"
	"github.com/medatechnology/putralib/profile"
	"github.com/medatechnology/putralib/session"
)

const (
	DefaultRateLimit = 10
	DefaultRateBurst = 20
)

// Services are the components the API exposes. Metrics is optional.
type Services struct {
	DB       orm.Database
	Auth     session.Authenticator
	Borrow   *borrow.Manager
	Catalog  *catalog.Service
	Profiles *profile.Service
	Metrics  *metrics.Metrics
}

type Options struct {
	RateLimit float64 // requests per second per client
	RateBurst int
	Logger    orm.Logger
}

type Server struct {
	db       orm.Database
	auth     session.Authenticator
	borrow   *borrow.Manager
	catalog  *catalog.Service
	profiles *profile.Service
	metrics  *metrics.Metrics
	limiter  *rateLimiter
	logger   orm.Logger
	router   *mux.Router
}

func New(svc Services, opts Options) *Server {
	if opts.RateLimit <= 0 {
		opts.RateLimit = DefaultRateLimit
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = DefaultRateBurst
	}
	if opts.Logger == nil {
		opts.Logger = orm.GetDefaultLogger()
	}
	s := &Server{
		db:       svc.DB,
		auth:     svc.Auth,
		borrow:   svc.Borrow,
		catalog:  svc.Catalog,
		profiles: svc.Profiles,
		metrics:  svc.Metrics,
		limiter:  newRateLimiter(opts.RateLimit, opts.RateBurst),
		logger:   opts.Logger.With(orm.String("component", "httpapi")),
	}
	s.router = s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]errorBody{"error": {Code: "not_found", Message: "no such route"}})
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]errorBody{"error": {Code: "method_not_allowed", Message: "method not allowed"}})
	})

	r.Use(s.recoverPanic, s.logRequests)
	if s.metrics != nil {
		r.Use(s.metrics.Middleware)
		r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}
	r.HandleFunc("/healthz", s.health).Methods(http.MethodGet)

	api := r.NewRoute().Subrouter()
	api.Use(s.authenticate, s.rateLimit)

	api.HandleFunc("/auth/signup", s.signUp).Methods(http.MethodPost)
	api.HandleFunc("/auth/signin", s.signIn).Methods(http.MethodPost)
	api.HandleFunc("/auth/signout", s.signOut).Methods(http.MethodPost)
	api.HandleFunc("/auth/me", s.me).Methods(http.MethodGet)

	// fixed paths before /books/{id}
	api.HandleFunc("/books/genres", s.genres).Methods(http.MethodGet)
	api.HandleFunc("/books/top", s.topRated).Methods(http.MethodGet)
	api.HandleFunc("/books", s.searchBooks).Methods(http.MethodGet)
	api.HandleFunc("/books", s.createBook).Methods(http.MethodPost)
	api.HandleFunc("/books/{id}", s.getBook).Methods(http.MethodGet)
	api.HandleFunc("/books/{id}", s.updateBook).Methods(http.MethodPut)
	api.HandleFunc("/books/{id}", s.deleteBook).Methods(http.MethodDelete)
	api.HandleFunc("/books/{id}/favorite", s.toggleFavorite).Methods(http.MethodPost)
	api.HandleFunc("/books/{id}/reviews", s.listReviews).Methods(http.MethodGet)
	api.HandleFunc("/books/{id}/reviews", s.submitReview).Methods(http.MethodPost)
	api.HandleFunc("/favorites", s.listFavorites).Methods(http.MethodGet)

	api.HandleFunc("/borrows", s.createBorrow).Methods(http.MethodPost)
	api.HandleFunc("/borrows", s.listBorrows).Methods(http.MethodGet)
	api.HandleFunc("/borrows/{id}", s.getBorrow).Methods(http.MethodGet)
	api.HandleFunc("/borrows/{id}", s.cancelBorrow).Methods(http.MethodDelete)
	api.HandleFunc("/borrows/{id}/extension", s.requestExtension).Methods(http.MethodPost)
	api.HandleFunc("/borrows/{id}/return", s.returnBorrow).Methods(http.MethodPost)

	api.HandleFunc("/admin/borrows", s.queue).Methods(http.MethodGet)
	api.HandleFunc("/admin/borrows/{id}/decision", s.decide).Methods(http.MethodPost)
	api.HandleFunc("/admin/overdue", s.overdue).Methods(http.MethodGet)
	api.HandleFunc("/admin/profiles", s.listProfiles).Methods(http.MethodGet)

	api.HandleFunc("/profiles/{id}", s.getProfile).Methods(http.MethodGet)
	api.HandleFunc("/profile", s.ownProfile).Methods(http.MethodGet)
	api.HandleFunc("/profile", s.updateProfile).Methods(http.MethodPatch)
	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	st, err := s.db.Status(r.Context())
	if err != nil || !s.db.IsConnected() {
		if err == nil {
			err = errors.New("store not connected")
		}
		s.logger.Warn("health check failed", orm.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"dbms":    st.DBMS,
		"version": st.Version,
		"uptime":  st.Uptime.String(),
	})
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully
// within shutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				s.limiter.sweep(now)
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", orm.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info("http server stopped")
	return nil
}
