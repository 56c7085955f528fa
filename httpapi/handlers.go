package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/medatechnology/putralib/borrow"
	"github.com/medatechnology/putralib/catalog"
	"github.com/medatechnology/putralib/session"
)

// auth

func (s *Server) signUp(w http.ResponseWriter, r *http.Request) {
	var req session.SignUpRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	role, err := session.ParseRole(string(req.Role))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	req.Role = role
	// self-service accounts are always plain users
	if role == session.RoleAdmin && !Caller(r.Context()).IsAdmin() {
		s.writeError(w, r, &borrow.AuthenticationError{Reason: "only administrators can create administrators", Forbidden: true})
		return
	}
	tok, err := s.auth.SignUp(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tok)
}

func (s *Server) signIn(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	tok, err := s.auth.SignIn(r.Context(), body.Email, body.Password)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tok)
}

func (s *Server) signOut(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r.Context())
	if token == "" {
		s.writeError(w, r, session.ErrNotAuthenticated)
		return
	}
	if err := s.auth.SignOut(r.Context(), token); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) me(w http.ResponseWriter, r *http.Request) {
	id := Caller(r.Context())
	if err := borrow.RequireUser(id); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, id)
}

// books

func (s *Server) searchBooks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	books, err := s.catalog.Search(r.Context(), q.Get("query"), q.Get("genre"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, books)
}

func (s *Server) genres(w http.ResponseWriter, r *http.Request) {
	genres, err := s.catalog.Genres(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, genres)
}

func (s *Server) topRated(w http.ResponseWriter, r *http.Request) {
	limit := catalog.DefaultTopRatedLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 100 {
			s.writeError(w, r, borrow.Invalid("limit", "must be a number between 1 and 100"))
			return
		}
		limit = n
	}
	books, err := s.catalog.TopRated(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, books)
}

func (s *Server) getBook(w http.ResponseWriter, r *http.Request) {
	book, err := s.catalog.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

func (s *Server) createBook(w http.ResponseWriter, r *http.Request) {
	caller := Caller(r.Context())
	if err := borrow.RequireAdmin(caller); err != nil {
		s.writeError(w, r, err)
		return
	}
	var in catalog.BookInput
	if err := decodeJSON(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	book, err := s.catalog.Create(r.Context(), caller, in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, book)
}

func (s *Server) updateBook(w http.ResponseWriter, r *http.Request) {
	caller := Caller(r.Context())
	if err := borrow.RequireAdmin(caller); err != nil {
		s.writeError(w, r, err)
		return
	}
	var in catalog.BookInput
	if err := decodeJSON(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	book, err := s.catalog.Update(r.Context(), caller, mux.Vars(r)["id"], in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

func (s *Server) deleteBook(w http.ResponseWriter, r *http.Request) {
	if err := s.catalog.Delete(r.Context(), Caller(r.Context()), mux.Vars(r)["id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) toggleFavorite(w http.ResponseWriter, r *http.Request) {
	fav, err := s.borrow.ToggleFavorite(r.Context(), Caller(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"favorite": fav})
}

func (s *Server) listFavorites(w http.ResponseWriter, r *http.Request) {
	favs, err := s.borrow.ListFavorites(r.Context(), Caller(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, favs)
}

func (s *Server) listReviews(w http.ResponseWriter, r *http.Request) {
	reviews, err := s.borrow.ListReviews(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reviews)
}

func (s *Server) submitReview(w http.ResponseWriter, r *http.Request) {
	caller := Caller(r.Context())
	if err := borrow.RequireUser(caller); err != nil {
		s.writeError(w, r, err)
		return
	}
	var body struct {
		Rating     int    `json:"rating"`
		ReviewText string `json:"review_text"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	review, err := s.borrow.SubmitReview(r.Context(), caller, mux.Vars(r)["id"], body.Rating, body.ReviewText)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, review)
}

// borrows

func (s *Server) createBorrow(w http.ResponseWriter, r *http.Request) {
	caller := Caller(r.Context())
	if err := borrow.RequireUser(caller); err != nil {
		s.writeError(w, r, err)
		return
	}
	var body struct {
		BookID     string `json:"book_id"`
		BorrowDate string `json:"borrow_date"`
		ReturnDate string `json:"return_date"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	req, err := s.borrow.CreateRequest(r.Context(), caller, body.BookID, body.BorrowDate, body.ReturnDate)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (s *Server) listBorrows(w http.ResponseWriter, r *http.Request) {
	reqs, err := s.borrow.ListForUser(r.Context(), Caller(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reqs)
}

func (s *Server) getBorrow(w http.ResponseWriter, r *http.Request) {
	req, err := s.borrow.Get(r.Context(), Caller(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) cancelBorrow(w http.ResponseWriter, r *http.Request) {
	if err := s.borrow.Cancel(r.Context(), Caller(r.Context()), mux.Vars(r)["id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) requestExtension(w http.ResponseWriter, r *http.Request) {
	caller := Caller(r.Context())
	if err := borrow.RequireUser(caller); err != nil {
		s.writeError(w, r, err)
		return
	}
	var body struct {
		NewReturnDate string `json:"new_return_date"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	req, err := s.borrow.RequestExtension(r.Context(), caller, mux.Vars(r)["id"], body.NewReturnDate)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) returnBorrow(w http.ResponseWriter, r *http.Request) {
	req, err := s.borrow.Return(r.Context(), Caller(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// admin

func (s *Server) queue(w http.ResponseWriter, r *http.Request) {
	reqs, err := s.borrow.ListQueue(r.Context(), Caller(r.Context()), r.URL.Query().Get("status"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reqs)
}

func (s *Server) decide(w http.ResponseWriter, r *http.Request) {
	caller := Caller(r.Context())
	if err := borrow.RequireAdmin(caller); err != nil {
		s.writeError(w, r, err)
		return
	}
	var body struct {
		Decision string `json:"decision"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	req, err := s.borrow.Decide(r.Context(), caller, mux.Vars(r)["id"], borrow.Action(body.Decision))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) overdue(w http.ResponseWriter, r *http.Request) {
	reqs, err := s.borrow.ListOverdue(r.Context(), Caller(r.Context()), r.URL.Query().Get("today"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reqs)
}

// profiles

func (s *Server) listProfiles(w http.ResponseWriter, r *http.Request) {
	profiles, err := s.profiles.List(r.Context(), Caller(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, profiles)
}

func (s *Server) getProfile(w http.ResponseWriter, r *http.Request) {
	p, err := s.profiles.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	caller := Caller(r.Context())
	if caller.UserID != p.ID && !caller.IsAdmin() {
		p = p.Public()
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) ownProfile(w http.ResponseWriter, r *http.Request) {
	caller := Caller(r.Context())
	if err := borrow.RequireUser(caller); err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := s.profiles.Get(r.Context(), caller.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) updateProfile(w http.ResponseWriter, r *http.Request) {
	caller := Caller(r.Context())
	if err := borrow.RequireUser(caller); err != nil {
		s.writeError(w, r, err)
		return
	}
	var body struct {
		PhoneNumber string `json:"phone_number"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := s.profiles.UpdatePhone(r.Context(), caller, body.PhoneNumber)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}
