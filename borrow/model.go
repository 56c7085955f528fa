package borrow

import (
	"time"

	orm "github.com/medatechnology/putralib"
	"github.com/medatechnology/putralib/schema"
)

// Request is a borrow request row plus the joined and derived fields.
type Request struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	BookID          string    `json:"book_id"`
	BorrowDate      string    `json:"borrow_date"`
	ReturnDate      string    `json:"return_date"`
	Status          Status    `json:"status"`
	ExtendRequested bool      `json:"extend_requested"`
	NewReturnDate   string    `json:"new_return_date,omitempty"`
	CreatedAt       time.Time `json:"created_at"`

	BookTitle    string `json:"book_title,omitempty"`
	BookAuthor   string `json:"book_author,omitempty"`
	BookCoverURL string `json:"book_cover_url,omitempty"`
	BorrowerName string `json:"borrower_name,omitempty"`

	Overdue     bool `json:"overdue"`
	DaysOverdue int  `json:"days_overdue"`
}

func (r Request) State() State {
	return State{Status: r.Status, ExtendRequested: r.ExtendRequested}
}

// IsOverdue: approved and the return date has passed.
func (r Request) IsOverdue(today string) bool {
	return r.Status == StatusApproved && r.ReturnDate != "" && r.ReturnDate < today
}

func (r *Request) derive(today string) {
	r.Overdue = r.IsOverdue(today)
	r.DaysOverdue = 0
	if r.Overdue {
		r.DaysOverdue = DaysBetween(r.ReturnDate, today)
	}
}

var (
	bookJoin = orm.Join{
		Table:   schema.TableBooks,
		On:      "book_id",
		Columns: []string{"title", "author", "cover_url"},
		Prefix:  "book_",
	}
	borrowerJoin = orm.Join{
		Table:   schema.TableProfiles,
		On:      "user_id",
		Columns: []string{"display_name"},
		Prefix:  "borrower_",
	}
)

func requestFromRecord(rec orm.DBRecord) (Request, error) {
	status, err := ParseStatus(rec.String("status"))
	if err != nil {
		return Request{}, err
	}
	return Request{
		ID:              rec.String("id"),
		UserID:          rec.String("user_id"),
		BookID:          rec.String("book_id"),
		BorrowDate:      rec.Date("borrow_date"),
		ReturnDate:      rec.Date("return_date"),
		Status:          status,
		ExtendRequested: rec.Bool("extend_requested"),
		NewReturnDate:   rec.Date("new_return_date"),
		CreatedAt:       rec.Time("created_at"),
		BookTitle:       rec.String(bookJoin.KeyFor("title")),
		BookAuthor:      rec.String(bookJoin.KeyFor("author")),
		BookCoverURL:    rec.String(bookJoin.KeyFor("cover_url")),
		BorrowerName:    rec.String(borrowerJoin.KeyFor("display_name")),
	}, nil
}

// Review is a rating row with the reviewer's display name.
type Review struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	BookID       string    `json:"book_id"`
	Rating       int       `json:"rating"`
	ReviewText   string    `json:"review_text,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	ReviewerName string    `json:"reviewer_name,omitempty"`
}

var reviewerJoin = orm.Join{
	Table:   schema.TableProfiles,
	On:      "user_id",
	Columns: []string{"display_name"},
	Prefix:  "reviewer_",
}

func reviewFromRecord(rec orm.DBRecord) Review {
	return Review{
		ID:           rec.String("id"),
		UserID:       rec.String("user_id"),
		BookID:       rec.String("book_id"),
		Rating:       rec.Int("rating"),
		ReviewText:   rec.String("review_text"),
		CreatedAt:    rec.Time("created_at"),
		ReviewerName: rec.String(reviewerJoin.KeyFor("display_name")),
	}
}

// Favorite is a favorited book.
type Favorite struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	BookID       string    `json:"book_id"`
	CreatedAt    time.Time `json:"created_at"`
	BookTitle    string    `json:"book_title,omitempty"`
	BookAuthor   string    `json:"book_author,omitempty"`
	BookCoverURL string    `json:"book_cover_url,omitempty"`
}

func favoriteFromRecord(rec orm.DBRecord) Favorite {
	return Favorite{
		ID:           rec.String("id"),
		UserID:       rec.String("user_id"),
		BookID:       rec.String("book_id"),
		CreatedAt:    rec.Time("created_at"),
		BookTitle:    rec.String(bookJoin.KeyFor("title")),
		BookAuthor:   rec.String(bookJoin.KeyFor("author")),
		BookCoverURL: rec.String(bookJoin.KeyFor("cover_url")),
	}
}
