// Package catalog is the book catalogue: lookup, search, genres, admin
// management, top rated books and YAML seeding.
package catalog

import (
	"context"
	"errors"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	orm "github.com/medatechnology/putralib"
	"github.com/medatechnology/putralib/borrow"
	"github.com/medatechnology/putralib/schema"
	"github.com/medatechnology/putralib/session"
)

type Book struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Author        string    `json:"author"`
	Genre         string    `json:"genre,omitempty"`
	PublishedYear int       `json:"published_year,omitempty"`
	CoverURL      string    `json:"cover_url,omitempty"`
	Description   string    `json:"description,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// BookInput is what administrators send to create or replace a book.
type BookInput struct {
	Title         string `json:"title"          yaml:"title"`
	Author        string `json:"author"         yaml:"author"`
	Genre         string `json:"genre"          yaml:"genre"`
	PublishedYear int    `json:"published_year" yaml:"published_year"`
	CoverURL      string `json:"cover_url"      yaml:"cover_url"`
	Description   string `json:"description"    yaml:"description"`
}

func (in BookInput) normalize(now time.Time) (BookInput, error) {
	in.Title = strings.TrimSpace(in.Title)
	in.Author = strings.TrimSpace(in.Author)
	in.Genre = strings.TrimSpace(in.Genre)
	in.CoverURL = strings.TrimSpace(in.CoverURL)
	in.Description = strings.TrimSpace(in.Description)
	if in.Title == "" {
		return in, borrow.Invalid("title", "is required")
	}
	if in.Author == "" {
		return in, borrow.Invalid("author", "is required")
	}
	if in.PublishedYear < 0 || in.PublishedYear > now.Year()+1 {
		return in, borrow.Invalid("published_year", "must be a year no later than %d", now.Year()+1)
	}
	if in.CoverURL != "" {
		if u, err := url.ParseRequestURI(in.CoverURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return in, borrow.Invalid("cover_url", "must be an http(s) URL")
		}
	}
	return in, nil
}

// bookRow is the stored shape of a book.
type bookRow struct {
	ID            string `db:"id"`
	Title         string `db:"title"`
	Author        string `db:"author"`
	Genre         string `db:"genre"`
	PublishedYear int    `db:"published_year"`
	CoverURL      string `db:"cover_url"`
	Description   string `db:"description"`
}

func (bookRow) TableName() string { return schema.TableBooks }

var bookColumns = []string{"id", "title", "author", "genre", "published_year", "cover_url", "description"}

// record renders every book column, nil for empty optional ones, so
// batches share one column list.
func (in BookInput) record(id string) (orm.DBRecord, error) {
	rec, err := orm.TableStructToDBRecord(bookRow{
		ID:            id,
		Title:         in.Title,
		Author:        in.Author,
		Genre:         in.Genre,
		PublishedYear: in.PublishedYear,
		CoverURL:      in.CoverURL,
		Description:   in.Description,
	})
	if err != nil {
		return orm.DBRecord{}, err
	}
	for _, col := range bookColumns {
		if _, ok := rec.Data[col]; !ok {
			rec.Data[col] = nil
		}
	}
	return rec, nil
}

func bookFromRecord(rec orm.DBRecord) Book {
	return Book{
		ID:            rec.String("id"),
		Title:         rec.String("title"),
		Author:        rec.String("author"),
		Genre:         rec.String("genre"),
		PublishedYear: rec.Int("published_year"),
		CoverURL:      rec.String("cover_url"),
		Description:   rec.String("description"),
		CreatedAt:     rec.Time("created_at"),
	}
}

type Service struct {
	db     orm.Database
	logger orm.Logger
	now    func() time.Time
}

func NewService(db orm.Database, logger orm.Logger) *Service {
	if logger == nil {
		logger = orm.GetDefaultLogger()
	}
	return &Service{db: db, logger: logger, now: time.Now}
}

func (s *Service) Get(ctx context.Context, id string) (Book, error) {
	if id == "" {
		return Book{}, &borrow.NotFoundError{Entity: "book"}
	}
	rec, err := s.db.SelectOneWithCondition(ctx, schema.TableBooks, orm.Where(orm.Eq("id", id)))
	if err != nil {
		if errors.Is(err, orm.ErrSQLNoRows) {
			return Book{}, &borrow.NotFoundError{Entity: "book", ID: id}
		}
		return Book{}, s.storeErr("get book", err)
	}
	return bookFromRecord(rec), nil
}

// Search matches term case-insensitively against title and author, and
// genre too when no genre filter is given. Results are ordered by title.
func (s *Service) Search(ctx context.Context, term, genre string) ([]Book, error) {
	term = strings.TrimSpace(term)
	genre = strings.TrimSpace(genre)

	cond := orm.Where()
	if term != "" {
		pattern := "%" + orm.EscapeLike(term) + "%"
		match := orm.AnyOf(orm.ILike("title", pattern), orm.ILike("author", pattern))
		if genre == "" {
			match.Nested = append(match.Nested, orm.ILike("genre", pattern))
		}
		cond.Nested = append(cond.Nested, match)
	}
	if genre != "" {
		cond.Nested = append(cond.Nested, orm.Eq("genre", genre))
	}
	cond.Order("title")

	records, err := s.db.SelectManyWithCondition(ctx, schema.TableBooks, cond)
	if err != nil {
		return nil, s.storeErr("search books", err)
	}
	books := make([]Book, 0, len(records))
	for _, rec := range records {
		books = append(books, bookFromRecord(rec))
	}
	return books, nil
}

// Genres lists the distinct non-empty genres, sorted.
func (s *Service) Genres(ctx context.Context) ([]string, error) {
	records, err := s.db.SelectManyWithCondition(ctx, schema.TableBooks, orm.Where().Select("genre"))
	if err != nil {
		return nil, s.storeErr("list genres", err)
	}
	seen := make(map[string]bool)
	genres := make([]string, 0)
	for _, rec := range records {
		g := strings.TrimSpace(rec.String("genre"))
		if g == "" || seen[g] {
			continue
		}
		seen[g] = true
		genres = append(genres, g)
	}
	sort.Strings(genres)
	return genres, nil
}

func (s *Service) Create(ctx context.Context, caller session.Identity, in BookInput) (Book, error) {
	if err := borrow.RequireAdmin(caller); err != nil {
		return Book{}, err
	}
	in, err := in.normalize(s.now())
	if err != nil {
		return Book{}, err
	}
	row, err := in.record(uuid.NewString())
	if err != nil {
		return Book{}, err
	}
	rec, err := s.db.InsertOneDBRecord(ctx, row)
	if err != nil {
		return Book{}, s.storeErr("create book", err)
	}
	book := bookFromRecord(rec)
	s.logger.Info("book created", orm.String("book_id", book.ID), orm.String("title", book.Title))
	return book, nil
}

// Update replaces every editable field of the book.
func (s *Service) Update(ctx context.Context, caller session.Identity, bookID string, in BookInput) (Book, error) {
	if err := borrow.RequireAdmin(caller); err != nil {
		return Book{}, err
	}
	in, err := in.normalize(s.now())
	if err != nil {
		return Book{}, err
	}
	if bookID == "" {
		return Book{}, &borrow.NotFoundError{Entity: "book"}
	}
	row, err := in.record(bookID)
	if err != nil {
		return Book{}, err
	}
	delete(row.Data, "id")
	res := s.db.UpdateWithCondition(ctx, schema.TableBooks, row.Data, orm.Where(orm.Eq("id", bookID)))
	if res.Error != nil {
		return Book{}, s.storeErr("update book", res.Error)
	}
	if res.RowsAffected == 0 {
		return Book{}, &borrow.NotFoundError{Entity: "book", ID: bookID}
	}
	return s.Get(ctx, bookID)
}

func (s *Service) Delete(ctx context.Context, caller session.Identity, bookID string) error {
	if err := borrow.RequireAdmin(caller); err != nil {
		return err
	}
	if bookID == "" {
		return &borrow.NotFoundError{Entity: "book"}
	}
	res := s.db.DeleteWithCondition(ctx, schema.TableBooks, orm.Where(orm.Eq("id", bookID)))
	if res.Error != nil {
		return s.storeErr("delete book", res.Error)
	}
	if res.RowsAffected == 0 {
		return &borrow.NotFoundError{Entity: "book", ID: bookID}
	}
	s.logger.Info("book deleted", orm.String("book_id", bookID))
	return nil
}

func (s *Service) storeErr(op string, err error) error {
	orm.LogErrorWithContext(s.logger, err, orm.String("op", op))
	return &borrow.StoreError{Op: op, Err: err}
}
