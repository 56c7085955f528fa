package catalog

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	orm "github.com/medatechnology/putralib"
	"github.com/medatechnology/putralib/borrow"
	"github.com/medatechnology/putralib/memory"
	"github.com/medatechnology/putralib/schema"
	"github.com/medatechnology/putralib/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	admin   = session.Identity{UserID: "u-admin", DisplayName: "Librarian", Role: session.RoleAdmin}
	student = session.Identity{UserID: "u-siti", DisplayName: "Siti", Role: session.RoleUser}
)

const seedYAML = `
books:
  - title: Dune
    author: Frank Herbert
    genre: Science Fiction
    published_year: 1965
  - title: Neuromancer
    author: William Gibson
    genre: Science Fiction
  - title: Sejarah Melayu
    author: Tun Sri Lanang
    genre: History
  - title: The Go Programming Language
    author: Alan Donovan
`

func newService(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	db := memory.New(memory.WithUniqueKeys(schema.UniqueKeys()))
	s := NewService(db, orm.NewNoopLogger())
	s.now = func() time.Time { return time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC) }
	n, err := s.Seed(context.Background(), strings.NewReader(seedYAML))
	require.NoError(t, err)
	require.Equal(t, 4, n)
	return s, db
}

func titles(books []Book) []string {
	out := make([]string, 0, len(books))
	for _, b := range books {
		out = append(out, b.Title)
	}
	return out
}

func TestSearch(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		term     string
		genre    string
		expected []string
	}{
		{"everything", "", "", []string{"Dune", "Neuromancer", "Sejarah Melayu", "The Go Programming Language"}},
		{"title case-insensitive", "dUNE", "", []string{"Dune"}},
		{"author", "gibson", "", []string{"Neuromancer"}},
		{"genre matched by term", "history", "", []string{"Sejarah Melayu"}},
		{"genre filter", "", "Science Fiction", []string{"Dune", "Neuromancer"}},
		{"term within genre", "neuro", "Science Fiction", []string{"Neuromancer"}},
		{"genre filter disables genre term match", "history", "Science Fiction", []string{}},
		{"no match", "tolkien", "", []string{}},
		{"percent is literal", "%", "", []string{}},
		{"underscore is literal", "D_ne", "", []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			books, err := s.Search(ctx, tt.term, tt.genre)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, titles(books))
		})
	}
}

func TestGenres(t *testing.T) {
	s, _ := newService(t)
	genres, err := s.Genres(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"History", "Science Fiction"}, genres)
}

func TestAdminManagement(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()

	_, err := s.Create(ctx, session.Identity{}, BookInput{Title: "X", Author: "Y"})
	assert.True(t, borrow.IsAuthentication(err))
	_, err = s.Create(ctx, student, BookInput{Title: "X", Author: "Y"})
	assert.True(t, borrow.IsForbidden(err))

	invalid := []BookInput{
		{Author: "Y"},
		{Title: "X", Author: "  "},
		{Title: "X", Author: "Y", PublishedYear: 2100},
		{Title: "X", Author: "Y", CoverURL: "not a url"},
		{Title: "X", Author: "Y", CoverURL: "ftp://covers/x.png"},
	}
	for i, in := range invalid {
		_, err := s.Create(ctx, admin, in)
		assert.True(t, borrow.IsValidation(err), "input %d: %v", i, err)
	}

	book, err := s.Create(ctx, admin, BookInput{
		Title: " Laskar Pelangi ", Author: "Andrea Hirata", Genre: "Fiction",
		PublishedYear: 2005, CoverURL: "https://covers.example/laskar.jpg",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, book.ID)
	assert.Equal(t, "Laskar Pelangi", book.Title)

	got, err := s.Get(ctx, book.ID)
	require.NoError(t, err)
	assert.Equal(t, 2005, got.PublishedYear)
	assert.Equal(t, "https://covers.example/laskar.jpg", got.CoverURL)

	updated, err := s.Update(ctx, admin, book.ID, BookInput{Title: "Laskar Pelangi", Author: "Andrea Hirata"})
	require.NoError(t, err)
	assert.Empty(t, updated.Genre, "update replaces every field")
	assert.Zero(t, updated.PublishedYear)

	_, err = s.Update(ctx, student, book.ID, BookInput{Title: "A", Author: "B"})
	assert.True(t, borrow.IsForbidden(err))
	_, err = s.Update(ctx, admin, "b-missing", BookInput{Title: "A", Author: "B"})
	assert.True(t, borrow.IsNotFound(err))

	require.NoError(t, s.Delete(ctx, admin, book.ID))
	_, err = s.Get(ctx, book.ID)
	assert.True(t, borrow.IsNotFound(err))
	assert.True(t, borrow.IsNotFound(s.Delete(ctx, admin, book.ID)))
}

func TestTopRated(t *testing.T) {
	s, db := newService(t)
	ctx := context.Background()

	empty, err := s.TopRated(ctx, 5)
	require.NoError(t, err)
	assert.Empty(t, empty)

	ids := map[string]string{}
	books, err := s.Search(ctx, "", "")
	require.NoError(t, err)
	for _, b := range books {
		ids[b.Title] = b.ID
	}
	rate := func(user, title string, rating int) {
		_, err := db.InsertOneDBRecord(ctx, orm.NewDBRecord(schema.TableRatings, map[string]interface{}{
			"user_id": user, "book_id": ids[title], "rating": rating,
		}))
		require.NoError(t, err)
	}
	rate("u1", "Dune", 5)
	rate("u2", "Dune", 4)
	rate("u1", "Neuromancer", 5)
	rate("u2", "Neuromancer", 4)
	rate("u3", "Neuromancer", 4)
	rate("u1", "Sejarah Melayu", 5)
	rate("u2", "Sejarah Melayu", 4)

	top, err := s.TopRated(ctx, 0)
	require.NoError(t, err)
	require.Len(t, top, 3)
	// Dune and Sejarah Melayu tie on 4.5 with two reviews each
	assert.Equal(t, "Dune", top[0].Title)
	assert.InDelta(t, 4.5, top[0].AverageRating, 0.001)
	assert.Equal(t, 2, top[0].ReviewCount)
	assert.Equal(t, "Sejarah Melayu", top[1].Title)
	assert.Equal(t, "Neuromancer", top[2].Title)
	assert.Equal(t, 3, top[2].ReviewCount)

	top, err = s.TopRated(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, top, 1)
}

func TestSeedRejectsInvalidFile(t *testing.T) {
	s := NewService(memory.New(), orm.NewNoopLogger())
	ctx := context.Background()

	_, err := s.Seed(ctx, strings.NewReader("books:\n  - title: Orphan\n"))
	assert.True(t, borrow.IsValidation(err))

	_, err = s.Seed(ctx, strings.NewReader("books:\n  - title: X\n    writer: Y\n"))
	assert.Error(t, err, "unknown fields are refused")

	n, err := s.Seed(ctx, strings.NewReader(""))
	require.NoError(t, err)
	assert.Zero(t, n)

	books, err := s.Search(ctx, "", "")
	require.NoError(t, err)
	assert.Empty(t, books)
}

func TestSeedFile(t *testing.T) {
	s := NewService(memory.New(), orm.NewNoopLogger())
	path := filepath.Join(t.TempDir(), "books.yaml")
	require.NoError(t, os.WriteFile(path, []byte(seedYAML), 0o600))

	n, err := s.SeedFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	_, err = s.SeedFile(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
