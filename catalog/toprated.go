package catalog

import (
	"context"
	"sort"

	orm "github.com/medatechnology/putralib"
	"github.com/medatechnology/putralib/schema"
)

const DefaultTopRatedLimit = 10

// RatedBook is a book with its rating aggregate.
type RatedBook struct {
	Book
	AverageRating float64 `json:"average_rating"`
	ReviewCount   int     `json:"review_count"`
}

// TopRated returns the n books with the highest average rating. Ties go to
// the book with more reviews, then to the title.
func (s *Service) TopRated(ctx context.Context, n int) ([]RatedBook, error) {
	if n <= 0 {
		n = DefaultTopRatedLimit
	}
	// the contract has no GROUP BY, ratings are aggregated here
	ratings, err := s.db.SelectManyWithCondition(ctx, schema.TableRatings, orm.Where().Select("book_id", "rating"))
	if err != nil {
		return nil, s.storeErr("top rated", err)
	}
	type aggregate struct {
		sum   float64
		count int
	}
	totals := make(map[string]*aggregate)
	for _, rec := range ratings {
		id := rec.String("book_id")
		if id == "" {
			continue
		}
		a, ok := totals[id]
		if !ok {
			a = &aggregate{}
			totals[id] = a
		}
		a.sum += rec.Float("rating")
		a.count++
	}
	if len(totals) == 0 {
		return []RatedBook{}, nil
	}

	ids := make([]interface{}, 0, len(totals))
	for id := range totals {
		ids = append(ids, id)
	}
	books, err := s.db.SelectManyWithCondition(ctx, schema.TableBooks, orm.Where(orm.In("id", ids...)))
	if err != nil {
		return nil, s.storeErr("top rated", err)
	}

	out := make([]RatedBook, 0, len(books))
	for _, rec := range books {
		b := bookFromRecord(rec)
		a := totals[b.ID]
		if a == nil {
			continue
		}
		out = append(out, RatedBook{
			Book:          b,
			AverageRating: a.sum / float64(a.count),
			ReviewCount:   a.count,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].AverageRating != out[j].AverageRating {
			return out[i].AverageRating > out[j].AverageRating
		}
		if out[i].ReviewCount != out[j].ReviewCount {
			return out[i].ReviewCount > out[j].ReviewCount
		}
		return out[i].Title < out[j].Title
	})
	if len(out) > n {
		out = out[:n]
	}
	if len(out) > 0 {
		s.logger.Debug("top rated computed",
			orm.Int("books", len(out)),
			orm.Float64("best_average", out[0].AverageRating))
	}
	return out, nil
}
