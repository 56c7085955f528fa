package borrow

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	orm "github.com/medatechnology/putralib"
	"github.com/medatechnology/putralib/schema"
	"github.com/medatechnology/putralib/session"
)

const maxReviewLength = 2000

// SubmitReview rates a book the caller has borrowed and returned. One
// review per user and book.
func (m *Manager) SubmitReview(ctx context.Context, id session.Identity, bookID string, rating int, text string) (Review, error) {
	if err := RequireUser(id); err != nil {
		return Review{}, err
	}
	if bookID == "" {
		return Review{}, Invalid("book_id", "is required")
	}
	if rating < 1 || rating > 5 {
		return Review{}, Invalid("rating", "must be between 1 and 5")
	}
	text = strings.TrimSpace(text)
	if len(text) > maxReviewLength {
		return Review{}, Invalid("review_text", "must be at most %d characters", maxReviewLength)
	}

	returned, err := m.db.SelectManyWithCondition(ctx, schema.TableBorrowRequests, orm.Where(
		orm.Eq("user_id", id.UserID),
		orm.Eq("book_id", bookID),
		orm.Eq("status", string(StatusReturned)),
	).Select("id").Page(1, 0))
	if err != nil {
		return Review{}, m.storeErr("submit review", err)
	}
	if len(returned) == 0 {
		return Review{}, &InvalidStateError{Op: "review", Err: ErrReviewNotAllowed}
	}

	existing, err := m.db.SelectManyWithCondition(ctx, schema.TableRatings, orm.Where(
		orm.Eq("user_id", id.UserID),
		orm.Eq("book_id", bookID),
	).Select("id").Page(1, 0))
	if err != nil {
		return Review{}, m.storeErr("submit review", err)
	}
	if len(existing) > 0 {
		return Review{}, &InvalidStateError{Op: "review", Err: ErrAlreadyReviewed}
	}

	data := map[string]interface{}{
		"id":          uuid.NewString(),
		"user_id":     id.UserID,
		"book_id":     bookID,
		"rating":      rating,
		"review_text": nil,
	}
	if text != "" {
		data["review_text"] = text
	}
	rec, err := m.db.InsertOneDBRecord(ctx, orm.NewDBRecord(schema.TableRatings, data))
	if err != nil {
		// lost a race with a concurrent submission
		if errors.Is(err, orm.ErrUniqueViolation) {
			return Review{}, &InvalidStateError{Op: "review", Err: ErrAlreadyReviewed}
		}
		return Review{}, m.storeErr("submit review", err)
	}
	review := reviewFromRecord(rec)
	review.ReviewerName = id.DisplayName
	return review, nil
}

// ListReviews returns a book's reviews, newest first.
func (m *Manager) ListReviews(ctx context.Context, bookID string) ([]Review, error) {
	if bookID == "" {
		return nil, Invalid("book_id", "is required")
	}
	records, err := m.db.SelectManyWithCondition(ctx, schema.TableRatings,
		orm.Where(orm.Eq("book_id", bookID)).Join(reviewerJoin).Order("created_at DESC"))
	if err != nil {
		return nil, m.storeErr("list reviews", err)
	}
	out := make([]Review, 0, len(records))
	for _, rec := range records {
		out = append(out, reviewFromRecord(rec))
	}
	return out, nil
}
