package borrow

import (
	"context"
	"errors"

	"github.com/google/uuid"
	orm "github.com/medatechnology/putralib"
	"github.com/medatechnology/putralib/schema"
	"github.com/medatechnology/putralib/session"
)

// ToggleFavorite flips the caller's favorite on a book and returns the
// new state.
func (m *Manager) ToggleFavorite(ctx context.Context, id session.Identity, bookID string) (bool, error) {
	if err := RequireUser(id); err != nil {
		return false, err
	}
	if bookID == "" {
		return false, Invalid("book_id", "is required")
	}
	match := []orm.Condition{orm.Eq("user_id", id.UserID), orm.Eq("book_id", bookID)}

	rows, err := m.db.SelectManyWithCondition(ctx, schema.TableFavorites, orm.Where(match...).Select("id"))
	if err != nil {
		return false, m.storeErr("toggle favorite", err)
	}
	if len(rows) > 0 {
		res := m.db.DeleteWithCondition(ctx, schema.TableFavorites, orm.Where(match...))
		if res.Error != nil {
			return false, m.storeErr("toggle favorite", res.Error)
		}
		m.logger.Debug("favorite toggled", orm.String("user_id", id.UserID), orm.String("book_id", bookID), orm.Bool("favorite", false))
		return false, nil
	}

	if _, err := m.db.SelectOneWithCondition(ctx, schema.TableBooks, orm.Where(orm.Eq("id", bookID)).Select("id")); err != nil {
		if errors.Is(err, orm.ErrSQLNoRows) {
			return false, Invalid("book_id", "book does not exist")
		}
		return false, m.storeErr("toggle favorite", err)
	}
	_, err = m.db.InsertOneDBRecord(ctx, orm.NewDBRecord(schema.TableFavorites, map[string]interface{}{
		"id":      uuid.NewString(),
		"user_id": id.UserID,
		"book_id": bookID,
	}))
	if err != nil && !errors.Is(err, orm.ErrUniqueViolation) {
		return false, m.storeErr("toggle favorite", err)
	}
	m.logger.Debug("favorite toggled", orm.String("user_id", id.UserID), orm.String("book_id", bookID), orm.Bool("favorite", true))
	return true, nil
}

// IsFavorite reports whether the caller has favorited the book.
func (m *Manager) IsFavorite(ctx context.Context, id session.Identity, bookID string) (bool, error) {
	if !id.IsAuthenticated() {
		return false, nil
	}
	rows, err := m.db.SelectManyWithCondition(ctx, schema.TableFavorites,
		orm.Where(orm.Eq("user_id", id.UserID), orm.Eq("book_id", bookID)).Select("id"))
	if err != nil {
		return false, m.storeErr("favorite lookup", err)
	}
	return len(rows) > 0, nil
}

// ListFavorites returns the caller's favorites, newest first.
func (m *Manager) ListFavorites(ctx context.Context, id session.Identity) ([]Favorite, error) {
	if err := RequireUser(id); err != nil {
		return nil, err
	}
	records, err := m.db.SelectManyWithCondition(ctx, schema.TableFavorites,
		orm.Where(orm.Eq("user_id", id.UserID)).Join(bookJoin).Order("created_at DESC"))
	if err != nil {
		return nil, m.storeErr("list favorites", err)
	}
	out := make([]Favorite, 0, len(records))
	for _, rec := range records {
		out = append(out, favoriteFromRecord(rec))
	}
	return out, nil
}
