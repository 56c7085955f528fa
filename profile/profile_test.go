package profile

import (
	"context"
	"testing"

	orm "github.com/medatechnology/putralib"
	"github.com/medatechnology/putralib/borrow"
	"github.com/medatechnology/putralib/memory"
	"github.com/medatechnology/putralib/schema"
	"github.com/medatechnology/putralib/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	siti  = session.Identity{UserID: "u-siti", DisplayName: "Siti", Role: session.RoleUser}
	admin = session.Identity{UserID: "u-admin", DisplayName: "Librarian", Role: session.RoleAdmin}
)

func newService(t *testing.T) *Service {
	t.Helper()
	db := memory.New()
	for _, id := range []session.Identity{siti, admin} {
		_, err := db.InsertOneDBRecord(context.Background(), orm.NewDBRecord(schema.TableProfiles, map[string]interface{}{
			"id": id.UserID, "display_name": id.DisplayName, "role": string(id.Role), "email": id.UserID + "@upm.edu.my",
		}))
		require.NoError(t, err)
	}
	return NewService(db, orm.NewNoopLogger())
}

func TestGet(t *testing.T) {
	s := newService(t)
	p, err := s.Get(context.Background(), "u-admin")
	require.NoError(t, err)
	assert.Equal(t, session.RoleAdmin, p.Role)
	assert.Equal(t, "Librarian", p.DisplayName)
	assert.Empty(t, p.Public().Email)

	_, err = s.Get(context.Background(), "u-nobody")
	assert.True(t, borrow.IsNotFound(err))
}

func TestUpdatePhone(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	valid := map[string]string{
		"+60 12-345 6789": "+60123456789",
		"0123456789":      "0123456789",
	}
	for in, expected := range valid {
		p, err := s.UpdatePhone(ctx, siti, in)
		require.NoError(t, err, in)
		assert.Equal(t, expected, p.PhoneNumber)
	}

	for _, in := range []string{"12ab345678", "++60123456", "123", "+1234567890123456"} {
		_, err := s.UpdatePhone(ctx, siti, in)
		assert.True(t, borrow.IsValidation(err), in)
	}

	p, err := s.UpdatePhone(ctx, siti, "  ")
	require.NoError(t, err)
	assert.Empty(t, p.PhoneNumber, "blank clears the number")

	_, err = s.UpdatePhone(ctx, session.Identity{}, "0123456789")
	assert.True(t, borrow.IsAuthentication(err))

	other, err := s.Get(ctx, "u-admin")
	require.NoError(t, err)
	assert.Empty(t, other.PhoneNumber, "only the caller's row changes")
}

func TestList(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	_, err := s.List(ctx, siti)
	assert.True(t, borrow.IsForbidden(err))

	all, err := s.List(ctx, admin)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "Librarian", all[0].DisplayName)
	assert.Equal(t, "Siti", all[1].DisplayName)
}
