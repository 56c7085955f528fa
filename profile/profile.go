// Package profile reads and edits user profiles.
package profile

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	orm "github.com/medatechnology/putralib"
	"github.com/medatechnology/putralib/borrow"
	"github.com/medatechnology/putralib/schema"
	"github.com/medatechnology/putralib/session"
)

var phonePattern = regexp.MustCompile(`^\+?[0-9]{7,15}$`)

type Profile struct {
	ID          string       `json:"id"`
	DisplayName string       `json:"display_name"`
	Role        session.Role `json:"role"`
	PhoneNumber string       `json:"phone_number,omitempty"`
	Email       string       `json:"email,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

func fromRecord(rec orm.DBRecord) Profile {
	role, _ := session.ParseRole(rec.String("role"))
	return Profile{
		ID:          rec.String("id"),
		DisplayName: rec.String("display_name"),
		Role:        role,
		PhoneNumber: rec.String("phone_number"),
		Email:       rec.String("email"),
		CreatedAt:   rec.Time("created_at"),
	}
}

// Public drops contact details.
func (p Profile) Public() Profile {
	p.PhoneNumber = ""
	p.Email = ""
	return p
}

type Service struct {
	db     orm.Database
	logger orm.Logger
}

func NewService(db orm.Database, logger orm.Logger) *Service {
	if logger == nil {
		logger = orm.GetDefaultLogger()
	}
	return &Service{db: db, logger: logger}
}

func (s *Service) Get(ctx context.Context, id string) (Profile, error) {
	if id == "" {
		return Profile{}, &borrow.NotFoundError{Entity: "profile"}
	}
	rec, err := s.db.SelectOneWithCondition(ctx, schema.TableProfiles, orm.Where(orm.Eq("id", id)))
	if err != nil {
		if errors.Is(err, orm.ErrSQLNoRows) {
			return Profile{}, &borrow.NotFoundError{Entity: "profile", ID: id}
		}
		return Profile{}, s.storeErr("get profile", err)
	}
	return fromRecord(rec), nil
}

// UpdatePhone sets the caller's own phone number. Spaces and dashes are
// stripped; an empty value clears it.
func (s *Service) UpdatePhone(ctx context.Context, caller session.Identity, phone string) (Profile, error) {
	if err := borrow.RequireUser(caller); err != nil {
		return Profile{}, err
	}
	phone = strings.NewReplacer(" ", "", "-", "").Replace(strings.TrimSpace(phone))
	var value interface{}
	if phone != "" {
		if !phonePattern.MatchString(phone) {
			return Profile{}, borrow.Invalid("phone_number", "must be 7 to 15 digits with an optional leading +")
		}
		value = phone
	}

	res := s.db.UpdateWithCondition(ctx, schema.TableProfiles,
		map[string]interface{}{"phone_number": value},
		orm.Where(orm.Eq("id", caller.UserID)))
	if res.Error != nil {
		return Profile{}, s.storeErr("update phone", res.Error)
	}
	if res.RowsAffected == 0 {
		return Profile{}, &borrow.NotFoundError{Entity: "profile", ID: caller.UserID}
	}
	return s.Get(ctx, caller.UserID)
}

// List returns every profile for administrators, ordered by display name.
func (s *Service) List(ctx context.Context, caller session.Identity) ([]Profile, error) {
	if err := borrow.RequireAdmin(caller); err != nil {
		return nil, err
	}
	records, err := s.db.SelectManyWithCondition(ctx, schema.TableProfiles, orm.Where().Order("display_name", "id"))
	if err != nil {
		return nil, s.storeErr("list profiles", err)
	}
	out := make([]Profile, 0, len(records))
	for _, rec := range records {
		out = append(out, fromRecord(rec))
	}
	return out, nil
}

func (s *Service) storeErr(op string, err error) error {
	orm.LogErrorWithContext(s.logger, err, orm.String("op", op))
	return &borrow.StoreError{Op: op, Err: err}
}
