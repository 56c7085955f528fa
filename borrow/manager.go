// Package borrow is the borrow-request lifecycle: creation, admin
// decisions, extensions, cancellation and returns, plus the favorites and
// reviews that hang off a user's loans.
//
// Every transition is one conditional write on (id, status,
// extend_requested). If the row changed since it was read the write
// matches nothing and the caller gets a TransitionConflict.
package borrow

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	orm "github.com/medatechnology/putralib"
	"github.com/medatechnology/putralib/schema"
	"github.com/medatechnology/putralib/session"
)

// Observer is told about every attempted transition; result is "ok" or
// the error class.
type Observer interface {
	ObserveTransition(action Action, result string)
}

type Option func(*Manager)

func WithClock(c Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithLocation sets the time zone that decides what "today" is.
func WithLocation(loc *time.Location) Option {
	return func(m *Manager) { m.loc = loc }
}

func WithLogger(l orm.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observer = o }
}

type Manager struct {
	db       orm.Database
	clock    Clock
	loc      *time.Location
	logger   orm.Logger
	observer Observer
}

func NewManager(db orm.Database, opts ...Option) *Manager {
	m := &Manager{
		db:     db,
		clock:  ClockFunc(time.Now),
		loc:    time.Local,
		logger: orm.GetDefaultLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Today is the civil date used for validation and overdue checks.
func (m *Manager) Today() string {
	return Today(m.clock, m.loc)
}

// RequireUser fails with an AuthenticationError for anonymous callers.
func RequireUser(id session.Identity) error {
	if !id.IsAuthenticated() {
		return &AuthenticationError{Reason: "sign in required"}
	}
	return nil
}

// RequireAdmin also rejects signed-in users without the admin role.
func RequireAdmin(id session.Identity) error {
	if err := RequireUser(id); err != nil {
		return err
	}
	if !id.IsAdmin() {
		return &AuthenticationError{Reason: "administrator role required", Forbidden: true}
	}
	return nil
}

// CreateRequest records a pending request for bookID.
func (m *Manager) CreateRequest(ctx context.Context, id session.Identity, bookID, borrowDate, returnDate string) (Request, error) {
	req, err := m.createRequest(ctx, id, bookID, borrowDate, returnDate)
	m.observe(ActionCreate, err)
	return req, err
}

func (m *Manager) createRequest(ctx context.Context, id session.Identity, bookID, borrowDate, returnDate string) (Request, error) {
	if err := RequireUser(id); err != nil {
		return Request{}, err
	}
	from, err := ParseDate("borrow_date", borrowDate)
	if err != nil {
		return Request{}, err
	}
	to, err := ParseDate("return_date", returnDate)
	if err != nil {
		return Request{}, err
	}
	if to < from {
		return Request{}, Invalid("return_date", "must not be before the borrow date")
	}
	today := m.Today()
	if from < today {
		return Request{}, Invalid("borrow_date", "cannot be in the past")
	}
	if bookID == "" {
		return Request{}, Invalid("book_id", "is required")
	}
	if _, err := m.db.SelectOneWithCondition(ctx, schema.TableBooks, orm.Where(orm.Eq("id", bookID)).Select("id")); err != nil {
		if errors.Is(err, orm.ErrSQLNoRows) {
			return Request{}, Invalid("book_id", "book does not exist")
		}
		return Request{}, m.storeErr("create request", err)
	}

	rec, err := m.db.InsertOneDBRecord(ctx, orm.NewDBRecord(schema.TableBorrowRequests, map[string]interface{}{
		"id":               uuid.NewString(),
		"user_id":          id.UserID,
		"book_id":          bookID,
		"borrow_date":      from,
		"return_date":      to,
		"status":           string(StatusPending),
		"extend_requested": false,
		"new_return_date":  nil,
	}))
	if err != nil {
		return Request{}, m.storeErr("create request", err)
	}
	req, err := requestFromRecord(rec)
	if err != nil {
		return Request{}, m.storeErr("create request", err)
	}
	req.derive(today)
	m.logger.Info("borrow request created",
		orm.String("request_id", req.ID),
		orm.String("user_id", req.UserID),
		orm.String("book_id", req.BookID))
	return req, nil
}

// Decide approves or rejects a pending request, whether a new loan or an
// extension. Administrators only.
func (m *Manager) Decide(ctx context.Context, id session.Identity, requestID string, decision Action) (Request, error) {
	if decision != ActionApprove && decision != ActionReject {
		return Request{}, Invalid("decision", "must be approve or reject")
	}
	if err := RequireAdmin(id); err != nil {
		m.observe(decision, err)
		return Request{}, err
	}
	req, err := m.load(ctx, requestID)
	if err != nil {
		m.observe(decision, err)
		return Request{}, err
	}
	out, err := m.apply(ctx, req, decision, nil)
	m.observe(decision, err)
	return out, err
}

func (m *Manager) Approve(ctx context.Context, id session.Identity, requestID string) (Request, error) {
	return m.Decide(ctx, id, requestID, ActionApprove)
}

func (m *Manager) Reject(ctx context.Context, id session.Identity, requestID string) (Request, error) {
	return m.Decide(ctx, id, requestID, ActionReject)
}

// RequestExtension asks to move the return date of an approved loan. The
// proposed date must be today or later and after the current return date.
func (m *Manager) RequestExtension(ctx context.Context, id session.Identity, requestID, proposed string) (Request, error) {
	out, err := m.requestExtension(ctx, id, requestID, proposed)
	m.observe(ActionRequestExtension, err)
	return out, err
}

func (m *Manager) requestExtension(ctx context.Context, id session.Identity, requestID, proposed string) (Request, error) {
	if err := RequireUser(id); err != nil {
		return Request{}, err
	}
	req, err := m.loadOwned(ctx, id, requestID, false)
	if err != nil {
		return Request{}, err
	}
	if _, err := Next(req.State(), ActionRequestExtension); err != nil {
		return Request{}, err
	}
	date, err := ParseDate("new_return_date", proposed)
	if err != nil {
		return Request{}, err
	}
	if date < m.Today() {
		return Request{}, Invalid("new_return_date", "cannot be in the past")
	}
	if date <= req.ReturnDate {
		return Request{}, Invalid("new_return_date", "must be later than the current return date %s", req.ReturnDate)
	}
	return m.apply(ctx, req, ActionRequestExtension, map[string]interface{}{"new_return_date": date})
}

// Cancel deletes the caller's own pending request. A pending extension
// cannot be cancelled this way since the loan itself is active.
func (m *Manager) Cancel(ctx context.Context, id session.Identity, requestID string) error {
	err := m.cancel(ctx, id, requestID)
	m.observe(ActionCancel, err)
	return err
}

func (m *Manager) cancel(ctx context.Context, id session.Identity, requestID string) error {
	if err := RequireUser(id); err != nil {
		return err
	}
	req, err := m.loadOwned(ctx, id, requestID, false)
	if err != nil {
		return err
	}
	if _, err := Next(req.State(), ActionCancel); err != nil {
		return err
	}
	res := m.db.DeleteWithCondition(ctx, schema.TableBorrowRequests, casCondition(req))
	if res.Error != nil {
		return m.storeErr("cancel request", res.Error)
	}
	if res.RowsAffected == 0 {
		return m.conflictOrMissing(ctx, req)
	}
	m.logger.Info("borrow request cancelled", orm.String("request_id", req.ID))
	return nil
}

// Return closes an approved loan. The owner or an administrator may do it.
func (m *Manager) Return(ctx context.Context, id session.Identity, requestID string) (Request, error) {
	out, err := m.returnBook(ctx, id, requestID)
	m.observe(ActionReturn, err)
	return out, err
}

func (m *Manager) returnBook(ctx context.Context, id session.Identity, requestID string) (Request, error) {
	if err := RequireUser(id); err != nil {
		return Request{}, err
	}
	req, err := m.loadOwned(ctx, id, requestID, true)
	if err != nil {
		return Request{}, err
	}
	return m.apply(ctx, req, ActionReturn, nil)
}

// apply runs Next and writes its outcome with a compare-and-swap update.
func (m *Manager) apply(ctx context.Context, req Request, action Action, extra map[string]interface{}) (Request, error) {
	outcome, err := Next(req.State(), action)
	if err != nil {
		return Request{}, err
	}
	patch := map[string]interface{}{
		"status":           string(outcome.Next.Status),
		"extend_requested": outcome.Next.ExtendRequested,
	}
	if outcome.ApplyExtension {
		if req.NewReturnDate == "" {
			return Request{}, &InvalidStateError{Op: string(action), Status: req.Status, ExtendRequested: true,
				Err: errors.New("extension has no proposed date")}
		}
		patch["return_date"] = req.NewReturnDate
	}
	if outcome.DiscardExtension {
		patch["new_return_date"] = nil
	}
	for k, v := range extra {
		patch[k] = v
	}

	res := m.db.UpdateWithCondition(ctx, schema.TableBorrowRequests, patch, casCondition(req))
	if res.Error != nil {
		return Request{}, m.storeErr(string(action), res.Error)
	}
	if res.RowsAffected == 0 {
		return Request{}, m.conflictOrMissing(ctx, req)
	}
	m.logger.Info("borrow request transition",
		orm.String("request_id", req.ID),
		orm.String("action", string(action)),
		orm.String("from", req.State().String()),
		orm.String("to", outcome.Next.String()))

	updated, err := m.load(ctx, req.ID)
	if err != nil {
		return Request{}, err
	}
	return updated, nil
}

func casCondition(req Request) *orm.Condition {
	return orm.Where(
		orm.Eq("id", req.ID),
		orm.Eq("status", string(req.Status)),
		orm.Eq("extend_requested", req.ExtendRequested),
	)
}

func (m *Manager) conflictOrMissing(ctx context.Context, req Request) error {
	_, err := m.db.SelectOneWithCondition(ctx, schema.TableBorrowRequests, orm.Where(orm.Eq("id", req.ID)).Select("id"))
	switch {
	case errors.Is(err, orm.ErrSQLNoRows):
		return &NotFoundError{Entity: "borrow request", ID: req.ID}
	case err != nil:
		return m.storeErr("reload request", err)
	}
	return &TransitionConflict{ID: req.ID, Expected: req.State()}
}

// Get returns one request. Only its owner or an administrator may see it.
func (m *Manager) Get(ctx context.Context, id session.Identity, requestID string) (Request, error) {
	if err := RequireUser(id); err != nil {
		return Request{}, err
	}
	return m.loadOwned(ctx, id, requestID, true)
}

func (m *Manager) load(ctx context.Context, requestID string) (Request, error) {
	if requestID == "" {
		return Request{}, &NotFoundError{Entity: "borrow request"}
	}
	cond := orm.Where(orm.Eq("id", requestID)).Join(bookJoin).Join(borrowerJoin)
	rec, err := m.db.SelectOneWithCondition(ctx, schema.TableBorrowRequests, cond)
	if err != nil {
		if errors.Is(err, orm.ErrSQLNoRows) {
			return Request{}, &NotFoundError{Entity: "borrow request", ID: requestID}
		}
		return Request{}, m.storeErr("load request", err)
	}
	req, err := requestFromRecord(rec)
	if err != nil {
		return Request{}, m.storeErr("load request", err)
	}
	req.derive(m.Today())
	return req, nil
}

// loadOwned loads a request the caller owns. Other users' requests look
// missing unless adminAllowed and the caller is an administrator.
func (m *Manager) loadOwned(ctx context.Context, id session.Identity, requestID string, adminAllowed bool) (Request, error) {
	req, err := m.load(ctx, requestID)
	if err != nil {
		return Request{}, err
	}
	if req.UserID == id.UserID || (adminAllowed && id.IsAdmin()) {
		return req, nil
	}
	return Request{}, &AuthenticationError{Reason: "not your borrow request", Forbidden: true}
}

// ListForUser returns the caller's requests, newest first.
func (m *Manager) ListForUser(ctx context.Context, id session.Identity) ([]Request, error) {
	if err := RequireUser(id); err != nil {
		return nil, err
	}
	cond := orm.Where(orm.Eq("user_id", id.UserID)).Join(bookJoin).Order("created_at DESC", "borrow_date DESC")
	return m.list(ctx, "list requests", cond, m.Today())
}

// ListQueue is the admin approval queue, oldest first. An empty status
// lists every request.
func (m *Manager) ListQueue(ctx context.Context, id session.Identity, status string) ([]Request, error) {
	if err := RequireAdmin(id); err != nil {
		return nil, err
	}
	cond := orm.Where()
	if status != "" {
		st, err := ParseStatus(status)
		if err != nil {
			return nil, err
		}
		cond = orm.Where(orm.Eq("status", string(st)))
	}
	cond.Join(bookJoin).Join(borrowerJoin).Order("created_at")
	return m.list(ctx, "list queue", cond, m.Today())
}

// ListOverdue is the admin view of OverdueOn. An empty today means the
// manager's clock.
func (m *Manager) ListOverdue(ctx context.Context, id session.Identity, today string) ([]Request, error) {
	if err := RequireAdmin(id); err != nil {
		return nil, err
	}
	return m.OverdueOn(ctx, today)
}

// OverdueOn lists approved loans whose return date is before today,
// oldest return date first.
func (m *Manager) OverdueOn(ctx context.Context, today string) ([]Request, error) {
	if today == "" {
		today = m.Today()
	} else {
		var err error
		if today, err = ParseDate("today", today); err != nil {
			return nil, err
		}
	}
	cond := orm.Where(
		orm.Eq("status", string(StatusApproved)),
		orm.Lt("return_date", today),
	).Join(bookJoin).Join(borrowerJoin).Order("return_date", "created_at")
	return m.list(ctx, "list overdue", cond, today)
}

func (m *Manager) list(ctx context.Context, op string, cond *orm.Condition, today string) ([]Request, error) {
	records, err := m.db.SelectManyWithCondition(ctx, schema.TableBorrowRequests, cond)
	if err != nil {
		return nil, m.storeErr(op, err)
	}
	out := make([]Request, 0, len(records))
	for _, rec := range records {
		req, err := requestFromRecord(rec)
		if err != nil {
			return nil, m.storeErr(op, err)
		}
		req.derive(today)
		out = append(out, req)
	}
	return out, nil
}

func (m *Manager) storeErr(op string, err error) error {
	orm.LogErrorWithContext(m.logger, err, orm.String("op", op))
	return storeErr(op, err)
}

func (m *Manager) observe(action Action, err error) {
	if m.observer == nil {
		return
	}
	m.observer.ObserveTransition(action, ResultLabel(err))
}

// ResultLabel classifies an error for metrics and logs.
func ResultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsValidation(err):
		return "invalid"
	case IsAuthentication(err):
		return "unauthorized"
	case IsInvalidState(err):
		return "invalid_state"
	case IsConflict(err):
		return "conflict"
	case IsNotFound(err):
		return "not_found"
	}
	return "error"
}
