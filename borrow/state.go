package borrow

import (
	"fmt"
	"strings"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusReturned Status = "returned"
)

func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusPending, StatusApproved, StatusRejected, StatusReturned:
		return st, nil
	}
	return "", &ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", s)}
}

func (s Status) Terminal() bool {
	return s == StatusRejected || s == StatusReturned
}

type Action string

const (
	ActionApprove          Action = "approve"
	ActionReject           Action = "reject"
	ActionCancel           Action = "cancel"
	ActionReturn           Action = "return"
	ActionRequestExtension Action = "request extension"

	// ActionCreate is reported to the Observer only; Next never accepts it.
	ActionCreate Action = "create"
)

// State is the part of a request the transitions look at. A pending
// request with ExtendRequested is an approved loan waiting for a new
// return date.
type State struct {
	Status          Status
	ExtendRequested bool
}

func (s State) String() string {
	if s.ExtendRequested {
		return string(s.Status) + " (extension)"
	}
	return string(s.Status)
}

// Outcome tells the caller what to write.
type Outcome struct {
	Next             State
	Delete           bool
	ApplyExtension   bool // return_date = new_return_date
	DiscardExtension bool // new_return_date = null
}

// Next is the lifecycle:
//
//	pending            --approve--> approved
//	pending            --reject---> rejected
//	pending            --cancel---> deleted
//	approved           --return---> returned
//	approved           --request extension--> pending (extension)
//	pending (extension) --approve--> approved, return date moved
//	pending (extension) --reject---> approved, extension discarded
func Next(s State, a Action) (Outcome, error) {
	switch {
	case s.Status == StatusPending && !s.ExtendRequested:
		switch a {
		case ActionApprove:
			return Outcome{Next: State{Status: StatusApproved}}, nil
		case ActionReject:
			return Outcome{Next: State{Status: StatusRejected}}, nil
		case ActionCancel:
			return Outcome{Delete: true}, nil
		}
	case s.Status == StatusPending && s.ExtendRequested:
		switch a {
		case ActionApprove:
			return Outcome{Next: State{Status: StatusApproved}, ApplyExtension: true, DiscardExtension: true}, nil
		case ActionReject:
			return Outcome{Next: State{Status: StatusApproved}, DiscardExtension: true}, nil
		}
	case s.Status == StatusApproved && !s.ExtendRequested:
		switch a {
		case ActionReturn:
			return Outcome{Next: State{Status: StatusReturned}}, nil
		case ActionRequestExtension:
			return Outcome{Next: State{Status: StatusPending, ExtendRequested: true}}, nil
		}
	}
	return Outcome{}, &InvalidStateError{Op: string(a), Status: s.Status, ExtendRequested: s.ExtendRequested}
}
