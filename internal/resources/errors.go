package resources

import (
	"errors"
	"fmt"
)

// ErrNoTicket is returned when an operation is attempted against NoTicket,
// the reserved "no account" sentinel.
var ErrNoTicket = errors.New("resources: ticket zero is reserved and rejected by all commit operations")

// ErrUnknownTicket names a ticket that has no staging or in-use account. No
// Monitor operation returns it: Allocate against such a ticket draws the
// whole amount from global limits, and Free on it panics unless res is empty.
var ErrUnknownTicket = errors.New("resources: unknown ticket")

// AdmissionError reports that a preallocate/allocate request exceeds
// available capacity. Missing names the
// shortfall per tag.
type AdmissionError struct {
	Missing Set
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("resources: insufficient capacity, missing %s", e.Missing.String())
}

// InvariantViolation is raised (and panics — these signal an internal
// invariant violation") when a mutation would under-flow an in-use account.
// It is never returned as an error value — it is always passed to panic —
// but is exported so tests can recover() and assert on it.
type InvariantViolation struct {
	Ticket Ticket
	Detail string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("resources: invariant violation for ticket %d: %s", e.Ticket, e.Detail)
}

func panicInvariant(ticket Ticket, detail string) {
	panic(&InvariantViolation{Ticket: ticket, Detail: detail})
}
