package resources

import "sync/atomic"

// Ticket is the opaque, monotonically increasing identifier issued once per
// job: it names the account against which memory is charged and outlives
// individual iterations.
type Ticket uint64

// NoTicket is reserved for "no account" and rejected by every commit
// operation.
const NoTicket Ticket = 0

// ticketSequence hands out tickets starting at 1; 0 stays reserved for
// NoTicket.
type ticketSequence struct {
	next atomic.Uint64
}

func (s *ticketSequence) nextTicket() Ticket {
	return Ticket(s.next.Add(1))
}
