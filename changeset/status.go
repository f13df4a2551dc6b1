package changeset

// Status is the lifecycle state of a change set.
type Status string

const (
	StatusOpen                 Status = "open"
	StatusNeedsApproval        Status = "needs_approval"
	StatusNeedsAbandonApproval Status = "needs_abandon_approval"
	StatusApproved             Status = "approved"
	StatusRejected             Status = "rejected"
	StatusApplied              Status = "applied"
	StatusAbandoned            Status = "abandoned"
)

var transitions = map[Status][]Status{
	StatusOpen:                 {StatusNeedsApproval, StatusNeedsAbandonApproval, StatusAbandoned, StatusApplied},
	StatusNeedsApproval:        {StatusApproved, StatusRejected, StatusOpen, StatusAbandoned},
	StatusApproved:             {StatusApplied, StatusOpen, StatusAbandoned},
	StatusRejected:             {StatusOpen, StatusAbandoned},
	StatusNeedsAbandonApproval: {StatusAbandoned, StatusOpen},
}

// ActiveStatuses lists every non-terminal status.
var ActiveStatuses = []Status{
	StatusOpen, StatusNeedsApproval, StatusNeedsAbandonApproval, StatusApproved, StatusRejected,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok || s.Terminal()
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusApplied || s == StatusAbandoned
}

// CanTransition reports whether moving from s to to is allowed.
func (s Status) CanTransition(to Status) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

func statusStrings(statuses []Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
