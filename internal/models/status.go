package models

import "strings"

// Status is the lifecycle position of an ActiveDelivery.
type Status string

const (
	StatusAccepted        Status = "ACCEPTED"
	StatusHeadingToPickup Status = "HEADING_TO_PICKUP"
	StatusAtPickup        Status = "AT_PICKUP"
	StatusPickedUp        Status = "PICKED_UP"
	StatusInTransit       Status = "IN_TRANSIT"
	StatusDelivered       Status = "DELIVERED"
	StatusCancelled       Status = "CANCELLED"
)

var lifecycle = []Status{
	StatusAccepted,
	StatusHeadingToPickup,
	StatusAtPickup,
	StatusPickedUp,
	StatusInTransit,
	StatusDelivered,
}

// ParseStatus accepts the canonical upper-case names, case-insensitively.
func ParseStatus(s string) (Status, bool) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	if st == StatusCancelled {
		return st, true
	}
	return st, st.Rank() >= 0
}

// Rank is the position of s in the linear lifecycle, or -1 for CANCELLED and
// unknown values.
func (s Status) Rank() int {
	for i, v := range lifecycle {
		if v == s {
			return i
		}
	}
	return -1
}

// Next returns the immediate successor of s in the linear lifecycle.
func (s Status) Next() (Status, bool) {
	r := s.Rank()
	if r < 0 || r+1 >= len(lifecycle) {
		return "", false
	}
	return lifecycle[r+1], true
}

func (s Status) Terminal() bool { return s == StatusDelivered || s == StatusCancelled }

// CanTransition reports whether from -> to is legal: the immediate successor,
// or CANCELLED from any non-terminal status.
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	if to == StatusCancelled {
		return true
	}
	next, ok := from.Next()
	return ok && next == to
}
