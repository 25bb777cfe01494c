package models

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusAccepted, StatusHeadingToPickup, true},
		{StatusHeadingToPickup, StatusAtPickup, true},
		{StatusAtPickup, StatusPickedUp, true},
		{StatusPickedUp, StatusInTransit, true},
		{StatusInTransit, StatusDelivered, true},
		{StatusAccepted, StatusAtPickup, false},
		{StatusPickedUp, StatusAtPickup, false},
		{StatusInTransit, StatusInTransit, false},
		{StatusAccepted, StatusCancelled, true},
		{StatusInTransit, StatusCancelled, true},
		{StatusDelivered, StatusCancelled, false},
		{StatusCancelled, StatusCancelled, false},
		{StatusCancelled, StatusAccepted, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestParseStatus(t *testing.T) {
	s, ok := ParseStatus(" picked_up ")
	assert.True(t, ok)
	assert.Equal(t, StatusPickedUp, s)

	s, ok = ParseStatus("cancelled")
	assert.True(t, ok)
	assert.Equal(t, StatusCancelled, s)

	_, ok = ParseStatus("teleported")
	assert.False(t, ok)
}

func TestTransitionErrorMatchesSentinel(t *testing.T) {
	var err error = &TransitionError{DeliveryID: "d1", From: StatusAccepted, To: StatusDelivered}
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.Contains(t, err.Error(), "ACCEPTED -> DELIVERED")
}
