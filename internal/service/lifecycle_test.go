package service

import (
	"testing"

	"github.com/hybridcore/dispatchd/internal/model"
)

func TestCanTransition_Orders(t *testing.T) {
	cases := []struct {
		from, to model.JobState
		want     bool
	}{
		{model.StatePendingPayment, model.StatePlaced, true},
		{model.StatePendingPayment, model.StateFailed, true},
		{model.StatePendingPayment, model.StateCancelled, true},
		{model.StatePlaced, model.StateAssigned, true},
		{model.StatePlaced, model.StateCancelled, true},
		{model.StateAssigned, model.StateDelivered, true},
		{model.StateAssigned, model.StateCancelled, true},

		{model.StatePendingPayment, model.StateAssigned, false},
		{model.StatePlaced, model.StateDelivered, false},
		{model.StateAssigned, model.StateCompleted, false},
		{model.StateDelivered, model.StateCancelled, false},
		{model.StateCancelled, model.StatePlaced, false},
	}
	for _, c := range cases {
		if got := CanTransition(model.KindOrder, c.from, c.to); got != c.want {
			t.Errorf("order %s→%s = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestCanTransition_Rides(t *testing.T) {
	cases := []struct {
		from, to model.JobState
		want     bool
	}{
		{model.StatePendingPayment, model.StateRequested, true},
		{model.StateRequested, model.StateAssigned, true},
		{model.StateAssigned, model.StateCompleted, true},
		{model.StateAssigned, model.StateCancelled, true},

		{model.StatePendingPayment, model.StatePlaced, false},
		{model.StateAssigned, model.StateDelivered, false},
		{model.StateCompleted, model.StateAssigned, false},
	}
	for _, c := range cases {
		if got := CanTransition(model.KindRide, c.from, c.to); got != c.want {
			t.Errorf("ride %s→%s = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestCanTransition_SameStateIdempotent(t *testing.T) {
	if !CanTransition(model.KindOrder, model.StateAssigned, model.StateAssigned) {
		t.Errorf("same-state transition rejected")
	}
}

func TestOpenAndTerminalStates(t *testing.T) {
	if got := OpenState(model.KindOrder); got != model.StatePlaced {
		t.Errorf("OpenState(order) = %s, want PLACED", got)
	}
	if got := OpenState(model.KindRide); got != model.StateRequested {
		t.Errorf("OpenState(ride) = %s, want REQUESTED", got)
	}
	if got := TerminalState(model.KindOrder); got != model.StateDelivered {
		t.Errorf("TerminalState(order) = %s, want DELIVERED", got)
	}
	if got := TerminalState(model.KindRide); got != model.StateCompleted {
		t.Errorf("TerminalState(ride) = %s, want COMPLETED", got)
	}
}
