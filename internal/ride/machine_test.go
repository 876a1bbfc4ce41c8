package ride

import (
	"errors"
	"testing"

	"github.com/example/ride-coordinator/internal/models"
)

func TestHappyPath(t *testing.T) {
	steps := []struct {
		ev   Event
		want models.RideState
	}{
		{OfferReceived, models.Offered},
		{AcceptConfirmed, models.Accepted},
		{OTPVerified, models.InProgress},
		{DriverCompleted, models.Completed},
		{BillAcknowledged, models.Idle},
	}
	s := models.Idle
	for _, st := range steps {
		next, err := Next(s, st.ev)
		if err != nil {
			t.Fatalf("%s from %s: %v", st.ev, s, err)
		}
		if next != st.want {
			t.Fatalf("%s from %s: got %s want %s", st.ev, s, next, st.want)
		}
		s = next
	}
}

func TestOfferShortCircuits(t *testing.T) {
	for _, ev := range []Event{DriverRejected, OfferTimedOut, AcceptConflict, TakenByOther} {
		got, err := Next(models.Offered, ev)
		if err != nil || got != models.Idle {
			t.Fatalf("%s: got %s err=%v", ev, got, err)
		}
	}
}

func TestNoSkippedStates(t *testing.T) {
	cases := []struct {
		from models.RideState
		ev   Event
	}{
		{models.Idle, AcceptConfirmed},
		{models.Idle, OTPVerified},
		{models.Offered, OTPVerified},
		{models.Offered, DriverCompleted},
		{models.Accepted, DriverCompleted},
		{models.Accepted, DriverRejected},
		{models.InProgress, BillAcknowledged},
		{models.Offered, OfferReceived},
		{models.Accepted, OfferReceived},
	}
	for _, c := range cases {
		got, err := Next(c.from, c.ev)
		if !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("%s from %s: expected invalid transition, got %v", c.ev, c.from, err)
		}
		if got != c.from {
			t.Fatalf("state must not change on rejected edge, got %s", got)
		}
		var te *TransitionError
		if !errors.As(err, &te) || te.From != c.from || te.Event != c.ev {
			t.Fatalf("unexpected error payload %v", err)
		}
	}
}

func TestTakenByOtherFromAnyNonIdle(t *testing.T) {
	for _, s := range []models.RideState{models.Offered, models.Accepted, models.InProgress, models.Completed} {
		if got, err := Next(s, TakenByOther); err != nil || got != models.Idle {
			t.Fatalf("from %s: got %s err=%v", s, got, err)
		}
	}
	if _, err := Next(models.Idle, TakenByOther); err == nil {
		t.Fatal("taken-by-other has no edge from idle")
	}
}
