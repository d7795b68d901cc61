package lifecycle

import (
	"errors"
	"testing"
)

func TestTransition(t *testing.T) {
	legal := []struct{ from, to Status }{
		{Pending, Processing},
		{Pending, Completed},
		{Pending, Failed},
		{Processing, Completed},
		{Processing, Failed},
	}
	for _, tc := range legal {
		if err := Transition(tc.from, tc.to); err != nil {
			t.Errorf("%s -> %s: unexpected error %v", tc.from, tc.to, err)
		}
	}

	illegal := []struct{ from, to Status }{
		{Completed, Failed},
		{Completed, Processing},
		{Completed, Completed},
		{Failed, Completed},
		{Failed, Pending},
		{Processing, Pending},
		{Processing, Processing},
		{Pending, Pending},
	}
	for _, tc := range illegal {
		err := Transition(tc.from, tc.to)
		if !errors.Is(err, ErrIllegalTransition) {
			t.Errorf("%s -> %s: expected ErrIllegalTransition, got %v", tc.from, tc.to, err)
		}
	}
}

func TestPredecessors(t *testing.T) {
	got := Predecessors(Completed)
	if len(got) != 2 || got[0] != Pending || got[1] != Processing {
		t.Fatalf("Predecessors(completed) = %v", got)
	}
	if got := Predecessors(Processing); len(got) != 1 || got[0] != Pending {
		t.Fatalf("Predecessors(processing) = %v", got)
	}
	if got := Predecessors(Pending); len(got) != 0 {
		t.Fatalf("Predecessors(pending) = %v", got)
	}
}

func TestTerminal(t *testing.T) {
	for _, s := range []Status{Completed, Failed} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []Status{Pending, Processing} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
	if Status("queued").Valid() {
		t.Error("unknown status reported valid")
	}
}
