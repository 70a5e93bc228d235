package calls

import "testing"

func TestTerminalStatuses(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusFailed, StatusTimeout} {
		if !s.IsTerminal() {
			t.Fatalf("expected %s terminal", s)
		}
	}
	for _, s := range ActiveStatuses() {
		if s.IsTerminal() {
			t.Fatalf("expected %s non-terminal", s)
		}
	}
}

func TestCanTransition_NoBackwardMoves(t *testing.T) {
	all := []Status{StatusPending, StatusConnecting, StatusInProgress, StatusCompleted, StatusFailed, StatusTimeout}
	for _, from := range all {
		if !from.IsTerminal() {
			continue
		}
		for _, to := range all {
			if CanTransition(from, to) {
				t.Fatalf("terminal %s must not move to %s", from, to)
			}
		}
	}
	if CanTransition(StatusInProgress, StatusConnecting) {
		t.Fatalf("expected in_progress -> connecting rejected")
	}
	if CanTransition(StatusPending, StatusInProgress) {
		t.Fatalf("expected pending -> in_progress rejected")
	}
}

func TestCanTransition_ForwardMoves(t *testing.T) {
	cases := []struct{ from, to Status }{
		{StatusPending, StatusConnecting},
		{StatusPending, StatusFailed},
		{StatusConnecting, StatusInProgress},
		{StatusConnecting, StatusCompleted},
		{StatusConnecting, StatusTimeout},
		{StatusInProgress, StatusCompleted},
		{StatusInProgress, StatusFailed},
		{StatusInProgress, StatusTimeout},
	}
	for _, tc := range cases {
		if !CanTransition(tc.from, tc.to) {
			t.Fatalf("expected %s -> %s allowed", tc.from, tc.to)
		}
	}
}

func TestPredecessorsReturnsCopy(t *testing.T) {
	p := Predecessors(StatusFailed)
	p[0] = StatusCompleted
	if Predecessors(StatusFailed)[0] != StatusPending {
		t.Fatalf("predecessor table mutated through returned slice")
	}
}
