package peerconn

import "testing"

func TestValidTransitionHappyPathInitiator(t *testing.T) {
	steps := []State{StateNew, StateOfferSent, StateICEGathering, StateConnected, StateDisconnected, StateClosed}
	for i := 1; i < len(steps); i++ {
		if !validTransition(steps[i-1], steps[i]) {
			t.Fatalf("expected %s -> %s to be valid", steps[i-1], steps[i])
		}
	}
}

func TestValidTransitionHappyPathResponder(t *testing.T) {
	steps := []State{StateNew, StateAnswerSent, StateICEGathering, StateConnected}
	for i := 1; i < len(steps); i++ {
		if !validTransition(steps[i-1], steps[i]) {
			t.Fatalf("expected %s -> %s to be valid", steps[i-1], steps[i])
		}
	}
}

func TestValidTransitionRejectsTerminalRestart(t *testing.T) {
	if validTransition(StateClosed, StateNew) {
		t.Fatal("expected no transitions out of closed")
	}
}

func TestValidTransitionAnyNonTerminalCanFailOrClose(t *testing.T) {
	for _, s := range []State{StateNew, StateOfferSent, StateAnswerSent, StateICEGathering, StateConnected} {
		if !validTransition(s, StateFailed) {
			t.Fatalf("expected %s -> failed to be valid", s)
		}
		if !validTransition(s, StateClosed) {
			t.Fatalf("expected %s -> closed to be valid", s)
		}
	}
}

func TestNonViable(t *testing.T) {
	for _, s := range []State{StateFailed, StateDisconnected, StateClosed} {
		if !s.nonViable() {
			t.Fatalf("expected %s to be non-viable", s)
		}
	}
	for _, s := range []State{StateNew, StateOfferSent, StateAnswerSent, StateICEGathering, StateConnected} {
		if s.nonViable() {
			t.Fatalf("expected %s to be viable", s)
		}
	}
}
