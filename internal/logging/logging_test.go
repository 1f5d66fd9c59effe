package logging

import "testing"

func TestNew(t *testing.T) {
	for _, debug := range []bool{true, false} {
		l, err := New(debug)
		if err != nil {
			t.Fatalf("New(%v): %v", debug, err)
		}
		if got := l.Core().Enabled(-1); got != debug {
			t.Errorf("New(%v): debug enabled = %v", debug, got)
		}
	}
	if Nop().Core().Enabled(2) {
		t.Error("Nop logger must discard everything")
	}
}
