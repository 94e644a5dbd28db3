package transport

import (
	"testing"
	"time"
)

func TestBackoffGrowsAndCaps(t *testing.T) {
	config := DefaultConfig()
	config.ReconnectWait = 1 * time.Second
	config.MaxBackoff = 8 * time.Second

	prevMax := time.Duration(0)
	for attempt := 0; attempt < 4; attempt++ {
		d := config.backoff(attempt)
		max := config.ReconnectWait << uint(attempt)
		if max > config.MaxBackoff {
			max = config.MaxBackoff
		}
		if d < max/2 || d > max {
			t.Errorf("attempt %d: delay %v outside [%v, %v]", attempt, d, max/2, max)
		}
		if max < prevMax {
			t.Errorf("attempt %d: backoff ceiling shrank", attempt)
		}
		prevMax = max
	}

	// Far past the cap the delay must stay bounded.
	for i := 0; i < 50; i++ {
		if d := config.backoff(60); d > config.MaxBackoff {
			t.Fatalf("attempt 60: delay %v exceeds cap %v", d, config.MaxBackoff)
		}
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateDisconnected: "disconnected",
		StateConnected:    "connected",
		StateReconnecting: "reconnecting",
		StateGaveUp:       "gave_up",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}

func TestPublishWithoutConnection(t *testing.T) {
	b := NewBroker(DefaultConfig())

	if err := b.Publish(SubjectFromAdmin, map[string]string{"x": "y"}); err == nil {
		t.Fatal("expected error when publishing before Connect")
	}
	if err := b.Subscribe(SubjectUserStatus, func([]byte) {}); err == nil {
		t.Fatal("expected error when subscribing before Connect")
	}
	if b.Connected() {
		t.Error("expected Connected() to be false before Connect")
	}
}

func TestStateChangeCallback(t *testing.T) {
	b := NewBroker(DefaultConfig())

	var seen []State
	b.OnStateChange(func(s State) { seen = append(seen, s) })

	b.setState(StateConnected)
	b.setState(StateConnected) // no-op, unchanged
	b.setState(StateReconnecting)
	b.setState(StateGaveUp)

	want := []State{StateConnected, StateReconnecting, StateGaveUp}
	if len(seen) != len(want) {
		t.Fatalf("expected %d callbacks, got %d (%v)", len(want), len(seen), seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("callback %d: got %v, want %v", i, seen[i], want[i])
		}
	}
}
