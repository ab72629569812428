package sync

import (
	"testing"
	"time"
)

func TestNextFeedDelayDoublesCapsAndResets(t *testing.T) {
	delay := feedBaseDelay
	for i := 0; i < 10; i++ {
		next := nextFeedDelay(delay, false)
		if next < delay {
			t.Fatalf("delay shrank while disconnected: %s -> %s", delay, next)
		}
		delay = next
	}
	if delay != time.Minute {
		t.Fatalf("delay after repeated failures = %s, want capped at 1m", delay)
	}

	// A blip after a stable connection starts over from the base, not the cap.
	if got := nextFeedDelay(delay, true); got != feedBaseDelay {
		t.Fatalf("delay after successful connection = %s, want %s", got, feedBaseDelay)
	}
}
