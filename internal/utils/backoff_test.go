package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// TestBackoff_FirstRetry tests that the first retry waits roughly the base
// delay.
func TestBackoff_FirstRetry(t *testing.T) {
	base := 2 * time.Second
	for i := 0; i < 100; i++ {
		delay := Backoff(base, 2*time.Minute, 0)
		assert.GreaterOrEqual(t, delay, base)
		assert.LessOrEqual(t, delay, base+base/5)
	}
}

// TestBackoff_Doubles tests exponential growth before the cap.
func TestBackoff_Doubles(t *testing.T) {
	base := time.Second
	max := time.Hour
	for failures := 1; failures < 6; failures++ {
		expected := base << uint(failures)
		for i := 0; i < 50; i++ {
			delay := Backoff(base, max, failures)
			assert.GreaterOrEqual(t, delay, expected-expected/10)
			assert.LessOrEqual(t, delay, expected+expected/5)
		}
	}
}

// TestBackoff_Capped tests that the delay never exceeds the cap plus jitter.
func TestBackoff_Capped(t *testing.T) {
	base := 2 * time.Second
	max := 30 * time.Second
	for _, failures := range []int{10, 29, 30, 63, 1000} {
		for i := 0; i < 50; i++ {
			delay := Backoff(base, max, failures)
			assert.GreaterOrEqual(t, delay, base)
			assert.LessOrEqual(t, delay, max+max/5)
		}
	}
}

// TestBackoff_DegenerateInputs tests that nonsense inputs still produce a
// usable delay.
func TestBackoff_DegenerateInputs(t *testing.T) {
	delay := Backoff(0, 0, 0)
	assert.GreaterOrEqual(t, delay, time.Second)

	delay = Backoff(10*time.Second, time.Second, 5)
	assert.GreaterOrEqual(t, delay, 10*time.Second)
}
