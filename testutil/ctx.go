package testutil

import (
	"context"
	"testing"
	"time"
)

// Wait durations for test contexts. Pick the shortest that is reliably
// longer than the operation under test; CI machines are slow.
const (
	WaitShort     = 10 * time.Second
	WaitMedium    = 15 * time.Second
	WaitLong      = 25 * time.Second
	WaitSuperLong = time.Minute
)

// Context returns a context canceled at test cleanup or after timeout,
// whichever comes first.
func Context(t testing.TB, timeout time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}
