package janitor_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cdr.dev/slog/sloggers/slogtest"

	"github.com/coder/quartz"

	"github.com/threadly/governor/janitor"
	"github.com/threadly/governor/lrucache"
	"github.com/threadly/governor/testutil"
)

func TestJanitor(t *testing.T) {
	t.Parallel()

	t.Run("SweepsEveryTick", func(t *testing.T) {
		t.Parallel()

		var (
			clock = quartz.NewMock(t)
			ctx   = testutil.Context(t, testutil.WaitShort)
			jan   = janitor.New(slogtest.Make(t, nil),
				janitor.WithClock(clock),
				janitor.WithInterval(time.Minute),
			)
		)

		var windowSweeps, blockSweeps atomic.Int64
		jan.Register("windows", func(time.Time) int {
			windowSweeps.Add(1)
			return 3
		})
		jan.Register("blocks", func(time.Time) int {
			blockSweeps.Add(1)
			return 0
		})

		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		jan.Start(runCtx)

		clock.Advance(time.Minute).MustWait(ctx)
		require.EqualValues(t, 1, windowSweeps.Load())
		require.EqualValues(t, 1, blockSweeps.Load())

		clock.Advance(time.Minute).MustWait(ctx)
		require.EqualValues(t, 2, windowSweeps.Load())
		require.EqualValues(t, 2, blockSweeps.Load())
	})

	t.Run("StopsOnCancel", func(t *testing.T) {
		t.Parallel()

		var (
			clock = quartz.NewMock(t)
			ctx   = testutil.Context(t, testutil.WaitShort)
			jan   = janitor.New(slogtest.Make(t, nil),
				janitor.WithClock(clock),
				janitor.WithInterval(time.Minute),
			)
		)

		jan.Register("noop", func(time.Time) int { return 0 })

		runCtx, cancel := context.WithCancel(ctx)
		jan.Start(runCtx)
		cancel()

		require.ErrorIs(t, jan.Wait(), context.Canceled)
	})

	t.Run("ReclaimsCacheMemory", func(t *testing.T) {
		t.Parallel()

		var (
			clock = quartz.NewMock(t)
			ctx   = testutil.Context(t, testutil.WaitShort)
			cache = lrucache.New[string, time.Time](100)
			jan   = janitor.New(slogtest.Make(t, nil),
				janitor.WithClock(clock),
				janitor.WithInterval(time.Minute),
			)
		)

		// Entries expire 30 seconds after creation.
		for _, key := range []string{"a", "b", "c"} {
			cache.Set(key, clock.Now().Add(30*time.Second))
		}
		jan.Register("expiries", func(now time.Time) int {
			return cache.Cleanup(func(_ string, expiresAt time.Time) bool {
				return !expiresAt.After(now)
			})
		})

		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		jan.Start(runCtx)

		clock.Advance(time.Minute).MustWait(ctx)
		require.Equal(t, 0, cache.Len())
	})
}
