// Package governor is the request-governance layer for the chat product:
// process-local rate limiting with escalating abuse blocks, and per-user
// usage accounting bridged between a shared cache and the durable ledger.
//
// A Governor is created once at process start and torn down at shutdown
// by canceling the context passed to Start. Handlers call the limiter
// before doing work and the usage tracker around quota-gated work:
//
//	gov := governor.New(logger, store, rdb)
//	gov.Start(ctx)
//
//	if !gov.Limiter.Allow("chat:"+userID.String(), requestsPerMinute) {
//		// 429, retry later
//	}
//	if _, err := gov.Usage.CheckQuota(ctx, userID); err != nil {
//		// usage.ErrQuotaExceeded: 403, upgrade required
//	}
//	// ... serve the request ...
//	_ = gov.Usage.IncrementUsage(ctx, userID, tokens)
package governor

import (
	"context"

	"github.com/redis/go-redis/v9"

	"cdr.dev/slog"

	"github.com/threadly/governor/dailycounter"
	"github.com/threadly/governor/janitor"
	"github.com/threadly/governor/ratelimit"
	"github.com/threadly/governor/usage"
)

// Governor bundles the governance components with a shared janitor. The
// fields are the public surface; the zero value is not usable, construct
// with New.
type Governor struct {
	Limiter *ratelimit.Limiter
	Counter *dailycounter.Counter
	Usage   *usage.Tracker
	Janitor *janitor.Janitor
}

// Options carries per-component options through New. Nil slices mean
// defaults.
type Options struct {
	Limiter []ratelimit.Option
	Counter []dailycounter.Option
	Usage   []usage.TrackerOption
	Janitor []janitor.Option
}

// New wires a Governor: the limiter and usage tracker share the janitor,
// the usage tracker reads today's live counts from the shared cache via
// rdb and everything else from store.
func New(logger slog.Logger, store usage.Store, rdb redis.UniversalClient, opts Options) *Governor {
	var (
		limiter = ratelimit.New(logger.Named("ratelimit"), opts.Limiter...)
		counter = dailycounter.New(logger.Named("dailycounter"), rdb, opts.Counter...)
		tracker = usage.NewTracker(logger.Named("usage"), store, counter, opts.Usage...)
		jan     = janitor.New(logger.Named("janitor"), opts.Janitor...)
	)
	jan.Register("rate_windows", limiter.SweepWindows)
	jan.Register("blocks", limiter.SweepBlocks)
	jan.Register("snapshots", tracker.SweepSnapshots)

	return &Governor{
		Limiter: limiter,
		Counter: counter,
		Usage:   tracker,
		Janitor: jan,
	}
}

// Start begins the janitor's periodic sweep. Cancel ctx to stop; Wait for
// it during shutdown.
func (g *Governor) Start(ctx context.Context) {
	g.Janitor.Start(ctx)
}

// Wait blocks until the background sweep has stopped.
func (g *Governor) Wait() error {
	return g.Janitor.Wait()
}
