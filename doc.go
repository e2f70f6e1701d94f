// Package pumped provides a scoped execution context for Go: typed state
// that nests with override semantics, singleton dependencies shared by a
// scope tree, hierarchical metrics, and cooperative early exit.
//
// # Overview
//
// Pumped organizes code around four core concepts:
//
//  1. Managers: own a scope tree, its dependency registry, reporters and extensions
//  2. Scopes: nested activations carrying state overrides and a metrics node
//  3. Tasks: operations that can be told to stop early with a fallback result
//  4. Retry policies: decide whether a failed operation runs again
//
// The current scope travels in context.Context. Code that receives the
// context can read state and record metrics without any other parameter.
//
// # Basic Usage
//
//	type Config struct{ Model string }
//
//	manager := pumped.NewManager(
//	    pumped.WithRootState(Config{Model: "small"}),
//	    pumped.WithReporter(extensions.NewLogReporter(logger)),
//	)
//	defer manager.Dispose()
//
//	err := manager.Run(ctx, "request", func(ctx context.Context) error {
//	    cfg, err := pumped.State[Config](ctx)
//	    if err != nil {
//	        return err
//	    }
//	    return pumped.Within(ctx, "call", func(ctx context.Context) error {
//	        return pumped.Record(ctx, pumped.TokenUsage{InputTokens: 10})
//	    }, pumped.WithState(Config{Model: "large"}))
//	})
//
// # State
//
// State lookup walks the current scope, then its parents, then the
// manager's root state. Types whose zero value implements StateDefaulter
// provide a value when nothing declares one. Anything else is a
// *ResolutionError; there is no silent zero value.
//
// Overrides are copied, never shared, so sibling scopes built from the same
// parent cannot observe each other's state:
//
//	ctx, h, err := pumped.Updated(ctx, Config{Model: "tiny"})
//	defer h.Exit(nil)
//
// Interface-typed slots are filled with Bind:
//
//	pumped.WithState(pumped.Bind[Clock](fakeClock{}))
//
// # Dependencies
//
// Dependencies are constructed once per manager, on first access, and
// shared by every scope:
//
//	db := pumped.Provide(func(rc *pumped.ResolveCtx) (*DB, error) {
//	    conn := OpenDB()
//	    rc.OnCleanup(conn.Close)
//	    return conn, nil
//	})
//
//	manager := pumped.NewManager(pumped.WithDependency(db))
//	conn, err := pumped.Dependency[*DB](ctx)
//
// Concurrent first access runs the factory exactly once. A failed
// construction is cached as a *ConstructionError. Cleanups run in reverse
// order on Dispose. Use WithPreset to replace a dependency in tests.
//
// # Metrics
//
// Every scope owns a metrics node. Metrics are combined per kind with the
// kind's own Combine method: TokenUsage and Counters sum, Events append,
// Peaks and Floors keep the max and min. When a scope exits, its totals
// merge into the parent, also when the body failed or panicked. The root's
// summary is handed to every reporter and kept in History.
//
// A parent that exits waits, bounded by Config.MergeTimeout, for children
// and goroutines started with Go to report. Children that miss the bound
// produce a *ScopeOrderingError.
//
// # Concurrency
//
// Goroutines see a scope only when they are given its context. Use Go or
// Parallel to fan out; use Detach to start work that must not see the
// current scope:
//
//	results, err := pumped.Parallel(ctx, pumped.WithCollectErrors()).Run(
//	    func(ctx context.Context) (any, error) { return search(ctx, "a") },
//	    func(ctx context.Context) (any, error) { return search(ctx, "b") },
//	)
//
// # Early Exit
//
// A Task yields a fallback result once an early exit is requested. The
// first request wins. Timeouts are timer-driven requests:
//
//	task := pumped.NewTask(ctx, generate, pumped.WithTaskTimeout(time.Second, "partial"))
//	result, err := task.Run()
//
// Code inside the task calls Checkpoint at suspension points, or ExitEarly
// to end the task itself.
//
// # Extensions
//
// Extensions wrap dependency construction and reporting and observe scope
// entry and exit:
//
//	manager := pumped.NewManager(
//	    pumped.WithExtension(extensions.NewLoggingExtension(logger)),
//	)
//
// # Thread Safety
//
// All operations are thread-safe:
//   - Managers and scopes can be used from many goroutines
//   - Record may be called concurrently from any goroutine holding the scope's context
//   - Dependencies construct once under a per-type lock
package pumped
