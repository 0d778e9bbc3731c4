//go:build linux

// Package session wires a tracer, the locator hooks and a reporter into one
// tracing run.
package session

import (
	"context"
	"io"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kaczmarj/dblocate/internal/config"
	"github.com/kaczmarj/dblocate/internal/engine"
	"github.com/kaczmarj/dblocate/internal/locator"
	"github.com/kaczmarj/dblocate/internal/report"
)

// eventBuffer is how many events hooks may queue before the tracer waits for
// the reporter.
const eventBuffer = 1024

// Starter starts tracing with t and blocks until tracing ends.
type Starter func(ctx context.Context, t *engine.Tracer) error

// Attach traces the running process pid.
func Attach(pid int) Starter {
	return func(ctx context.Context, t *engine.Tracer) error { return t.Attach(ctx, pid) }
}

// Launch starts argv and traces it.
func Launch(argv []string) Starter {
	return func(ctx context.Context, t *engine.Tracer) error { return t.Launch(ctx, argv) }
}

// Result is what a finished session learned.
type Result struct {
	Stats         engine.Stats
	ExitCode      int
	Findings      []report.Finding
	Interceptions []engine.Interception
	Unresolved    []string
}

// Run traces with start until the target exits or ctx is cancelled, printing
// events and the final summary to w.
func Run(ctx context.Context, cfg *config.Config, log *zap.Logger, w io.Writer, start Starter) (*Result, error) {
	tr := engine.New(engine.Options{Logger: log, FollowForks: cfg.FollowForks})
	events := make(chan locator.Event, eventBuffer)
	loc := locator.New(locator.Options{
		Logger:   log,
		Pattern:  cfg.Pattern,
		Syscalls: cfg.Syscalls,
		Symbols:  cfg.Symbols,
		Dirs:     cfg.Dirs,
	}, events)
	if err := loc.Register(tr); err != nil {
		return nil, err
	}
	rep := report.New(w, report.Options{Logger: log, JSON: cfg.JSON, Inspect: cfg.Inspect})
	rep.Banner()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(events)
		return start(gctx, tr)
	})
	g.Go(func() error {
		return rep.Run(gctx, events)
	})
	err := g.Wait()
	// Stores created during the run may only have their schema now.
	if rerr := rep.Recheck(context.WithoutCancel(ctx)); rerr != nil && err == nil {
		err = rerr
	}

	res := &Result{
		Stats:         tr.Stats(),
		ExitCode:      tr.ExitCode(),
		Findings:      rep.Findings(),
		Interceptions: tr.Interceptions(),
		Unresolved:    tr.Unresolved(),
	}
	for _, sym := range res.Unresolved {
		log.Warn("symbol never loaded", zap.String("symbol", sym))
	}
	logCounts(log, tr.SyscallCounts())
	log.Info("session finished",
		zap.Uint64("syscalls", res.Stats.Syscalls),
		zap.Uint64("breakpoint_hits", res.Stats.BreakpointHits),
		zap.Uint64("hook_errors", res.Stats.HookErrors),
		zap.Uint64("processes", res.Stats.Processes),
		zap.Int("databases", len(res.Findings)))

	if serr := rep.Summary(); serr != nil && err == nil {
		err = serr
	}
	return res, err
}

// logCounts logs the busiest syscalls at debug level.
func logCounts(log *zap.Logger, counts map[string]uint64) {
	if !log.Core().Enabled(zap.DebugLevel) {
		return
	}
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if counts[names[i]] != counts[names[j]] {
			return counts[names[i]] > counts[names[j]]
		}
		return names[i] < names[j]
	})
	if len(names) > 10 {
		names = names[:10]
	}
	fields := make([]zap.Field, 0, len(names))
	for _, name := range names {
		fields = append(fields, zap.Uint64(name, counts[name]))
	}
	log.Debug("syscall counts", fields...)
}
