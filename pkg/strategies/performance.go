package strategies

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/openfroyo/medic/pkg/healing"
)

// Performance returns the performance strategy.
func Performance(deps *Deps) healing.HealingStrategy {
	return healing.HealingStrategy{
		IssueType:   TypePerformance,
		Description: "Recover from performance degradation",
		Actions: []healing.RemediationAction{
			&commandAction{
				name:      "clear-cache",
				desc:      "Clear application and package caches",
				estimate:  5 * time.Second,
				issueType: TypePerformance,
				steps:     []step{optional(KeyFlushCache), required("clear-cache")},
				deps:      deps,
			},
			&databaseAction{
				name:      "optimize-database",
				desc:      "Refresh query planner statistics",
				estimate:  30 * time.Second,
				issueType: TypePerformance,
				op:        maintainDatabase,
				deps:      deps,
			},
			&gcAction{
				desc:      "Force garbage collection and release memory",
				estimate:  10 * time.Second,
				issueType: TypePerformance,
				deps:      deps,
			},
			&restartAction{
				name:     "restart-services",
				desc:     "Restart the service of the degraded component",
				estimate: 20 * time.Second,
				deps:     deps,
			},
		},
		MaxAttempts:    3,
		CooldownPeriod: 60 * time.Second,
		Priority:       1,
	}
}

// gcAction forces a collection in the medic process, then runs any
// configured garbage-collect commands for external processes.
type gcAction struct {
	desc      string
	estimate  time.Duration
	issueType string
	deps      *Deps
}

func (a *gcAction) Name() string                     { return "garbage-collect" }
func (a *gcAction) Description() string              { return a.desc }
func (a *gcAction) EstimatedDuration() time.Duration { return a.estimate }

func (a *gcAction) Execute(ctx context.Context, issue healing.HealthIssue) (bool, error) {
	before := processRSS(ctx)

	runtime.GC()
	debug.FreeOSMemory()

	after := processRSS(ctx)
	event := a.deps.Logger.Info().
		Str("issue_id", issue.ID).
		Str("rss_before", humanize.Bytes(before)).
		Str("rss_after", humanize.Bytes(after))
	if before > after {
		event = event.Str("released", humanize.Bytes(before-after))
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		event = event.Str("system_available", humanize.Bytes(vm.Available))
	}
	event.Msg("Garbage collection completed")

	if _, err := a.deps.run(ctx, issue, a.issueType, "garbage-collect"); err != nil {
		return false, fmt.Errorf("garbage-collect: %w", err)
	}
	return true, nil
}

// processRSS returns the resident set size of the medic process, or 0
// when it cannot be read.
func processRSS(ctx context.Context) uint64 {
	p, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		return 0
	}
	info, err := p.MemoryInfoWithContext(ctx)
	if err != nil || info == nil {
		return 0
	}
	return info.RSS
}
