package strategies

import (
	"time"

	"github.com/openfroyo/medic/pkg/healing"
)

// MemoryLeak returns the memory-leak strategy.
func MemoryLeak(deps *Deps) healing.HealingStrategy {
	return healing.HealingStrategy{
		IssueType:   TypeMemoryLeak,
		Description: "Release leaked memory",
		Actions: []healing.RemediationAction{
			&gcAction{
				desc:      "Force garbage collection and release memory",
				estimate:  10 * time.Second,
				issueType: TypeMemoryLeak,
				deps:      deps,
			},
			&commandAction{
				name:      "clear-memory-cache",
				desc:      "Purge in-memory caches",
				estimate:  5 * time.Second,
				issueType: TypeMemoryLeak,
				steps:     []step{required("clear-memory-cache")},
				deps:      deps,
			},
			&restartAction{
				name:     "restart-service",
				desc:     "Restart the leaking service",
				estimate: 20 * time.Second,
				deps:     deps,
			},
		},
		MaxAttempts: 3,
		Priority:    2,
	}
}

// TestFailure returns the test-failure strategy. analyze-failure re-runs
// the failing file, exposed to the command as $MEDIC_FILE, which resolves
// flaky failures.
func TestFailure(deps *Deps) healing.HealingStrategy {
	return healing.HealingStrategy{
		IssueType:   TypeTestFailure,
		Description: "Recover failing tests",
		Actions: []healing.RemediationAction{
			&commandAction{
				name:      "analyze-failure",
				desc:      "Re-run the failing test file",
				estimate:  30 * time.Second,
				issueType: TypeTestFailure,
				steps:     []step{required("analyze-failure")},
				deps:      deps,
			},
			&commandAction{
				name:      "update-snapshots",
				desc:      "Update test snapshots",
				estimate:  60 * time.Second,
				issueType: TypeTestFailure,
				steps:     []step{required("update-snapshots")},
				deps:      deps,
			},
			&commandAction{
				name:      "rerun-tests",
				desc:      "Re-run the test suite",
				estimate:  120 * time.Second,
				issueType: TypeTestFailure,
				steps:     []step{required("rerun-tests")},
				deps:      deps,
			},
		},
		MaxAttempts: 3,
		Priority:    1,
	}
}

// ComponentFailure returns the generic strategy for failed components.
func ComponentFailure(deps *Deps) healing.HealingStrategy {
	return healing.HealingStrategy{
		IssueType:   TypeComponentFailure,
		Description: "Generic recovery of a failed component",
		Actions: []healing.RemediationAction{
			&restartAction{
				name:     "restart-service",
				desc:     "Restart the component service",
				estimate: 20 * time.Second,
				deps:     deps,
			},
			&commandAction{
				name:      "clear-cache",
				desc:      "Clear component caches",
				estimate:  5 * time.Second,
				issueType: TypeComponentFailure,
				steps:     []step{optional(KeyFlushCache), required("clear-cache")},
				deps:      deps,
			},
			&commandAction{
				name:      "reset-state",
				desc:      "Reset the component to its default state",
				estimate:  5 * time.Second,
				issueType: TypeComponentFailure,
				steps:     []step{required("reset-state")},
				deps:      deps,
			},
		},
		MaxAttempts: 3,
		Priority:    1,
	}
}

// Builtin returns a provider of every built-in strategy. The actions are
// created once, so rollback state survives repeated registration.
func Builtin(deps *Deps) healing.StrategyProvider {
	strategies := []healing.HealingStrategy{
		BuildFailure(deps),
		Performance(deps),
		Security(deps),
		MemoryLeak(deps),
		TestFailure(deps),
		Database(deps),
		ComponentFailure(deps),
	}
	return healing.StrategyProviderFunc(func() []healing.HealingStrategy {
		return strategies
	})
}
