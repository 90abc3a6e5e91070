package stores

import (
	"time"

	"github.com/openfroyo/medic/pkg/healing"
)

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// IssueRecord is a persisted issue with its last known state
type IssueRecord struct {
	Issue     healing.HealthIssue `json:"issue"`
	State     healing.IssueState  `json:"state"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// IssueFilter narrows ListIssues
type IssueFilter struct {
	State     *healing.IssueState
	Type      *string
	Component *string
}

// PruneResult counts rows removed by Prune
type PruneResult struct {
	Issues      int64 `json:"issues"`
	Actions     int64 `json:"actions"`
	Reports     int64 `json:"reports"`
	Escalations int64 `json:"escalations"`
	Audit       int64 `json:"audit"`
	Health      int64 `json:"health"`
}

// Total returns the number of removed rows
func (r PruneResult) Total() int64 {
	return r.Issues + r.Actions + r.Reports + r.Escalations + r.Audit + r.Health
}
