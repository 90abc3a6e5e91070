package healing

import (
	"fmt"
	"sort"
	"sync"
)

// StrategyRegistry maps issue types to healing strategies.
// It is safe for concurrent use and may change while the orchestrator runs.
type StrategyRegistry struct {
	mu         sync.RWMutex
	strategies map[string]*HealingStrategy
}

// NewRegistry creates an empty registry.
func NewRegistry() *StrategyRegistry {
	return &StrategyRegistry{
		strategies: make(map[string]*HealingStrategy),
	}
}

// Register validates and stores a copy of the strategy, replacing any
// strategy already registered for the same issue type.
func (r *StrategyRegistry) Register(strategy HealingStrategy) error {
	if err := strategy.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[strategy.IssueType] = strategy.clone()
	return nil
}

// RegisterProvider registers every strategy supplied by the provider.
// Registration stops at the first invalid strategy.
func (r *StrategyRegistry) RegisterProvider(provider StrategyProvider) error {
	for _, s := range provider.Strategies() {
		if err := r.Register(s); err != nil {
			return fmt.Errorf("failed to register strategy %q: %w", s.IssueType, err)
		}
	}
	return nil
}

// Lookup returns a copy of the strategy for issueType.
func (r *StrategyRegistry) Lookup(issueType string) (*HealingStrategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.strategies[issueType]
	if !ok {
		return nil, false
	}
	return s.clone(), true
}

// Unregister removes the strategy for issueType. It reports whether one existed.
func (r *StrategyRegistry) Unregister(issueType string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.strategies[issueType]
	delete(r.strategies, issueType)
	return ok
}

// Priority returns the priority of the strategy for issueType, or 0.
func (r *StrategyRegistry) Priority(issueType string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if s, ok := r.strategies[issueType]; ok {
		return s.Priority
	}
	return 0
}

// List returns copies of all strategies ordered by priority (highest
// first), then issue type.
func (r *StrategyRegistry) List() []HealingStrategy {
	r.mu.RLock()
	out := make([]HealingStrategy, 0, len(r.strategies))
	for _, s := range r.strategies {
		out = append(out, *s.clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].IssueType < out[j].IssueType
	})
	return out
}

// Len returns the number of registered strategies.
func (r *StrategyRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.strategies)
}
