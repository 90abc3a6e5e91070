package healing

import (
	"errors"
	"sync/atomic"

	"github.com/Workiva/go-datastructures/queue"
)

var errEmptyQueue = errors.New("issue queue returned no entry")

// queuedIssue is a priority queue entry. The queue is a min-heap, so
// Compare returns a negative value for the entry that must run first.
type queuedIssue struct {
	issueID  string
	rank     int
	priority int
	seq      uint64
}

// Compare orders by severity rank, then strategy priority, then submission order.
func (q *queuedIssue) Compare(other queue.Item) int {
	o := other.(*queuedIssue)
	switch {
	case q.rank != o.rank:
		return compareDesc(q.rank, o.rank)
	case q.priority != o.priority:
		return compareDesc(q.priority, o.priority)
	case q.seq < o.seq:
		return -1
	case q.seq > o.seq:
		return 1
	default:
		return 0
	}
}

func compareDesc(a, b int) int {
	if a > b {
		return -1
	}
	return 1
}

// issueQueue is a blocking priority queue of issue ids.
type issueQueue struct {
	pq  *queue.PriorityQueue
	seq atomic.Uint64
}

func newIssueQueue() *issueQueue {
	return &issueQueue{
		pq: queue.NewPriorityQueue(16, true),
	}
}

func (q *issueQueue) push(issue HealthIssue, priority int) error {
	return q.pq.Put(&queuedIssue{
		issueID:  issue.ID,
		rank:     issue.Severity.Rank(),
		priority: priority,
		seq:      q.seq.Add(1),
	})
}

// pop blocks until an entry is available or the queue is disposed.
func (q *issueQueue) pop() (*queuedIssue, error) {
	items, err := q.pq.Get(1)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, errEmptyQueue
	}
	return items[0].(*queuedIssue), nil
}

func (q *issueQueue) len() int {
	return q.pq.Len()
}

func (q *issueQueue) dispose() {
	q.pq.Dispose()
}
