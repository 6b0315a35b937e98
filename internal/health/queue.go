package health

import (
	"context"
	"fmt"
)

// QueueChecker reports unready while a backlog is over its limit, so a load
// balancer can steer hook traffic away from a saturated instance.
type QueueChecker struct {
	name  string
	depth func() int
	limit int
}

// NewQueueChecker creates a checker that fails once depth() exceeds limit.
// A limit of zero or less never fails.
func NewQueueChecker(name string, depth func() int, limit int) *QueueChecker {
	return &QueueChecker{name: name, depth: depth, limit: limit}
}

// Name returns the readiness check key.
func (q *QueueChecker) Name() string { return q.name }

// HealthCheck compares the current depth against the limit.
func (q *QueueChecker) HealthCheck(context.Context) error {
	if q.limit <= 0 {
		return nil
	}
	if d := q.depth(); d > q.limit {
		return fmt.Errorf("%s backlog %d exceeds %d", q.name, d, q.limit)
	}
	return nil
}
