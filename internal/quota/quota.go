// Package quota decides whether a user may ask another question in an activity instance.
package quota

import (
	"context"
	"fmt"
)

type Counter interface {
	QuestionCount(ctx context.Context, instanceID, userID int64) (int, error)
}

type Limits interface {
	QuestionLimit(ctx context.Context, instanceID int64) (int, error)
}

// Gate only reads the counter. Increments belong to the log worker.
type Gate struct {
	counter Counter
	limits  Limits
}

func NewGate(counter Counter, limits Limits) *Gate {
	return &Gate{counter: counter, limits: limits}
}

func (g *Gate) HasQuestionsLeft(ctx context.Context, instanceID, userID int64) (bool, error) {
	limit, err := g.limits.QuestionLimit(ctx, instanceID)
	if err != nil {
		return false, fmt.Errorf("resolve question limit: %w", err)
	}
	return g.Allow(ctx, limit, instanceID, userID)
}

// Allow checks against an already resolved limit. A limit of 0 is unlimited and skips the counter.
func (g *Gate) Allow(ctx context.Context, limit int, instanceID, userID int64) (bool, error) {
	if limit <= 0 {
		return true, nil
	}
	n, err := g.counter.QuestionCount(ctx, instanceID, userID)
	if err != nil {
		return false, fmt.Errorf("read question counter: %w", err)
	}
	return n < limit, nil
}

// Remaining returns the questions left, or -1 when the instance is unlimited.
func (g *Gate) Remaining(ctx context.Context, instanceID, userID int64) (remaining, limit int, err error) {
	limit, err = g.limits.QuestionLimit(ctx, instanceID)
	if err != nil {
		return 0, 0, fmt.Errorf("resolve question limit: %w", err)
	}
	if limit <= 0 {
		return -1, 0, nil
	}
	n, err := g.counter.QuestionCount(ctx, instanceID, userID)
	if err != nil {
		return 0, 0, fmt.Errorf("read question counter: %w", err)
	}
	if n >= limit {
		return 0, limit, nil
	}
	return limit - n, limit, nil
}
