package undo

import (
	"context"
	"fmt"
	"log/slog"
)

// CompensationFunc reverses one step of an executed action.
type CompensationFunc func(ctx context.Context) error

// CompensationStack collects the reversal steps for one action. Steps run
// in reverse push order, so the last side effect is undone first.
type CompensationStack struct {
	RequestID string
	ops       []CompensationFunc
}

func NewCompensation(requestID string) *CompensationStack {
	return &CompensationStack{
		RequestID: requestID,
		ops:       make([]CompensationFunc, 0),
	}
}

// Push adds a compensating step. LIFO.
func (s *CompensationStack) Push(fn CompensationFunc) {
	if fn != nil {
		s.ops = append(s.ops, fn)
	}
}

func (s *CompensationStack) Len() int {
	if s == nil {
		return 0
	}
	return len(s.ops)
}

// Compensate executes the stack in reverse order. The first failing step
// aborts the remainder.
func (s *CompensationStack) Compensate(ctx context.Context) error {
	if s == nil {
		return nil
	}
	slog.Info("[Undo] running compensation", "request_id", s.RequestID, "steps", len(s.ops))
	for i := len(s.ops) - 1; i >= 0; i-- {
		if err := s.ops[i](ctx); err != nil {
			return fmt.Errorf("compensation step %d: %w", i, err)
		}
	}
	return nil
}
