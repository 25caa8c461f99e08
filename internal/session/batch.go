package session

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// TurnRequest is one entry of a RunMany batch.
type TurnRequest struct {
	Key     string
	Input   string
	Options []TurnOption
}

// TurnOutcome pairs a batch entry with its result or error.
type TurnOutcome struct {
	Result *TurnResult
	Err    error
}

// RunMany runs the requests concurrently, at most the manager's
// concurrency limit at a time. Outcomes are returned in request order.
// Requests for the same key still run one at a time, in lock order.
func (m *Manager) RunMany(ctx context.Context, reqs []TurnRequest) []TurnOutcome {
	out := make([]TurnOutcome, len(reqs))

	var g errgroup.Group
	if m.maxConcurrent > 0 {
		g.SetLimit(m.maxConcurrent)
	}
	for i, req := range reqs {
		i, req := i, req
		g.Go(func() error {
			res, err := m.RunTurn(ctx, req.Key, req.Input, req.Options...)
			out[i] = TurnOutcome{Result: res, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return out
}
