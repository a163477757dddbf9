package engine

import (
	"context"
	"fmt"

	"github.com/ZanzyTHEbar/triage-engine/triage/engine/ports"

	"github.com/sourcegraph/conc/pool"
)

// ResumeResult is the outcome of resuming one appointment.
type ResumeResult struct {
	AppointmentID int64
	Reply         ports.Reply
	Err           error
}

// ResumePending answers every appointment whose newest turn is an unanswered
// patient turn, at most concurrency at a time. Individual failures are
// reported in the results, not as the returned error.
func (e *Engine) ResumePending(ctx context.Context, concurrency int) ([]ResumeResult, error) {
	ids, err := e.store.PendingAppointments(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending appointments: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	if concurrency < 1 {
		concurrency = 1
	}

	e.logger.Info().Int("pending", len(ids)).Int("concurrency", concurrency).Msg("Resuming unanswered turns")

	p := pool.NewWithResults[ResumeResult]().WithMaxGoroutines(concurrency)
	for _, id := range ids {
		p.Go(func() ResumeResult {
			reply, err := e.Resume(ctx, id)
			return ResumeResult{AppointmentID: id, Reply: reply, Err: err}
		})
	}
	results := p.Wait()

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	e.logger.Info().Int("resumed", len(results)-failed).Int("failed", failed).Msg("Finished resuming turns")
	return results, nil
}
