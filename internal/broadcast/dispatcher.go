package broadcast

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"signaltrader/internal/domain"
)

// Dispatcher fans one signal out to many accounts with bounded concurrency.
// A token pool caps in-flight executions; when the pool is exhausted the
// dispatching goroutine runs the task itself instead of queueing unbounded
// work. One account's failure or panic never touches the others.
type Dispatcher struct {
	tokens chan struct{}
	logger zerolog.Logger
}

func NewDispatcher(workers int) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	return &Dispatcher{
		tokens: make(chan struct{}, workers),
		logger: log.With().Str("component", "broadcast").Logger(),
	}
}

// Dispatch runs fn once per account and aggregates the outcomes. It returns
// after every account finished. Outcomes keep the input account order.
func (d *Dispatcher) Dispatch(ctx context.Context, accountIDs []string, fn func(ctx context.Context, accountID string) domain.ExecutionOutcome) domain.FanoutResult {
	outcomes := make([]domain.ExecutionOutcome, len(accountIDs))

	var wg sync.WaitGroup
	for i, accountID := range accountIDs {
		run := func(i int, accountID string) {
			outcomes[i] = d.runOne(ctx, accountID, fn)
		}
		select {
		case d.tokens <- struct{}{}:
			wg.Add(1)
			go func(i int, accountID string) {
				defer wg.Done()
				defer func() { <-d.tokens }()
				run(i, accountID)
			}(i, accountID)
		default:
			// pool exhausted: execute in the dispatching goroutine
			run(i, accountID)
		}
	}
	wg.Wait()

	result := domain.FanoutResult{
		BroadcastedCount: len(accountIDs),
		Outcomes:         outcomes,
	}
	for _, o := range outcomes {
		if o.Success {
			result.SuccessCount++
		} else {
			result.FailedCount++
		}
	}
	d.logger.Info().
		Int("accounts", result.BroadcastedCount).
		Int("success", result.SuccessCount).
		Int("failed", result.FailedCount).
		Msg("broadcast complete")
	return result
}

func (d *Dispatcher) runOne(ctx context.Context, accountID string, fn func(ctx context.Context, accountID string) domain.ExecutionOutcome) (out domain.ExecutionOutcome) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().
				Str("account", accountID).
				Interface("panic", r).
				Msg("account execution panicked")
			out = domain.ExecutionOutcome{
				AccountID:    accountID,
				ErrorMessage: fmt.Sprintf("execution panicked: %v", r),
			}
		}
	}()
	return fn(ctx, accountID)
}
