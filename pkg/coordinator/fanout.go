package coordinator

import (
	"context"
	"fmt"

	"github.com/JustinKnueppel/go-result"
	"github.com/chebyrash/promise"

	"egcoord/pkg/metrics"
)

// fanOut runs n tasks concurrently and waits for every one of them. Tasks
// never reject their promise: failures travel as result values so that the
// barrier always sees all n outcomes. The first failure in issue order is
// returned.
func fanOut[T any](ctx context.Context, stage string, n int, task func(ctx context.Context, i int) (T, error)) ([]T, error) {
	if n == 0 {
		return nil, nil
	}
	ps := make([]*promise.Promise[result.Result[T]], n)
	for i := range ps {
		ps[i] = promise.New(func(resolve func(result.Result[T]), _ func(error)) {
			v, err := task(ctx, i)
			if err != nil {
				resolve(result.Err[T](err))
				return
			}
			resolve(result.Ok(v))
		})
	}

	// The barrier itself is not cancellable; cancellation reaches the tasks
	// through ctx and surfaces as task errors.
	all, err := promise.All(context.WithoutCancel(ctx), ps...).Await(context.WithoutCancel(ctx))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", stage, err)
	}

	out := make([]T, n)
	var firstErr error
	failed := 0
	for i, r := range *all {
		if r.IsErr() {
			failed++
			if firstErr == nil {
				firstErr = fmt.Errorf("%s task %d: %w", stage, i, r.UnwrapErr())
			}
			continue
		}
		out[i] = r.Unwrap()
	}
	metrics.FanOutTasks.WithLabelValues(stage, "ok").Add(float64(n - failed))
	if failed > 0 {
		metrics.FanOutTasks.WithLabelValues(stage, "error").Add(float64(failed))
		return nil, firstErr
	}
	return out, nil
}

// chunk splits items into consecutive batches of at most size.
func chunk[T any](items []T, size int) [][]T {
	if size < 1 {
		size = len(items)
	}
	var out [][]T
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		out = append(out, items[start:end])
	}
	return out
}
