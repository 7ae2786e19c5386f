// Package dispatch fans out independent render operations over a bounded worker pool and
// returns their results in submission order.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Policy decides what a failing operation does to the rest of a run.
type Policy int

const (
	// FailFast stops the run at the first error and reports it as a *DispatchError.
	FailFast Policy = iota
	// Collect runs every operation and returns errors positionally.
	Collect
)

func (p Policy) String() string {
	if p == Collect {
		return "collect"
	}
	return "fail_fast"
}

// Op is one unit of work. ctx is shared by all operations of a run and must not be replaced.
type Op[T any] func(ctx context.Context) (T, error)

// Result holds either Value or Err for one operation.
type Result[T any] struct {
	Value T
	Err   error
}

// DispatchError is returned by FailFast runs. Index is the position of the failing operation.
type DispatchError struct {
	Index int
	Err   error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch: operation %d failed: %v", e.Index, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

var ErrPanic = errors.New("operation panicked")

// Run executes ops and returns one Result per op in submission order.
//
// poolSize < 2 runs the operations one after another on the calling goroutine. Otherwise
// poolSize workers (at most len(ops)) pull from a task channel. With FailFast the first error
// cancels the run, and Run returns nil results and a *DispatchError once every worker has
// exited. A lower-index op failing on its own still takes precedence; one that merely returned
// context.Canceled after the cancellation does not.
func Run[T any](ctx context.Context, ops []Op[T], poolSize int, policy Policy) ([]Result[T], error) {
	if len(ops) == 0 {
		return []Result[T]{}, nil
	}
	if poolSize < 2 {
		return runSequential(ctx, ops, policy)
	}
	if poolSize > len(ops) {
		poolSize = len(ops)
	}
	return runPool(ctx, ops, poolSize, policy)
}

func runSequential[T any](ctx context.Context, ops []Op[T], policy Policy) ([]Result[T], error) {
	out := make([]Result[T], 0, len(ops))
	for i, op := range ops {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		v, err := call(ctx, op)
		if err != nil && policy == FailFast {
			return nil, &DispatchError{Index: i, Err: err}
		}
		out = append(out, Result[T]{Value: v, Err: err})
	}
	return out, nil
}

type task[T any] struct {
	index int
	op    Op[T]
}

type outcome[T any] struct {
	index int
	res   Result[T]
}

func runPool[T any](ctx context.Context, ops []Op[T], poolSize int, policy Policy) ([]Result[T], error) {
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tasks := make(chan task[T])
	results := make(chan outcome[T], poolSize)

	var wg sync.WaitGroup
	for range poolSize {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range tasks {
				if wctx.Err() != nil {
					continue
				}
				v, err := call(wctx, t.op)
				results <- outcome[T]{index: t.index, res: Result[T]{Value: v, Err: err}}
			}
		}()
	}

	go func() {
		defer close(tasks)
		for i, op := range ops {
			select {
			case tasks <- task[T]{index: i, op: op}:
			case <-wctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	out := make([]Result[T], 0, len(ops))
	pending := make(map[int]Result[T])
	next := 0
	var failed *DispatchError

	for o := range results {
		if o.res.Err != nil && policy == FailFast {
			// ops interrupted by our own cancel do not replace the failure that caused it
			interrupted := wctx.Err() != nil && errors.Is(o.res.Err, context.Canceled)
			if failed == nil || (o.index < failed.Index && !interrupted) {
				failed = &DispatchError{Index: o.index, Err: o.res.Err}
			}
			cancel()
			continue
		}
		if failed != nil {
			continue
		}
		pending[o.index] = o.res
		for {
			r, ok := pending[next]
			if !ok {
				break
			}
			out = append(out, r)
			delete(pending, next)
			next++
		}
	}

	if failed != nil {
		return nil, failed
	}
	if len(out) != len(ops) {
		// parent context ended before every task was handed out
		return nil, fmt.Errorf("dispatch: %d of %d operations completed: %w", len(out), len(ops), context.Cause(ctx))
	}
	return out, nil
}

func call[T any](ctx context.Context, op Op[T]) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return op(ctx)
}
