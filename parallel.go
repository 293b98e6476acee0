package arcfs

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
)

// ParallelConfig controls the member worker pool
type ParallelConfig struct {
	// Workers is the number of worker goroutines.
	// If 0, defaults to runtime.NumCPU()
	Workers int

	// QueueDepth bounds the number of members in flight, including
	// completed members waiting for their turn at the writer.
	// If 0, defaults to 2*Workers
	QueueDepth int
}

// Validate checks if the parallel configuration is valid
func (p *ParallelConfig) Validate() error {
	if err := ValidateWorkers(p.Workers); err != nil {
		return err
	}
	if p.QueueDepth < 0 {
		return errors.New("parallel queue depth cannot be negative")
	}
	if p.QueueDepth > 64*MaxWorkers {
		return fmt.Errorf("parallel queue depth must not exceed %d", 64*MaxWorkers)
	}
	return nil
}

// DefaultParallelConfig returns one worker per logical CPU
func DefaultParallelConfig() ParallelConfig {
	return ParallelConfig{
		Workers:    runtime.NumCPU(),
		QueueDepth: 2 * runtime.NumCPU(),
	}
}

func (p ParallelConfig) workers() int {
	if p.Workers <= 0 {
		return runtime.NumCPU()
	}
	return p.Workers
}

func (p ParallelConfig) depth() int {
	if p.QueueDepth <= 0 {
		return 2 * p.workers()
	}
	return max(p.QueueDepth, p.workers())
}

// pipelineTask is one member's work item tagged with its output position
type pipelineTask[In, Out any] struct {
	index int
	in    In
	out   Out
	err   error
}

// runOrdered feeds items from produce through work on a bounded pool and
// hands results to sink in the order produce emitted them. sink runs on
// the calling goroutine only, so it may own the destination handle.
//
// Work errors are delivered to sink in order so callers decide whether they
// are fatal; a non-nil error from sink or produce stops the pipeline.
// produce blocks once depth items are outstanding.
func runOrdered[In, Out any](
	ctx context.Context,
	cfg ParallelConfig,
	produce func(ctx context.Context, emit func(In) error) error,
	work func(ctx context.Context, in In) (Out, error),
	sink func(in In, out Out, err error) error,
) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	numWorkers := cfg.workers()
	depth := cfg.depth()

	jobs := make(chan pipelineTask[In, Out])
	results := make(chan pipelineTask[In, Out], depth)
	slots := make(chan struct{}, depth)

	var produceErr error
	go func() {
		defer close(jobs)
		next := 0
		produceErr = produce(ctx, func(in In) error {
			select {
			case slots <- struct{}{}:
			case <-ctx.Done():
				return ctx.Err()
			}
			select {
			case jobs <- pipelineTask[In, Out]{index: next, in: in}:
			case <-ctx.Done():
				<-slots
				return ctx.Err()
			}
			next++
			return nil
		})
	}()

	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range jobs {
				t.out, t.err = safeWork(ctx, work, t.in)
				results <- t
			}
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	// Hold out-of-order completions until their turn
	pending := make(map[int]pipelineTask[In, Out])
	next := 0
	var firstErr error
	for t := range results {
		pending[t.index] = t
		for {
			p, ok := pending[next]
			if !ok {
				break
			}
			delete(pending, next)
			next++
			<-slots

			if firstErr != nil {
				continue
			}
			if err := ctx.Err(); err != nil {
				firstErr = err
				cancel()
				continue
			}
			if err := sink(p.in, p.out, p.err); err != nil {
				firstErr = err
				cancel()
			}
		}
	}

	if firstErr != nil {
		return firstErr
	}
	if produceErr != nil {
		return produceErr
	}
	return ctx.Err()
}

// safeWork converts a worker panic into an error
func safeWork[In, Out any](ctx context.Context, work func(context.Context, In) (Out, error), in In) (out Out, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in pipeline worker: %v", r)
		}
	}()
	if err := ctx.Err(); err != nil {
		return out, err
	}
	return work(ctx, in)
}
