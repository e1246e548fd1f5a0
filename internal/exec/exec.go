// Package exec implements the streaming executor: it drives a finite,
// non-restartable sequence of row-chunks through a caller-supplied per-chunk
// function, either serially or with bounded parallelism, and either
// accumulates results or streams them to a transactional sink.
package exec

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/bugfreev587/ocp-cost-aggregator/internal/model"
)

// NextFunc yields the next chunk of a finite, not-restartable sequence.
// ok is false once the sequence is exhausted; err aborts the run.
type NextFunc[C any] func() (chunk C, ok bool, err error)

// ChunkFunc transforms one chunk (plus its index in arrival order) into
// zero or more output rows. Any returned error aborts the run.
type ChunkFunc[C any, R any] func(ctx context.Context, chunk C, index int) ([]R, error)

// CombineFunc folds one chunk's output rows into the running accumulator.
// The default is concatenation; row order across chunks is never
// guaranteed, so a caller relying on order must supply its own combine.
type CombineFunc[R any] func(acc []R, rows []R) []R

// Concat is the default CombineFunc.
func Concat[R any](acc []R, rows []R) []R {
	return append(acc, rows...)
}

// Sink is the incremental-write variant's destination: one transaction for
// the whole run, committed on success and rolled back on any error.
type Sink[R any] interface {
	Begin(ctx context.Context) error
	Write(ctx context.Context, rows []R) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Mode selects serial vs bounded-parallel dispatch.
type Mode int

const (
	// ModeSerial processes chunks one at a time; memory is bounded by the
	// largest single chunk plus the accumulator.
	ModeSerial Mode = iota
	// ModeParallel materializes the whole sequence up front, then runs up
	// to MaxWorkers concurrent ChunkFunc invocations. MUST NOT be the
	// default on the OCP-on-AWS path, where reference data is shared and
	// not safe to duplicate per worker naively.
	ModeParallel
)

// Executor drives chunks through a ChunkFunc.
type Executor[C any, R any] struct {
	Mode       Mode
	MaxWorkers int
	Combine    CombineFunc[R]
	Log        *zap.Logger
}

// New builds an Executor with sensible defaults (serial, Concat combine).
func New[C any, R any](log *zap.Logger) *Executor[C, R] {
	return &Executor[C, R]{Mode: ModeSerial, MaxWorkers: 4, Combine: Concat[R], Log: log}
}

// Run drains next through fn and returns the combined result. Cancellation
// is checked at every chunk boundary.
func (e *Executor[C, R]) Run(ctx context.Context, next NextFunc[C], fn ChunkFunc[C, R]) ([]R, error) {
	switch e.Mode {
	case ModeParallel:
		return e.runParallel(ctx, next, fn)
	default:
		return e.runSerial(ctx, next, fn)
	}
}

func (e *Executor[C, R]) runSerial(ctx context.Context, next NextFunc[C], fn ChunkFunc[C, R]) ([]R, error) {
	var acc []R
	combine := e.combineOrDefault()
	for i := 0; ; i++ {
		if err := ctx.Err(); err != nil {
			return acc, err
		}
		chunk, ok, err := next()
		if err != nil {
			return acc, err
		}
		if !ok {
			return acc, nil
		}
		rows, err := fn(ctx, chunk, i)
		if err != nil {
			return acc, fmt.Errorf("chunk %d: %w", i, err)
		}
		if len(rows) > 0 {
			acc = combine(acc, rows)
		}
		// explicit release: chunk goes out of scope here: Go's GC reclaims
		// it once this iteration's locals are gone, matching the "drop the
		// input chunk after every per-chunk f" memory discipline.
	}
}

// runParallel first materializes the sequence (per spec: parallel mode
// MUST materialize before dispatch), then runs up to MaxWorkers concurrent
// invocations via errgroup. Completion order is unspecified; the first
// error aborts the group and is returned after in-flight work drains.
func (e *Executor[C, R]) runParallel(ctx context.Context, next NextFunc[C], fn ChunkFunc[C, R]) ([]R, error) {
	var chunks []C
	for {
		chunk, ok, err := next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		chunks = append(chunks, chunk)
	}

	workers := e.MaxWorkers
	if workers <= 0 {
		workers = 1
	}
	combine := e.combineOrDefault()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	results := make([][]R, len(chunks))
	for i, chunk := range chunks {
		i, chunk := i, chunk
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rows, err := fn(gctx, chunk, i)
			if err != nil {
				return fmt.Errorf("chunk %d: %w", i, err)
			}
			results[i] = rows
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if e.Log != nil {
			e.Log.Error("parallel chunk run aborted", zap.Error(err))
		}
		return nil, err
	}

	var acc []R
	for _, rows := range results {
		if len(rows) > 0 {
			acc = combine(acc, rows)
		}
	}
	return acc, nil
}

// RunIncremental streams each chunk's output rows to sink within a single
// transaction instead of accumulating. Parallel mode is disallowed here:
// only one chunk writer may be in flight against the sink's transaction.
func (e *Executor[C, R]) RunIncremental(ctx context.Context, next NextFunc[C], fn ChunkFunc[C, R], sink Sink[R]) error {
	if e.Mode == ModeParallel {
		return fmt.Errorf("%w: parallel chunks are disallowed with an incremental-write sink", model.ErrConfig)
	}
	if err := sink.Begin(ctx); err != nil {
		return fmt.Errorf("%w: begin: %v", model.ErrSink, err)
	}
	for i := 0; ; i++ {
		if err := ctx.Err(); err != nil {
			_ = sink.Rollback(ctx)
			return err
		}
		chunk, ok, err := next()
		if err != nil {
			_ = sink.Rollback(ctx)
			return err
		}
		if !ok {
			break
		}
		rows, err := fn(ctx, chunk, i)
		if err != nil {
			_ = sink.Rollback(ctx)
			return fmt.Errorf("chunk %d: %w", i, err)
		}
		if len(rows) == 0 {
			continue
		}
		if err := sink.Write(ctx, rows); err != nil {
			_ = sink.Rollback(ctx)
			return fmt.Errorf("%w: write: %v", model.ErrSink, err)
		}
	}
	if err := sink.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit: %v", model.ErrSink, err)
	}
	return nil
}

func (e *Executor[C, R]) combineOrDefault() CombineFunc[R] {
	if e.Combine != nil {
		return e.Combine
	}
	return Concat[R]
}

// SliceNext turns a plain slice into a NextFunc, the in-memory case.
func SliceNext[C any](items []C) NextFunc[C] {
	i := 0
	return func() (C, bool, error) {
		if i >= len(items) {
			var zero C
			return zero, false, nil
		}
		v := items[i]
		i++
		return v, true, nil
	}
}
