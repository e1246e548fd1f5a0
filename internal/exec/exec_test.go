package exec

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func double(ctx context.Context, chunk int, index int) ([]int, error) {
	return []int{chunk * 2}, nil
}

func TestRunSerialConcatenates(t *testing.T) {
	e := New[int, int](nil)
	out, err := e.Run(context.Background(), SliceNext([]int{1, 2, 3}), double)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{2, 4, 6}, out)
}

func TestRunParallelBounded(t *testing.T) {
	e := New[int, int](nil)
	e.Mode = ModeParallel
	e.MaxWorkers = 2
	out, err := e.Run(context.Background(), SliceNext([]int{1, 2, 3, 4, 5}), double)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{2, 4, 6, 8, 10}, out)
}

func TestRunSerialAbortsOnFirstError(t *testing.T) {
	e := New[int, int](nil)
	boom := errors.New("boom")
	fn := func(ctx context.Context, chunk int, index int) ([]int, error) {
		if chunk == 2 {
			return nil, boom
		}
		return []int{chunk}, nil
	}
	_, err := e.Run(context.Background(), SliceNext([]int{1, 2, 3}), fn)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

type memSink struct {
	rows       []int
	begun      bool
	committed  bool
	rolledBack bool
}

func (m *memSink) Begin(ctx context.Context) error { m.begun = true; return nil }
func (m *memSink) Write(ctx context.Context, rows []int) error {
	m.rows = append(m.rows, rows...)
	return nil
}
func (m *memSink) Commit(ctx context.Context) error   { m.committed = true; return nil }
func (m *memSink) Rollback(ctx context.Context) error { m.rolledBack = true; return nil }

func TestRunIncrementalCommits(t *testing.T) {
	e := New[int, int](nil)
	sink := &memSink{}
	err := e.RunIncremental(context.Background(), SliceNext([]int{1, 2, 3}), double, sink)
	require.NoError(t, err)
	assert.True(t, sink.begun)
	assert.True(t, sink.committed)
	assert.ElementsMatch(t, []int{2, 4, 6}, sink.rows)
}

func TestRunIncrementalRollsBackOnError(t *testing.T) {
	e := New[int, int](nil)
	boom := errors.New("boom")
	fn := func(ctx context.Context, chunk int, index int) ([]int, error) {
		if chunk == 2 {
			return nil, boom
		}
		return []int{chunk}, nil
	}
	sink := &memSink{}
	err := e.RunIncremental(context.Background(), SliceNext([]int{1, 2, 3}), fn, sink)
	require.Error(t, err)
	assert.False(t, sink.committed)
	assert.True(t, sink.rolledBack)
}

func TestRunIncrementalRejectsParallel(t *testing.T) {
	e := New[int, int](nil)
	e.Mode = ModeParallel
	sink := &memSink{}
	err := e.RunIncremental(context.Background(), SliceNext([]int{1}), double, sink)
	require.Error(t, err)
}
