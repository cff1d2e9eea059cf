package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeflow-ai/tradeflow/internal/pkg/emergency"
	"github.com/tradeflow-ai/tradeflow/internal/workflow"
)

type fakeRunner struct {
	runs atomic.Int64
}

func (f *fakeRunner) Execute(ctx context.Context) (*workflow.ExecutionRecord, error) {
	f.runs.Add(1)
	return &workflow.ExecutionRecord{
		ExecutionID: "exec_test_00000000",
		Status:      workflow.StatusCompleted,
	}, nil
}

func TestSchedulerRunsEverySecond(t *testing.T) {
	em := emergency.NewController(emergency.Config{})
	s := New(em)

	runner := &fakeRunner{}
	id, err := s.Add("* * * * * *", "arb_btc", runner)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Len())

	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool {
		return runner.runs.Load() >= 2
	}, 5*time.Second, 50*time.Millisecond)

	s.Remove(id)
	assert.Equal(t, 0, s.Len())
}

func TestSchedulerRejectsInvalidSpec(t *testing.T) {
	s := New(emergency.NewController(emergency.Config{}))

	_, err := s.Add("not a schedule", "arb_btc", &fakeRunner{})
	require.Error(t, err)
	assert.Equal(t, 0, s.Len())
}

func TestSchedulerSkipsTicksAfterShutdown(t *testing.T) {
	em := emergency.NewController(emergency.Config{})
	require.NoError(t, em.Shutdown(context.Background(), "test shutdown"))

	s := New(em)
	runner := &fakeRunner{}
	_, err := s.Add("* * * * * *", "arb_btc", runner)
	require.NoError(t, err)

	s.Start()
	time.Sleep(2500 * time.Millisecond)
	s.Stop()

	assert.Zero(t, runner.runs.Load(), "no executions while shut down")
}

func TestSchedulerStopWaitsForInFlightRuns(t *testing.T) {
	em := emergency.NewController(emergency.Config{})
	s := New(em)

	started := make(chan struct{})
	finished := atomic.Bool{}
	runner := runnerFunc(func(ctx context.Context) (*workflow.ExecutionRecord, error) {
		close(started)
		time.Sleep(300 * time.Millisecond)
		finished.Store(true)
		return &workflow.ExecutionRecord{Status: workflow.StatusCompleted}, nil
	})

	_, err := s.Add("* * * * * *", "arb_btc", runner)
	require.NoError(t, err)
	s.Start()

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("scheduled run never started")
	}
	s.Stop()
	assert.True(t, finished.Load(), "Stop returned before the run finished")
}

type runnerFunc func(ctx context.Context) (*workflow.ExecutionRecord, error)

func (f runnerFunc) Execute(ctx context.Context) (*workflow.ExecutionRecord, error) {
	return f(ctx)
}
