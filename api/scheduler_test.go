package api

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/payment-reconciler/gateway"
	"github.com/warp/payment-reconciler/generic"
)

func TestSweepScheduler_RunNowRecordsRun(t *testing.T) {
	env := newTestEnv(t)
	o := env.seedOrder("ord-1", "1000")
	env.seedPayment("stub-1", "stub", o)
	env.stub.answer("stub-1", gateway.StatusSuccessful, "1000")
	s := NewSweepScheduler(env.engine, env.handler.Sweep, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ran := s.RunNow(context.Background())

	assert.True(t, ran)
	runs, err := env.store.ListReconciliationRuns(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "scheduler", runs[0].Trigger)
	assert.Equal(t, generic.PaymentPaid, env.order("ord-1").PaymentStatus)
}

func TestSweepScheduler_SkipsOverlappingRun(t *testing.T) {
	env := newTestEnv(t)
	s := NewSweepScheduler(env.engine, env.handler.Sweep, nil)

	// GIVEN: a sweep is in flight
	s.running.Lock()

	ran := s.RunNow(context.Background())

	s.running.Unlock()
	assert.False(t, ran)
}

func TestSweepScheduler_StartStop(t *testing.T) {
	env := newTestEnv(t)
	s := NewSweepScheduler(env.engine, env.handler.Sweep, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.CheckInterval = 10 * time.Millisecond

	s.Start(context.Background())
	require.Eventually(t, func() bool {
		runs, _ := env.store.ListReconciliationRuns(context.Background(), 10)
		return len(runs) >= 2
	}, time.Second, 5*time.Millisecond)
	s.Stop()
	s.Stop() // idempotent

	runs, err := env.store.ListReconciliationRuns(context.Background(), 100)
	require.NoError(t, err)
	for _, run := range runs {
		assert.NotEqual(t, "running", run.Status, "Stop waits for the in-flight sweep")
	}
}

func TestSweepScheduler_Disabled(t *testing.T) {
	env := newTestEnv(t)
	s := NewSweepScheduler(env.engine, env.handler.Sweep, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.Enabled = false

	s.Start(context.Background())
	s.Stop()

	runs, err := env.store.ListReconciliationRuns(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, runs)
}
