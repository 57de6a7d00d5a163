/*
sweeper.go - Pull verification and expiry of pending payments

PURPOSE:
  Webhooks get lost. The sweep walks pending payments, asks each gateway
  for the truth (bounded concurrency, bounded per-call timeout) and
  reconciles the answer through the same Engine.Reconcile path.

PER PAYMENT:
  gateway timed out           => unknown, left pending, retried next sweep
  gateway refused the request => unknown, left pending (bad credentials,
                                 missing reference)
  gateway confirmed / failed  => Reconcile (origin "sweep")
  Reconcile failed locally    => error, left pending for an operator
  still pending, or gateway answered 404, or no verifier:
    past ExpiresAt            => Reconcile a Failed event (origin "expiry")
    otherwise                 => left pending

  Only the gateway saying it has no record counts toward expiry. A timeout
  or a refused request never expires a payment, even one past its TTL: the
  money may have moved and we only know we could not ask. Neither does a
  local failure such as a missing order or product.

SEE ALSO:
  - api/scheduler.go: Runs Sweep on an interval
*/
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/payment-reconciler/gateway"
	"github.com/warp/payment-reconciler/generic"
	"golang.org/x/sync/errgroup"
)

type SweepConfig struct {
	// MinAge skips payments younger than this; their webhook is probably
	// still on the way.
	MinAge time.Duration
	// BatchSize caps how many pending payments one sweep looks at.
	BatchSize int
	// Concurrency caps parallel gateway calls.
	Concurrency int
	// CallTimeout bounds each verification call.
	CallTimeout time.Duration
}

func DefaultSweepConfig() SweepConfig {
	return SweepConfig{
		MinAge:      2 * time.Minute,
		BatchSize:   200,
		Concurrency: 8,
		CallTimeout: 15 * time.Second,
	}
}

type sweepResult int

const (
	sweepPending sweepResult = iota
	sweepApplied
	sweepExpired
	sweepUnknown
	sweepError
)

var sweepResultNames = map[sweepResult]string{
	sweepPending: "pending",
	sweepApplied: "applied",
	sweepExpired: "expired",
	sweepUnknown: "unknown",
	sweepError:   "error",
}

// Sweep runs one pass over pending payments and records it as a
// ReconciliationRun.
func (e *Engine) Sweep(ctx context.Context, cfg SweepConfig, trigger string) (generic.ReconciliationRun, error) {
	def := DefaultSweepConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}

	started := e.now()
	run := generic.ReconciliationRun{
		ID:        "sweep-" + uuid.NewString(),
		StartedAt: started,
		Trigger:   trigger,
		Status:    "running",
	}
	if err := e.store.SaveReconciliationRun(ctx, run); err != nil {
		return run, fmt.Errorf("failed to save run record: %w", err)
	}

	pending, err := e.store.ListPendingPayments(ctx, started.Add(-cfg.MinAge), cfg.BatchSize)
	if err != nil {
		return e.finishRun(ctx, run, err)
	}
	run.Scanned = len(pending)

	var counts [sweepError + 1]atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Concurrency)
	for _, p := range pending {
		g.Go(func() error {
			// One payment's failure never stops the others.
			counts[e.sweepOne(gctx, p, cfg.CallTimeout)].Add(1)
			return nil
		})
	}
	_ = g.Wait()

	run.Applied = int(counts[sweepApplied].Load())
	run.Expired = int(counts[sweepExpired].Load())
	run.Unknown = int(counts[sweepUnknown].Load())
	run.Errors = int(counts[sweepError].Load())
	for r := range counts {
		e.metrics.SweepResult(sweepResultNames[sweepResult(r)], int(counts[r].Load()))
	}
	e.metrics.SweepFinished(e.now().Sub(started))

	return e.finishRun(ctx, run, ctx.Err())
}

func (e *Engine) finishRun(ctx context.Context, run generic.ReconciliationRun, runErr error) (generic.ReconciliationRun, error) {
	completed := e.now()
	run.CompletedAt = &completed
	run.Status = "completed"
	if runErr != nil {
		run.Status = "failed"
		run.Error = runErr.Error()
	}

	// Record the outcome even when ctx was cancelled mid-sweep.
	saveCtx := context.WithoutCancel(ctx)
	if err := e.store.SaveReconciliationRun(saveCtx, run); err != nil {
		return run, fmt.Errorf("failed to update run record: %w", err)
	}

	e.logger.Info("[Sweep] Completed",
		"run_id", run.ID,
		"trigger", run.Trigger,
		"scanned", run.Scanned,
		"applied", run.Applied,
		"expired", run.Expired,
		"unknown", run.Unknown,
		"errors", run.Errors,
	)
	return run, runErr
}

func (e *Engine) sweepOne(ctx context.Context, p generic.Payment, timeout time.Duration) sweepResult {
	if _, ok := e.gateways.Verifier(p.Gateway); ok {
		vctx, cancel := context.WithTimeout(ctx, timeout)
		res, err := e.verify(vctx, p, "", gateway.OriginSweep)
		cancel()

		switch {
		case err == nil && res.Outcome == OutcomePending:
			// fall through to the expiry check
		case err == nil:
			return sweepApplied
		case errors.Is(err, generic.ErrGatewayTimeout), errors.Is(err, context.DeadlineExceeded):
			e.logger.Warn("[Sweep] Verification timed out, outcome unknown", "tx_ref", p.TxRef, "gateway", p.Gateway)
			return sweepUnknown
		case !fromGateway(err):
			if errors.Is(err, generic.ErrConflict) || errors.Is(err, generic.ErrInvalidTransition) {
				// resolved: a duplicate, or an anomaly already logged for an operator
				return sweepApplied
			}
			e.logger.Warn("[Sweep] Could not apply verified payment", "tx_ref", p.TxRef, "gateway", p.Gateway, "error", err)
			return sweepError
		case generic.IsNotFound(err):
			// the gateway has no record; the TTL decides
		case generic.IsClientError(err):
			e.logger.Warn("[Sweep] Gateway refused verification, outcome unknown", "tx_ref", p.TxRef, "gateway", p.Gateway, "error", err)
			return sweepUnknown
		default:
			e.logger.Warn("[Sweep] Verification failed", "tx_ref", p.TxRef, "gateway", p.Gateway, "error", err)
			return sweepError
		}
	}

	if !p.Expired(e.now()) {
		return sweepPending
	}
	return e.expire(ctx, p)
}

// expire fails a stale pending payment through the regular reconcile path.
func (e *Engine) expire(ctx context.Context, p generic.Payment) sweepResult {
	_, err := e.Reconcile(ctx, gateway.PaymentEvent{
		TxRef:      p.TxRef,
		Gateway:    p.Gateway,
		Status:     gateway.StatusFailed,
		AmountPaid: decimal.Zero,
		Origin:     gateway.OriginExpiry,
	})
	switch {
	case err == nil:
		return sweepExpired
	case errors.Is(err, generic.ErrConflict), errors.Is(err, generic.ErrInvalidTransition):
		// a webhook won the race, or the order was cancelled meanwhile
		return sweepExpired
	default:
		e.logger.Warn("[Sweep] Expiry failed", "tx_ref", p.TxRef, "error", err)
		return sweepError
	}
}
