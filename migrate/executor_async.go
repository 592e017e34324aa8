package migrate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/shardkit/shardkit/store"
)

//
// This file contains the per-move phase work that runBatch runs in
// dedicated goroutines, under the governor's budgets.
//

// driveMove advances one move from its current anchor to Verified, or to
// Failed when retries run out. Transient copy/verify errors and
// verification mismatches both retry with exponential backoff; a mismatch
// additionally rolls the move back to Copying so the copy is redone. Any
// other error fails the move immediately.
func (e *Executor[K]) driveMove(ctx context.Context, r *run[K], move KeyMove[K]) {
	release, err := e.cfg.Governor.Acquire(ctx, move.Source, move.Target)
	if err != nil {
		return // cancelled while queued; the move stays at its anchor.
	}
	defer release()

	bo := e.newBackoff()
	retries := 0
	state := r.state(move.Key)
	for {
		if ctx.Err() != nil {
			return
		}

		switch state {
		case Planned, Copying:
			r.setState(move.Key, Copying)
			if err := e.copyMove(ctx, move); err != nil {
				if !e.retryable(ctx, r, move, err, bo, &retries) {
					return
				}
				continue
			}
			state = Copied
			r.setState(move.Key, Copied)
			e.metrics.copied.Inc()

		case Copied, Verifying:
			r.setState(move.Key, Verifying)
			ok, err := e.verifyMove(ctx, move)
			if err != nil {
				if !e.retryable(ctx, r, move, err, bo, &retries) {
					return
				}
				continue
			}
			if !ok {
				mismatch := fmt.Errorf("%w: key %s on %s", ErrVerificationMismatch, move.Key, move.Target)
				if !e.retryable(ctx, r, move, mismatch, bo, &retries) {
					return
				}
				// Roll back to Copying; the copy is redone before the
				// next verification.
				state = Copying
				r.setState(move.Key, Copying)
				continue
			}
			state = Verified
			r.setState(move.Key, Verified)
			e.metrics.verified.Inc()
			return

		default:
			return
		}
	}
}

func (e *Executor[K]) copyMove(ctx context.Context, move KeyMove[K]) error {
	if e.copySem != nil {
		select {
		case e.copySem <- struct{}{}:
			defer func() { <-e.copySem }()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	e.metrics.activeCopy.Inc()
	defer e.metrics.activeCopy.Dec()

	start := time.Now()
	err := e.cfg.Mover.Copy(ctx, move)
	elapsed := time.Since(start)
	e.metrics.copyDuration.Observe(elapsed.Seconds())
	e.cfg.Governor.Observe(move.Target, elapsed)
	return err
}

func (e *Executor[K]) verifyMove(ctx context.Context, move KeyMove[K]) (bool, error) {
	if e.verifySem != nil {
		select {
		case e.verifySem <- struct{}{}:
			defer func() { <-e.verifySem }()
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	e.metrics.activeVerify.Inc()
	defer e.metrics.activeVerify.Dec()

	start := time.Now()
	ok, err := e.cfg.Verifier.Verify(ctx, move)
	elapsed := time.Since(start)
	e.metrics.verifyDuration.Observe(elapsed.Seconds())
	e.cfg.Governor.Observe(move.Target, elapsed)
	return ok, err
}

// retryable decides whether err warrants another attempt for move. It
// counts the retry, sleeps the backoff and reports true, or marks the move
// Failed and reports false. Cancellation never fails a move; the move stays
// at its anchor for the next run.
func (e *Executor[K]) retryable(ctx context.Context, r *run[K], move KeyMove[K], err error, bo *moveBackoff, retries *int) bool {
	if ctx.Err() != nil {
		return false
	}
	recoverable := store.IsTransient(err) || isMismatch(err)
	if !recoverable || *retries >= e.cfg.MaxRetries {
		r.fail(move.Key, err)
		e.metrics.failed.Inc()
		log.Warnw("move failed", "key", move.Key, "source", move.Source, "target", move.Target,
			"retries", *retries, "error", err)
		return false
	}
	*retries++
	r.addRetries(1)
	e.metrics.retries.Inc()
	log.Debugw("retrying move", "key", move.Key, "attempt", *retries, "error", err)
	if e.sleep(ctx, bo.next()) != nil {
		return false
	}
	return true
}

func isMismatch(err error) bool {
	return errors.Is(err, ErrVerificationMismatch)
}

// moveBackoff wraps the exponential backoff shared by one move's attempts.
type moveBackoff struct {
	inner *backoff.ExponentialBackOff
}

func (e *Executor[K]) newBackoff() *moveBackoff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.cfg.RetryInterval
	bo.MaxInterval = 2 * time.Second
	bo.MaxElapsedTime = 0 // the retry count is the bound, not wall time.
	bo.Reset()
	return &moveBackoff{inner: bo}
}

func (b *moveBackoff) next() time.Duration {
	d := b.inner.NextBackOff()
	if d == backoff.Stop {
		d = b.inner.MaxInterval
	}
	return d
}

func (e *Executor[K]) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
