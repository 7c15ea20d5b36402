// Package loop provides the shared runner the perception, cognition and
// action loops are built on: a run-forever step driver with clean
// context stop, plus the capped exponential backoff used to ride out
// transient bus and store errors.
package loop

import (
	"context"
	"errors"
	"fmt"
	"time"

	"flywheel/internal/logging"
)

// Default backoff window for transient failures.
const (
	DefaultBackoffBase = 100 * time.Millisecond
	DefaultBackoffMax  = 30 * time.Second
)

// ErrStop tells the runner to exit cleanly without treating the step
// as failed.
var ErrStop = errors.New("loop stop requested")

// Step processes one unit of work. A nil return resets the backoff; an
// error return is treated as transient and retried after a backoff.
type Step func(ctx context.Context) error

// Runner drives a loop until its context is canceled. The zero backoff
// fields fall back to the package defaults.
type Runner struct {
	Name        string
	Category    logging.Category
	Step        Step
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// Run calls Step repeatedly until ctx is canceled or the step returns
// ErrStop. Step errors are logged and retried after a capped
// exponential backoff; a successful step resets the backoff. Run
// returns nil on a clean stop.
func (r *Runner) Run(ctx context.Context) error {
	base := r.BackoffBase
	if base <= 0 {
		base = DefaultBackoffBase
	}
	max := r.BackoffMax
	if max <= 0 {
		max = DefaultBackoffMax
	}
	log := logging.Get(r.Category)

	log.Info("%s loop started", r.Name)
	failures := 0
	for {
		if ctx.Err() != nil {
			log.Info("%s loop stopped", r.Name)
			return nil
		}

		err := r.Step(ctx)
		if err == nil {
			failures = 0
			continue
		}
		if errors.Is(err, ErrStop) {
			log.Info("%s loop retired", r.Name)
			return nil
		}
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			log.Info("%s loop stopped", r.Name)
			return nil
		}

		failures++
		delay := Delay(base, max, failures)
		log.Warn("%s loop step failed (attempt %d), backing off %s: %v", r.Name, failures, delay, err)
		select {
		case <-ctx.Done():
			log.Info("%s loop stopped", r.Name)
			return nil
		case <-time.After(delay):
		}
	}
}

// Delay returns the capped exponential backoff for an attempt count.
// Attempt 1 waits base and each further attempt doubles, never past max.
func Delay(base, max time.Duration, attempt int) time.Duration {
	shift := attempt - 1
	if shift < 0 {
		shift = 0
	}
	if shift > 10 {
		shift = 10
	}
	d := base * time.Duration(1<<shift)
	if d > max {
		return max
	}
	return d
}

// Retry calls fn until it succeeds or attempts run out, backing off
// between tries. The last error is wrapped and returned, never
// swallowed. Used at call sites around transient bus and store writes.
func Retry(ctx context.Context, op string, attempts int, fn func() error) error {
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		delay := Delay(DefaultBackoffBase, DefaultBackoffMax, attempt)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s canceled after %d attempts: %w", op, attempt, err)
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", op, attempts, err)
}
