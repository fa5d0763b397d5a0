// internal/waitfor/waitfor.go
package waitfor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultInterval is the polling period used when Options.Interval is unset.
const DefaultInterval = time.Second

// Check reports whether the awaited condition holds. A non-nil error aborts the
// wait unless Options.TolerateErrors is set.
type Check func(ctx context.Context) (bool, error)

// Options bounds a wait. A zero Timeout waits until ctx is cancelled.
type Options struct {
	Interval time.Duration
	Timeout  time.Duration

	// TolerateErrors treats a failing check as "not yet". Pages evaluated
	// mid-navigation fail transiently. context.Canceled still ends the wait.
	TolerateErrors bool
	// OnError, when set, sees every tolerated check error.
	OnError func(condition string, err error)
}

// Unbounded is used for human paced steps such as manual login.
func Unbounded(interval time.Duration) Options {
	return Options{Interval: interval, TolerateErrors: true}
}

// TimeoutError identifies which condition was still false when the bound expired.
type TimeoutError struct {
	Condition string
	Elapsed   time.Duration
	// LastErr is the most recent tolerated check error, if any.
	LastErr error
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("timed out after %s waiting for %s", e.Elapsed.Round(time.Millisecond), e.Condition)
	if e.LastErr != nil {
		msg += " (last error: " + e.LastErr.Error() + ")"
	}
	return msg
}

// IsTimeout reports whether err is a *TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// Until evaluates check immediately and then on every interval until it
// returns true, the timeout expires or ctx is done. A check error ends the wait
// unless opts.TolerateErrors is set.
func Until(ctx context.Context, name string, check Check, opts Options) error {
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	start := time.Now()
	var deadline <-chan time.Time
	if opts.Timeout > 0 {
		timer := time.NewTimer(opts.Timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastErr error
	for {
		ok, err := check(ctx)
		switch {
		case err == nil && ok:
			return nil
		case err != nil && ctx.Err() != nil:
			return ctx.Err()
		case err != nil && (!opts.TolerateErrors || errors.Is(err, context.Canceled)):
			return fmt.Errorf("waiting for %s: %w", name, err)
		case err != nil:
			lastErr = err
			if opts.OnError != nil {
				opts.OnError(name, err)
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			// One last look so a condition met right at the bound still counts.
			if ok, err := check(ctx); err == nil && ok {
				return nil
			}
			return &TimeoutError{Condition: name, Elapsed: time.Since(start), LastErr: lastErr}
		case <-ticker.C:
		}
	}
}

// Condition is one contender in a Race.
type Condition struct {
	Name  string
	Check Check
}

// Race polls every condition concurrently and returns the name of the first
// one to hold. Losing waits are cancelled before Race returns.
func Race(ctx context.Context, name string, opts Options, conds ...Condition) (string, error) {
	if len(conds) == 0 {
		return "", fmt.Errorf("%s: no conditions to race", name)
	}

	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	winner := make(chan string, len(conds))
	g, gctx := errgroup.WithContext(raceCtx)
	for _, c := range conds {
		g.Go(func() error {
			if err := Until(gctx, c.Name, c.Check, opts); err != nil {
				return err
			}
			winner <- c.Name
			cancel()
			return nil
		})
	}

	err := g.Wait()
	select {
	case w := <-winner:
		return w, nil
	default:
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", ctxErr
	}
	return "", fmt.Errorf("%s failed to meet conditions: %w", name, err)
}
