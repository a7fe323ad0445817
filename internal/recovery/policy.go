package recovery

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Policy is the retry behavior for one failure kind.
type Policy struct {
	// MaxAttempts is the total number of tries, the first included.
	MaxAttempts int
	// BaseDelay seeds the exponential backoff.
	BaseDelay time.Duration
	// MaxDelay caps the backoff regardless of attempt count.
	MaxDelay time.Duration
	// Jitter randomizes each delay into [0.5x, 1.0x) to spread thundering
	// herds across retrying callers.
	Jitter bool
}

// Retryable reports whether the policy permits more than one attempt.
func (p Policy) Retryable() bool { return p.MaxAttempts > 1 }

// DelayForAttempt computes the pause before the next try after the given
// 1-indexed attempt has failed: min(base * 2^(attempt-1), max), jittered
// when the policy asks for it.
func (p Policy) DelayForAttempt(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))
	if max := float64(p.MaxDelay); delay > max {
		delay = max
	}
	if p.Jitter {
		delay *= 0.5 + rand.Float64()*0.5
	}
	return time.Duration(delay)
}

// DefaultPolicies is the policy table keyed by failure kind.
//
// Auth and payment are hard stops: one attempt, no backoff, escalate to a
// human. Permanent failures likewise never retry. Component-down failures
// retry a few times while the integration's breaker decides whether to
// degrade.
func DefaultPolicies() map[Kind]Policy {
	return map[Kind]Policy{
		KindTransient:     {MaxAttempts: 5, BaseDelay: 2 * time.Second, MaxDelay: 60 * time.Second, Jitter: true},
		KindRateLimit:     {MaxAttempts: 4, BaseDelay: 30 * time.Second, MaxDelay: 300 * time.Second, Jitter: true},
		KindAuth:          {MaxAttempts: 1},
		KindPayment:       {MaxAttempts: 1},
		KindPermanent:     {MaxAttempts: 1},
		KindComponentDown: {MaxAttempts: 3, BaseDelay: 10 * time.Second, MaxDelay: 120 * time.Second, Jitter: true},
	}
}

// PolicyFor returns the default policy for the kind. Unknown kinds get the
// permanent policy, which forbids retry.
func PolicyFor(kind Kind) Policy {
	if p, ok := DefaultPolicies()[kind]; ok {
		return p
	}
	return Policy{MaxAttempts: 1}
}

// Retryer runs an operation under the policy table, classifying each
// failure to pick its backoff.
type Retryer struct {
	Policies map[Kind]Policy

	sleep func(ctx context.Context, d time.Duration) error
}

// NewRetryer builds a Retryer over the default policy table.
func NewRetryer() *Retryer {
	return &Retryer{Policies: DefaultPolicies(), sleep: sleepCtx}
}

func (r *Retryer) policyFor(kind Kind) Policy {
	if p, ok := r.Policies[kind]; ok {
		return p
	}
	return Policy{MaxAttempts: 1}
}

// Do invokes fn until it succeeds, its failure kind forbids retry, or the
// kind's attempt budget is exhausted. The returned error is always a
// *ClassifiedError wrapping the last failure.
func (r *Retryer) Do(ctx context.Context, component string, fn func(ctx context.Context) error) error {
	if r.sleep == nil {
		r.sleep = sleepCtx
	}
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		ce := Classify(component, err)
		policy := r.policyFor(ce.Kind)
		if !policy.Retryable() {
			return ce
		}
		if attempt >= policy.MaxAttempts {
			return ce
		}

		delay := policy.DelayForAttempt(attempt)
		fmt.Printf("Retrying %s after %s failure (attempt %d/%d, waiting %v)\n",
			component, ce.Kind, attempt, policy.MaxAttempts, delay.Round(time.Millisecond))
		if err := r.sleep(ctx, delay); err != nil {
			return fmt.Errorf("retry of %s canceled: %w", component, err)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
