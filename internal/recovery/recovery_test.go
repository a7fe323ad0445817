package recovery

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestKindIsValid(t *testing.T) {
	valid := []Kind{KindTransient, KindRateLimit, KindAuth, KindPayment, KindPermanent, KindComponentDown}
	for _, k := range valid {
		if !k.IsValid() {
			t.Errorf("expected %s to be valid", k)
		}
	}
	if Kind("mystery").IsValid() {
		t.Error("expected unknown kind to be invalid")
	}
}

func TestClassifyPassesThroughExplicitKind(t *testing.T) {
	orig := PaymentFailure("stripe", errors.New("charge failed"))
	wrapped := fmt.Errorf("sending invoice: %w", orig)

	got := Classify("stripe", wrapped)
	if got.Kind != KindPayment {
		t.Errorf("expected payment to survive wrapping, got %s", got.Kind)
	}
	if got != orig {
		t.Error("expected the original classified error back")
	}
}

func TestClassifyDeadlineExceededIsTransient(t *testing.T) {
	err := fmt.Errorf("calling gmail: %w", context.DeadlineExceeded)
	if got := Classify("gmail", err); got.Kind != KindTransient {
		t.Errorf("expected transient, got %s", got.Kind)
	}
}

func TestClassifyMessageSubstrings(t *testing.T) {
	tests := []struct {
		msg  string
		want Kind
	}{
		{"connection timed out", KindTransient},
		{"connection reset by peer", KindTransient},
		{"temporary failure in name resolution", KindTransient},
		{"rate limit exceeded, slow down", KindRateLimit},
		{"HTTP 429 too many requests", KindRateLimit},
		{"unauthorized: invalid api key", KindAuth},
		{"403 forbidden", KindAuth},
		{"service unavailable", KindComponentDown},
		{"connection refused", KindComponentDown},
		{"502 bad gateway", KindComponentDown},
		{"invoice template missing", KindPermanent},
		{"payment declined by bank", KindPermanent},
		{"card expired", KindPermanent},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			got := Classify("comp", errors.New(tt.msg))
			if got.Kind != tt.want {
				t.Errorf("Classify(%q) = %s, want %s", tt.msg, got.Kind, tt.want)
			}
		})
	}
}

func TestSubstringsNeverProducePayment(t *testing.T) {
	// Payment classification requires an explicit constructor or a 402
	// status. Message text alone must not trigger it.
	for _, msg := range []string{"payment failed", "payment required", "insufficient funds on card"} {
		if got := Classify("stripe", errors.New(msg)); got.Kind == KindPayment {
			t.Errorf("message %q classified as payment", msg)
		}
	}
}

func TestFromStatusCode(t *testing.T) {
	tests := []struct {
		status int
		want   Kind
	}{
		{401, KindAuth},
		{403, KindAuth},
		{402, KindPayment},
		{408, KindTransient},
		{429, KindRateLimit},
		{500, KindComponentDown},
		{503, KindComponentDown},
		{400, KindPermanent},
		{404, KindPermanent},
		{422, KindPermanent},
	}
	for _, tt := range tests {
		got := FromStatusCode("api", tt.status, errors.New("boom"))
		if got.Kind != tt.want {
			t.Errorf("status %d = %s, want %s", tt.status, got.Kind, tt.want)
		}
		if got.StatusCode != tt.status {
			t.Errorf("status code not preserved: got %d", got.StatusCode)
		}
	}
}

func TestKindHelpers(t *testing.T) {
	if !IsAuth(AuthFailure("gmail", errors.New("expired token"))) {
		t.Error("IsAuth missed an auth error")
	}
	if !IsPayment(PaymentFailure("stripe", errors.New("declined"))) {
		t.Error("IsPayment missed a payment error")
	}
	if IsPayment(Transient("stripe", errors.New("blip"))) {
		t.Error("IsPayment matched a transient error")
	}
}

func TestDefaultPolicyTable(t *testing.T) {
	tests := []struct {
		kind        Kind
		maxAttempts int
		base        time.Duration
		max         time.Duration
		jitter      bool
	}{
		{KindTransient, 5, 2 * time.Second, 60 * time.Second, true},
		{KindRateLimit, 4, 30 * time.Second, 300 * time.Second, true},
		{KindAuth, 1, 0, 0, false},
		{KindPayment, 1, 0, 0, false},
		{KindPermanent, 1, 0, 0, false},
		{KindComponentDown, 3, 10 * time.Second, 120 * time.Second, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			p := PolicyFor(tt.kind)
			if p.MaxAttempts != tt.maxAttempts {
				t.Errorf("MaxAttempts = %d, want %d", p.MaxAttempts, tt.maxAttempts)
			}
			if p.BaseDelay != tt.base {
				t.Errorf("BaseDelay = %v, want %v", p.BaseDelay, tt.base)
			}
			if p.MaxDelay != tt.max {
				t.Errorf("MaxDelay = %v, want %v", p.MaxDelay, tt.max)
			}
			if p.Jitter != tt.jitter {
				t.Errorf("Jitter = %v, want %v", p.Jitter, tt.jitter)
			}
		})
	}
}

func TestPolicyForUnknownKindForbidsRetry(t *testing.T) {
	p := PolicyFor(Kind("mystery"))
	if p.Retryable() {
		t.Error("unknown kind must not be retryable")
	}
}

func TestDelayForAttemptDoublesAndCaps(t *testing.T) {
	p := Policy{MaxAttempts: 10, BaseDelay: 2 * time.Second, MaxDelay: 60 * time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 32 * time.Second},
		{6, 60 * time.Second},
		{9, 60 * time.Second},
	}
	for _, tt := range tests {
		if got := p.DelayForAttempt(tt.attempt); got != tt.want {
			t.Errorf("attempt %d: delay = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestDelayForAttemptJitterBounds(t *testing.T) {
	p := Policy{MaxAttempts: 5, BaseDelay: 10 * time.Second, MaxDelay: 60 * time.Second, Jitter: true}

	for i := 0; i < 200; i++ {
		d := p.DelayForAttempt(2)
		if d < 10*time.Second || d >= 20*time.Second {
			t.Fatalf("jittered delay %v outside [10s, 20s)", d)
		}
	}
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	r := NewRetryer()
	r.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	calls := 0
	err := r.Do(context.Background(), "gmail", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return Transient("gmail", errors.New("blip"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDoStopsImmediatelyOnAuth(t *testing.T) {
	r := NewRetryer()
	r.sleep = func(ctx context.Context, d time.Duration) error {
		t.Fatal("auth failure must not back off")
		return nil
	}

	calls := 0
	err := r.Do(context.Background(), "gmail", func(ctx context.Context) error {
		calls++
		return AuthFailure("gmail", errors.New("token revoked"))
	})
	if calls != 1 {
		t.Fatalf("expected exactly 1 call, got %d", calls)
	}
	if !IsAuth(err) {
		t.Errorf("expected auth error back, got %v", err)
	}
}

func TestDoStopsImmediatelyOnPayment(t *testing.T) {
	r := NewRetryer()
	r.sleep = func(ctx context.Context, d time.Duration) error {
		t.Fatal("payment failure must not back off")
		return nil
	}

	calls := 0
	err := r.Do(context.Background(), "stripe", func(ctx context.Context) error {
		calls++
		return PaymentFailure("stripe", errors.New("declined"))
	})
	if calls != 1 {
		t.Fatalf("expected exactly 1 call, got %d", calls)
	}
	if !IsPayment(err) {
		t.Errorf("expected payment error back, got %v", err)
	}
}

func TestDoExhaustsAttemptBudget(t *testing.T) {
	r := NewRetryer()
	slept := 0
	r.sleep = func(ctx context.Context, d time.Duration) error {
		slept++
		return nil
	}

	calls := 0
	err := r.Do(context.Background(), "whatsapp", func(ctx context.Context) error {
		calls++
		return ComponentDown("whatsapp", errors.New("bridge offline"))
	})
	if err == nil {
		t.Fatal("expected an error after exhaustion")
	}
	if calls != 3 {
		t.Errorf("component_down budget is 3 attempts, got %d", calls)
	}
	if slept != 2 {
		t.Errorf("expected 2 backoff pauses, got %d", slept)
	}
	if KindOf(err) != KindComponentDown {
		t.Errorf("expected component_down back, got %v", KindOf(err))
	}
}

func TestDoHonorsContextCancellation(t *testing.T) {
	r := NewRetryer()
	ctx, cancel := context.WithCancel(context.Background())
	r.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	err := r.Do(ctx, "gmail", func(ctx context.Context) error {
		return Transient("gmail", errors.New("blip"))
	})
	if err == nil || !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
