package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/miradorstack/release-gate/internal/config"
)

// maxElapsed keeps the library's elapsed-time cap out of the way; attempts
// and the caller's context are the real bounds.
const maxElapsed = 24 * time.Hour

// Policy is a reusable retry policy: a maximum number of attempts and a
// linear or exponential backoff between them.
type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Linear          bool
}

// Once is a policy that never retries.
var Once = Policy{MaxAttempts: 1}

// FromConfig converts the YAML shape into a Policy.
func FromConfig(cfg config.RetryConfig) Policy {
	return Policy{
		MaxAttempts:     cfg.MaxAttempts,
		InitialInterval: cfg.InitialInterval,
		MaxInterval:     cfg.MaxInterval,
		Multiplier:      cfg.Multiplier,
		Linear:          cfg.Linear,
	}
}

// WithAttempts returns a copy of p with the attempt budget replaced when n > 0.
func (p Policy) WithAttempts(n int) Policy {
	if n > 0 {
		p.MaxAttempts = n
	}
	return p
}

// Attempts returns the effective attempt budget, at least one.
func (p Policy) Attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Notify observes a failed attempt before the policy waits for next.
type Notify func(attempt int, err error, next time.Duration)

// Run calls op until it returns nil, returns a permanent error, the attempt
// budget is spent or ctx is done. It reports how many attempts were made.
func (p Policy) Run(ctx context.Context, op func(ctx context.Context, attempt int) error, notify Notify) (int, error) {
	attempts := 0
	opts := []backoff.RetryOption{
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(uint(p.Attempts())),
		backoff.WithMaxElapsedTime(maxElapsed),
	}
	if notify != nil {
		opts = append(opts, backoff.WithNotify(func(err error, next time.Duration) {
			notify(attempts, err, next)
		}))
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		return struct{}{}, op(ctx, attempts)
	}, opts...)

	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Unwrap()
	}
	return attempts, err
}

func (p Policy) backOff() backoff.BackOff {
	initial := p.InitialInterval
	if initial <= 0 {
		initial = time.Second
	}
	maxInterval := p.MaxInterval
	if maxInterval <= 0 {
		maxInterval = 30 * time.Second
	}
	if p.Linear {
		return &linearBackOff{step: initial, max: maxInterval}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = maxInterval
	if p.Multiplier > 1 {
		b.Multiplier = p.Multiplier
	}
	b.RandomizationFactor = 0.1
	b.Reset()
	return b
}

// linearBackOff waits step, 2*step, 3*step... capped at max.
type linearBackOff struct {
	step time.Duration
	max  time.Duration
	n    int
}

func (l *linearBackOff) NextBackOff() time.Duration {
	l.n++
	next := time.Duration(l.n) * l.step
	if next > l.max {
		return l.max
	}
	return next
}

func (l *linearBackOff) Reset() {
	l.n = 0
}
