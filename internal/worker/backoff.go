package worker

import (
	"errors"
	"math/rand"
	"time"
)

type retryPolicy struct {
	base     time.Duration
	maxDelay time.Duration
	jitter   float64 // 0.2 = 20%
}

func (p retryPolicy) withDefaults() retryPolicy {
	if p.base <= 0 {
		p.base = 500 * time.Millisecond
	}
	if p.maxDelay <= 0 {
		p.maxDelay = 15 * time.Second
	}
	if p.jitter <= 0 {
		p.jitter = 0.2
	}
	return p
}

// backoffDelayWithHint sizes the re-visibility delay before the next attempt.
// Explicit retry-after hints from the handler win over exponential backoff,
// bounded by the policy max and still jittered to avoid thundering herds.
func backoffDelayWithHint(p retryPolicy, attempt int, err error, rng *rand.Rand) time.Duration {
	p = p.withDefaults()

	var ra RetryAfterError
	if err != nil && errors.As(err, &ra) {
		d := ra.RetryAfter()
		if d < 0 {
			d = 0
		}
		if d > p.maxDelay {
			d = p.maxDelay
		}
		return applyJitter(d, p.jitter, p.maxDelay, rng)
	}
	return backoffDelay(p, attempt, rng)
}

func backoffDelay(p retryPolicy, attempt int, rng *rand.Rand) time.Duration {
	p = p.withDefaults()

	d := p.base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > p.maxDelay {
			d = p.maxDelay
			break
		}
	}
	return applyJitter(d, p.jitter, p.maxDelay, rng)
}

func applyJitter(d time.Duration, jitter float64, maxDelay time.Duration, rng *rand.Rand) time.Duration {
	if jitter > 0 && d > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * jitter
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > maxDelay {
		d = maxDelay
	}
	return d
}
