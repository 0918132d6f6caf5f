// Package retry computes bounded exponential backoff delays.
//
// Jitter is deterministic: a PRF over the caller-supplied key and the
// attempt index. Two nodes replaying the same failure sequence compute
// the same delays, which keeps failover timing reproducible in tests.
package retry

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// Policy bounds a retry loop: base * 2^attempt, capped at Max, plus
// jitter in [0, MaxJitter).
type Policy struct {
	Base        time.Duration
	Max         time.Duration
	MaxJitter   time.Duration
	MaxAttempts int // 0 = unbounded
}

// DefaultPolicy suits backend reconnection loops.
var DefaultPolicy = Policy{
	Base:        250 * time.Millisecond,
	Max:         30 * time.Second,
	MaxJitter:   500 * time.Millisecond,
	MaxAttempts: 0,
}

// Exhausted reports whether attempt has used up the policy's budget.
func (p Policy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt >= p.MaxAttempts
}

// Delay returns the backoff before the given attempt (0-based). key
// seeds the jitter PRF; use a stable identity such as "lease:node-a".
func (p Policy) Delay(attempt int, key string) time.Duration {
	factor := int64(1)
	if attempt > 0 {
		if attempt > 30 {
			factor = 1 << 30
		} else {
			factor = 1 << attempt
		}
	}

	delay := p.Base * time.Duration(factor)
	if delay > p.Max || delay < 0 {
		delay = p.Max
	}
	return delay + p.jitter(attempt, key)
}

func (p Policy) jitter(attempt int, key string) time.Duration {
	if p.MaxJitter <= 0 {
		return 0
	}
	seed := fmt.Sprintf("%s:%d", key, attempt)
	sum := sha256.Sum256([]byte(seed))
	basis := binary.BigEndian.Uint64(sum[:8])
	return time.Duration(basis % uint64(p.MaxJitter)) //nolint:gosec // MaxJitter is positive here
}
