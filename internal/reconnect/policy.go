// Package reconnect implements the integer-arithmetic exponential backoff
// policy used to pace relay reconnect attempts.
package reconnect

import "time"

// Config holds the tunable backoff parameters. MultiplierPercent is a
// fixed-point factor (200 = 2.0x); JitterPercent is a +/- percentage
// applied deterministically from a caller-supplied seed.
type Config struct {
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	MultiplierPercent uint32
	JitterPercent     uint32
	MaxRetries        uint32 // 0 = infinite
}

// DefaultConfig matches the relay client's default backoff: 1s initial,
// 30s cap, 2x multiplier, 10% jitter, infinite retries.
func DefaultConfig() Config {
	return Config{
		InitialDelay:      time.Second,
		MaxDelay:          30 * time.Second,
		MultiplierPercent: 200,
		JitterPercent:     10,
		MaxRetries:        0,
	}
}

// Policy tracks retry count and the current backoff delay for one
// reconnecting peer. It is not safe for concurrent use.
type Policy struct {
	cfg          Config
	retryCount   uint32
	currentDelay time.Duration
}

// New returns a Policy with its delay pre-calculated for retryCount==0.
func New(cfg Config) *Policy {
	p := &Policy{cfg: cfg}
	p.calculateDelay()
	return p
}

func (p *Policy) calculateDelay() {
	delay := p.cfg.InitialDelay
	for i := uint32(0); i < p.retryCount; i++ {
		safeThreshold := p.cfg.MaxDelay * 100 / time.Duration(p.cfg.MultiplierPercent)
		if delay >= safeThreshold {
			p.currentDelay = p.cfg.MaxDelay
			return
		}
		delay = delay * time.Duration(p.cfg.MultiplierPercent) / 100
		if delay > p.cfg.MaxDelay {
			p.currentDelay = p.cfg.MaxDelay
			return
		}
	}
	p.currentDelay = delay
}

// NextDelay returns the pre-calculated delay for the next retry attempt.
// It does not advance state; call RecordFailure after a failed attempt.
func (p *Policy) NextDelay() time.Duration { return p.currentDelay }

// NextDelayWithJitter applies deterministic jitter derived from seed via
// an xorshift scramble, so the same seed always yields the same delay —
// useful for reproducible tests, and for spreading reconnect storms across
// many clients whose seeds differ (e.g. a per-process random seed).
func (p *Policy) NextDelayWithJitter(seed uint32) time.Duration {
	if p.cfg.JitterPercent == 0 {
		return p.currentDelay
	}

	hash := seed
	hash ^= hash << 13
	hash ^= hash >> 17
	hash ^= hash << 5

	jitterRange := 2*p.cfg.JitterPercent + 1
	jitterOffset := int64(hash%jitterRange) - int64(p.cfg.JitterPercent)

	adjusted := int64(p.currentDelay) * (100 + jitterOffset) / 100
	if adjusted < 1 {
		adjusted = 1
	}
	if adjusted > int64(p.cfg.MaxDelay) {
		adjusted = int64(p.cfg.MaxDelay)
	}
	return time.Duration(adjusted)
}

// RetryResult reports whether another attempt is permitted.
type RetryResult uint8

const (
	ShouldRetry RetryResult = iota
	MaxRetriesReached
)

func (r RetryResult) String() string {
	if r == MaxRetriesReached {
		return "MaxRetriesReached"
	}
	return "ShouldRetry"
}

// ShouldRetry reports whether the retry count is still within MaxRetries
// (0 means infinite).
func (p *Policy) ShouldRetry() RetryResult {
	if p.cfg.MaxRetries == 0 {
		return ShouldRetry
	}
	if p.retryCount >= p.cfg.MaxRetries {
		return MaxRetriesReached
	}
	return ShouldRetry
}

// RecordFailure increments the retry count and recalculates the delay.
func (p *Policy) RecordFailure() {
	if p.retryCount < ^uint32(0) {
		p.retryCount++
	}
	p.calculateDelay()
}

// Reset zeroes the retry count after a successful connection.
func (p *Policy) Reset() {
	p.retryCount = 0
	p.calculateDelay()
}

// RetryCount reports the number of retries since the last Reset.
func (p *Policy) RetryCount() uint32 { return p.retryCount }

// SetConfig replaces the configuration without resetting the retry count.
func (p *Policy) SetConfig(cfg Config) {
	p.cfg = cfg
	p.calculateDelay()
}
