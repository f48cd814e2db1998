package reconnect

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfigInitialDelay(t *testing.T) {
	p := New(DefaultConfig())
	assert.Equal(t, time.Second, p.NextDelay())
}

func TestExponentialGrowthAndCap(t *testing.T) {
	p := New(DefaultConfig())

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second, // would be 32s, capped
		30 * time.Second,
	}

	for i, w := range want {
		assert.Equalf(t, w, p.NextDelay(), "iteration %d", i)
		p.RecordFailure()
	}
}

func TestResetReturnsToInitialDelay(t *testing.T) {
	p := New(DefaultConfig())
	p.RecordFailure()
	p.RecordFailure()
	assert.NotEqual(t, time.Second, p.NextDelay())

	p.Reset()
	assert.Equal(t, time.Second, p.NextDelay())
	assert.EqualValues(t, 0, p.RetryCount())
}

func TestShouldRetryRespectsMaxRetries(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRetries = 2
	p := New(cfg)

	assert.Equal(t, ShouldRetry, p.ShouldRetry())
	p.RecordFailure()
	assert.Equal(t, ShouldRetry, p.ShouldRetry())
	p.RecordFailure()
	assert.Equal(t, MaxRetriesReached, p.ShouldRetry())
}

func TestShouldRetryInfiniteWhenZero(t *testing.T) {
	p := New(DefaultConfig())
	for i := 0; i < 1000; i++ {
		p.RecordFailure()
	}
	assert.Equal(t, ShouldRetry, p.ShouldRetry())
}

func TestJitterDeterministicForSameSeed(t *testing.T) {
	p := New(DefaultConfig())
	p.RecordFailure()
	p.RecordFailure()

	a := p.NextDelayWithJitter(12345)
	b := p.NextDelayWithJitter(12345)
	assert.Equal(t, a, b)
}

func TestJitterWithinConfiguredRange(t *testing.T) {
	p := New(DefaultConfig())
	base := p.NextDelay()
	minD := base * 90 / 100
	maxD := base * 110 / 100

	for seed := uint32(0); seed < 500; seed++ {
		d := p.NextDelayWithJitter(seed)
		assert.GreaterOrEqualf(t, d, minD, "seed %d", seed)
		assert.LessOrEqualf(t, d, maxD, "seed %d", seed)
	}
}

func TestJitterDisabledReturnsBaseDelay(t *testing.T) {
	cfg := DefaultConfig()
	cfg.JitterPercent = 0
	p := New(cfg)

	assert.Equal(t, p.NextDelay(), p.NextDelayWithJitter(999))
}

func TestSetConfigPreservesRetryCount(t *testing.T) {
	p := New(DefaultConfig())
	p.RecordFailure()
	p.RecordFailure()

	cfg := DefaultConfig()
	cfg.InitialDelay = 500 * time.Millisecond
	p.SetConfig(cfg)

	assert.EqualValues(t, 2, p.RetryCount())
	assert.Equal(t, 2*time.Second, p.NextDelay())
}
