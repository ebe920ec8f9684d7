package circuit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := NewBreaker("test", 3, time.Hour)

	assert.True(t, b.Allow())
	b.RecordFailure()
	b.RecordFailure()
	assert.True(t, b.Allow(), "未到阈值应继续放行")

	b.RecordFailure()
	assert.False(t, b.Allow(), "连续失败到阈值后应拒绝")
	assert.Equal(t, "OPEN", b.Snapshot().State)
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	b := NewBreaker("test", 1, 10*time.Millisecond)
	b.RecordFailure()
	assert.False(t, b.Allow())

	time.Sleep(20 * time.Millisecond)
	assert.True(t, b.Allow(), "冷却期满应放行探测")
	assert.Equal(t, "HALF-OPEN", b.Snapshot().State)

	b.RecordFailure()
	assert.False(t, b.Allow(), "探测失败应立即回到 OPEN")

	time.Sleep(20 * time.Millisecond)
	assert.True(t, b.Allow())
	b.RecordSuccess()
	assert.Equal(t, "CLOSED", b.Snapshot().State)
	assert.Zero(t, b.Snapshot().Failures)
}

func TestBreakerSuccessResetsFailures(t *testing.T) {
	b := NewBreaker("test", 3, time.Hour)
	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()

	snap := b.Snapshot()
	assert.Equal(t, "CLOSED", snap.State)
	assert.Zero(t, snap.Failures)
}
