package circuit

import (
	"sync"
	"time"

	"sigtra/internal/logger"
)

// 中文说明：
// 简单三态熔断器，保护周期性任务不被连续故障拖垮。
// CLOSED 正常放行；连续失败到阈值转 OPEN 全部拒绝；
// 冷却期过后放行一次探测（HALF-OPEN），成功回 CLOSED，失败回 OPEN。

// State 熔断器状态。
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF-OPEN"
	default:
		return "UNKNOWN"
	}
}

// Snapshot 供状态接口展示的只读视图。
type Snapshot struct {
	Name        string `json:"name"`
	State       string `json:"state"`
	Failures    int    `json:"failures"`
	Threshold   int    `json:"threshold"`
	LastFailure int64  `json:"last_failure,omitempty"`
}

// Breaker 按调用点命名的熔断器实例。
type Breaker struct {
	mu          sync.Mutex
	name        string
	state       State
	failures    int
	threshold   int
	cooldown    time.Duration
	lastFailure time.Time
}

// NewBreaker 创建熔断器。threshold<=0 取 5，cooldown<=0 取 2 分钟。
func NewBreaker(name string, threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 2 * time.Minute
	}
	return &Breaker{name: name, state: StateClosed, threshold: threshold, cooldown: cooldown}
}

// Allow 判断本次调用是否放行。OPEN 状态冷却期满时转 HALF-OPEN 放行探测。
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if time.Since(b.lastFailure) > b.cooldown {
			b.transition(StateHalfOpen)
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess 上报一次成功，清空失败计数。
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.transition(StateClosed)
	}
	b.failures = 0
}

// RecordFailure 上报一次失败。CLOSED 达到阈值或 HALF-OPEN 探测失败都转 OPEN。
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = time.Now()
	switch b.state {
	case StateClosed:
		if b.failures >= b.threshold {
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		b.transition(StateOpen)
	}
}

// Snapshot 返回当前状态视图。
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := Snapshot{
		Name:      b.name,
		State:     b.state.String(),
		Failures:  b.failures,
		Threshold: b.threshold,
	}
	if !b.lastFailure.IsZero() {
		snap.LastFailure = b.lastFailure.UnixMilli()
	}
	return snap
}

func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	logger.Warnf("熔断器 %s 状态切换 %s -> %s (failures=%d/%d cooldown=%s)",
		b.name, from, to, b.failures, b.threshold, b.cooldown)
}
