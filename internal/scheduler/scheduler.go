package scheduler

import (
	"context"
	"time"

	"sigtra/internal/logger"
)

// AlignedScheduler 把任务对齐到K线收盘边界执行。
// Offset 为收盘后的等待量，给交易所留出K线落库时间。
type AlignedScheduler struct {
	Interval       time.Duration
	Offset         time.Duration
	RunImmediately bool

	ctx   context.Context
	nowFn func() time.Time
}

func NewAlignedScheduler(ctx context.Context, interval, offset time.Duration) *AlignedScheduler {
	if ctx == nil {
		ctx = context.Background()
	}
	return &AlignedScheduler{Interval: interval, Offset: offset, ctx: ctx, nowFn: time.Now}
}

// Start 阻塞运行，直到 ctx 取消。task 串行执行，错过的点不补。
func (s *AlignedScheduler) Start(task func()) {
	if s == nil {
		return
	}
	switch {
	case task == nil:
		logger.Warnf("AlignedScheduler: 没有任务可调度，退出")
		return
	case s.Interval <= 0:
		logger.Warnf("AlignedScheduler: interval=%s 非法，退出", s.Interval)
		return
	}
	if s.Offset < 0 {
		logger.Warnf("AlignedScheduler: offset=%s 为负，按 0 处理", s.Offset)
		s.Offset = 0
	}
	if s.ctx == nil {
		s.ctx = context.Background()
	}
	if s.nowFn == nil {
		s.nowFn = time.Now
	}

	startAt := s.nowFn().UTC()
	logger.Infof("对齐调度启动 interval=%s offset=%s run_immediately=%v", s.Interval, s.Offset, s.RunImmediately)
	if s.RunImmediately {
		task()
	}

	for {
		now := s.nowFn().UTC()
		nextClose, wakeAt, untilClose, wait := s.nextTimes(now)
		logger.Infof("下一轮决策 %s（收盘 %s，距收盘 %s）| 已运行 %s",
			wakeAt.Format(time.RFC3339),
			nextClose.Format(time.RFC3339),
			untilClose.Truncate(time.Second),
			now.Sub(startAt).Truncate(time.Second))
		if !s.sleepUntil(wait) {
			logger.Infof("对齐调度收到退出信号")
			return
		}
		task()
	}
}

// nextTimes 算出下一根K线的收盘时刻与本轮唤醒时刻。
func (s *AlignedScheduler) nextTimes(now time.Time) (nextClose, wakeAt time.Time, untilClose, wait time.Duration) {
	nextClose = now.UTC().Truncate(s.Interval).Add(s.Interval)
	wakeAt = nextClose.Add(s.Offset)
	return nextClose, wakeAt, nextClose.Sub(now), wakeAt.Sub(now)
}

// sleepUntil 等待 wait 时长，ctx 取消返回 false。wait<=0 立即返回。
func (s *AlignedScheduler) sleepUntil(wait time.Duration) bool {
	if wait <= 0 {
		return true
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-s.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
