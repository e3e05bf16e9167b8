package wsclient

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy 有上限的指数退避：第n次（从0开始）等待 initial*2^n
type RetryPolicy struct {
	initial    time.Duration
	maxRetries int
	backOff    backoff.BackOff
	attempts   int
}

// NewRetryPolicy 创建重连策略
func NewRetryPolicy(initial time.Duration, maxRetries int) *RetryPolicy {
	if maxRetries < 0 {
		maxRetries = 0
	}

	shift := maxRetries
	if shift > 16 {
		shift = 16
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = initial
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxInterval = initial << uint(shift)
	exp.MaxElapsedTime = 0
	exp.Reset()

	return &RetryPolicy{
		initial:    initial,
		maxRetries: maxRetries,
		backOff:    backoff.WithMaxRetries(exp, uint64(maxRetries)),
	}
}

// Next 返回下一次重试前的等待时间；预算耗尽时返回false
func (p *RetryPolicy) Next() (time.Duration, bool) {
	delay := p.backOff.NextBackOff()
	if delay == backoff.Stop {
		return 0, false
	}
	p.attempts++
	return delay, true
}

// Reset 计数归零，在用户主动连接或握手成功时调用
func (p *RetryPolicy) Reset() {
	p.backOff.Reset()
	p.attempts = 0
}

// Attempts 当前逻辑会话中已发起的重试次数
func (p *RetryPolicy) Attempts() int {
	return p.attempts
}

// MaxRetries 重试上限
func (p *RetryPolicy) MaxRetries() int {
	return p.maxRetries
}
