// Package eventloop 提供单协程协作式事件循环
//
// 连接I/O、采集回调和定时器回调都以闭包形式投递到同一个协程中顺序执行，
// 任意两个回调不会并发运行，因此循环内的状态不需要加锁。
package eventloop

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Poster 向事件循环投递任务
type Poster interface {
	Post(fn func()) bool
}

// Loop 单协程事件循环，任务队列无界，Post永不阻塞
type Loop struct {
	mu     sync.Mutex
	queue  []func()
	closed bool

	wake chan struct{}
	done chan struct{}

	logger *zap.Logger

	executed atomic.Uint64
	panics   atomic.Uint64
}

// New 创建并启动事件循环
func New(logger *zap.Logger) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}

	l := &Loop{
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		logger: logger,
	}
	go l.run()
	return l
}

// Post 投递任务，循环已停止时返回false
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Call 投递任务并等待其执行完成
// 不能在循环协程内部调用，否则会死锁
func (l *Loop) Call(fn func()) bool {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return false
	}
	<-finished
	return true
}

// Stop 停止接收新任务，执行完已排队的任务后退出
func (l *Loop) Stop() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	<-l.done
}

// Done 循环退出后关闭
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

func (l *Loop) run() {
	defer close(l.done)

	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			closed := l.closed
			l.mu.Unlock()
			if closed {
				return
			}
			<-l.wake
			continue
		}
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		for _, fn := range batch {
			l.exec(fn)
		}
	}
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.panics.Add(1)
			l.logger.Error("event loop task panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	fn()
	l.executed.Add(1)
}

// GetStats 获取循环统计信息
func (l *Loop) GetStats() map[string]interface{} {
	l.mu.Lock()
	pending := len(l.queue)
	l.mu.Unlock()

	return map[string]interface{}{
		"executed": l.executed.Load(),
		"panics":   l.panics.Load(),
		"pending":  pending,
	}
}
