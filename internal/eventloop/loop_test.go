package eventloop

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// TestLoopRunsInOrder 任务按投递顺序执行
func TestLoopRunsInOrder(t *testing.T) {
	loop := New(zaptest.NewLogger(t))
	defer loop.Stop()

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		require.True(t, loop.Post(func() { got = append(got, i) }))
	}

	var snapshot []int
	require.True(t, loop.Call(func() { snapshot = append(snapshot, got...) }))

	require.Len(t, snapshot, 100)
	for i, v := range snapshot {
		assert.Equal(t, i, v)
	}
}

// TestLoopNoConcurrentExecution 多协程投递时任务不会并发执行
func TestLoopNoConcurrentExecution(t *testing.T) {
	loop := New(zaptest.NewLogger(t))
	defer loop.Stop()

	counter := 0
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				loop.Post(func() { counter++ })
			}
		}()
	}
	wg.Wait()

	var final int
	loop.Call(func() { final = counter })
	assert.Equal(t, 8*500, final)
}

// TestLoopPostFromTask 任务内部可以继续投递任务
func TestLoopPostFromTask(t *testing.T) {
	loop := New(zaptest.NewLogger(t))
	defer loop.Stop()

	done := make(chan struct{})
	loop.Post(func() {
		loop.Post(func() { close(done) })
	})
	<-done
}

// TestLoopStop 停止后拒绝新任务，但已排队的任务会执行
func TestLoopStop(t *testing.T) {
	loop := New(zaptest.NewLogger(t))

	ran := 0
	for i := 0; i < 10; i++ {
		loop.Post(func() { ran++ })
	}
	loop.Stop()

	assert.Equal(t, 10, ran)
	assert.False(t, loop.Post(func() {}))
	assert.False(t, loop.Call(func() {}))

	select {
	case <-loop.Done():
	default:
		t.Fatal("loop should be done after Stop")
	}
}

// TestLoopRecoversPanic 任务panic不会终止循环
func TestLoopRecoversPanic(t *testing.T) {
	loop := New(zaptest.NewLogger(t))
	defer loop.Stop()

	loop.Post(func() { panic("boom") })

	ok := false
	loop.Call(func() { ok = true })
	assert.True(t, ok)
	assert.Equal(t, uint64(1), loop.GetStats()["panics"])
}
