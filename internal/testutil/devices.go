package testutil

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"SpeakMateClient/internal/audio"
)

// FakeCapture 可编程的采集设备
type FakeCapture struct {
	mu      sync.Mutex
	blocks  chan<- []int16
	running bool
	denyErr error
	config  audio.CaptureConfig

	starts atomic.Int32
	stops  atomic.Int32
}

func NewFakeCapture() *FakeCapture {
	return &FakeCapture{}
}

// Deny 之后的Start都返回 audio.ErrCaptureDenied
func (f *FakeCapture) Deny() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.denyErr = audio.ErrCaptureDenied
}

// Allow 恢复正常采集
func (f *FakeCapture) Allow() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.denyErr = nil
}

func (f *FakeCapture) Start(_ context.Context, cfg audio.CaptureConfig, blocks chan<- []int16) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.starts.Add(1)
	if f.denyErr != nil {
		return f.denyErr
	}
	f.blocks = blocks
	f.running = true
	f.config = cfg
	return nil
}

func (f *FakeCapture) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.stops.Add(1)
	f.running = false
	f.blocks = nil
	return nil
}

// Push 模拟一次设备回调；设备未运行或队列已满时返回false
func (f *FakeCapture) Push(samples []int16) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.running {
		return false
	}
	select {
	case f.blocks <- samples:
		return true
	default:
		return false
	}
}

func (f *FakeCapture) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *FakeCapture) Config() audio.CaptureConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.config
}

func (f *FakeCapture) Starts() int { return int(f.starts.Load()) }
func (f *FakeCapture) Stops() int  { return int(f.stops.Load()) }

// ScheduledPlay 一次播放调度
type ScheduledPlay struct {
	Buffer audio.PlaybackBuffer
	At     time.Time
}

// FakeOutput 记录所有调度的播放设备
type FakeOutput struct {
	mu      sync.Mutex
	plays   []ScheduledPlay
	flushes int
	failErr error
}

func NewFakeOutput() *FakeOutput {
	return &FakeOutput{}
}

// FailWith 之后的Play返回err
func (f *FakeOutput) FailWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failErr = err
}

func (f *FakeOutput) Play(buf audio.PlaybackBuffer, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.plays = append(f.plays, ScheduledPlay{Buffer: buf, At: at})
	return f.failErr
}

func (f *FakeOutput) Flush() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushes++
	return nil
}

func (f *FakeOutput) Plays() []ScheduledPlay {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]ScheduledPlay, len(f.plays))
	copy(out, f.plays)
	return out
}

func (f *FakeOutput) Flushes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flushes
}

// FakeSink 记录上行音频帧并可调节积压字节数
type FakeSink struct {
	mu      sync.Mutex
	frames  [][]byte
	unsent  atomic.Int64
	failErr error
}

func NewFakeSink() *FakeSink {
	return &FakeSink{}
}

var ErrSinkClosed = errors.New("sink closed")

func (s *FakeSink) SendAudio(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failErr != nil {
		return s.failErr
	}
	s.frames = append(s.frames, frame)
	return nil
}

func (s *FakeSink) Unsent() int64 {
	return s.unsent.Load()
}

func (s *FakeSink) SetUnsent(n int64) {
	s.unsent.Store(n)
}

func (s *FakeSink) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failErr = err
}

func (s *FakeSink) Frames() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([][]byte, len(s.frames))
	copy(out, s.frames)
	return out
}
