package audio

import (
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"SpeakMateClient/internal/eventloop"
	"SpeakMateClient/internal/metrics"
	"SpeakMateClient/internal/protocol"
)

// PlaybackBuffer 解码后的下行PCM16音频
type PlaybackBuffer struct {
	Samples    []int16
	SampleRate int
}

// Duration 缓冲的播放时长
func (b PlaybackBuffer) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(b.Samples)) * time.Second / time.Duration(b.SampleRate)
}

// DecodeChunk 将音频消息解码为播放缓冲
func DecodeChunk(chunk protocol.AudioChunk) (PlaybackBuffer, error) {
	samples, err := chunk.Samples()
	if err != nil {
		return PlaybackBuffer{}, err
	}
	return PlaybackBuffer{Samples: samples, SampleRate: chunk.Rate()}, nil
}

// SchedulerConfig 播放调度配置
type SchedulerConfig struct {
	// LeadIn 输出落后时重新起播留出的余量
	LeadIn time.Duration
	// DefaultSampleRate 音频消息未声明采样率时使用
	DefaultSampleRate int
}

// DefaultSchedulerConfig 返回默认配置
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		LeadIn:            100 * time.Millisecond,
		DefaultSampleRate: protocol.DefaultPlaybackSampleRate,
	}
}

// SchedulerStats 调度统计
type SchedulerStats struct {
	Scheduled   uint64 `json:"scheduled"`
	Rejected    uint64 `json:"rejected"`
	Drains      uint64 `json:"drains"`
	Resyncs     uint64 `json:"resyncs"`
	QueueDepth  int    `json:"queue_depth"`
	Active      bool   `json:"active"`
	NextStartMs int64  `json:"next_start_ms"`
}

// SchedulerOption 调度器选项
type SchedulerOption func(*Scheduler)

func WithSchedulerLogger(logger *zap.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithSchedulerMetrics(m *metrics.Collector) SchedulerOption {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

// Scheduler 按到达顺序无缝调度下行音频
//
// 维护单调前进的起播游标：首个缓冲从当前时间开始；游标已落后于当前时间时
// 重置为 now+LeadIn；每个缓冲在游标处起播，然后游标前进其时长。
// 队列排空后在游标时刻调用 onDrained。所有方法必须在事件循环上调用。
type Scheduler struct {
	config    SchedulerConfig
	output    OutputDevice
	clock     clock.Clock
	poster    eventloop.Poster
	onDrained func()

	logger  *zap.Logger
	metrics *metrics.Collector

	queue    []PlaybackBuffer
	draining bool
	started  bool
	cursor   time.Time

	drainTimer *clock.Timer
	drainGen   uint64

	scheduled uint64
	rejected  uint64
	drains    uint64
	resyncs   uint64
}

// NewScheduler 创建播放调度器
func NewScheduler(config SchedulerConfig, output OutputDevice, clk clock.Clock, poster eventloop.Poster, onDrained func(), opts ...SchedulerOption) *Scheduler {
	if clk == nil {
		clk = clock.New()
	}

	s := &Scheduler{
		config:    config,
		output:    output,
		clock:     clk,
		poster:    poster,
		onDrained: onDrained,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enqueue 解码音频消息并排入播放队列
func (s *Scheduler) Enqueue(chunk protocol.AudioChunk) error {
	if chunk.SampleRate <= 0 && s.config.DefaultSampleRate > 0 {
		chunk.SampleRate = s.config.DefaultSampleRate
	}
	buf, err := DecodeChunk(chunk)
	if err != nil {
		s.rejected++
		return err
	}
	s.EnqueueBuffer(buf)
	return nil
}

// EnqueueBuffer 将已解码的缓冲排入播放队列
func (s *Scheduler) EnqueueBuffer(buf PlaybackBuffer) {
	s.queue = append(s.queue, buf)
	s.metrics.SetPlaybackQueueDepth(len(s.queue))
	s.drain()
}

// drain 同一时刻只有一个排空过程
func (s *Scheduler) drain() {
	if s.draining {
		return
	}
	s.draining = true
	defer func() { s.draining = false }()

	for len(s.queue) > 0 {
		buf := s.queue[0]
		s.queue = s.queue[1:]

		now := s.clock.Now()
		switch {
		case !s.started:
			s.cursor = now
			s.started = true
		case s.cursor.Before(now):
			s.cursor = now.Add(s.config.LeadIn)
			s.resyncs++
		}

		if err := s.output.Play(buf, s.cursor); err != nil {
			s.logger.Warn("schedule playback buffer failed", zap.Error(err))
		}
		s.cursor = s.cursor.Add(buf.Duration())
		s.scheduled++

		s.metrics.RecordPlaybackBuffer()
		s.metrics.SetPlaybackQueueDepth(len(s.queue))
	}

	s.armDrainTimer()
}

func (s *Scheduler) armDrainTimer() {
	s.stopDrainTimer()

	s.drainGen++
	gen := s.drainGen
	s.drainTimer = s.clock.AfterFunc(s.cursor.Sub(s.clock.Now()), func() {
		s.poster.Post(func() { s.handleDrained(gen) })
	})
}

func (s *Scheduler) handleDrained(gen uint64) {
	if gen != s.drainGen || s.drainTimer == nil {
		return
	}
	s.drainTimer = nil
	s.drains++

	if s.onDrained != nil {
		s.onDrained()
	}
}

func (s *Scheduler) stopDrainTimer() {
	if s.drainTimer != nil {
		s.drainTimer.Stop()
		s.drainTimer = nil
	}
}

// Active 队列非空或最后一个缓冲尚未播完
func (s *Scheduler) Active() bool {
	return len(s.queue) > 0 || s.drainTimer != nil
}

// NextStart 下一个缓冲的起播时间
func (s *Scheduler) NextStart() time.Time {
	return s.cursor
}

// Flush 丢弃队列和已调度音频，取消排空定时器，游标回到初始状态
func (s *Scheduler) Flush() {
	s.stopDrainTimer()
	s.drainGen++
	s.queue = nil
	s.started = false
	s.cursor = time.Time{}
	s.metrics.SetPlaybackQueueDepth(0)

	if err := s.output.Flush(); err != nil {
		s.logger.Warn("flush output device failed", zap.Error(err))
	}
}

// Stats 获取调度统计
func (s *Scheduler) Stats() SchedulerStats {
	stats := SchedulerStats{
		Scheduled:  s.scheduled,
		Rejected:   s.rejected,
		Drains:     s.drains,
		Resyncs:    s.resyncs,
		QueueDepth: len(s.queue),
		Active:     s.Active(),
	}
	if s.started {
		stats.NextStartMs = s.cursor.UnixMilli()
	}
	return stats
}
