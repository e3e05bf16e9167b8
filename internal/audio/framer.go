package audio

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"SpeakMateClient/internal/eventloop"
	"SpeakMateClient/internal/metrics"
	"SpeakMateClient/internal/protocol"
)

// FramerConfig 分帧器配置
type FramerConfig struct {
	SampleRate            int
	Channels              int
	FramesPerBuffer       int
	BackpressureThreshold int64
	QueueSize             int
}

// DefaultFramerConfig 返回默认配置：16kHz单声道，1MiB背压阈值
func DefaultFramerConfig() FramerConfig {
	return FramerConfig{
		SampleRate:            16000,
		Channels:              1,
		FramesPerBuffer:       512,
		BackpressureThreshold: 1 << 20,
		QueueSize:             64,
	}
}

// FrameSink 上行音频帧的发送端
type FrameSink interface {
	SendAudio(frame []byte) error
	// Unsent 返回连接上尚未发出的字节数
	Unsent() int64
}

// FramerStats 分帧统计
type FramerStats struct {
	Captured            uint64 `json:"captured"`
	Sent                uint64 `json:"sent"`
	DroppedNotListening uint64 `json:"dropped_not_listening"`
	DroppedBackpressure uint64 `json:"dropped_backpressure"`
	SendFailed          uint64 `json:"send_failed"`
}

// FramerOption 分帧器选项
type FramerOption func(*Framer)

func WithFramerLogger(logger *zap.Logger) FramerOption {
	return func(f *Framer) {
		if logger != nil {
			f.logger = logger
		}
	}
}

func WithFramerMetrics(m *metrics.Collector) FramerOption {
	return func(f *Framer) {
		f.metrics = m
	}
}

// Framer 把采集设备的采样块转换成二进制音频帧并施加背压
//
// 设备协程只负责把采样块写入有界通道，泵协程把每个块投递到事件循环，
// 发送判断全部在事件循环上完成。Start/Stop/Submit 必须在事件循环上调用。
type Framer struct {
	config FramerConfig
	device CaptureDevice
	sink   FrameSink
	gate   func() bool
	poster eventloop.Poster

	logger  *zap.Logger
	metrics *metrics.Collector

	running  bool
	cancel   context.CancelFunc
	pumpDone chan struct{}

	captured            atomic.Uint64
	sent                atomic.Uint64
	droppedNotListening atomic.Uint64
	droppedBackpressure atomic.Uint64
	sendFailed          atomic.Uint64
}

// NewFramer 创建分帧器，gate 返回false时帧被丢弃
func NewFramer(config FramerConfig, device CaptureDevice, sink FrameSink, gate func() bool, poster eventloop.Poster, opts ...FramerOption) *Framer {
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultFramerConfig().QueueSize
	}

	f := &Framer{
		config: config,
		device: device,
		sink:   sink,
		gate:   gate,
		poster: poster,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Start 启动采集；已在采集时为空操作
func (f *Framer) Start() error {
	if f.running {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	blocks := make(chan []int16, f.config.QueueSize)

	err := f.device.Start(ctx, CaptureConfig{
		SampleRate:      f.config.SampleRate,
		Channels:        f.config.Channels,
		FramesPerBuffer: f.config.FramesPerBuffer,
	}, blocks)
	if err != nil {
		cancel()
		return fmt.Errorf("start capture failed: %w", err)
	}

	f.running = true
	f.cancel = cancel
	f.pumpDone = make(chan struct{})
	go f.pump(ctx, blocks, f.pumpDone)

	f.logger.Debug("capture started",
		zap.Int("sample_rate", f.config.SampleRate),
		zap.Int("frames_per_buffer", f.config.FramesPerBuffer))
	return nil
}

// Stop 停止采集并释放设备
func (f *Framer) Stop() {
	if !f.running {
		return
	}
	f.running = false

	f.cancel()
	if err := f.device.Stop(); err != nil {
		f.logger.Warn("stop capture device failed", zap.Error(err))
	}
	<-f.pumpDone

	f.logger.Debug("capture stopped", zap.Any("stats", f.Stats()))
}

// Running 是否正在采集
func (f *Framer) Running() bool {
	return f.running
}

func (f *Framer) pump(ctx context.Context, blocks <-chan []int16, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return
		case block := <-blocks:
			if !f.poster.Post(func() { f.Submit(block) }) {
				return
			}
		}
	}
}

// Submit 处理一个采样块：状态不是Listening或连接积压超过阈值时丢弃，否则发送
func (f *Framer) Submit(samples []int16) {
	f.captured.Add(1)

	if !f.gate() {
		f.droppedNotListening.Add(1)
		f.metrics.RecordFrame(metrics.FrameDroppedNotListening)
		return
	}

	if unsent := f.sink.Unsent(); unsent > f.config.BackpressureThreshold {
		f.droppedBackpressure.Add(1)
		f.metrics.RecordFrame(metrics.FrameDroppedBackpressure)
		f.logger.Debug("frame dropped under backpressure", zap.Int64("unsent", unsent))
		return
	}

	frame, err := protocol.EncodePCM16(samples)
	if err == nil {
		err = f.sink.SendAudio(frame)
	}
	if err != nil {
		f.sendFailed.Add(1)
		f.metrics.RecordFrame(metrics.FrameSendFailed)
		f.logger.Debug("send audio frame failed", zap.Error(err))
		return
	}

	f.sent.Add(1)
	f.metrics.RecordFrame(metrics.FrameSent)
}

// Stats 获取分帧统计
func (f *Framer) Stats() FramerStats {
	return FramerStats{
		Captured:            f.captured.Load(),
		Sent:                f.sent.Load(),
		DroppedNotListening: f.droppedNotListening.Load(),
		DroppedBackpressure: f.droppedBackpressure.Load(),
		SendFailed:          f.sendFailed.Load(),
	}
}
