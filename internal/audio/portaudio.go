//go:build portaudio

package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gordonklaus/portaudio"
	"go.uber.org/zap"
)

const (
	outputFramesPerBuffer = 960 // 24kHz下40ms
	outputQueueSize       = 256
)

func init() {
	RegisterDevice("portaudio", openPortAudio)
}

func openPortAudio(logger *zap.Logger) (*Devices, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize portaudio failed: %w", err)
	}

	capture := &portAudioCapture{logger: logger.Named("capture")}
	output := newPortAudioOutput(logger.Named("output"))

	return &Devices{
		Capture: capture,
		Output:  output,
		close: func() error {
			captureErr := capture.Stop()
			outputErr := output.Close()
			return errors.Join(captureErr, outputErr, portaudio.Terminate())
		},
	}, nil
}

// portAudioCapture 默认输入设备
type portAudioCapture struct {
	mu      sync.Mutex
	stream  *portaudio.Stream
	done    chan struct{}
	logger  *zap.Logger
	dropped atomic.Uint64
}

func (c *portAudioCapture) Start(ctx context.Context, cfg CaptureConfig, blocks chan<- []int16) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stream != nil {
		return nil
	}

	in := make([]int16, cfg.FramesPerBuffer*cfg.Channels)
	stream, err := portaudio.OpenDefaultStream(cfg.Channels, 0, float64(cfg.SampleRate), cfg.FramesPerBuffer, in)
	if err != nil {
		return fmt.Errorf("%w: open input stream: %v", ErrCaptureDenied, err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return fmt.Errorf("%w: start input stream: %v", ErrCaptureDenied, err)
	}

	c.stream = stream
	c.done = make(chan struct{})
	go c.readLoop(ctx, stream, in, blocks, c.done)

	c.logger.Info("microphone opened",
		zap.Int("sample_rate", cfg.SampleRate),
		zap.Int("frames_per_buffer", cfg.FramesPerBuffer))
	return nil
}

func (c *portAudioCapture) readLoop(ctx context.Context, stream *portaudio.Stream, in []int16, blocks chan<- []int16, done chan struct{}) {
	defer close(done)

	for ctx.Err() == nil {
		if err := stream.Read(); err != nil {
			if ctx.Err() != nil {
				return
			}
			// 输入溢出时继续读取
			if errors.Is(err, portaudio.InputOverflowed) {
				continue
			}
			c.logger.Warn("read input stream failed", zap.Error(err))
			time.Sleep(10 * time.Millisecond)
			continue
		}

		block := make([]int16, len(in))
		copy(block, in)

		select {
		case blocks <- block:
		default:
			if n := c.dropped.Add(1); n%100 == 1 {
				c.logger.Warn("capture queue full, dropping blocks", zap.Uint64("dropped", n))
			}
		}
	}
}

func (c *portAudioCapture) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stream == nil {
		return nil
	}

	err := c.stream.Stop()
	<-c.done
	err = errors.Join(err, c.stream.Close())
	c.stream = nil
	return err
}

type scheduledBuffer struct {
	buf PlaybackBuffer
	at  time.Time
	gen uint64
}

// portAudioOutput 默认输出设备，按起播时间顺序写入输出流
type portAudioOutput struct {
	queue chan scheduledBuffer
	gen   atomic.Uint64
	flush chan struct{}
	quit  chan struct{}
	done  chan struct{}

	stream *portaudio.Stream
	rate   int
	out    []int16

	logger *zap.Logger
}

func newPortAudioOutput(logger *zap.Logger) *portAudioOutput {
	o := &portAudioOutput{
		queue:  make(chan scheduledBuffer, outputQueueSize),
		flush:  make(chan struct{}, 1),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		out:    make([]int16, outputFramesPerBuffer),
		logger: logger,
	}
	go o.playLoop()
	return o
}

func (o *portAudioOutput) Play(buf PlaybackBuffer, at time.Time) error {
	select {
	case o.queue <- scheduledBuffer{buf: buf, at: at, gen: o.gen.Load()}:
		return nil
	default:
		return errors.New("playback queue full")
	}
}

func (o *portAudioOutput) Flush() error {
	o.gen.Add(1)
	select {
	case o.flush <- struct{}{}:
	default:
	}
	return nil
}

func (o *portAudioOutput) Close() error {
	close(o.quit)
	<-o.done
	if o.stream == nil {
		return nil
	}
	return errors.Join(o.stream.Stop(), o.stream.Close())
}

func (o *portAudioOutput) playLoop() {
	defer close(o.done)

	for {
		select {
		case <-o.quit:
			return
		case item := <-o.queue:
			if item.gen != o.gen.Load() {
				continue
			}
			if !o.waitUntil(item.at) {
				continue
			}
			if err := o.write(item); err != nil {
				o.logger.Warn("write output stream failed", zap.Error(err))
			}
		}
	}
}

// waitUntil 等到起播时间；期间被Flush或关闭时返回false
func (o *portAudioOutput) waitUntil(at time.Time) bool {
	wait := time.Until(at)
	if wait <= 0 {
		return true
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-o.flush:
		return false
	case <-o.quit:
		return false
	}
}

func (o *portAudioOutput) write(item scheduledBuffer) error {
	if err := o.ensureStream(item.buf.SampleRate); err != nil {
		return err
	}

	samples := item.buf.Samples
	for len(samples) > 0 {
		if item.gen != o.gen.Load() {
			return nil
		}

		n := copy(o.out, samples)
		for i := n; i < len(o.out); i++ {
			o.out[i] = 0
		}
		samples = samples[n:]

		if err := o.stream.Write(); err != nil && !errors.Is(err, portaudio.OutputUnderflowed) {
			return err
		}
	}
	return nil
}

func (o *portAudioOutput) ensureStream(rate int) error {
	if o.stream != nil && o.rate == rate {
		return nil
	}
	if o.stream != nil {
		o.stream.Stop()
		o.stream.Close()
		o.stream = nil
	}

	stream, err := portaudio.OpenDefaultStream(0, 1, float64(rate), len(o.out), o.out)
	if err != nil {
		return fmt.Errorf("open output stream failed: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return fmt.Errorf("start output stream failed: %w", err)
	}

	o.stream = stream
	o.rate = rate
	o.logger.Debug("output stream opened", zap.Int("sample_rate", rate))
	return nil
}
