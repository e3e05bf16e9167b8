package audio

import (
	"context"
	"sync/atomic"
	"time"
)

// NullCapture 不产生任何采样的采集设备，用于纯文本练习
type NullCapture struct {
	running atomic.Bool
}

func NewNullCapture() *NullCapture {
	return &NullCapture{}
}

func (n *NullCapture) Start(ctx context.Context, _ CaptureConfig, _ chan<- []int16) error {
	n.running.Store(true)
	return nil
}

func (n *NullCapture) Stop() error {
	n.running.Store(false)
	return nil
}

// NullOutput 丢弃所有音频的播放设备
type NullOutput struct {
	played atomic.Uint64
}

func NewNullOutput() *NullOutput {
	return &NullOutput{}
}

func (n *NullOutput) Play(PlaybackBuffer, time.Time) error {
	n.played.Add(1)
	return nil
}

func (n *NullOutput) Flush() error {
	return nil
}

// Played 返回已接收的缓冲数量
func (n *NullOutput) Played() uint64 {
	return n.played.Load()
}
