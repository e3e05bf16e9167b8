// Package audio 实现上行音频分帧、下行音频无缝调度，以及采集/播放设备端口
package audio

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrCaptureDenied 采集设备拒绝访问（例如麦克风权限被拒）
	ErrCaptureDenied = errors.New("capture device access denied")
	// ErrUnknownDevice 未注册的设备名
	ErrUnknownDevice = errors.New("unknown audio device")
)

// CaptureConfig 采集参数
type CaptureConfig struct {
	SampleRate      int
	Channels        int
	FramesPerBuffer int
}

// CaptureDevice 采集设备
//
// Start 之后设备按固定节奏把采样块写入 blocks；写不进去时由设备自行丢弃，
// 不能阻塞设备回调。ctx 取消或调用 Stop 后设备必须停止写入。
type CaptureDevice interface {
	Start(ctx context.Context, cfg CaptureConfig, blocks chan<- []int16) error
	Stop() error
}

// OutputDevice 播放设备，按给定起始时间输出PCM缓冲
type OutputDevice interface {
	Play(buf PlaybackBuffer, at time.Time) error
	// Flush 丢弃所有已调度但尚未播放的音频
	Flush() error
}

// Devices 一组已打开的设备
type Devices struct {
	Capture CaptureDevice
	Output  OutputDevice
	close   func() error
}

// Close 释放设备占用的资源
func (d *Devices) Close() error {
	if d == nil || d.close == nil {
		return nil
	}
	return d.close()
}

// DeviceFactory 按名称打开设备
type DeviceFactory func(logger *zap.Logger) (*Devices, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]DeviceFactory{
		"none": func(*zap.Logger) (*Devices, error) {
			return &Devices{Capture: NewNullCapture(), Output: NewNullOutput()}, nil
		},
	}
)

// RegisterDevice 注册设备实现
func RegisterDevice(name string, factory DeviceFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// OpenDevices 打开指定名称的设备
func OpenDevices(name string, logger *zap.Logger) (*Devices, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %v)", ErrUnknownDevice, name, DeviceNames())
	}
	return factory(logger)
}

// DeviceNames 返回已注册的设备名
func DeviceNames() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
