package protocol

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

const (
	// 每个采样2字节，小端序有符号16位
	BytesPerSample = 2
	// 单个上行音频帧的最大字节数
	MaxFrameSize = 1024 * 1024 // 1MB
)

var (
	ErrFrameTooLarge     = errors.New("frame too large")
	ErrInvalidAudio      = errors.New("invalid audio payload")
	ErrUnsupportedFormat = errors.New("unsupported audio format")
)

// EncodePCM16 将采样编码为小端序PCM16二进制帧，不带任何帧头
func EncodePCM16(samples []int16) ([]byte, error) {
	size := len(samples) * BytesPerSample
	if size > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}

	buf := make([]byte, size)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*BytesPerSample:], uint16(s))
	}
	return buf, nil
}

// DecodePCM16 将小端序PCM16字节解码为采样，末尾多出的单字节被丢弃
func DecodePCM16(raw []byte) []int16 {
	n := len(raw) / BytesPerSample
	samples := make([]int16, n)
	for i := 0; i < n; i++ {
		samples[i] = int16(binary.LittleEndian.Uint16(raw[i*BytesPerSample:]))
	}
	return samples
}

// IsPCM16Format 判断音频消息声明的格式是否为PCM16
// 空字符串视为默认格式 linear16
func IsPCM16Format(format string) bool {
	switch strings.ToLower(format) {
	case "", "linear16", "pcm16", "pcm", "pcm_s16le":
		return true
	default:
		return false
	}
}

// Samples 解码音频消息中的base64载荷
func (c AudioChunk) Samples() ([]int16, error) {
	if !IsPCM16Format(c.Format) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, c.Format)
	}

	return DecodeAudioPayload(c.Audio)
}

// DecodeAudioPayload 解码base64编码的PCM16载荷
func DecodeAudioPayload(payload string) ([]int16, error) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAudio, err)
	}
	return DecodePCM16(raw), nil
}

// EncodeAudioPayload 将采样编码为音频消息使用的base64字符串
func EncodeAudioPayload(samples []int16) string {
	buf := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*BytesPerSample:], uint16(s))
	}
	return base64.StdEncoding.EncodeToString(buf)
}
