package testutil

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"SpeakMateClient/internal/protocol"
	"SpeakMateClient/internal/wsclient"
)

// ErrRemoteDrop 模拟的非正常断开
var ErrRemoteDrop = errors.New("remote dropped connection")

// FakeTransport 可编程的拨号器：按顺序消费预设的拨号错误，其余拨号成功
type FakeTransport struct {
	mu       sync.Mutex
	failures []error
	conns    []*FakeConn
	urls     []string
	hold     chan struct{}
}

func NewFakeTransport() *FakeTransport {
	return &FakeTransport{}
}

// FailNextDials 接下来n次拨号返回err
func (t *FakeTransport) FailNextDials(n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := 0; i < n; i++ {
		t.failures = append(t.failures, err)
	}
}

// Hold 之后的拨号阻塞，直到 Release 或ctx取消
func (t *FakeTransport) Hold() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hold = make(chan struct{})
}

func (t *FakeTransport) Release() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.hold != nil {
		close(t.hold)
		t.hold = nil
	}
}

func (t *FakeTransport) Dial(ctx context.Context, rawURL string) (wsclient.Conn, error) {
	t.mu.Lock()
	t.urls = append(t.urls, rawURL)
	hold := t.hold
	t.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.failures) > 0 {
		err := t.failures[0]
		t.failures = t.failures[1:]
		return nil, err
	}

	conn := NewFakeConn()
	t.conns = append(t.conns, conn)
	return conn, nil
}

// Dials 拨号次数（含失败）
func (t *FakeTransport) Dials() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.urls)
}

func (t *FakeTransport) URLs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.urls))
	copy(out, t.urls)
	return out
}

// Conns 成功建立的连接
func (t *FakeTransport) Conns() []*FakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*FakeConn, len(t.conns))
	copy(out, t.conns)
	return out
}

// LastConn 最近一次成功建立的连接
func (t *FakeTransport) LastConn() *FakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.conns) == 0 {
		return nil
	}
	return t.conns[len(t.conns)-1]
}

type fakeFrame struct {
	messageType int
	data        []byte
}

// FakeConn 内存中的连接，记录所有出站消息
type FakeConn struct {
	mu       sync.Mutex
	outbound []fakeFrame
	closed   bool

	inbound   chan fakeFrame
	done      chan struct{}
	closeOnce sync.Once
	readErr   error

	buffered atomic.Int64
}

func NewFakeConn() *FakeConn {
	return &FakeConn{
		inbound: make(chan fakeFrame, 256),
		done:    make(chan struct{}),
	}
}

func (c *FakeConn) WriteText(data []byte) error {
	return c.write(websocket.TextMessage, data)
}

func (c *FakeConn) WriteBinary(data []byte) error {
	return c.write(websocket.BinaryMessage, data)
}

func (c *FakeConn) write(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return wsclient.ErrConnClosed
	}
	c.outbound = append(c.outbound, fakeFrame{messageType: messageType, data: data})
	return nil
}

func (c *FakeConn) ReadMessage() (int, []byte, error) {
	select {
	case frame := <-c.inbound:
		return frame.messageType, frame.data, nil
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return 0, nil, c.readErr
	}
}

func (c *FakeConn) Buffered() int64 {
	return c.buffered.Load()
}

func (c *FakeConn) Close() error {
	c.shutdown(wsclient.ErrConnClosed)
	return nil
}

func (c *FakeConn) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.readErr = err
		c.mu.Unlock()
		close(c.done)
	})
}

// Drop 模拟远端异常断开
func (c *FakeConn) Drop() {
	c.shutdown(ErrRemoteDrop)
}

// Closed 客户端或远端是否已关闭
func (c *FakeConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// SetBuffered 设置积压字节数
func (c *FakeConn) SetBuffered(n int64) {
	c.buffered.Store(n)
}

// Deliver 把一个对象编码为JSON后作为入站文本消息
func (c *FakeConn) Deliver(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.DeliverRaw(websocket.TextMessage, data)
	return nil
}

// DeliverRaw 投递原始入站帧
func (c *FakeConn) DeliverRaw(messageType int, data []byte) {
	c.inbound <- fakeFrame{messageType: messageType, data: data}
}

// DeliverSessionStarted 投递握手成功消息
func (c *FakeConn) DeliverSessionStarted(sessionID, level, topic string) {
	c.Deliver(map[string]interface{}{
		"type":       protocol.TypeSessionStarted,
		"session_id": sessionID,
		"level":      level,
		"topic":      topic,
	})
}

// DeliverAudio 投递一段24kHz音频
func (c *FakeConn) DeliverAudio(samples []int16) {
	c.Deliver(map[string]interface{}{
		"type":        protocol.TypeAudio,
		"audio":       protocol.EncodeAudioPayload(samples),
		"format":      "linear16",
		"sample_rate": protocol.DefaultPlaybackSampleRate,
	})
}

// SentTexts 出站文本消息，按发送顺序
func (c *FakeConn) SentTexts() []map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []map[string]interface{}
	for _, frame := range c.outbound {
		if frame.messageType != websocket.TextMessage {
			continue
		}
		var m map[string]interface{}
		if err := json.Unmarshal(frame.data, &m); err == nil {
			out = append(out, m)
		}
	}
	return out
}

// SentTypes 出站文本消息的type字段
func (c *FakeConn) SentTypes() []string {
	var types []string
	for _, m := range c.SentTexts() {
		t, _ := m["type"].(string)
		types = append(types, t)
	}
	return types
}

// SentBinary 出站二进制帧
func (c *FakeConn) SentBinary() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out [][]byte
	for _, frame := range c.outbound {
		if frame.messageType == websocket.BinaryMessage {
			out = append(out, frame.data)
		}
	}
	return out
}

// FirstOutbound 第一条出站消息
func (c *FakeConn) FirstOutbound() (int, []byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.outbound) == 0 {
		return 0, nil, false
	}
	return c.outbound[0].messageType, c.outbound[0].data, true
}
