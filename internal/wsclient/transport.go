package wsclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	ErrConnClosed    = errors.New("connection closed")
	ErrSendQueueFull = errors.New("send queue full")
)

// Transport 双工连接的拨号器
type Transport interface {
	Dial(ctx context.Context, rawURL string) (Conn, error)
}

// Conn 一条已建立的双工连接
//
// 写入是异步的：消息进入发送队列后立即返回，Buffered 报告队列中尚未
// 发出的字节数。ReadMessage 只能由一个协程调用。Close 会先发完已排队的
// 消息再发送关闭帧，本身不阻塞。
type Conn interface {
	WriteText(data []byte) error
	WriteBinary(data []byte) error
	ReadMessage() (messageType int, data []byte, err error)
	Buffered() int64
	Close() error
}

// TransportConfig WebSocket传输配置
type TransportConfig struct {
	DialTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64
	SendQueueSize  int
	UserAgent      string
}

// DefaultTransportConfig 返回默认配置
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		DialTimeout:    10 * time.Second,
		WriteTimeout:   5 * time.Second,
		MaxMessageSize: 16 << 20,
		SendQueueSize:  512,
		UserAgent:      "SpeakMateClient/1.0",
	}
}

// WebSocketTransport 基于gorilla/websocket的传输实现
type WebSocketTransport struct {
	config TransportConfig
	dialer *websocket.Dialer
	logger *zap.Logger
}

// NewWebSocketTransport 创建WebSocket传输
func NewWebSocketTransport(config TransportConfig, logger *zap.Logger) *WebSocketTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.SendQueueSize <= 0 {
		config.SendQueueSize = DefaultTransportConfig().SendQueueSize
	}

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = config.DialTimeout

	return &WebSocketTransport{
		config: config,
		dialer: &dialer,
		logger: logger,
	}
}

// Dial 建立WebSocket连接
func (t *WebSocketTransport) Dial(ctx context.Context, rawURL string) (Conn, error) {
	headers := http.Header{
		"User-Agent": []string{t.config.UserAgent},
	}

	conn, resp, err := t.dialer.DialContext(ctx, rawURL, headers)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial failed (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial failed: %w", err)
	}

	if t.config.MaxMessageSize > 0 {
		conn.SetReadLimit(t.config.MaxMessageSize)
	}

	c := &wsConn{
		conn:         conn,
		sendCh:       make(chan outboundFrame, t.config.SendQueueSize),
		closed:       make(chan struct{}),
		writerDone:   make(chan struct{}),
		writeTimeout: t.config.WriteTimeout,
		logger:       t.logger,
	}
	go c.writeLoop()
	return c, nil
}

type outboundFrame struct {
	messageType int
	data        []byte
}

type wsConn struct {
	conn *websocket.Conn

	sendCh     chan outboundFrame
	closed     chan struct{}
	closeOnce  sync.Once
	writerDone chan struct{}

	unsent       atomic.Int64
	writeTimeout time.Duration
	logger       *zap.Logger
}

func (c *wsConn) WriteText(data []byte) error {
	return c.enqueue(websocket.TextMessage, data)
}

func (c *wsConn) WriteBinary(data []byte) error {
	return c.enqueue(websocket.BinaryMessage, data)
}

func (c *wsConn) enqueue(messageType int, data []byte) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}

	size := int64(len(data))
	c.unsent.Add(size)

	select {
	case c.sendCh <- outboundFrame{messageType: messageType, data: data}:
		return nil
	case <-c.closed:
		c.unsent.Add(-size)
		return ErrConnClosed
	default:
		c.unsent.Add(-size)
		return ErrSendQueueFull
	}
}

func (c *wsConn) ReadMessage() (int, []byte, error) {
	return c.conn.ReadMessage()
}

func (c *wsConn) Buffered() int64 {
	return c.unsent.Load()
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// writeLoop 唯一的写协程
func (c *wsConn) writeLoop() {
	defer close(c.writerDone)
	defer c.conn.Close()

	for {
		select {
		case frame := <-c.sendCh:
			if err := c.write(frame); err != nil {
				c.logger.Debug("websocket write failed", zap.Error(err))
				c.Close()
				return
			}
		case <-c.closed:
			c.flush()
			deadline := time.Now().Add(c.writeTimeout)
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return
		}
	}
}

// flush 关闭前发出队列中剩余的消息
func (c *wsConn) flush() {
	for {
		select {
		case frame := <-c.sendCh:
			if err := c.write(frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *wsConn) write(frame outboundFrame) error {
	defer c.unsent.Add(-int64(len(frame.data)))

	if c.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.conn.WriteMessage(frame.messageType, frame.data)
}
