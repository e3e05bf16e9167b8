package wsclient

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"SpeakMateClient/internal/eventloop"
	"SpeakMateClient/internal/metrics"
	"SpeakMateClient/internal/protocol"
)

var (
	ErrHandshakeTimeout = errors.New("handshake timeout")
	ErrNotConnected     = errors.New("client is not connected")
)

// SessionParams 会话参数，首次连接和每次重连都使用同一份
type SessionParams struct {
	Level   string
	Topic   string
	UserID  string
	VoiceID string
}

// Init 构造握手消息
func (p SessionParams) Init() protocol.Init {
	return protocol.Init{Level: p.Level, Topic: p.Topic, UserID: p.UserID, VoiceID: p.VoiceID}
}

// BuildURL 把会话参数编码为连接地址的查询参数
func BuildURL(base string, params SessionParams, token string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse url failed: %w", err)
	}

	q := u.Query()
	q.Set("level", params.Level)
	q.Set("topic", params.Topic)
	if params.UserID != "" {
		q.Set("user_id", params.UserID)
	}
	if params.VoiceID != "" {
		q.Set("voice_id", params.VoiceID)
	}
	if token != "" {
		q.Set("token", token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Handler 连接事件处理器，所有回调都在事件循环上执行
type Handler interface {
	HandleMessage(msg protocol.Inbound)
	// HandleConnectionLost 非用户主动的断开，包括拨号失败和握手超时
	HandleConnectionLost(err error)
	// HandleReconnecting 退避结束，即将重新拨号
	HandleReconnecting(attempt int)
	// HandleRetriesExhausted 重试预算耗尽，不再重连
	HandleRetriesExhausted(lastErr error)
}

// ClientConfig 客户端配置
type ClientConfig struct {
	URL               string
	Token             string
	HandshakeTimeout  time.Duration
	DialTimeout       time.Duration
	ReconnectInterval time.Duration
	MaxReconnectTries int
}

// DefaultClientConfig 返回默认配置
func DefaultClientConfig(url, token string) *ClientConfig {
	return &ClientConfig{
		URL:               url,
		Token:             token,
		HandshakeTimeout:  10 * time.Second,
		DialTimeout:       10 * time.Second,
		ReconnectInterval: 1 * time.Second,
		MaxReconnectTries: 5,
	}
}

// Option 客户端选项
type Option func(*Client)

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithClock(clk clock.Clock) Option {
	return func(c *Client) {
		if clk != nil {
			c.clock = clk
		}
	}
}

func WithMetrics(m *metrics.Collector) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// Client 连接管理器：拨号、握手超时、带退避的自动重连
//
// 除 GetStats 外所有方法必须在事件循环上调用。每次拨号分配新的连接代号，
// 旧连接迟到的事件按代号丢弃。
type Client struct {
	config    *ClientConfig
	transport Transport
	handler   Handler
	poster    eventloop.Poster
	clock     clock.Clock
	logger    *zap.Logger
	metrics   *metrics.Collector
	retry     *RetryPolicy

	params      SessionParams
	conn        Conn
	gen         uint64
	handshaking bool
	lastErr     error

	handshakeTimer *clock.Timer
	retryTimer     *clock.Timer

	dials      atomic.Uint64
	handshakes atomic.Uint64
	reconnects atomic.Uint64
	malformed  atomic.Uint64
	received   atomic.Uint64
}

// New 创建连接管理器
func New(config *ClientConfig, transport Transport, handler Handler, poster eventloop.Poster, opts ...Option) *Client {
	if config == nil {
		panic("config cannot be nil")
	}

	c := &Client{
		config:    config,
		transport: transport,
		handler:   handler,
		poster:    poster,
		clock:     clock.New(),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.retry = NewRetryPolicy(config.ReconnectInterval, config.MaxReconnectTries)
	return c
}

// Open 开始一个新的逻辑会话：丢弃旧连接，重置重试计数并拨号
func (c *Client) Open(params SessionParams) {
	c.teardown(false)
	c.params = params
	c.lastErr = nil
	c.retry.Reset()
	c.dial()
}

// Close 用户主动关闭：连接打开时先发送stop，取消所有定时器，不会重连
func (c *Client) Close() {
	c.teardown(true)
}

func (c *Client) teardown(sendStop bool) {
	c.gen++
	c.handshaking = false
	c.stopTimer(&c.handshakeTimer)
	c.stopTimer(&c.retryTimer)

	if c.conn == nil {
		return
	}
	if sendStop {
		if err := c.Send(protocol.Stop{}); err != nil {
			c.logger.Debug("send stop failed", zap.Error(err))
		}
	}
	c.conn.Close()
	c.conn = nil
}

func (c *Client) dial() {
	c.gen++
	gen := c.gen
	c.handshaking = true
	c.dials.Add(1)

	c.handshakeTimer = c.clock.AfterFunc(c.config.HandshakeTimeout, func() {
		c.poster.Post(func() { c.handleHandshakeTimeout(gen) })
	})

	target, err := BuildURL(c.config.URL, c.params, c.config.Token)
	if err != nil {
		// 地址本身无效时同样走失败路径，由重试预算兜底
		c.poster.Post(func() { c.handleDialResult(gen, nil, err) })
		return
	}

	c.logger.Debug("dialing", zap.String("url", c.config.URL), zap.Uint64("conn_gen", gen))

	dialTimeout := c.config.DialTimeout
	go func() {
		ctx := context.Background()
		if dialTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, dialTimeout)
			defer cancel()
		}

		conn, err := c.transport.Dial(ctx, target)
		if !c.poster.Post(func() { c.handleDialResult(gen, conn, err) }) && conn != nil {
			conn.Close()
		}
	}()
}

func (c *Client) handleDialResult(gen uint64, conn Conn, err error) {
	if gen != c.gen {
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		c.fail(err)
		return
	}

	c.conn = conn

	// init 必须是连接上的第一条消息
	if err := c.Send(c.params.Init()); err != nil {
		c.fail(fmt.Errorf("send init failed: %w", err))
		return
	}
	go c.readLoop(gen, conn)
}

func (c *Client) readLoop(gen uint64, conn Conn) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			c.poster.Post(func() { c.handleClosed(gen, err) })
			return
		}
		if !c.poster.Post(func() { c.handleFrame(gen, messageType, data) }) {
			return
		}
	}
}

func (c *Client) handleFrame(gen uint64, messageType int, data []byte) {
	if gen != c.gen {
		return
	}
	c.received.Add(1)

	if messageType != websocket.TextMessage {
		c.logger.Debug("ignoring non-text inbound frame", zap.Int("bytes", len(data)))
		return
	}

	msg, err := protocol.DecodeInbound(data)
	if err != nil {
		c.malformed.Add(1)
		c.metrics.RecordMalformedMessage()
		c.logger.Warn("dropping malformed message", zap.Error(err), zap.Int("bytes", len(data)))
		return
	}

	if started, ok := msg.(protocol.SessionStarted); ok && c.handshaking {
		c.handshaking = false
		c.stopTimer(&c.handshakeTimer)
		c.retry.Reset()
		c.handshakes.Add(1)
		c.logger.Info("session started",
			zap.String("session_id", started.SessionID),
			zap.String("level", started.Level),
			zap.String("topic", started.Topic))
	}

	c.handler.HandleMessage(msg)
}

func (c *Client) handleClosed(gen uint64, err error) {
	if gen != c.gen {
		return
	}
	c.fail(fmt.Errorf("connection closed: %w", err))
}

func (c *Client) handleHandshakeTimeout(gen uint64) {
	if gen != c.gen || !c.handshaking {
		return
	}
	c.handshakeTimer = nil
	c.logger.Warn("handshake timed out", zap.Duration("timeout", c.config.HandshakeTimeout))
	c.fail(ErrHandshakeTimeout)
}

// fail 非用户主动的断开：关闭连接，通知处理器，按预算安排重试
func (c *Client) fail(err error) {
	c.lastErr = err
	c.teardown(false)
	gen := c.gen

	c.handler.HandleConnectionLost(err)

	// 处理器可能在回调里关闭或重新打开了客户端
	if gen != c.gen {
		return
	}
	c.scheduleRetry()
}

func (c *Client) scheduleRetry() {
	delay, ok := c.retry.Next()
	if !ok {
		c.logger.Warn("reconnect budget exhausted, giving up",
			zap.Int("max_retries", c.retry.MaxRetries()),
			zap.Error(c.lastErr))
		c.handler.HandleRetriesExhausted(c.lastErr)
		return
	}

	attempt := c.retry.Attempts()
	gen := c.gen
	c.logger.Warn("connection lost, scheduling reconnect",
		zap.Int("attempt", attempt),
		zap.Int("max_retries", c.retry.MaxRetries()),
		zap.Duration("delay", delay),
		zap.Error(c.lastErr))

	c.retryTimer = c.clock.AfterFunc(delay, func() {
		c.poster.Post(func() { c.handleRetry(gen, attempt) })
	})
}

func (c *Client) handleRetry(gen uint64, attempt int) {
	if gen != c.gen || c.retryTimer == nil {
		return
	}
	c.retryTimer = nil
	c.reconnects.Add(1)
	c.metrics.RecordReconnectAttempt()

	c.handler.HandleReconnecting(attempt)
	c.dial()
}

func (c *Client) stopTimer(timer **clock.Timer) {
	if *timer != nil {
		(*timer).Stop()
		*timer = nil
	}
}

// Send 发送一条文本消息
func (c *Client) Send(msg protocol.Outbound) error {
	if c.conn == nil {
		return ErrNotConnected
	}

	data, err := protocol.EncodeOutbound(msg)
	if err != nil {
		return err
	}
	if err := c.conn.WriteText(data); err != nil {
		return fmt.Errorf("send %s failed: %w", msg.OutboundType(), err)
	}
	return nil
}

// SendAudio 发送一帧二进制音频
func (c *Client) SendAudio(frame []byte) error {
	if c.conn == nil {
		return ErrNotConnected
	}
	return c.conn.WriteBinary(frame)
}

// Unsent 连接上尚未发出的字节数
func (c *Client) Unsent() int64 {
	if c.conn == nil {
		return 0
	}
	return c.conn.Buffered()
}

// IsOpen 当前是否持有连接
func (c *Client) IsOpen() bool {
	return c.conn != nil
}

// Handshaking 是否在等待 session_started
func (c *Client) Handshaking() bool {
	return c.handshaking
}

// PendingTimers 仍在计时的握手/重连定时器数量
func (c *Client) PendingTimers() int {
	n := 0
	if c.handshakeTimer != nil {
		n++
	}
	if c.retryTimer != nil {
		n++
	}
	return n
}

// RetryAttempts 当前逻辑会话已发起的重试次数
func (c *Client) RetryAttempts() int {
	return c.retry.Attempts()
}

// LastError 最近一次断开原因
func (c *Client) LastError() error {
	return c.lastErr
}

// GetStats 获取客户端统计信息
func (c *Client) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"dials":      c.dials.Load(),
		"handshakes": c.handshakes.Load(),
		"reconnects": c.reconnects.Load(),
		"malformed":  c.malformed.Load(),
		"received":   c.received.Load(),
	}
}
