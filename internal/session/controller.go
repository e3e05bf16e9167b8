package session

import (
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"SpeakMateClient/internal/audio"
	"SpeakMateClient/internal/eventloop"
	"SpeakMateClient/internal/metrics"
	"SpeakMateClient/internal/protocol"
	"SpeakMateClient/internal/wsclient"
)

// Config 控制器配置
type Config struct {
	Client    *wsclient.ClientConfig
	Framer    audio.FramerConfig
	Scheduler audio.SchedulerConfig
}

// DefaultConfig 返回默认配置
func DefaultConfig(url string) *Config {
	return &Config{
		Client:    wsclient.DefaultClientConfig(url, ""),
		Framer:    audio.DefaultFramerConfig(),
		Scheduler: audio.DefaultSchedulerConfig(),
	}
}

// Dependencies 外部协作者
type Dependencies struct {
	Transport wsclient.Transport
	Capture   audio.CaptureDevice
	Output    audio.OutputDevice
}

// Option 控制器选项
type Option func(*Controller)

func WithLogger(logger *zap.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithClock(clk clock.Clock) Option {
	return func(c *Controller) {
		if clk != nil {
			c.clock = clk
		}
	}
}

func WithMetrics(m *metrics.Collector) Option {
	return func(c *Controller) {
		c.metrics = m
	}
}

// WithObserver 注册观察者，可以多次使用
func WithObserver(o Observer) Option {
	return func(c *Controller) {
		if o != nil {
			c.observers = append(c.observers, o)
		}
	}
}

// Snapshot 会话状态的一致性副本
type Snapshot struct {
	State         ConnectionState      `json:"state"`
	Session       *Session             `json:"session,omitempty"`
	Transcript    []TranscriptItem     `json:"transcript"`
	Feedback      []FeedbackItem       `json:"feedback"`
	Progress      *ProgressSnapshot    `json:"progress,omitempty"`
	LastError     string               `json:"last_error,omitempty"`
	RetryAttempts int                  `json:"retry_attempts"`
	Capturing     bool                 `json:"capturing"`
	PendingTimers int                  `json:"pending_timers"`
	Framer        audio.FramerStats    `json:"framer"`
	Playback      audio.SchedulerStats `json:"playback"`
}

// Controller 会话状态机
//
// 持有唯一的 ConnectionState，协调连接管理器、分帧器和播放调度器。
// 公开方法可以在任意协程调用，内部通过事件循环串行执行；
// 状态转换本身只发生在事件循环上。
type Controller struct {
	loop      *eventloop.Loop
	client    *wsclient.Client
	framer    *audio.Framer
	scheduler *audio.Scheduler

	clock     clock.Clock
	logger    *zap.Logger
	metrics   *metrics.Collector
	observers []Observer

	state atomic.Int32

	params     Params
	session    *Session
	transcript TranscriptLog
	feedback   FeedbackLog
	progress   *ProgressSnapshot
	lastError  string
}

// New 创建会话控制器并启动其事件循环
func New(config *Config, deps Dependencies, opts ...Option) *Controller {
	if config == nil || config.Client == nil {
		panic("config cannot be nil")
	}

	c := &Controller{
		clock:  clock.New(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}

	capture := deps.Capture
	if capture == nil {
		capture = audio.NewNullCapture()
	}
	output := deps.Output
	if output == nil {
		output = audio.NewNullOutput()
	}

	c.loop = eventloop.New(c.logger.Named("loop"))
	c.client = wsclient.New(config.Client, deps.Transport, connectionEvents{c}, c.loop,
		wsclient.WithLogger(c.logger.Named("wsclient")),
		wsclient.WithClock(c.clock),
		wsclient.WithMetrics(c.metrics))
	c.framer = audio.NewFramer(config.Framer, capture, c.client, c.isListening, c.loop,
		audio.WithFramerLogger(c.logger.Named("framer")),
		audio.WithFramerMetrics(c.metrics))
	c.scheduler = audio.NewScheduler(config.Scheduler, output, c.clock, c.loop, c.handlePlaybackDrained,
		audio.WithSchedulerLogger(c.logger.Named("playback")),
		audio.WithSchedulerMetrics(c.metrics))

	c.metrics.SetConnectionState(int(StateIdle))
	return c
}

// State 当前状态，可以在任意协程读取
func (c *Controller) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

// Connect 以给定参数开始一个新会话，只在 Idle 或 Error 状态下生效
func (c *Controller) Connect(params Params) {
	c.loop.Call(func() { c.connect(params) })
}

// Disconnect 用户主动断开，任意状态下都可以调用
func (c *Controller) Disconnect() {
	c.loop.Call(c.disconnect)
}

// StartCapture 开始采集，只在 Ready 或 Speaking 状态下生效
func (c *Controller) StartCapture() {
	c.loop.Call(c.startCapture)
}

// StopCapture 停止采集
func (c *Controller) StopCapture() {
	c.loop.Call(c.stopCapture)
}

// SendText 绕过采集直接发送一句话
func (c *Controller) SendText(text string) {
	c.loop.Call(func() { c.sendText(text) })
}

// Snapshot 获取会话状态副本
func (c *Controller) Snapshot() Snapshot {
	var snap Snapshot
	c.loop.Call(func() { snap = c.snapshot() })
	return snap
}

// Close 断开会话并停止事件循环，之后控制器不可再用
func (c *Controller) Close() {
	c.Disconnect()
	c.loop.Stop()
}

// GetStats 获取运行统计
func (c *Controller) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"state":  c.State().String(),
		"client": c.client.GetStats(),
		"loop":   c.loop.GetStats(),
	}
}

func (c *Controller) isListening() bool {
	return c.State() == StateListening
}

func (c *Controller) setState(next ConnectionState) {
	prev := c.State()
	if prev == next {
		return
	}
	c.state.Store(int32(next))
	c.metrics.SetConnectionState(int(next))
	c.logger.Debug("state changed", zap.Stringer("from", prev), zap.Stringer("to", next))

	for _, o := range c.observers {
		o.StateChanged(prev, next)
	}
}

func (c *Controller) setError(message string) {
	c.lastError = message
	for _, o := range c.observers {
		o.SessionError(message)
	}
}

func (c *Controller) connect(params Params) {
	state := c.State()
	if state != StateIdle && state != StateError {
		c.logger.Debug("connect ignored", zap.Stringer("state", state))
		return
	}

	normalized, err := params.Normalize()
	if err != nil {
		c.logger.Warn("invalid session params", zap.Error(err))
		c.setError(err.Error())
		c.setState(StateError)
		return
	}

	if state == StateError {
		c.framer.Stop()
		c.scheduler.Flush()
	}

	c.params = normalized
	c.session = nil
	c.transcript.Reset()
	c.feedback.Reset()
	c.progress = nil
	c.lastError = ""

	c.client.Open(normalized.wire())
	c.setState(StateConnecting)
}

func (c *Controller) disconnect() {
	state := c.State()
	if state == StateDisconnecting {
		return
	}
	if state == StateIdle {
		c.client.Close()
		return
	}

	c.setState(StateDisconnecting)
	c.client.Close()
	c.framer.Stop()
	c.scheduler.Flush()
	c.session = nil
	c.setState(StateIdle)
}

func (c *Controller) startCapture() {
	state := c.State()
	if state != StateReady && state != StateSpeaking {
		c.logger.Debug("start capture ignored", zap.Stringer("state", state))
		return
	}
	if c.framer.Running() {
		return
	}

	if err := c.framer.Start(); err != nil {
		c.logger.Warn("capture unavailable", zap.Error(err))
		c.setError(err.Error())
		c.setState(StateError)
		return
	}
	if state == StateReady {
		c.setState(StateListening)
	}
}

func (c *Controller) stopCapture() {
	c.framer.Stop()
	if c.State() == StateListening {
		c.setState(StateReady)
	}
}

func (c *Controller) sendText(text string) {
	if text == "" {
		return
	}
	if c.session == nil || !c.client.IsOpen() {
		c.logger.Debug("send text ignored, no active session", zap.Stringer("state", c.State()))
		return
	}
	if err := c.client.Send(protocol.Text{Text: text}); err != nil {
		c.logger.Warn("send text failed", zap.Error(err))
	}
}

func (c *Controller) snapshot() Snapshot {
	snap := Snapshot{
		State:         c.State(),
		Transcript:    c.transcript.Items(),
		Feedback:      c.feedback.Items(),
		LastError:     c.lastError,
		RetryAttempts: c.client.RetryAttempts(),
		Capturing:     c.framer.Running(),
		PendingTimers: c.client.PendingTimers(),
		Framer:        c.framer.Stats(),
		Playback:      c.scheduler.Stats(),
	}
	if c.scheduler.Active() {
		snap.PendingTimers++
	}
	if c.session != nil {
		s := *c.session
		snap.Session = &s
	}
	if c.progress != nil {
		p := *c.progress
		snap.Progress = &p
	}
	return snap
}

// handlePlaybackDrained 排空时读取当前采集状态决定回到 Listening 还是 Ready
func (c *Controller) handlePlaybackDrained() {
	if c.State() != StateSpeaking {
		return
	}
	if c.framer.Running() {
		c.setState(StateListening)
		return
	}
	c.setState(StateReady)
}

func (c *Controller) handleMessage(msg protocol.Inbound) {
	now := c.clock.Now()

	switch m := msg.(type) {
	case protocol.SessionStarted:
		c.handleSessionStarted(m, now)

	case protocol.InterimTranscript:
		c.applyTranscript(TranscriptItem{
			Kind:       TranscriptInterim,
			Text:       m.Text,
			Confidence: m.Confidence,
			ReceivedAt: now,
		})

	case protocol.FinalTranscript:
		c.applyTranscript(TranscriptItem{
			Kind:       TranscriptFinal,
			Text:       m.Text,
			Confidence: m.Confidence,
			Words:      m.Words,
			ReceivedAt: now,
		})

	case protocol.Feedback:
		item := newFeedbackItem(m, now)
		c.feedback.Append(item)
		for _, o := range c.observers {
			o.FeedbackAdded(item)
		}

	case protocol.AudioChunk:
		c.handleAudio(m)

	case protocol.ProgressSnapshot:
		p := ProgressSnapshot{
			DurationSeconds: m.DurationSeconds,
			TurnsCount:      m.TurnsCount,
			AvgConfidence:   m.AvgConfidence,
			GrammarMistakes: m.GrammarMistakes,
			ReceivedAt:      now,
		}
		c.progress = &p
		for _, o := range c.observers {
			o.ProgressUpdated(p)
		}

	case protocol.ErrorNotice:
		message := m.Message
		if message == "" {
			message = "unknown error"
		}
		c.logger.Warn("agent reported error", zap.String("message", message))
		c.framer.Stop()
		c.setError(message)
		c.setState(StateError)
	}
}

func (c *Controller) handleSessionStarted(m protocol.SessionStarted, now time.Time) {
	state := c.State()
	pending := state == StateConnecting || (state == StateError && c.session == nil)
	if !pending {
		c.logger.Debug("unexpected session_started", zap.Stringer("state", state), zap.String("session_id", m.SessionID))
		return
	}

	s := Session{
		ID:        m.SessionID,
		Level:     c.params.Level,
		Topic:     c.params.Topic,
		UserID:    c.params.UserID,
		VoiceID:   c.params.VoiceID,
		StartedAt: now,
	}
	if m.Level != "" {
		s.Level = Level(m.Level)
	}
	if m.Topic != "" {
		s.Topic = Topic(m.Topic)
	}
	c.session = &s
	c.lastError = ""

	for _, o := range c.observers {
		o.SessionStarted(s)
	}
	c.setState(StateReady)
}

func (c *Controller) applyTranscript(item TranscriptItem) {
	c.transcript.Apply(item)
	items := c.transcript.Items()
	for _, o := range c.observers {
		o.TranscriptUpdated(items)
	}
}

func (c *Controller) handleAudio(chunk protocol.AudioChunk) {
	state := c.State()
	if !state.InSession() && state != StateError {
		c.logger.Debug("audio ignored", zap.Stringer("state", state))
		return
	}

	if err := c.scheduler.Enqueue(chunk); err != nil {
		c.logger.Warn("dropping undecodable audio chunk", zap.Error(err), zap.String("format", chunk.Format))
		return
	}
	if state.InSession() {
		c.setState(StateSpeaking)
	}
}

func (c *Controller) handleConnectionLost(err error) {
	state := c.State()
	c.logger.Warn("connection lost", zap.Stringer("state", state), zap.Error(err))

	if state == StateConnecting || c.session == nil {
		c.session = nil
		if state != StateError {
			c.lastError = err.Error()
		}
		c.setState(StateError)
		return
	}

	// 会话中断：释放采集和播放，保留会话记录等待重连
	c.framer.Stop()
	c.scheduler.Flush()
	if state != StateError {
		c.lastError = err.Error()
	}
	c.setState(StateConnecting)
}

func (c *Controller) handleReconnecting(attempt int) {
	c.logger.Info("reconnecting", zap.Int("attempt", attempt))
	c.setState(StateConnecting)
}

func (c *Controller) handleRetriesExhausted(lastErr error) {
	c.framer.Stop()
	c.scheduler.Flush()
	c.session = nil
	if c.lastError == "" && lastErr != nil {
		c.lastError = lastErr.Error()
	}
	c.setState(StateIdle)
}

// connectionEvents 把连接事件转交给控制器
type connectionEvents struct {
	c *Controller
}

func (e connectionEvents) HandleMessage(msg protocol.Inbound)    { e.c.handleMessage(msg) }
func (e connectionEvents) HandleConnectionLost(err error)       { e.c.handleConnectionLost(err) }
func (e connectionEvents) HandleReconnecting(attempt int)       { e.c.handleReconnecting(attempt) }
func (e connectionEvents) HandleRetriesExhausted(lastErr error) { e.c.handleRetriesExhausted(lastErr) }
