// Package testserver 模拟远端口语练习代理，用于联调和端到端测试
//
// 行为与真实代理的 /ws/voice 端点保持一致：第一条消息必须是 init，
// 握手成功后回复 session_started；收到文本后依次回复识别结果、反馈、
// 合成语音和进度快照；二进制音频帧只计数；stop 结束会话。
package testserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"SpeakMateClient/internal/protocol"
)

// ServerConfig 模拟代理配置
type ServerConfig struct {
	Addr string
	Path string

	// AudioChunks 每次回复的合成语音片段数
	AudioChunks   int
	ChunkDuration time.Duration
	SampleRate    int
	ToneHz        float64

	// ReplyDelay 回复消息之间的间隔
	ReplyDelay time.Duration
	// UtteranceFrames 每收到这么多二进制帧视为用户说完一句 SpokenText，0表示不模拟
	UtteranceFrames int
	SpokenText      string

	InitTimeout    time.Duration
	IdleTimeout    time.Duration
	MaxConnections int
	AllowedOrigins []string
}

// DefaultServerConfig 返回默认配置
func DefaultServerConfig(addr string) *ServerConfig {
	return &ServerConfig{
		Addr:            addr,
		Path:            "/ws/voice",
		AudioChunks:     2,
		ChunkDuration:   200 * time.Millisecond,
		SampleRate:      protocol.DefaultPlaybackSampleRate,
		ToneHz:          440,
		UtteranceFrames: 0,
		SpokenText:      "I goes to the park yesterday",
		InitTimeout:     10 * time.Second,
		IdleTimeout:     60 * time.Second,
		MaxConnections:  100,
		AllowedOrigins:  []string{"*"},
	}
}

// ConnectionStats 连接统计信息
type ConnectionStats struct {
	ConnectedAt      time.Time
	MessagesReceived atomic.Uint64
	MessagesSent     atomic.Uint64
	AudioFrames      atomic.Uint64
	AudioBytes       atomic.Uint64
	Turns            atomic.Uint64
	GrammarMistakes  atomic.Uint64
}

// Connection 一个练习会话连接
type Connection struct {
	ID        string
	SessionID string
	Level     string
	Topic     string
	UserID    string
	VoiceID   string
	Conn      *websocket.Conn
	Stats     *ConnectionStats

	stopChan  chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
}

func (c *Connection) safeClose() {
	c.closeOnce.Do(func() {
		close(c.stopChan)
	})
}

// SessionInfo 已开始的会话
type SessionInfo struct {
	SessionID string `json:"session_id"`
	Level     string `json:"level"`
	Topic     string `json:"topic"`
	UserID    string `json:"user_id,omitempty"`
	VoiceID   string `json:"voice_id"`
}

// Server 模拟练习代理
type Server struct {
	config   *ServerConfig
	server   *http.Server
	handler  http.Handler
	upgrader websocket.Upgrader
	logger   *zap.Logger

	listener net.Listener

	connections sync.Map // map[string]*Connection
	connCount   atomic.Int32
	connWg      sync.WaitGroup

	suppressHandshake atomic.Bool
	rejectConnections atomic.Bool
	failAgent         atomic.Bool
	isRunning         atomic.Bool

	totalConnections atomic.Uint64
	totalMessages    atomic.Uint64
	totalAudioFrames atomic.Uint64
	startTime        time.Time

	mu            sync.Mutex
	firstMessages [][]byte
	sessions      []SessionInfo
}

// Option 服务器选项
type Option func(*Server)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New 创建模拟代理
func New(config *ServerConfig, opts ...Option) *Server {
	if config == nil {
		config = DefaultServerConfig(":8000")
	}

	s := &Server{
		config: config,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger:    zap.NewNop(),
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := mux.NewRouter()
	r.HandleFunc(config.Path, s.handleWebSocket).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/control", s.handleControl).Methods(http.MethodPost)

	s.handler = cors.New(cors.Options{
		AllowedOrigins: config.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
	}).Handler(r)

	s.server = &http.Server{
		Addr:              config.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler 返回HTTP处理器，供 httptest 使用
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start 监听配置的地址并在后台提供服务
func (s *Server) Start() error {
	if !s.isRunning.CompareAndSwap(false, true) {
		return fmt.Errorf("server is already running")
	}

	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		s.isRunning.Store(false)
		return fmt.Errorf("listen on %s failed: %w", s.config.Addr, err)
	}
	s.listener = ln

	s.logger.Info("practice agent simulator listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("path", s.config.Path))

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server error", zap.Error(err))
		}
	}()
	return nil
}

// Addr 实际监听地址
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.config.Addr
	}
	return s.listener.Addr().String()
}

// URL 练习端点的WebSocket地址
func (s *Server) URL() string {
	return fmt.Sprintf("ws://%s%s", s.Addr(), s.config.Path)
}

// Shutdown 关闭服务器
func (s *Server) Shutdown(ctx context.Context) error {
	s.CloseAll()
	s.connWg.Wait()

	if !s.isRunning.CompareAndSwap(true, false) {
		return nil
	}
	s.logger.Info("shutting down practice agent simulator")
	return s.server.Shutdown(ctx)
}

// ForceDisconnectAll 不发送关闭帧直接断开所有连接，模拟网络中断
func (s *Server) ForceDisconnectAll() int {
	n := 0
	s.connections.Range(func(_, value interface{}) bool {
		conn := value.(*Connection)
		conn.Conn.Close()
		n++
		return true
	})
	s.logger.Info("force disconnected connections", zap.Int("count", n))
	return n
}

// CloseAll 正常关闭所有连接
func (s *Server) CloseAll() {
	s.connections.Range(func(_, value interface{}) bool {
		s.closeConnection(value.(*Connection), "server shutdown")
		return true
	})
}

// SetSuppressHandshake 开启后收到init不回复session_started
func (s *Server) SetSuppressHandshake(on bool) {
	s.suppressHandshake.Store(on)
}

// SetRejectConnections 开启后拒绝WebSocket升级
func (s *Server) SetRejectConnections(on bool) {
	s.rejectConnections.Store(on)
}

// SetFailAgent 开启后握手成功随即报告代理不可用并关闭连接
func (s *Server) SetFailAgent(on bool) {
	s.failAgent.Store(on)
}

// FirstMessages 每个连接收到的第一条消息
func (s *Server) FirstMessages() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte{}, s.firstMessages...)
}

// Sessions 已开始的会话
func (s *Server) Sessions() []SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SessionInfo{}, s.sessions...)
}

// ConnectionCount 当前连接数
func (s *Server) ConnectionCount() int {
	return int(s.connCount.Load())
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.rejectConnections.Load() {
		http.Error(w, "agent unavailable", http.StatusServiceUnavailable)
		return
	}
	if s.connCount.Load() >= int32(s.config.MaxConnections) {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	conn := &Connection{
		ID:       fmt.Sprintf("conn_%d", s.totalConnections.Add(1)),
		Conn:     wsConn,
		Stats:    &ConnectionStats{ConnectedAt: time.Now()},
		stopChan: make(chan struct{}),
	}
	s.connections.Store(conn.ID, conn)
	s.connCount.Add(1)

	s.logger.Debug("new connection", zap.String("conn_id", conn.ID), zap.String("remote", r.RemoteAddr))

	s.connWg.Add(1)
	defer s.connWg.Done()
	s.handleConnection(conn)
}

func (s *Server) handleConnection(conn *Connection) {
	defer s.closeConnection(conn, "connection ended")

	if !s.handleInit(conn) {
		return
	}

	if s.failAgent.Load() {
		s.sendError(conn, "Failed to connect to voice agent")
		return
	}

	s.messageReadLoop(conn)
}

// handleInit 第一条消息必须是init
func (s *Server) handleInit(conn *Connection) bool {
	conn.Conn.SetReadDeadline(time.Now().Add(s.config.InitTimeout))

	messageType, data, err := conn.Conn.ReadMessage()
	if err != nil {
		s.logger.Debug("read init message failed", zap.String("conn_id", conn.ID), zap.Error(err))
		return false
	}
	s.recordFirst(data)
	conn.Stats.MessagesReceived.Add(1)
	s.totalMessages.Add(1)

	var msg initMessage
	if messageType != websocket.TextMessage || json.Unmarshal(data, &msg) != nil || msg.Type != string(protocol.TypeInit) {
		s.sendError(conn, "Expected init message")
		return false
	}

	conn.Level = defaultString(msg.Level, "intermediate")
	conn.Topic = defaultString(msg.Topic, "free_talk")
	conn.VoiceID = defaultString(msg.VoiceID, "aura-2-thalia-en")
	conn.UserID = msg.UserID
	conn.SessionID = uuid.NewString()

	s.mu.Lock()
	s.sessions = append(s.sessions, SessionInfo{
		SessionID: conn.SessionID,
		Level:     conn.Level,
		Topic:     conn.Topic,
		UserID:    conn.UserID,
		VoiceID:   conn.VoiceID,
	})
	s.mu.Unlock()

	s.logger.Info("session started",
		zap.String("session_id", conn.SessionID),
		zap.String("level", conn.Level),
		zap.String("topic", conn.Topic))

	if s.suppressHandshake.Load() {
		return true
	}
	return s.sendJSON(conn, sessionStartedMessage{
		Type:      string(protocol.TypeSessionStarted),
		SessionID: conn.SessionID,
		Level:     conn.Level,
		Topic:     conn.Topic,
	}) == nil
}

func (s *Server) messageReadLoop(conn *Connection) {
	for {
		select {
		case <-conn.stopChan:
			return
		default:
		}

		conn.Conn.SetReadDeadline(time.Now().Add(s.config.IdleTimeout))
		messageType, data, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("connection read error", zap.String("conn_id", conn.ID), zap.Error(err))
			}
			return
		}
		conn.Stats.MessagesReceived.Add(1)
		s.totalMessages.Add(1)

		if messageType == websocket.BinaryMessage {
			s.handleAudioFrame(conn, len(data))
			continue
		}

		if !s.handleMessage(conn, data) {
			return
		}
	}
}

func (s *Server) handleAudioFrame(conn *Connection, size int) {
	frames := conn.Stats.AudioFrames.Add(1)
	conn.Stats.AudioBytes.Add(uint64(size))
	s.totalAudioFrames.Add(1)

	if n := s.config.UtteranceFrames; n > 0 && frames%uint64(n) == 0 {
		s.respond(conn, s.config.SpokenText)
	}
}

// handleMessage 返回false时结束会话
func (s *Server) handleMessage(conn *Connection, data []byte) bool {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(conn, "Invalid message format")
		return false
	}

	switch protocol.MessageType(msg.Type) {
	case protocol.TypeText:
		if strings.TrimSpace(msg.Text) != "" {
			s.respond(conn, msg.Text)
		}
	case protocol.TypeAudio:
		if samples, err := protocol.DecodeAudioPayload(msg.Audio); err == nil {
			s.handleAudioFrame(conn, len(samples)*protocol.BytesPerSample)
		}
	case protocol.TypeStop:
		s.logger.Info("session stopped by client", zap.String("session_id", conn.SessionID))
		return false
	default:
		s.logger.Debug("ignoring client message", zap.String("type", msg.Type))
	}
	return true
}

// respond 模拟一轮对话的完整回复
func (s *Server) respond(conn *Connection, text string) {
	words := strings.Fields(text)
	if len(words) == 0 {
		return
	}

	corrections := FindCorrections(text)
	turns := conn.Stats.Turns.Add(1)
	mistakes := conn.Stats.GrammarMistakes.Add(uint64(len(corrections)))

	interim := strings.Join(words[:(len(words)+1)/2], " ")
	steps := []interface{}{
		transcriptMessage{Type: string(protocol.TypeInterimTranscript), Text: interim, Confidence: 0.6},
		transcriptMessage{
			Type:       string(protocol.TypeFinalTranscript),
			Text:       text,
			Confidence: 0.92,
			IsFinal:    true,
			Words:      wordConfidences(words),
		},
		feedbackMessage{
			Type:                  string(protocol.TypeFeedback),
			Text:                  feedbackText(corrections, conn.Topic),
			GrammarCorrections:    corrections,
			VocabularySuggestions: []protocol.VocabularySuggestion{},
			PronunciationTips:     []protocol.PronunciationTip{},
			FollowUpQuestion:      followUpQuestion(conn.Topic),
		},
	}

	samples := ToneSamples(s.config.SampleRate, s.config.ChunkDuration, s.config.ToneHz)
	payload := protocol.EncodeAudioPayload(samples)
	for i := 0; i < s.config.AudioChunks; i++ {
		steps = append(steps, audioMessage{
			Type:       string(protocol.TypeAudio),
			Audio:      payload,
			Format:     "linear16",
			SampleRate: s.config.SampleRate,
		})
	}

	steps = append(steps, progressMessage{
		Type:            string(protocol.TypeProgress),
		DurationSeconds: time.Since(conn.Stats.ConnectedAt).Seconds(),
		TurnsCount:      int(turns),
		AvgConfidence:   92,
		GrammarMistakes: int(mistakes),
	})

	for _, msg := range steps {
		if err := s.sendJSON(conn, msg); err != nil {
			return
		}
		if s.config.ReplyDelay > 0 {
			time.Sleep(s.config.ReplyDelay)
		}
	}
}

func (s *Server) recordFirst(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.firstMessages = append(s.firstMessages, append([]byte{}, data...))
}

func (s *Server) sendError(conn *Connection, message string) {
	s.sendJSON(conn, errorMessage{Type: string(protocol.TypeError), Message: message})
}

// sendJSON 发送一条文本消息
func (s *Server) sendJSON(conn *Connection, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message failed: %w", err)
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()

	conn.Conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	conn.Stats.MessagesSent.Add(1)
	return nil
}

func (s *Server) closeConnection(conn *Connection, reason string) {
	if _, loaded := s.connections.LoadAndDelete(conn.ID); !loaded {
		return
	}
	s.connCount.Add(-1)

	conn.mu.Lock()
	conn.Conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
		time.Now().Add(time.Second))
	conn.Conn.Close()
	conn.mu.Unlock()

	conn.safeClose()

	s.logger.Debug("connection closed",
		zap.String("conn_id", conn.ID),
		zap.String("reason", reason),
		zap.Uint64("audio_frames", conn.Stats.AudioFrames.Load()))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.GetStats())
}

// handleControl 处理控制命令，例如 POST /control?action=suppress_handshake&enabled=true
func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	enabled := r.URL.Query().Get("enabled") != "false"

	switch r.URL.Query().Get("action") {
	case "disconnect_all":
		n := s.ForceDisconnectAll()
		fmt.Fprintf(w, "disconnected %d connections\n", n)
	case "suppress_handshake":
		s.SetSuppressHandshake(enabled)
		fmt.Fprintf(w, "suppress_handshake=%t\n", enabled)
	case "reject":
		s.SetRejectConnections(enabled)
		fmt.Fprintf(w, "reject=%t\n", enabled)
	case "fail_agent":
		s.SetFailAgent(enabled)
		fmt.Fprintf(w, "fail_agent=%t\n", enabled)
	default:
		http.Error(w, "unknown action", http.StatusBadRequest)
	}
}

// GetStats 获取服务器统计信息
func (s *Server) GetStats() map[string]interface{} {
	s.mu.Lock()
	sessions := len(s.sessions)
	s.mu.Unlock()

	return map[string]interface{}{
		"running":             s.isRunning.Load(),
		"uptime_seconds":      time.Since(s.startTime).Seconds(),
		"current_connections": s.connCount.Load(),
		"total_connections":   s.totalConnections.Load(),
		"total_messages":      s.totalMessages.Load(),
		"total_audio_frames":  s.totalAudioFrames.Load(),
		"sessions_started":    sessions,
		"suppress_handshake":  s.suppressHandshake.Load(),
		"reject_connections":  s.rejectConnections.Load(),
		"fail_agent":          s.failAgent.Load(),
	}
}

func defaultString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
