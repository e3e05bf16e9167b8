package session_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"SpeakMateClient/internal/session"
	"SpeakMateClient/internal/testutil"
)

// stateLog 记录观察者回调；回调在事件循环上执行，读取在测试协程
type stateLog struct {
	session.NopObserver

	mu       sync.Mutex
	states   []session.ConnectionState
	errors   []string
	sessions []session.Session
}

func (l *stateLog) StateChanged(_, new session.ConnectionState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, new)
}

func (l *stateLog) SessionStarted(s session.Session) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sessions = append(l.sessions, s)
}

func (l *stateLog) SessionError(message string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, message)
}

func (l *stateLog) States() []session.ConnectionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]session.ConnectionState{}, l.states...)
}

func (l *stateLog) Errors() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string{}, l.errors...)
}

type controllerFixture struct {
	t         *testing.T
	clock     *clock.Mock
	transport *testutil.FakeTransport
	capture   *testutil.FakeCapture
	output    *testutil.FakeOutput
	log       *stateLog
	ctrl      *session.Controller
}

var travelParams = session.Params{Level: session.LevelIntermediate, Topic: session.TopicTravel}

func newControllerFixture(t *testing.T) *controllerFixture {
	t.Helper()

	fx := &controllerFixture{
		t:         t,
		clock:     clock.NewMock(),
		transport: testutil.NewFakeTransport(),
		capture:   testutil.NewFakeCapture(),
		output:    testutil.NewFakeOutput(),
		log:       &stateLog{},
	}
	fx.ctrl = session.New(session.DefaultConfig("ws://agent.test/ws/voice"), session.Dependencies{
		Transport: fx.transport,
		Capture:   fx.capture,
		Output:    fx.output,
	},
		session.WithClock(fx.clock),
		session.WithLogger(zaptest.NewLogger(t)),
		session.WithObserver(fx.log))

	t.Cleanup(fx.ctrl.Close)
	return fx
}

func (fx *controllerFixture) waitState(want session.ConnectionState) {
	fx.t.Helper()
	require.Eventually(fx.t, func() bool { return fx.ctrl.State() == want },
		2*time.Second, 5*time.Millisecond, "state never became %s", want)
}

func (fx *controllerFixture) waitSnapshot(cond func(session.Snapshot) bool) session.Snapshot {
	fx.t.Helper()
	var snap session.Snapshot
	require.Eventually(fx.t, func() bool {
		snap = fx.ctrl.Snapshot()
		return cond(snap)
	}, 2*time.Second, 5*time.Millisecond)
	return snap
}

// waitConn 等待第n个连接写出init
func (fx *controllerFixture) waitConn(n int) *testutil.FakeConn {
	fx.t.Helper()
	require.Eventually(fx.t, func() bool {
		conns := fx.transport.Conns()
		if len(conns) < n {
			return false
		}
		_, _, ok := conns[n-1].FirstOutbound()
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	return fx.transport.Conns()[n-1]
}

func (fx *controllerFixture) connectReady(params session.Params) *testutil.FakeConn {
	fx.t.Helper()
	n := len(fx.transport.Conns()) + 1
	fx.ctrl.Connect(params)
	conn := fx.waitConn(n)
	conn.DeliverSessionStarted("abc123", string(params.Level), string(params.Topic))
	fx.waitState(session.StateReady)
	return conn
}

// tone 返回24kHz下持续d的静音采样
func tone(d time.Duration) []int16 {
	return make([]int16, int(d*24000/time.Second))
}

func TestConnectHandshakeReady(t *testing.T) {
	fx := newControllerFixture(t)

	fx.ctrl.Connect(travelParams)
	assert.Equal(t, session.StateConnecting, fx.ctrl.State())

	conn := fx.waitConn(1)
	texts := conn.SentTexts()
	require.Len(t, texts, 1)
	assert.Equal(t, "init", texts[0]["type"])
	assert.Equal(t, "intermediate", texts[0]["level"])
	assert.Equal(t, "travel", texts[0]["topic"])

	conn.DeliverSessionStarted("abc123", "intermediate", "travel")
	fx.waitState(session.StateReady)

	snap := fx.ctrl.Snapshot()
	require.NotNil(t, snap.Session)
	assert.Equal(t, "abc123", snap.Session.ID)
	assert.Equal(t, session.TopicTravel, snap.Session.Topic)
	assert.Zero(t, snap.PendingTimers)
	assert.Empty(t, snap.LastError)

	assert.Equal(t, []session.ConnectionState{session.StateConnecting, session.StateReady}, fx.log.States())
}

func TestConnectAppliesDefaults(t *testing.T) {
	fx := newControllerFixture(t)

	fx.ctrl.Connect(session.Params{})
	conn := fx.waitConn(1)

	texts := conn.SentTexts()
	require.NotEmpty(t, texts)
	assert.Equal(t, "intermediate", texts[0]["level"])
	assert.Equal(t, "free_talk", texts[0]["topic"])
}

func TestConnectRejectsInvalidParams(t *testing.T) {
	fx := newControllerFixture(t)

	fx.ctrl.Connect(session.Params{Level: "expert"})

	snap := fx.ctrl.Snapshot()
	assert.Equal(t, session.StateError, snap.State)
	assert.Contains(t, snap.LastError, "invalid level")
	assert.Zero(t, fx.transport.Dials())
}

func TestConnectIgnoredWhileInSession(t *testing.T) {
	fx := newControllerFixture(t)
	fx.connectReady(travelParams)

	fx.ctrl.Connect(session.Params{Level: session.LevelAdvanced})

	assert.Equal(t, session.StateReady, fx.ctrl.State())
	assert.Equal(t, 1, fx.transport.Dials())
}

// TestBargeInScenario 采集中收到音频进入Speaking，播完后回到Listening
func TestBargeInScenario(t *testing.T) {
	fx := newControllerFixture(t)
	conn := fx.connectReady(travelParams)

	fx.ctrl.StartCapture()
	assert.Equal(t, session.StateListening, fx.ctrl.State())
	require.True(t, fx.capture.Running())

	require.True(t, fx.capture.Push(make([]int16, 512)))
	require.Eventually(t, func() bool { return len(conn.SentBinary()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, conn.SentBinary()[0], 1024)

	conn.DeliverAudio(tone(100 * time.Millisecond))
	fx.waitState(session.StateSpeaking)
	assert.True(t, fx.capture.Running())
	require.Len(t, fx.output.Plays(), 1)

	fx.clock.Add(100 * time.Millisecond)
	fx.waitState(session.StateListening)
	assert.True(t, fx.capture.Running())

	assert.Equal(t, []session.ConnectionState{
		session.StateConnecting,
		session.StateReady,
		session.StateListening,
		session.StateSpeaking,
		session.StateListening,
	}, fx.log.States())
}

func TestPlaybackDrainReturnsToReady(t *testing.T) {
	fx := newControllerFixture(t)
	conn := fx.connectReady(travelParams)

	conn.DeliverAudio(tone(50 * time.Millisecond))
	conn.DeliverAudio(tone(50 * time.Millisecond))
	fx.waitSnapshot(func(s session.Snapshot) bool { return s.Playback.Scheduled == 2 })
	assert.Equal(t, session.StateSpeaking, fx.ctrl.State())

	plays := fx.output.Plays()
	require.Len(t, plays, 2)
	assert.Equal(t, plays[0].At.Add(50*time.Millisecond), plays[1].At)

	fx.clock.Add(60 * time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, session.StateSpeaking, fx.ctrl.State())

	fx.clock.Add(40 * time.Millisecond)
	fx.waitState(session.StateReady)
}

// TestStartCaptureWhileSpeaking 播放中开始采集，排空后进入Listening
func TestStartCaptureWhileSpeaking(t *testing.T) {
	fx := newControllerFixture(t)
	conn := fx.connectReady(travelParams)

	conn.DeliverAudio(tone(100 * time.Millisecond))
	fx.waitState(session.StateSpeaking)

	fx.ctrl.StartCapture()
	assert.Equal(t, session.StateSpeaking, fx.ctrl.State())
	assert.True(t, fx.capture.Running())

	// Speaking 期间的帧不发送
	require.True(t, fx.capture.Push(make([]int16, 512)))
	snap := fx.waitSnapshot(func(s session.Snapshot) bool { return s.Framer.Captured == 1 })
	assert.Equal(t, uint64(1), snap.Framer.DroppedNotListening)
	assert.Empty(t, conn.SentBinary())

	fx.clock.Add(100 * time.Millisecond)
	fx.waitState(session.StateListening)
}

func TestStopCaptureReturnsToReady(t *testing.T) {
	fx := newControllerFixture(t)
	fx.connectReady(travelParams)

	fx.ctrl.StartCapture()
	fx.ctrl.StartCapture()
	assert.Equal(t, 1, fx.capture.Starts())

	fx.ctrl.StopCapture()
	assert.Equal(t, session.StateReady, fx.ctrl.State())
	assert.False(t, fx.capture.Running())
}

func TestStartCaptureIgnoredOutsideSession(t *testing.T) {
	fx := newControllerFixture(t)

	fx.ctrl.StartCapture()
	assert.Equal(t, session.StateIdle, fx.ctrl.State())

	fx.ctrl.Connect(travelParams)
	fx.ctrl.StartCapture()
	assert.Equal(t, session.StateConnecting, fx.ctrl.State())
	assert.Zero(t, fx.capture.Starts())
}

// TestCaptureDeniedKeepsConnection 采集被拒绝只影响采集，文本对话仍然可用
func TestCaptureDeniedKeepsConnection(t *testing.T) {
	fx := newControllerFixture(t)
	conn := fx.connectReady(travelParams)
	fx.capture.Deny()

	fx.ctrl.StartCapture()

	snap := fx.ctrl.Snapshot()
	assert.Equal(t, session.StateError, snap.State)
	assert.Contains(t, snap.LastError, "capture device access denied")
	assert.False(t, snap.Capturing)
	assert.False(t, conn.Closed())
	assert.Equal(t, []string{snap.LastError}, fx.log.Errors())

	fx.ctrl.SendText("hello there")
	assert.Equal(t, []string{"init", "text"}, conn.SentTypes())
}

func TestSendText(t *testing.T) {
	fx := newControllerFixture(t)

	fx.ctrl.SendText("too early")
	assert.Zero(t, fx.transport.Dials())

	conn := fx.connectReady(travelParams)
	fx.ctrl.SendText("")
	fx.ctrl.SendText("I goes to the airport")

	texts := conn.SentTexts()
	require.Len(t, texts, 2)
	assert.Equal(t, map[string]interface{}{"type": "text", "text": "I goes to the airport"}, texts[1])
}

// TestInterimReplacedByFinal 最终结果到达后不留下任何临时结果
func TestInterimReplacedByFinal(t *testing.T) {
	fx := newControllerFixture(t)
	conn := fx.connectReady(travelParams)

	conn.Deliver(map[string]interface{}{"type": "interim_transcript", "text": "I", "confidence": 0.5})
	conn.Deliver(map[string]interface{}{"type": "interim_transcript", "text": "I goes", "confidence": 0.6})
	conn.Deliver(map[string]interface{}{
		"type": "final_transcript", "text": "I goes to school", "confidence": 0.92, "is_final": true,
		"words": []map[string]interface{}{{"word": "I", "confidence": 0.99}, {"word": "goes", "confidence": 0.81}},
	})

	snap := fx.waitSnapshot(func(s session.Snapshot) bool {
		return len(s.Transcript) > 0 && s.Transcript[len(s.Transcript)-1].Kind == session.TranscriptFinal
	})
	require.Len(t, snap.Transcript, 1)
	final := snap.Transcript[0]
	assert.Equal(t, "I goes to school", final.Text)
	require.NotNil(t, final.Confidence)
	assert.InDelta(t, 0.92, *final.Confidence, 1e-9)
	require.Len(t, final.Words, 2)
	assert.Equal(t, "goes", final.Words[1].Word)

	// 迟到的临时结果只保留一条，下一个最终结果到来时被移除
	conn.Deliver(map[string]interface{}{"type": "interim_transcript", "text": "stale"})
	conn.Deliver(map[string]interface{}{"type": "interim_transcript", "text": "And"})
	snap = fx.waitSnapshot(func(s session.Snapshot) bool {
		return len(s.Transcript) == 2 && s.Transcript[1].Text == "And"
	})
	assert.Equal(t, session.TranscriptInterim, snap.Transcript[1].Kind)

	conn.Deliver(map[string]interface{}{"type": "final_transcript", "text": "And then I flew."})
	snap = fx.waitSnapshot(func(s session.Snapshot) bool {
		return len(s.Transcript) == 2 && s.Transcript[1].Kind == session.TranscriptFinal
	})
	assert.Equal(t, "And then I flew.", snap.Transcript[1].Text)
}

func TestFeedbackAndProgress(t *testing.T) {
	fx := newControllerFixture(t)
	conn := fx.connectReady(travelParams)

	conn.Deliver(map[string]interface{}{
		"type": "feedback",
		"text": "Nice! Where did you go?",
		"grammar_corrections": []map[string]interface{}{
			{"original": "I goes", "corrected": "I go", "explanation": "subject-verb agreement"},
		},
		"vocabulary_suggestions": []interface{}{},
		"pronunciation_tips":     []interface{}{},
		"follow_up_question":     nil,
	})
	conn.Deliver(map[string]interface{}{"type": "progress", "duration_seconds": 12.5, "turns_count": 1, "avg_confidence": 80, "grammar_mistakes": 1})
	conn.Deliver(map[string]interface{}{"type": "progress", "duration_seconds": 30.0, "turns_count": 2, "avg_confidence": 85, "grammar_mistakes": 1})

	snap := fx.waitSnapshot(func(s session.Snapshot) bool {
		return s.Progress != nil && s.Progress.TurnsCount == 2
	})
	require.Len(t, snap.Feedback, 1)
	fb := snap.Feedback[0]
	assert.Equal(t, "Nice! Where did you go?", fb.Text)
	require.Len(t, fb.GrammarCorrections, 1)
	assert.Equal(t, "I go", fb.GrammarCorrections[0].Corrected)
	assert.Empty(t, fb.FollowUpQuestion)

	assert.InDelta(t, 30.0, snap.Progress.DurationSeconds, 1e-9)
	assert.Equal(t, 85, snap.Progress.AvgConfidence)
	assert.Equal(t, session.StateReady, snap.State)
}

// TestErrorNoticeSurfaced 代理报错进入Error，连接保持打开
func TestErrorNoticeSurfaced(t *testing.T) {
	fx := newControllerFixture(t)
	conn := fx.connectReady(travelParams)
	fx.ctrl.StartCapture()

	conn.Deliver(map[string]interface{}{"type": "error", "message": "Failed to connect to voice agent"})
	fx.waitState(session.StateError)

	snap := fx.ctrl.Snapshot()
	assert.Equal(t, "Failed to connect to voice agent", snap.LastError)
	assert.False(t, snap.Capturing)
	assert.False(t, conn.Closed())
	assert.Equal(t, []string{"Failed to connect to voice agent"}, fx.log.Errors())
}

func TestMalformedMessagesIgnored(t *testing.T) {
	fx := newControllerFixture(t)
	conn := fx.connectReady(travelParams)

	conn.DeliverRaw(websocket.TextMessage, []byte("{not json"))
	conn.DeliverRaw(websocket.TextMessage, []byte(`{"type":"mystery"}`))
	conn.DeliverRaw(websocket.TextMessage, []byte(`{"type":"audio"}`))
	conn.Deliver(map[string]interface{}{"type": "final_transcript", "text": "still here"})

	snap := fx.waitSnapshot(func(s session.Snapshot) bool { return len(s.Transcript) == 1 })
	assert.Equal(t, session.StateReady, snap.State)
	assert.Empty(t, snap.LastError)
	assert.False(t, conn.Closed())
}

// TestHandshakeTimeoutEntersError 10秒内没有session_started则进入Error并关闭连接
func TestHandshakeTimeoutEntersError(t *testing.T) {
	fx := newControllerFixture(t)
	fx.ctrl.Connect(travelParams)
	conn := fx.waitConn(1)

	fx.clock.Add(10 * time.Second)
	fx.waitState(session.StateError)

	snap := fx.ctrl.Snapshot()
	assert.Contains(t, snap.LastError, "handshake timeout")
	assert.Nil(t, snap.Session)
	assert.True(t, conn.Closed())
}

// TestRetriesExhaustedGoesIdle 连续失败耗尽重试预算后回到Idle，不再重连
func TestRetriesExhaustedGoesIdle(t *testing.T) {
	fx := newControllerFixture(t)
	fx.transport.FailNextDials(6, errors.New("connection refused"))

	fx.ctrl.Connect(travelParams)

	delays := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}
	for i, delay := range delays {
		attempts := i + 1
		fx.waitSnapshot(func(s session.Snapshot) bool {
			return s.State == session.StateError && s.RetryAttempts == attempts && s.PendingTimers == 1
		})
		fx.clock.Add(delay)
		require.Eventually(t, func() bool { return fx.transport.Dials() == attempts+1 }, 2*time.Second, 5*time.Millisecond)
	}

	fx.waitState(session.StateIdle)
	snap := fx.ctrl.Snapshot()
	assert.Contains(t, snap.LastError, "connection refused")
	assert.Zero(t, snap.PendingTimers)
	assert.Nil(t, snap.Session)

	fx.clock.Add(time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 6, fx.transport.Dials())

	// 下一次成功的connect重置计数
	fx.ctrl.Connect(travelParams)
	conn := fx.waitConn(1)
	conn.DeliverSessionStarted("fresh", "intermediate", "travel")
	snap = fx.waitSnapshot(func(s session.Snapshot) bool { return s.State == session.StateReady })
	assert.Zero(t, snap.RetryAttempts)
	assert.Empty(t, snap.LastError)
}

// TestMidSessionDropReconnects 会话中断后释放采集，用同样的参数重连
func TestMidSessionDropReconnects(t *testing.T) {
	fx := newControllerFixture(t)
	conn := fx.connectReady(session.Params{Level: session.LevelBeginner, Topic: session.TopicBusiness, UserID: "learner-1"})
	fx.ctrl.StartCapture()
	conn.Deliver(map[string]interface{}{"type": "final_transcript", "text": "before the drop"})
	fx.waitSnapshot(func(s session.Snapshot) bool { return len(s.Transcript) == 1 })

	conn.Drop()
	fx.waitState(session.StateConnecting)
	assert.False(t, fx.capture.Running())

	fx.waitSnapshot(func(s session.Snapshot) bool { return s.RetryAttempts == 1 && s.PendingTimers == 1 })
	fx.clock.Add(time.Second)

	next := fx.waitConn(2)
	texts := next.SentTexts()
	require.NotEmpty(t, texts)
	assert.Equal(t, map[string]interface{}{
		"type": "init", "level": "beginner", "topic": "business", "user_id": "learner-1",
	}, texts[0])

	next.DeliverSessionStarted("def456", "beginner", "business")
	snap := fx.waitSnapshot(func(s session.Snapshot) bool { return s.State == session.StateReady })
	require.NotNil(t, snap.Session)
	assert.Equal(t, "def456", snap.Session.ID)
	assert.Equal(t, "learner-1", snap.Session.UserID)
	assert.Len(t, snap.Transcript, 1)
	assert.Zero(t, snap.RetryAttempts)
}

// TestInitFirstOnEveryConnect 三次独立连接的第一条出站消息都是init
func TestInitFirstOnEveryConnect(t *testing.T) {
	fx := newControllerFixture(t)
	params := session.Params{Level: session.LevelBeginner, Topic: session.TopicBusiness}

	for i := 1; i <= 3; i++ {
		fx.ctrl.Connect(params)
		conn := fx.waitConn(i)

		messageType, data, ok := conn.FirstOutbound()
		require.True(t, ok)
		assert.Equal(t, websocket.TextMessage, messageType)
		assert.JSONEq(t, `{"type":"init","level":"beginner","topic":"business"}`, string(data))

		fx.ctrl.Disconnect()
		assert.Equal(t, session.StateIdle, fx.ctrl.State())
	}
}

func TestBackpressureDropsFrames(t *testing.T) {
	fx := newControllerFixture(t)
	conn := fx.connectReady(travelParams)
	fx.ctrl.StartCapture()

	conn.SetBuffered(2 << 20)
	for i := 0; i < 3; i++ {
		require.True(t, fx.capture.Push(make([]int16, 512)))
	}
	snap := fx.waitSnapshot(func(s session.Snapshot) bool { return s.Framer.Captured == 3 })
	assert.Equal(t, uint64(3), snap.Framer.DroppedBackpressure)
	assert.Zero(t, snap.Framer.Sent)
	assert.Empty(t, conn.SentBinary())

	conn.SetBuffered(1 << 20)
	require.True(t, fx.capture.Push(make([]int16, 512)))
	snap = fx.waitSnapshot(func(s session.Snapshot) bool { return s.Framer.Captured == 4 })
	assert.Equal(t, uint64(1), snap.Framer.Sent)
	assert.Len(t, conn.SentBinary(), 1)
}

// TestDisconnectFromAnyState 任意状态下断开都回到Idle且不留定时器
func TestDisconnectFromAnyState(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(fx *controllerFixture) *testutil.FakeConn
	}{
		{
			name: "idle",
			prepare: func(fx *controllerFixture) *testutil.FakeConn {
				return nil
			},
		},
		{
			name: "connecting",
			prepare: func(fx *controllerFixture) *testutil.FakeConn {
				fx.ctrl.Connect(travelParams)
				return fx.waitConn(1)
			},
		},
		{
			name: "backoff",
			prepare: func(fx *controllerFixture) *testutil.FakeConn {
				fx.transport.FailNextDials(1, errors.New("refused"))
				fx.ctrl.Connect(travelParams)
				fx.waitSnapshot(func(s session.Snapshot) bool {
					return s.State == session.StateError && s.PendingTimers == 1
				})
				return nil
			},
		},
		{
			name: "ready",
			prepare: func(fx *controllerFixture) *testutil.FakeConn {
				return fx.connectReady(travelParams)
			},
		},
		{
			name: "listening",
			prepare: func(fx *controllerFixture) *testutil.FakeConn {
				conn := fx.connectReady(travelParams)
				fx.ctrl.StartCapture()
				return conn
			},
		},
		{
			name: "speaking",
			prepare: func(fx *controllerFixture) *testutil.FakeConn {
				conn := fx.connectReady(travelParams)
				conn.DeliverAudio(tone(time.Second))
				fx.waitState(session.StateSpeaking)
				return conn
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newControllerFixture(t)
			conn := tt.prepare(fx)

			fx.ctrl.Disconnect()
			fx.ctrl.Disconnect()

			snap := fx.ctrl.Snapshot()
			assert.Equal(t, session.StateIdle, snap.State)
			assert.Zero(t, snap.PendingTimers)
			assert.Nil(t, snap.Session)
			assert.False(t, fx.capture.Running())

			if conn != nil {
				assert.True(t, conn.Closed())
				types := conn.SentTypes()
				assert.Equal(t, "stop", types[len(types)-1])
			}

			dials := fx.transport.Dials()
			fx.clock.Add(time.Minute)
			time.Sleep(20 * time.Millisecond)
			assert.Equal(t, dials, fx.transport.Dials())
			assert.Equal(t, session.StateIdle, fx.ctrl.State())
		})
	}
}
