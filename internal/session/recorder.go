package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventType 录制事件类型
type EventType string

const (
	EventStateChange    EventType = "STATE_CHANGE"
	EventSessionStarted EventType = "SESSION_STARTED"
	EventTranscript     EventType = "TRANSCRIPT"
	EventFeedback       EventType = "FEEDBACK"
	EventProgress       EventType = "PROGRESS"
	EventError          EventType = "ERROR"
)

// SessionEvent 会话事件
type SessionEvent struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// RecordingStats 录制统计
type RecordingStats struct {
	StartTime        time.Time     `json:"start_time"`
	EndTime          time.Time     `json:"end_time"`
	Duration         time.Duration `json:"duration"`
	TotalEvents      int           `json:"total_events"`
	StateChanges     int           `json:"state_changes"`
	FinalTranscripts int           `json:"final_transcripts"`
	FeedbackCount    int           `json:"feedback_count"`
	GrammarMistakes  int           `json:"grammar_mistakes"`
	ReconnectCount   int           `json:"reconnect_count"`
	ErrorCount       int           `json:"error_count"`
}

// Recording 一次逻辑会话的完整记录，重连产生的新会话ID追加到 SessionIDs
type Recording struct {
	ID         string            `json:"id"`
	SessionIDs []string          `json:"session_ids"`
	Level      Level             `json:"level"`
	Topic      Topic             `json:"topic"`
	Events     []*SessionEvent   `json:"events"`
	Progress   *ProgressSnapshot `json:"progress,omitempty"`
	Stats      RecordingStats    `json:"stats"`
}

// Recorder 会话录制器，作为观察者挂在控制器上
//
// 首个 session_started 开始录制，状态回到 Idle 时结束；
// 配置了输出目录时把记录写成 JSON 文件。
type Recorder struct {
	outputDir string
	clock     clock.Clock
	logger    *zap.Logger

	mu        sync.RWMutex
	current   *Recording
	completed []*Recording
	finals    int
}

// NewRecorder 创建录制器，outputDir为空时只保存在内存中
func NewRecorder(outputDir string, clk clock.Clock, logger *zap.Logger) *Recorder {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		outputDir: outputDir,
		clock:     clk,
		logger:    logger,
	}
}

func (r *Recorder) record(eventType EventType, metadata map[string]interface{}) {
	if r.current == nil {
		return
	}
	r.current.Events = append(r.current.Events, &SessionEvent{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: r.clock.Now(),
		Metadata:  metadata,
	})
	r.current.Stats.TotalEvents++
}

// StateChanged 记录状态变化，回到 Idle 时结束录制
func (r *Recorder) StateChanged(old, new ConnectionState) {
	r.mu.Lock()
	r.record(EventStateChange, map[string]interface{}{
		"from": old.String(),
		"to":   new.String(),
	})
	if r.current != nil {
		r.current.Stats.StateChanges++
		if new == StateConnecting && old != StateIdle {
			r.current.Stats.ReconnectCount++
		}
	}

	var finished *Recording
	if new == StateIdle && r.current != nil {
		finished = r.finish()
	}
	r.mu.Unlock()

	if finished != nil && r.outputDir != "" {
		if _, err := r.save(finished); err != nil {
			r.logger.Warn("save session recording failed", zap.Error(err))
		}
	}
}

// SessionStarted 开始新录制，或在重连后追加会话ID
func (r *Recorder) SessionStarted(s Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current == nil {
		r.current = &Recording{
			ID:    uuid.NewString(),
			Level: s.Level,
			Topic: s.Topic,
			Stats: RecordingStats{StartTime: r.clock.Now()},
		}
		r.finals = 0
	}
	r.current.SessionIDs = append(r.current.SessionIDs, s.ID)
	r.record(EventSessionStarted, map[string]interface{}{
		"session_id": s.ID,
		"level":      string(s.Level),
		"topic":      string(s.Topic),
	})
}

// TranscriptUpdated 只记录新出现的最终结果
func (r *Recorder) TranscriptUpdated(items []TranscriptItem) {
	r.mu.Lock()
	defer r.mu.Unlock()

	finals := 0
	var latest *TranscriptItem
	for i := range items {
		if items[i].Kind == TranscriptFinal {
			finals++
			latest = &items[i]
		}
	}
	if finals <= r.finals || latest == nil {
		return
	}
	r.finals = finals

	metadata := map[string]interface{}{"text": latest.Text}
	if latest.Confidence != nil {
		metadata["confidence"] = *latest.Confidence
	}
	r.record(EventTranscript, metadata)
	if r.current != nil {
		r.current.Stats.FinalTranscripts++
	}
}

func (r *Recorder) FeedbackAdded(item FeedbackItem) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.record(EventFeedback, map[string]interface{}{
		"text":                item.Text,
		"grammar_corrections": len(item.GrammarCorrections),
		"follow_up_question":  item.FollowUpQuestion,
	})
	if r.current != nil {
		r.current.Stats.FeedbackCount++
		r.current.Stats.GrammarMistakes += len(item.GrammarCorrections)
	}
}

func (r *Recorder) ProgressUpdated(p ProgressSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.record(EventProgress, map[string]interface{}{
		"duration_seconds": p.DurationSeconds,
		"turns_count":      p.TurnsCount,
		"avg_confidence":   p.AvgConfidence,
		"grammar_mistakes": p.GrammarMistakes,
	})
	if r.current != nil {
		r.current.Progress = &p
	}
}

func (r *Recorder) SessionError(message string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.record(EventError, map[string]interface{}{"message": message})
	if r.current != nil {
		r.current.Stats.ErrorCount++
	}
}

// finish 调用方持有锁
func (r *Recorder) finish() *Recording {
	rec := r.current
	r.current = nil

	rec.Stats.EndTime = r.clock.Now()
	rec.Stats.Duration = rec.Stats.EndTime.Sub(rec.Stats.StartTime)
	r.completed = append(r.completed, rec)
	return rec
}

func (r *Recorder) save(rec *Recording) (string, error) {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal recording failed: %w", err)
	}
	if err := os.MkdirAll(r.outputDir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir failed: %w", err)
	}

	name := rec.ID
	if len(rec.SessionIDs) > 0 {
		name = rec.SessionIDs[0]
	}
	path := filepath.Join(r.outputDir, fmt.Sprintf("session_%s.json", name))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write recording failed: %w", err)
	}

	r.logger.Info("session recording saved", zap.String("path", path), zap.Int("events", len(rec.Events)))
	return path, nil
}

// Active 是否正在录制
func (r *Recorder) Active() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current != nil
}

// Recordings 已结束的录制
func (r *Recorder) Recordings() []*Recording {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Recording{}, r.completed...)
}

// ExportJSON 导出当前或最近一次录制
func (r *Recorder) ExportJSON() ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec := r.current
	if rec == nil && len(r.completed) > 0 {
		rec = r.completed[len(r.completed)-1]
	}
	if rec == nil {
		return nil, fmt.Errorf("no recording available")
	}
	return json.MarshalIndent(rec, "", "  ")
}
