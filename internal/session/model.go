package session

import (
	"errors"
	"fmt"
	"time"

	"SpeakMateClient/internal/protocol"
	"SpeakMateClient/internal/wsclient"
)

// Level 练习难度
type Level string

const (
	LevelBeginner     Level = "beginner"
	LevelIntermediate Level = "intermediate"
	LevelAdvanced     Level = "advanced"
)

// Topic 练习话题
type Topic string

const (
	TopicFreeTalk  Topic = "free_talk"
	TopicDailyLife Topic = "daily_life"
	TopicBusiness  Topic = "business"
	TopicTravel    Topic = "travel"
	TopicAcademic  Topic = "academic"
)

const DefaultVoiceID = "aura-2-thalia-en"

var (
	ErrInvalidLevel = errors.New("invalid level")
	ErrInvalidTopic = errors.New("invalid topic")
)

// Levels 所有难度
var Levels = []Level{LevelBeginner, LevelIntermediate, LevelAdvanced}

// Topics 所有话题
var Topics = []Topic{TopicFreeTalk, TopicDailyLife, TopicBusiness, TopicTravel, TopicAcademic}

func (l Level) Valid() bool {
	for _, v := range Levels {
		if l == v {
			return true
		}
	}
	return false
}

func (t Topic) Valid() bool {
	for _, v := range Topics {
		if t == v {
			return true
		}
	}
	return false
}

// Params connect() 的会话参数
type Params struct {
	Level   Level  `json:"level"`
	Topic   Topic  `json:"topic"`
	UserID  string `json:"user_id,omitempty"`
	VoiceID string `json:"voice_id,omitempty"`
}

// Normalize 补齐默认难度和话题后校验
func (p Params) Normalize() (Params, error) {
	if p.Level == "" {
		p.Level = LevelIntermediate
	}
	if p.Topic == "" {
		p.Topic = TopicFreeTalk
	}
	if !p.Level.Valid() {
		return p, fmt.Errorf("%w: %q", ErrInvalidLevel, p.Level)
	}
	if !p.Topic.Valid() {
		return p, fmt.Errorf("%w: %q", ErrInvalidTopic, p.Topic)
	}
	return p, nil
}

func (p Params) wire() wsclient.SessionParams {
	return wsclient.SessionParams{
		Level:   string(p.Level),
		Topic:   string(p.Topic),
		UserID:  p.UserID,
		VoiceID: p.VoiceID,
	}
}

// Session 握手成功后由代理分配的会话
type Session struct {
	ID        string    `json:"id"`
	Level     Level     `json:"level"`
	Topic     Topic     `json:"topic"`
	UserID    string    `json:"user_id,omitempty"`
	VoiceID   string    `json:"voice_id,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// TranscriptKind 识别结果类型
type TranscriptKind string

const (
	TranscriptInterim TranscriptKind = "interim"
	TranscriptFinal   TranscriptKind = "final"
)

// TranscriptItem 一条识别结果
type TranscriptItem struct {
	Kind       TranscriptKind            `json:"kind"`
	Text       string                    `json:"text"`
	Confidence *float64                  `json:"confidence,omitempty"`
	Words      []protocol.WordConfidence `json:"words,omitempty"`
	ReceivedAt time.Time                 `json:"received_at"`
}

// FeedbackItem 一条代理反馈，会话期间只追加
type FeedbackItem struct {
	Text                  string                          `json:"text"`
	GrammarCorrections    []protocol.GrammarCorrection    `json:"grammar_corrections,omitempty"`
	VocabularySuggestions []protocol.VocabularySuggestion `json:"vocabulary_suggestions,omitempty"`
	PronunciationTips     []protocol.PronunciationTip     `json:"pronunciation_tips,omitempty"`
	FollowUpQuestion      string                          `json:"follow_up_question,omitempty"`
	ReceivedAt            time.Time                       `json:"received_at"`
}

func newFeedbackItem(fb protocol.Feedback, at time.Time) FeedbackItem {
	return FeedbackItem{
		Text:                  fb.Text,
		GrammarCorrections:    fb.GrammarCorrections,
		VocabularySuggestions: fb.VocabularySuggestions,
		PronunciationTips:     fb.PronunciationTips,
		FollowUpQuestion:      fb.FollowUpQuestion,
		ReceivedAt:            at,
	}
}

// ProgressSnapshot 进度快照，整体替换
type ProgressSnapshot struct {
	DurationSeconds float64   `json:"duration_seconds"`
	TurnsCount      int       `json:"turns_count"`
	AvgConfidence   int       `json:"avg_confidence"`
	GrammarMistakes int       `json:"grammar_mistakes"`
	ReceivedAt      time.Time `json:"received_at"`
}
