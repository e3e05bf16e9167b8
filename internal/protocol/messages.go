package protocol

// DefaultPlaybackSampleRate 音频消息未声明采样率时使用的默认值
const DefaultPlaybackSampleRate = 24000

// Outbound 客户端发往代理的文本消息
type Outbound interface {
	OutboundType() MessageType
}

// Inbound 代理下发的文本消息，共七种
type Inbound interface {
	InboundType() MessageType
}

// Init 会话初始化消息，连接建立后必须第一个发送
type Init struct {
	Level   string
	Topic   string
	UserID  string
	VoiceID string
}

// Text 绕过音频采集直接注入的一句话
type Text struct {
	Text string
}

// Stop 用户主动关闭连接前发送
type Stop struct{}

func (Init) OutboundType() MessageType { return TypeInit }
func (Text) OutboundType() MessageType { return TypeText }
func (Stop) OutboundType() MessageType { return TypeStop }

// SessionStarted 握手成功，代理分配会话ID
type SessionStarted struct {
	SessionID string `json:"session_id"`
	Level     string `json:"level"`
	Topic     string `json:"topic"`
}

// WordConfidence 单词级识别置信度
type WordConfidence struct {
	Word       string   `json:"word"`
	Confidence float64  `json:"confidence"`
	Start      *float64 `json:"start,omitempty"`
	End        *float64 `json:"end,omitempty"`
}

// InterimTranscript 临时识别结果，会被之后的任何识别结果替换
type InterimTranscript struct {
	Text       string   `json:"text"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// FinalTranscript 最终识别结果
type FinalTranscript struct {
	Text       string           `json:"text"`
	Confidence *float64         `json:"confidence,omitempty"`
	Words      []WordConfidence `json:"words,omitempty"`
}

// GrammarCorrection 语法纠正
type GrammarCorrection struct {
	Original    string `json:"original"`
	Corrected   string `json:"corrected"`
	Explanation string `json:"explanation"`
	Rule        string `json:"rule,omitempty"`
}

// VocabularySuggestion 词汇建议
type VocabularySuggestion struct {
	Word         string `json:"word"`
	Definition   string `json:"definition"`
	UsageExample string `json:"usage_example"`
	Level        string `json:"level,omitempty"`
}

// PronunciationTip 发音提示
type PronunciationTip struct {
	Word            string  `json:"word"`
	Phonetic        string  `json:"phonetic"`
	Tip             string  `json:"tip"`
	ConfidenceScore float64 `json:"confidence_score"`
}

// Feedback 代理对一轮对话的反馈
type Feedback struct {
	Text                  string                 `json:"text"`
	GrammarCorrections    []GrammarCorrection    `json:"grammar_corrections"`
	VocabularySuggestions []VocabularySuggestion `json:"vocabulary_suggestions"`
	PronunciationTips     []PronunciationTip     `json:"pronunciation_tips"`
	FollowUpQuestion      string                 `json:"follow_up_question,omitempty"`
}

// AudioChunk 合成语音片段（base64编码的PCM16）
type AudioChunk struct {
	Audio      string
	Format     string
	SampleRate int
}

// ProgressSnapshot 会话进度快照，到达后整体替换上一份
type ProgressSnapshot struct {
	DurationSeconds float64
	TurnsCount      int
	AvgConfidence   int
	GrammarMistakes int
}

// ErrorNotice 代理报告的错误
type ErrorNotice struct {
	Message string `json:"message"`
}

func (SessionStarted) InboundType() MessageType    { return TypeSessionStarted }
func (InterimTranscript) InboundType() MessageType { return TypeInterimTranscript }
func (FinalTranscript) InboundType() MessageType   { return TypeFinalTranscript }
func (Feedback) InboundType() MessageType          { return TypeFeedback }
func (AudioChunk) InboundType() MessageType        { return TypeAudio }
func (ProgressSnapshot) InboundType() MessageType  { return TypeProgress }
func (ErrorNotice) InboundType() MessageType       { return TypeError }

// Rate 返回音频片段的采样率，未声明时为24kHz
func (c AudioChunk) Rate() int {
	if c.SampleRate <= 0 {
		return DefaultPlaybackSampleRate
	}
	return c.SampleRate
}
