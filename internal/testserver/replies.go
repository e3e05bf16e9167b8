package testserver

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"SpeakMateClient/internal/protocol"
)

type initMessage struct {
	Type    string `json:"type"`
	Level   string `json:"level"`
	Topic   string `json:"topic"`
	UserID  string `json:"user_id"`
	VoiceID string `json:"voice_id"`
}

type clientMessage struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Audio string `json:"audio"`
}

type sessionStartedMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Level     string `json:"level"`
	Topic     string `json:"topic"`
}

type transcriptMessage struct {
	Type       string                    `json:"type"`
	Text       string                    `json:"text"`
	Confidence float64                   `json:"confidence"`
	IsFinal    bool                      `json:"is_final,omitempty"`
	Words      []protocol.WordConfidence `json:"words,omitempty"`
}

type feedbackMessage struct {
	Type                  string                          `json:"type"`
	Text                  string                          `json:"text"`
	GrammarCorrections    []protocol.GrammarCorrection    `json:"grammar_corrections"`
	VocabularySuggestions []protocol.VocabularySuggestion `json:"vocabulary_suggestions"`
	PronunciationTips     []protocol.PronunciationTip     `json:"pronunciation_tips"`
	FollowUpQuestion      *string                         `json:"follow_up_question"`
}

type audioMessage struct {
	Type       string `json:"type"`
	Audio      string `json:"audio"`
	Format     string `json:"format"`
	SampleRate int    `json:"sample_rate"`
}

type progressMessage struct {
	Type            string  `json:"type"`
	DurationSeconds float64 `json:"duration_seconds"`
	TurnsCount      int     `json:"turns_count"`
	AvgConfidence   int     `json:"avg_confidence"`
	GrammarMistakes int     `json:"grammar_mistakes"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type mistakePattern struct {
	re          *regexp.Regexp
	corrected   string
	explanation string
	rule        string
}

var mistakePatterns = []mistakePattern{
	{regexp.MustCompile(`(?i)\bI goes\b`), "I go", "Use the base form of the verb with \"I\".", "subject-verb agreement"},
	{regexp.MustCompile(`(?i)\b(he|she|it) go\b`), "$1 goes", "Add -s to the verb in the third person singular.", "subject-verb agreement"},
	{regexp.MustCompile(`(?i)\b(he|she|it) don't\b`), "$1 doesn't", "Use \"doesn't\" in the third person singular.", "subject-verb agreement"},
	{regexp.MustCompile(`(?i)\bI is\b`), "I am", "Use \"am\" with \"I\".", "verb to be"},
	{regexp.MustCompile(`(?i)\bmore better\b`), "better", "\"Better\" is already comparative.", "comparatives"},
	{regexp.MustCompile(`(?i)\bdid went\b`), "did go", "Use the base form after \"did\".", "past simple"},
}

// FindCorrections 按内置的常见错误模式生成语法纠正
func FindCorrections(text string) []protocol.GrammarCorrection {
	corrections := []protocol.GrammarCorrection{}
	for _, p := range mistakePatterns {
		for _, idx := range p.re.FindAllStringSubmatchIndex(text, -1) {
			original := text[idx[0]:idx[1]]
			corrected := string(p.re.ExpandString(nil, p.corrected, text, idx))
			corrections = append(corrections, protocol.GrammarCorrection{
				Original:    original,
				Corrected:   corrected,
				Explanation: p.explanation,
				Rule:        p.rule,
			})
		}
	}
	return corrections
}

var followUps = map[string]string{
	"free_talk":  "What else did you do this week?",
	"daily_life": "What does a normal morning look like for you?",
	"business":   "How would you present this idea to your team?",
	"travel":     "Where would you like to travel next?",
	"academic":   "What is the main argument of your research?",
}

func followUpQuestion(topic string) *string {
	q, ok := followUps[topic]
	if !ok {
		return nil
	}
	return &q
}

func feedbackText(corrections []protocol.GrammarCorrection, topic string) string {
	var b strings.Builder
	if len(corrections) == 0 {
		b.WriteString("Great job! That sounded natural.")
	} else {
		c := corrections[0]
		fmt.Fprintf(&b, "Good try! Remember: %q instead of %q.", c.Corrected, c.Original)
	}
	if q := followUpQuestion(topic); q != nil {
		b.WriteString(" ")
		b.WriteString(*q)
	}
	return b.String()
}

func wordConfidences(words []string) []protocol.WordConfidence {
	out := make([]protocol.WordConfidence, len(words))
	for i, w := range words {
		start := float64(i) * 0.4
		end := start + 0.35
		out[i] = protocol.WordConfidence{
			Word:       strings.Trim(w, ".,!?"),
			Confidence: 0.9,
			Start:      &start,
			End:        &end,
		}
	}
	return out
}

// ToneSamples 生成指定时长的正弦波PCM16采样
func ToneSamples(sampleRate int, d time.Duration, hz float64) []int16 {
	n := int(int64(sampleRate) * int64(d) / int64(time.Second))
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = int16(8000 * math.Sin(2*math.Pi*hz*float64(i)/float64(sampleRate)))
	}
	return samples
}
