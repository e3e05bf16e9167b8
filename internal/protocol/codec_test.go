package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestEncodeOutbound 测试三种出站消息的JSON结构
func TestEncodeOutbound(t *testing.T) {
	testCases := []struct {
		name     string
		msg      Outbound
		expected map[string]interface{}
	}{
		{
			name: "init with optional fields",
			msg:  Init{Level: "beginner", Topic: "travel", UserID: "u-1", VoiceID: "aura-2-thalia-en"},
			expected: map[string]interface{}{
				"type": "init", "level": "beginner", "topic": "travel",
				"user_id": "u-1", "voice_id": "aura-2-thalia-en",
			},
		},
		{
			name:     "init omits empty optional fields",
			msg:      Init{Level: "intermediate", Topic: "free_talk"},
			expected: map[string]interface{}{"type": "init", "level": "intermediate", "topic": "free_talk"},
		},
		{
			name:     "text",
			msg:      Text{Text: "hello there"},
			expected: map[string]interface{}{"type": "text", "text": "hello there"},
		},
		{
			name:     "stop",
			msg:      Stop{},
			expected: map[string]interface{}{"type": "stop"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := EncodeOutbound(tc.msg)
			require.NoError(t, err)

			var got map[string]interface{}
			require.NoError(t, json.Unmarshal(data, &got))
			assert.Equal(t, tc.expected, got)
		})
	}
}

// TestDecodeInbound 测试七种入站消息的解析
func TestDecodeInbound(t *testing.T) {
	t.Run("session_started", func(t *testing.T) {
		msg, err := DecodeInbound([]byte(`{"type":"session_started","session_id":"abc","level":"advanced","topic":"business"}`))
		require.NoError(t, err)
		assert.Equal(t, SessionStarted{SessionID: "abc", Level: "advanced", Topic: "business"}, msg)
	})

	t.Run("interim_transcript", func(t *testing.T) {
		msg, err := DecodeInbound([]byte(`{"type":"interim_transcript","text":"hel","confidence":0.5}`))
		require.NoError(t, err)
		interim, ok := msg.(InterimTranscript)
		require.True(t, ok)
		assert.Equal(t, "hel", interim.Text)
		require.NotNil(t, interim.Confidence)
		assert.InDelta(t, 0.5, *interim.Confidence, 1e-9)
	})

	t.Run("final_transcript with words", func(t *testing.T) {
		msg, err := DecodeInbound([]byte(`{"type":"final_transcript","text":"hello","confidence":0.9,
			"words":[{"word":"hello","confidence":0.9,"start":0.1,"end":0.4}]}`))
		require.NoError(t, err)
		final := msg.(FinalTranscript)
		require.Len(t, final.Words, 1)
		assert.Equal(t, "hello", final.Words[0].Word)
		require.NotNil(t, final.Words[0].End)
		assert.InDelta(t, 0.4, *final.Words[0].End, 1e-9)
	})

	t.Run("feedback", func(t *testing.T) {
		msg, err := DecodeInbound([]byte(`{"type":"feedback","text":"Nice!",
			"grammar_corrections":[{"original":"I goes","corrected":"I go","explanation":"agreement"}],
			"vocabulary_suggestions":[{"word":"wander","definition":"walk slowly","usage_example":"We wander.","level":"B1"}],
			"pronunciation_tips":[{"word":"three","phonetic":"θriː","tip":"tongue","confidence_score":0.4}],
			"follow_up_question":"Where next?"}`))
		require.NoError(t, err)
		fb := msg.(Feedback)
		assert.Equal(t, "Nice!", fb.Text)
		require.Len(t, fb.GrammarCorrections, 1)
		assert.Equal(t, "I go", fb.GrammarCorrections[0].Corrected)
		require.Len(t, fb.VocabularySuggestions, 1)
		assert.Equal(t, "We wander.", fb.VocabularySuggestions[0].UsageExample)
		require.Len(t, fb.PronunciationTips, 1)
		assert.InDelta(t, 0.4, fb.PronunciationTips[0].ConfidenceScore, 1e-9)
		assert.Equal(t, "Where next?", fb.FollowUpQuestion)
	})

	t.Run("audio", func(t *testing.T) {
		msg, err := DecodeInbound([]byte(`{"type":"audio","audio":"AAA=","format":"linear16","sample_rate":24000}`))
		require.NoError(t, err)
		assert.Equal(t, AudioChunk{Audio: "AAA=", Format: "linear16", SampleRate: 24000}, msg)
	})

	t.Run("audio without sample rate uses default", func(t *testing.T) {
		msg, err := DecodeInbound([]byte(`{"type":"audio","audio":"AAA="}`))
		require.NoError(t, err)
		assert.Equal(t, DefaultPlaybackSampleRate, msg.(AudioChunk).Rate())
	})

	t.Run("progress with float numbers", func(t *testing.T) {
		msg, err := DecodeInbound([]byte(`{"type":"progress","duration_seconds":12.5,"turns_count":3.0,"avg_confidence":86.6,"grammar_mistakes":1}`))
		require.NoError(t, err)
		assert.Equal(t, ProgressSnapshot{DurationSeconds: 12.5, TurnsCount: 3, AvgConfidence: 87, GrammarMistakes: 1}, msg)
	})

	t.Run("error", func(t *testing.T) {
		msg, err := DecodeInbound([]byte(`{"type":"error","message":"boom"}`))
		require.NoError(t, err)
		assert.Equal(t, ErrorNotice{Message: "boom"}, msg)
	})
}

// TestDecodeInboundMalformed 测试无法识别的消息
func TestDecodeInboundMalformed(t *testing.T) {
	testCases := []struct {
		name string
		data string
	}{
		{"not json", `this is not json`},
		{"missing type", `{"text":"hi"}`},
		{"unknown type", `{"type":"telemetry"}`},
		{"outbound type echoed back", `{"type":"init","level":"beginner"}`},
		{"session without id", `{"type":"session_started"}`},
		{"audio without payload", `{"type":"audio","format":"linear16"}`},
		{"wrong field type", `{"type":"final_transcript","text":42}`},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := DecodeInbound([]byte(tc.data))
			assert.Nil(t, msg)
			assert.ErrorIs(t, err, ErrMalformedMessage)
		})
	}
}

// TestUnknownTypeIsMalformed 未知类型同时匹配两个错误
func TestUnknownTypeIsMalformed(t *testing.T) {
	_, err := DecodeInbound([]byte(`{"type":"mystery"}`))
	assert.ErrorIs(t, err, ErrUnknownMessageType)
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

// FuzzDecodeInbound 模糊测试入站消息解析
func FuzzDecodeInbound(f *testing.F) {
	f.Add([]byte(`{"type":"session_started","session_id":"s"}`))
	f.Add([]byte(`{"type":"progress","turns_count":1e3}`))
	f.Add([]byte(`{"type":"audio","audio":""}`))
	f.Add([]byte{})
	f.Add([]byte{0xFF, 0x00})

	f.Fuzz(func(t *testing.T, data []byte) {
		// 解析不应该panic；要么成功，要么返回ErrMalformedMessage
		msg, err := DecodeInbound(data)
		if err != nil {
			if !assert.ErrorIs(t, err, ErrMalformedMessage) {
				t.FailNow()
			}
			return
		}
		if !msg.InboundType().IsInbound() {
			t.Errorf("decoded unexpected type %q", msg.InboundType())
		}
	})
}
