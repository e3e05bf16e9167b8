package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

var (
	ErrMalformedMessage   = errors.New("malformed message")
	ErrUnknownMessageType = fmt.Errorf("%w: unknown message type", ErrMalformedMessage)
	ErrUnsupportedMessage = errors.New("unsupported outbound message")
)

type initWire struct {
	Type    MessageType `json:"type"`
	Level   string      `json:"level"`
	Topic   string      `json:"topic"`
	UserID  string      `json:"user_id,omitempty"`
	VoiceID string      `json:"voice_id,omitempty"`
}

type textWire struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

type stopWire struct {
	Type MessageType `json:"type"`
}

type envelope struct {
	Type MessageType `json:"type"`
}

// 数值字段在线上可能是浮点数，先按float64解析再转换
type audioWire struct {
	Audio      *string `json:"audio"`
	Format     string  `json:"format"`
	SampleRate float64 `json:"sample_rate"`
}

type progressWire struct {
	DurationSeconds float64 `json:"duration_seconds"`
	TurnsCount      float64 `json:"turns_count"`
	AvgConfidence   float64 `json:"avg_confidence"`
	GrammarMistakes float64 `json:"grammar_mistakes"`
}

// EncodeOutbound 将出站消息编码为一个JSON对象
func EncodeOutbound(msg Outbound) ([]byte, error) {
	var wire interface{}

	switch m := msg.(type) {
	case Init:
		wire = initWire{Type: TypeInit, Level: m.Level, Topic: m.Topic, UserID: m.UserID, VoiceID: m.VoiceID}
	case *Init:
		wire = initWire{Type: TypeInit, Level: m.Level, Topic: m.Topic, UserID: m.UserID, VoiceID: m.VoiceID}
	case Text:
		wire = textWire{Type: TypeText, Text: m.Text}
	case *Text:
		wire = textWire{Type: TypeText, Text: m.Text}
	case Stop, *Stop:
		wire = stopWire{Type: TypeStop}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedMessage, msg)
	}

	data, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("marshal %s failed: %w", msg.OutboundType(), err)
	}
	return data, nil
}

// DecodeInbound 解析代理下发的文本消息
// 无法解析为七种已知结构之一时返回 ErrMalformedMessage
func DecodeInbound(data []byte) (Inbound, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	switch env.Type {
	case TypeSessionStarted:
		var msg SessionStarted
		if err := decodeInto(data, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" {
			return nil, fmt.Errorf("%w: session_started without session_id", ErrMalformedMessage)
		}
		return msg, nil

	case TypeInterimTranscript:
		var msg InterimTranscript
		if err := decodeInto(data, &msg); err != nil {
			return nil, err
		}
		return msg, nil

	case TypeFinalTranscript:
		var msg FinalTranscript
		if err := decodeInto(data, &msg); err != nil {
			return nil, err
		}
		return msg, nil

	case TypeFeedback:
		var msg Feedback
		if err := decodeInto(data, &msg); err != nil {
			return nil, err
		}
		return msg, nil

	case TypeAudio:
		var wire audioWire
		if err := decodeInto(data, &wire); err != nil {
			return nil, err
		}
		if wire.Audio == nil {
			return nil, fmt.Errorf("%w: audio without payload", ErrMalformedMessage)
		}
		return AudioChunk{
			Audio:      *wire.Audio,
			Format:     wire.Format,
			SampleRate: int(math.Round(wire.SampleRate)),
		}, nil

	case TypeProgress:
		var wire progressWire
		if err := decodeInto(data, &wire); err != nil {
			return nil, err
		}
		return ProgressSnapshot{
			DurationSeconds: wire.DurationSeconds,
			TurnsCount:      int(math.Round(wire.TurnsCount)),
			AvgConfidence:   int(math.Round(wire.AvgConfidence)),
			GrammarMistakes: int(math.Round(wire.GrammarMistakes)),
		}, nil

	case TypeError:
		var msg ErrorNotice
		if err := decodeInto(data, &msg); err != nil {
			return nil, err
		}
		return msg, nil

	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformedMessage)

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, env.Type)
	}
}

func decodeInto(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return nil
}
