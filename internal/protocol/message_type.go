package protocol

// MessageType 消息类型 - 对应JSON消息中的type字段
type MessageType string

const (
	// 客户端发出
	TypeInit MessageType = "init"
	TypeText MessageType = "text"
	TypeStop MessageType = "stop"

	// 会话相关
	TypeSessionStarted MessageType = "session_started"

	// 识别结果
	TypeInterimTranscript MessageType = "interim_transcript"
	TypeFinalTranscript   MessageType = "final_transcript"

	// 代理反馈
	TypeFeedback MessageType = "feedback"
	TypeAudio    MessageType = "audio"
	TypeProgress MessageType = "progress"

	// 错误通知
	TypeError MessageType = "error"
)

// String 实现字符串接口
func (t MessageType) String() string {
	return string(t)
}

// IsOutbound 判断是否为客户端发出的消息类型
func (t MessageType) IsOutbound() bool {
	switch t {
	case TypeInit, TypeText, TypeStop:
		return true
	default:
		return false
	}
}

// IsInbound 判断是否为代理下发的七种消息类型之一
func (t MessageType) IsInbound() bool {
	switch t {
	case TypeSessionStarted,
		TypeInterimTranscript, TypeFinalTranscript,
		TypeFeedback, TypeAudio, TypeProgress,
		TypeError:
		return true
	default:
		return false
	}
}
