package session

// ConnectionState 会话状态，唯一的写入者是 Controller
type ConnectionState int32

const (
	StateIdle ConnectionState = iota
	StateConnecting
	StateReady
	StateListening
	StateSpeaking
	StateError
	StateDisconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateConnecting:
		return "CONNECTING"
	case StateReady:
		return "READY"
	case StateListening:
		return "LISTENING"
	case StateSpeaking:
		return "SPEAKING"
	case StateError:
		return "ERROR"
	case StateDisconnecting:
		return "DISCONNECTING"
	default:
		return "UNKNOWN"
	}
}

// MarshalText 以名称形式输出到JSON
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// InSession 握手完成、可以收发对话消息的状态
func (s ConnectionState) InSession() bool {
	return s == StateReady || s == StateListening || s == StateSpeaking
}
