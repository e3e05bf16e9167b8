package session

// Observer 会话事件观察者
//
// 回调在事件循环上同步执行，实现中不能调用 Controller 的公开方法
// （State 除外），耗时操作应转交给其他协程。
type Observer interface {
	StateChanged(old, new ConnectionState)
	SessionStarted(s Session)
	TranscriptUpdated(items []TranscriptItem)
	FeedbackAdded(item FeedbackItem)
	ProgressUpdated(p ProgressSnapshot)
	SessionError(message string)
}

// NopObserver 空实现，嵌入后只覆盖关心的回调
type NopObserver struct{}

func (NopObserver) StateChanged(ConnectionState, ConnectionState) {}
func (NopObserver) SessionStarted(Session)                        {}
func (NopObserver) TranscriptUpdated([]TranscriptItem)            {}
func (NopObserver) FeedbackAdded(FeedbackItem)                    {}
func (NopObserver) ProgressUpdated(ProgressSnapshot)              {}
func (NopObserver) SessionError(string)                           {}
