package session

// TranscriptLog 识别记录
//
// 任何新的识别结果（临时或最终）都会先移除所有临时结果再追加，
// 因此迟到的临时结果最多只留下一条，最终结果按到达顺序永久保留。
type TranscriptLog struct {
	items []TranscriptItem
}

// Apply 追加一条识别结果
func (l *TranscriptLog) Apply(item TranscriptItem) {
	kept := l.items[:0]
	for _, existing := range l.items {
		if existing.Kind == TranscriptFinal {
			kept = append(kept, existing)
		}
	}
	l.items = append(kept, item)
}

// Items 返回副本
func (l *TranscriptLog) Items() []TranscriptItem {
	out := make([]TranscriptItem, len(l.items))
	copy(out, l.items)
	return out
}

// Finals 只返回最终结果
func (l *TranscriptLog) Finals() []TranscriptItem {
	var out []TranscriptItem
	for _, item := range l.items {
		if item.Kind == TranscriptFinal {
			out = append(out, item)
		}
	}
	return out
}

func (l *TranscriptLog) Len() int {
	return len(l.items)
}

func (l *TranscriptLog) Reset() {
	l.items = nil
}

// FeedbackLog 反馈记录
type FeedbackLog struct {
	items []FeedbackItem
}

func (l *FeedbackLog) Append(item FeedbackItem) {
	l.items = append(l.items, item)
}

func (l *FeedbackLog) Items() []FeedbackItem {
	out := make([]FeedbackItem, len(l.items))
	copy(out, l.items)
	return out
}

func (l *FeedbackLog) Len() int {
	return len(l.items)
}

func (l *FeedbackLog) Reset() {
	l.items = nil
}
