package main

import (
	"fmt"
	"io"
	"sync"

	"SpeakMateClient/internal/session"
)

// consoleObserver 把会话事件打印到终端
type consoleObserver struct {
	mu  sync.Mutex
	out io.Writer
}

func newConsoleObserver(out io.Writer) *consoleObserver {
	return &consoleObserver{out: out}
}

func (c *consoleObserver) printf(format string, args ...interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

func (c *consoleObserver) StateChanged(old, new session.ConnectionState) {
	c.printf("[%s -> %s]\n", old, new)
}

func (c *consoleObserver) SessionStarted(s session.Session) {
	c.printf("session %s started (level=%s topic=%s)\n", s.ID, s.Level, s.Topic)
}

func (c *consoleObserver) TranscriptUpdated(items []session.TranscriptItem) {
	if len(items) == 0 {
		return
	}
	last := items[len(items)-1]
	if last.Kind == session.TranscriptInterim {
		c.printf("  ... %s\n", last.Text)
		return
	}
	c.printf("you: %s\n", last.Text)
}

func (c *consoleObserver) FeedbackAdded(item session.FeedbackItem) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Fprintf(c.out, "agent: %s\n", item.Text)
	for _, g := range item.GrammarCorrections {
		fmt.Fprintf(c.out, "  * %q -> %q: %s\n", g.Original, g.Corrected, g.Explanation)
	}
	for _, v := range item.VocabularySuggestions {
		fmt.Fprintf(c.out, "  + %s: %s\n", v.Word, v.Definition)
	}
	for _, p := range item.PronunciationTips {
		fmt.Fprintf(c.out, "  ~ %s %s: %s\n", p.Word, p.Phonetic, p.Tip)
	}
	if item.FollowUpQuestion != "" {
		fmt.Fprintf(c.out, "  ? %s\n", item.FollowUpQuestion)
	}
}

func (c *consoleObserver) ProgressUpdated(p session.ProgressSnapshot) {
	c.printf("progress: %.0fs turns=%d avg_confidence=%d%% grammar_mistakes=%d\n",
		p.DurationSeconds, p.TurnsCount, p.AvgConfidence, p.GrammarMistakes)
}

func (c *consoleObserver) SessionError(message string) {
	c.printf("error: %s\n", message)
}
