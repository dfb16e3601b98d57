package server

import "time"

const chatHistory = 50

type ChatLine struct {
	From string    `json:"from"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// ChatLog keeps the most recent lines of a lobby's chat.
type ChatLog struct {
	lines []ChatLine
	limit int
}

func NewChatLog(limit int) *ChatLog {
	return &ChatLog{limit: limit}
}

func (c *ChatLog) Append(line ChatLine) {
	c.lines = append(c.lines, line)
	if over := len(c.lines) - c.limit; over > 0 {
		c.lines = append(c.lines[:0], c.lines[over:]...)
	}
}

// Lines returns a copy, oldest first.
func (c *ChatLog) Lines() []ChatLine {
	out := make([]ChatLine, len(c.lines))
	copy(out, c.lines)
	return out
}
