package core

import (
	"strings"
	"time"
)

const (
	EngramName          = "Engram"
	EngramUserAgent     = "Engram/0.1"
	EngramRepositoryURL = "https://github.com/engramlabs/engram"
	EngramVersion       = "0.1.0"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message is the wire shape sent to a chat provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Turn is one utterance in a conversation log. Turns are append-only:
// once written, only the Hidden flag ever changes, and it flips true
// exactly once when the turn is folded into a consolidation.
type Turn struct {
	ID             int64
	ConversationID string
	Sender         string
	Content        string
	WordCount      int
	// Ephemeral turns (injected context blocks) are never persisted and
	// never counted toward consolidation thresholds.
	Ephemeral bool
	Hidden    bool
	CreatedAt time.Time
}

func NewTurn(conversationID, sender, content string) Turn {
	return Turn{
		ConversationID: conversationID,
		Sender:         sender,
		Content:        content,
		WordCount:      CountWords(content),
	}
}

func (t Turn) ToMessage() Message {
	return Message{Role: t.Sender, Content: t.Content}
}

// CountWords is the canonical word count used by the consolidation
// policy. Thresholds are tuned against it, so it must stay stable.
func CountWords(s string) int {
	return len(strings.Fields(s))
}

type Model struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	ContextLength int    `json:"context_length"`
}
