package chat

import "github.com/cwhhwc/AI-lesson-plan-writing/pkg/archive"

// Role identifies who authored a displayed message.
type Role string

const (
	RoleUser Role = "user"
	RoleAI   Role = "ai"
)

// Message is one bubble in the conversation view. AI messages produced in
// lesson mode may carry a document card next to (or instead of) text.
type Message struct {
	Role    Role                  `json:"role"`
	Content string                `json:"content"`
	Card    *archive.DocumentCard `json:"card,omitempty"`
}

func (m Message) clone() Message {
	m.Card = m.Card.Clone()
	return m
}

// ToRenderMessages expands stored turns into display messages: a user
// message for every non-empty user text, and an AI message whenever the
// turn has AI text or a card.
func ToRenderMessages(entries []archive.MessageEntry) []Message {
	out := make([]Message, 0, 2*len(entries))
	for _, e := range entries {
		if e.UserText != "" {
			out = append(out, Message{Role: RoleUser, Content: e.UserText})
		}
		if e.AIText != "" || e.Card != nil {
			out = append(out, Message{Role: RoleAI, Content: e.AIText, Card: e.Card.Clone()})
		}
	}
	return out
}
