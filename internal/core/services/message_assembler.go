package services

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"agentstream/internal/core/domain"
)

// AuthoringMode controls how assistant output maps onto messages.
type AuthoringMode int

const (
	// ModeEvolving keeps updating the latest assistant message.
	ModeEvolving AuthoringMode = iota
	// ModeFreshPerTurn starts a new assistant message for every turn.
	ModeFreshPerTurn
)

// MessageAssembler rebuilds the visible conversation from out-of-order
// chat/partial tokens and the final chat/answer. Not safe for concurrent use.
type MessageAssembler struct {
	mode     AuthoringMode
	messages []*domain.AssembledMessage

	tokens  map[int]string
	answer  *string
	current *domain.AssembledMessage

	newID func() string
	now   func() time.Time
}

func NewMessageAssembler() *MessageAssembler {
	return &MessageAssembler{
		mode:   ModeEvolving,
		tokens: make(map[int]string),
		newID:  uuid.NewString,
		now:    time.Now,
	}
}

func (a *MessageAssembler) Mode() AuthoringMode { return a.mode }

// Messages returns a copy of the conversation.
func (a *MessageAssembler) Messages() []domain.AssembledMessage {
	out := make([]domain.AssembledMessage, 0, len(a.messages))
	for _, m := range a.messages {
		out = append(out, *m)
	}
	return out
}

// History returns the conversation as chat request entries, skipping empty
// assistant placeholders.
func (a *MessageAssembler) History() []domain.ChatMessageEntry {
	out := make([]domain.ChatMessageEntry, 0, len(a.messages))
	for _, m := range a.messages {
		if m.Role == domain.RoleAssistant && m.Content == "" {
			continue
		}
		out = append(out, domain.ChatMessageEntry{Role: m.Role, Content: m.Content, CreatedAt: m.CreatedAt})
	}
	return out
}

// Content renders the current turn: the answer when present, otherwise the
// contiguous run of tokens from sequence 0.
func (a *MessageAssembler) Content() string {
	if a.answer != nil {
		return *a.answer
	}
	var b strings.Builder
	for i := 0; ; i++ {
		tok, ok := a.tokens[i]
		if !ok {
			break
		}
		b.WriteString(tok)
	}
	return b.String()
}

func (a *MessageAssembler) HasAnswer() bool { return a.answer != nil }

// AddUserMessage starts a new turn with a user message.
func (a *MessageAssembler) AddUserMessage(content string) domain.AssembledMessage {
	a.Reset()
	msg := a.appendMessage(domain.RoleUser, content)
	return *msg
}

// BeginAssistant appends an empty assistant message that the current turn's
// tokens will fill.
func (a *MessageAssembler) BeginAssistant() domain.AssembledMessage {
	a.current = a.appendMessage(domain.RoleAssistant, "")
	return *a.current
}

// AddPartial stores one token and reports whether the visible content changed.
func (a *MessageAssembler) AddPartial(tok domain.ChatToken) bool {
	if tok.Sequence < 0 {
		return false
	}
	a.tokens[tok.Sequence] = tok.Content
	return a.refresh()
}

// SetAnswer replaces the turn's content with the final answer.
func (a *MessageAssembler) SetAnswer(content string) bool {
	a.answer = &content
	return a.refresh()
}

// HandleTranscribed records speech-to-text input as a user turn and switches
// to one assistant message per turn.
func (a *MessageAssembler) HandleTranscribed(content string) domain.AssembledMessage {
	a.mode = ModeFreshPerTurn
	return a.AddUserMessage(content)
}

// Reset begins a new turn. An assistant message still waiting for its answer
// is marked interrupted. Reports whether a message was marked.
func (a *MessageAssembler) Reset() bool {
	marked := false
	if a.current != nil && a.answer == nil {
		a.current.Interrupted = true
		marked = true
	}
	a.tokens = make(map[int]string)
	a.answer = nil
	a.current = nil
	return marked
}

// Interrupt cuts the in-flight assistant message short.
func (a *MessageAssembler) Interrupt() bool {
	return a.Reset()
}

// Remove drops messages by id, as when a send is rolled back.
func (a *MessageAssembler) Remove(ids ...string) {
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	kept := a.messages[:0]
	for _, m := range a.messages {
		if drop[m.ID] {
			if m == a.current {
				a.current = nil
				a.tokens = make(map[int]string)
				a.answer = nil
			}
			continue
		}
		kept = append(kept, m)
	}
	for i := len(kept); i < len(a.messages); i++ {
		a.messages[i] = nil
	}
	a.messages = kept
}

func (a *MessageAssembler) refresh() bool {
	a.ensureCurrent()
	content := a.Content()
	if content == a.current.Content {
		return false
	}
	a.current.Content = content
	return true
}

func (a *MessageAssembler) ensureCurrent() {
	if a.current != nil {
		return
	}
	if a.mode == ModeEvolving && len(a.messages) > 0 {
		last := a.messages[len(a.messages)-1]
		if last.Role == domain.RoleAssistant && !last.Interrupted {
			a.current = last
			return
		}
	}
	a.current = a.appendMessage(domain.RoleAssistant, "")
}

func (a *MessageAssembler) appendMessage(role domain.Role, content string) *domain.AssembledMessage {
	msg := &domain.AssembledMessage{
		ID:        a.newID(),
		Role:      role,
		Content:   content,
		CreatedAt: a.now(),
	}
	a.messages = append(a.messages, msg)
	return msg
}
