// Package preparer converts stored conversation history into the wire format
// the completion backend expects.
package preparer

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"relay/internal/conversation"
	"relay/internal/llm"
	"relay/internal/logging"
)

const systemInstruction = "You are a helpful assistant. Use the available tools when they help you answer. " +
	"Respond concisely and accurately."

// timestampLayout renders a human-readable time, not machine ISO, so the
// model reads elapsed time naturally.
const timestampLayout = "Monday, January 2, 2006 at 3:04 PM MST"

// defaultTokenBudget bounds the assembled history when no budget is
// configured. Well under common context windows, leaving room for tool
// descriptors and the completion itself.
const defaultTokenBudget = 6000

// Preparer builds backend message lists from stored history.
type Preparer struct {
	store       *conversation.Store
	logger      logging.Logger
	now         func() time.Time
	tokenBudget int

	encOnce sync.Once
	enc     *tiktoken.Tiktoken
}

// New builds a preparer over the given store. tokenBudget caps the token size
// of the assembled history; zero or negative selects the default.
func New(store *conversation.Store, tokenBudget int, logger logging.Logger) *Preparer {
	if tokenBudget <= 0 {
		tokenBudget = defaultTokenBudget
	}
	return &Preparer{
		store:       store,
		logger:      logging.OrNop(logger),
		now:         time.Now,
		tokenBudget: tokenBudget,
	}
}

// Prepare converts a chat's history into backend messages. The leading system
// message carries the current timestamp and is recomputed on every call, never
// cached, so elapsed time stays accurate. Multimodal turns are projected to
// text-only form for the backend; the stored originals are untouched. When the
// assembled history exceeds the token budget, the oldest turns are dropped
// until it fits; the system message and the latest turn always survive.
//
// If the latest turn does not already carry userText, a transient user turn is
// appended for this request and persisted out-of-band; persistence errors are
// logged but never fail the request.
func (p *Preparer) Prepare(ctx context.Context, chat *conversation.Chat, userText string) []llm.Message {
	messages := []llm.Message{{
		Role:    string(conversation.RoleSystem),
		Content: fmt.Sprintf("%s\nThe current time is %s.", systemInstruction, p.now().Format(timestampLayout)),
	}}

	for _, turn := range chat.Turns {
		if turn.Role == conversation.RoleSystem {
			continue
		}
		messages = append(messages, p.toWireMessage(turn))
	}

	if userText != "" && !historyCarries(chat, userText) {
		turn := conversation.Turn{
			ID:        conversation.NewID(),
			Role:      conversation.RoleUser,
			Content:   conversation.TextContent{Value: userText},
			CreatedAt: p.now(),
		}
		messages = append(messages, llm.Message{
			Role:    string(conversation.RoleUser),
			Content: userText,
		})
		// Opportunistic save: the request proceeds even if this fails.
		if _, err := p.store.AppendTurn(chat.ID, turn); err != nil {
			p.logger.Warn("chat %s: out-of-band save of user turn failed: %v", chat.ID, err)
		}
	}

	return p.trimToBudget(chat.ID, messages)
}

// toWireMessage reduces any turn to a text-only backend message. Multimodal
// payloads keep their text fragments only; images and binary parts are
// stripped to bound token growth on long-running conversations.
func (p *Preparer) toWireMessage(turn conversation.Turn) llm.Message {
	text := ""
	if turn.Content != nil {
		text = turn.Content.Text()
	}
	return llm.Message{
		Role:       string(turn.Role),
		Content:    text,
		ToolCallID: turn.ToolCallID,
	}
}

// historyCarries reports whether the most recent turn already contains
// userText, by exact match or by substring containment inside a multimodal
// turn's text fragments.
func historyCarries(chat *conversation.Chat, userText string) bool {
	if len(chat.Turns) == 0 {
		return false
	}
	last := chat.Turns[len(chat.Turns)-1]
	if last.Role != conversation.RoleUser || last.Content == nil {
		return false
	}
	switch last.Content.Kind() {
	case conversation.KindText:
		return last.Content.Text() == userText
	case conversation.KindMultimodal:
		return strings.Contains(last.Content.Text(), userText)
	default:
		return false
	}
}

// trimToBudget drops the oldest history messages until the list fits the
// token budget. messages[0] is the synthesized system message and the final
// message is the turn being answered; both are always kept, so a single
// oversized turn can still exceed the budget.
func (p *Preparer) trimToBudget(chatID string, messages []llm.Message) []llm.Message {
	total := 0
	for i := range messages {
		total += p.countTokens(messages[i].Content)
	}
	if total <= p.tokenBudget {
		return messages
	}

	dropped := 0
	for total > p.tokenBudget && len(messages) > 2 {
		total -= p.countTokens(messages[1].Content)
		messages = append(messages[:1], messages[2:]...)
		dropped++
	}
	p.logger.Info("chat %s: dropped %d oldest turns to fit %d-token budget (%d tokens kept)",
		chatID, dropped, p.tokenBudget, total)
	return messages
}

// countTokens measures text with the cl100k_base encoding, falling back to a
// rune/word heuristic when the encoder cannot be initialized (for example
// with no network access to fetch the vocabulary).
func (p *Preparer) countTokens(text string) int {
	p.encOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			p.logger.Warn("token encoder unavailable, using heuristic estimates: %v", err)
			return
		}
		p.enc = enc
	})
	if p.enc != nil {
		return len(p.enc.Encode(text, nil, nil))
	}

	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	estimate := len([]rune(trimmed)) / 4
	if words := len(strings.Fields(trimmed)); estimate < words {
		estimate = words
	}
	return estimate
}
