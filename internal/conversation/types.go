// Package conversation holds the persistent data model shared by chats and
// tasks: role-tagged turns, text or multimodal content, task status and
// artifacts, plus the file-backed store and transcript reconciliation logic.
package conversation

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Role identifies who produced a turn. The set is closed; ParseRole rejects
// anything else.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

// ParseRole validates a wire-format role string.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleUser, RoleAssistant, RoleTool, RoleSystem:
		return Role(s), nil
	default:
		return "", fmt.Errorf("unknown role: %q", s)
	}
}

// ContentKind discriminates the content union.
type ContentKind string

const (
	KindText       ContentKind = "text"
	KindMultimodal ContentKind = "multimodal"
)

// PartKind discriminates parts inside multimodal content.
type PartKind string

const (
	PartText   PartKind = "text"
	PartImage  PartKind = "image"
	PartBinary PartKind = "binary"
)

// Part is one fragment of a multimodal payload.
type Part struct {
	Kind     PartKind `json:"kind"`
	Text     string   `json:"text,omitempty"`
	MimeType string   `json:"mime_type,omitempty"`
	Data     string   `json:"data,omitempty"` // base64 for image/binary parts
}

// Content is the tagged union of turn payloads. Implementations are
// TextContent and MultimodalContent; there are no others.
type Content interface {
	Kind() ContentKind
	// Text returns the embedded text fragments. For multimodal content the
	// fragments are joined with single spaces; images and binary parts are
	// dropped.
	Text() string
}

// TextContent is plain text.
type TextContent struct {
	Value string
}

func (c TextContent) Kind() ContentKind { return KindText }
func (c TextContent) Text() string      { return c.Value }

// MultimodalContent carries a sequence of typed parts.
type MultimodalContent struct {
	Parts []Part
}

func (c MultimodalContent) Kind() ContentKind { return KindMultimodal }

func (c MultimodalContent) Text() string {
	var fragments []string
	for _, p := range c.Parts {
		if p.Kind == PartText && p.Text != "" {
			fragments = append(fragments, p.Text)
		}
	}
	return strings.Join(fragments, " ")
}

// contentEnvelope is the JSON wire shape of the content union.
type contentEnvelope struct {
	Kind  ContentKind `json:"kind"`
	Text  string      `json:"text,omitempty"`
	Parts []Part      `json:"parts,omitempty"`
}

func marshalContent(c Content) (json.RawMessage, error) {
	if c == nil {
		return json.Marshal(contentEnvelope{Kind: KindText})
	}
	switch v := c.(type) {
	case TextContent:
		return json.Marshal(contentEnvelope{Kind: KindText, Text: v.Value})
	case MultimodalContent:
		return json.Marshal(contentEnvelope{Kind: KindMultimodal, Parts: v.Parts})
	default:
		return nil, fmt.Errorf("unknown content type %T", c)
	}
}

func unmarshalContent(data json.RawMessage) (Content, error) {
	if len(data) == 0 {
		return TextContent{}, nil
	}
	var env contentEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	switch env.Kind {
	case KindText, "":
		return TextContent{Value: env.Text}, nil
	case KindMultimodal:
		return MultimodalContent{Parts: env.Parts}, nil
	default:
		return nil, fmt.Errorf("unknown content kind: %q", env.Kind)
	}
}

// Turn is one message within a conversation. Turns are immutable once
// persisted except for the raw-content backfill, which may arrive after the
// filtered content has been written.
type Turn struct {
	ID         string
	Role       Role
	Content    Content
	RawContent string // pre-sanitization content, backfilled after persist
	CreatedAt  time.Time
	ToolCallID string // correlates tool-role turns with the emitting call
}

type turnJSON struct {
	ID         string          `json:"id"`
	Role       Role            `json:"role"`
	Content    json.RawMessage `json:"content"`
	RawContent string          `json:"raw_content,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

func (t Turn) MarshalJSON() ([]byte, error) {
	content, err := marshalContent(t.Content)
	if err != nil {
		return nil, err
	}
	return json.Marshal(turnJSON{
		ID:         t.ID,
		Role:       t.Role,
		Content:    content,
		RawContent: t.RawContent,
		CreatedAt:  t.CreatedAt,
		ToolCallID: t.ToolCallID,
	})
}

func (t *Turn) UnmarshalJSON(data []byte) error {
	var raw turnJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	content, err := unmarshalContent(raw.Content)
	if err != nil {
		return err
	}
	t.ID = raw.ID
	t.Role = raw.Role
	t.Content = content
	t.RawContent = raw.RawContent
	t.CreatedAt = raw.CreatedAt
	t.ToolCallID = raw.ToolCallID
	return nil
}

const (
	titleMaxRunes = 32
	titleEllipsis = "..."
)

// Chat owns an ordered list of turns plus display metadata.
type Chat struct {
	ID        string    `json:"id"`
	Title     string    `json:"title,omitempty"`
	Turns     []Turn    `json:"turns"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Append adds a turn and advances UpdatedAt. UpdatedAt never moves backwards.
func (c *Chat) Append(turn Turn) {
	c.Turns = append(c.Turns, turn)
	if now := time.Now(); now.After(c.UpdatedAt) {
		c.UpdatedAt = now
	}
	if c.Title == "" && turn.Role == RoleUser {
		c.Title = DeriveTitle(turn.Content)
	}
}

// FirstUserTurn returns the first user-role turn, if any.
func (c *Chat) FirstUserTurn() *Turn {
	for i := range c.Turns {
		if c.Turns[i].Role == RoleUser {
			return &c.Turns[i]
		}
	}
	return nil
}

// DeriveTitle reduces content to a short display title: text fragments only,
// truncated at a fixed rune prefix with an ellipsis marker.
func DeriveTitle(content Content) string {
	if content == nil {
		return ""
	}
	text := strings.TrimSpace(content.Text())
	runes := []rune(text)
	if len(runes) <= titleMaxRunes {
		return text
	}
	return string(runes[:titleMaxRunes]) + titleEllipsis
}

// TaskState names a point in the task lifecycle.
type TaskState string

const (
	TaskSubmitted TaskState = "submitted"
	TaskWorking   TaskState = "working"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
	TaskCanceled  TaskState = "canceled"
)

// Status pairs a task state with a human message.
type Status struct {
	State     TaskState `json:"state"`
	Message   string    `json:"message,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Artifact is a typed output blob attached to a task. Append and LastChunk
// support chunked delivery and default to false.
type Artifact struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	Type      string `json:"type"`
	Content   string `json:"content"`
	Append    bool   `json:"append"`
	LastChunk bool   `json:"last_chunk"`
}

// Task is an alternate unit of work with the same turn history shape as a
// chat plus an explicit status and artifacts. ChatID references the backing
// chat the run writes into; Turns mirrors that chat's history and the backing
// chat is deleted with the task.
type Task struct {
	ID        string     `json:"id"`
	ChatID    string     `json:"chat_id,omitempty"`
	Turns     []Turn     `json:"turns"`
	Status    Status     `json:"status"`
	Artifacts []Artifact `json:"artifacts,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// SetStatus transitions the task and advances UpdatedAt.
func (t *Task) SetStatus(state TaskState, message string) {
	now := time.Now()
	t.Status = Status{State: state, Message: message, UpdatedAt: now}
	if now.After(t.UpdatedAt) {
		t.UpdatedAt = now
	}
}
