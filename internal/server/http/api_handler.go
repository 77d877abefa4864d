package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"relay/internal/broadcast"
	"relay/internal/conversation"
	"relay/internal/engine"
	"relay/internal/logging"
)

type apiHandler struct {
	deps   Deps
	logger logging.Logger

	// running correlates task ids with cancel functions for in-flight
	// streams. Cancelling stops token forwarding; a tool call already
	// dispatched is allowed to finish.
	mu      sync.Mutex
	running map[string]context.CancelFunc
}

func newAPIHandler(deps Deps) *apiHandler {
	return &apiHandler{
		deps:    deps,
		logger:  logging.OrNop(deps.Logger),
		running: make(map[string]context.CancelFunc),
	}
}

// messageBody is the wire form of a user submission: plain text, or
// multimodal parts.
type messageBody struct {
	Text  string              `json:"text,omitempty"`
	Parts []conversation.Part `json:"parts,omitempty"`
}

func (m *messageBody) toContent() (conversation.Content, error) {
	if len(m.Parts) > 0 {
		return conversation.MultimodalContent{Parts: m.Parts}, nil
	}
	if strings.TrimSpace(m.Text) == "" {
		return nil, errors.New("message text or parts required")
	}
	return conversation.TextContent{Value: m.Text}, nil
}

func correlationID(c *gin.Context) string {
	return c.GetHeader("X-Correlation-Id")
}

func (h *apiHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"tools":    len(h.deps.Registry.Descriptors()),
		"registry": h.deps.Registry.State().String(),
	})
}

// handleCreateChat creates a conversation seeded with the first user turn.
// Duplicate submissions inside the lookback window return the existing chat
// instead of creating a second one.
func (h *apiHandler) handleCreateChat(c *gin.Context) {
	var body messageBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "malformed request body")
		return
	}
	content, err := body.toContent()
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	recent, err := h.deps.Store.ListRecentChats(h.deps.Detector.LookbackLimit())
	if err != nil {
		h.logger.Warn("duplicate lookback failed, creating new chat: %v", err)
	}
	if existing := h.deps.Detector.FindDuplicateChat(recent, content, time.Now()); existing != nil {
		h.logger.Info("duplicate submission matched chat %s", existing.ID)
		c.JSON(http.StatusOK, existing)
		return
	}

	chat, err := h.deps.Store.CreateChat()
	if err != nil {
		internalError(c, "failed to create chat")
		return
	}
	turn := conversation.Turn{
		ID:        conversation.NewID(),
		Role:      conversation.RoleUser,
		Content:   content,
		CreatedAt: time.Now(),
	}
	chat, err = h.deps.Store.AppendTurn(chat.ID, turn)
	if err != nil {
		internalError(c, "failed to persist first turn")
		return
	}
	c.JSON(http.StatusCreated, chat)
}

func (h *apiHandler) handleListChats(c *gin.Context) {
	chats, err := h.deps.Store.ListRecentChats(100)
	if err != nil {
		internalError(c, "failed to list chats")
		return
	}
	type item struct {
		ID        string    `json:"id"`
		Title     string    `json:"title,omitempty"`
		Turns     int       `json:"turns"`
		CreatedAt time.Time `json:"created_at"`
		UpdatedAt time.Time `json:"updated_at"`
	}
	items := make([]item, 0, len(chats))
	for _, chat := range chats {
		items = append(items, item{
			ID:        chat.ID,
			Title:     chat.Title,
			Turns:     len(chat.Turns),
			CreatedAt: chat.CreatedAt,
			UpdatedAt: chat.UpdatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"chats": items, "total": len(items)})
}

func (h *apiHandler) handleGetChat(c *gin.Context) {
	chat, err := h.deps.Store.GetChat(c.Param("id"))
	if err != nil {
		notFound(c, "chat not found")
		return
	}
	c.JSON(http.StatusOK, chat)
}

func (h *apiHandler) handleDeleteChat(c *gin.Context) {
	if err := h.deps.Store.DeleteChat(c.Param("id")); err != nil {
		notFound(c, "chat not found")
		return
	}
	c.Status(http.StatusNoContent)
}

// handleAppendMessage is the explicit save-message endpoint: persistence is
// the purpose of the call, so failures surface as error responses.
func (h *apiHandler) handleAppendMessage(c *gin.Context) {
	chatID := c.Param("id")
	var body struct {
		Role string `json:"role"`
		messageBody
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "malformed request body")
		return
	}
	role := conversation.RoleUser
	if body.Role != "" {
		parsed, err := conversation.ParseRole(body.Role)
		if err != nil {
			badRequest(c, err.Error())
			return
		}
		role = parsed
	}
	content, err := body.toContent()
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	chat, err := h.deps.Store.GetChat(chatID)
	if err != nil {
		notFound(c, "chat not found")
		return
	}

	candidate := conversation.Turn{
		ID:        conversation.NewID(),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now(),
	}
	for i := range chat.Turns {
		if conversation.IsDuplicateTurn(chat.Turns[i], candidate) {
			c.JSON(http.StatusOK, gin.H{"turn": chat.Turns[i], "duplicate": true})
			return
		}
	}

	if _, err := h.deps.Store.AppendTurn(chatID, candidate); err != nil {
		internalError(c, "failed to persist message")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"turn": candidate})
}

// handleGetRawTurn serves the raw (pre-sanitization) variant of a turn next
// to its filtered content.
func (h *apiHandler) handleGetRawTurn(c *gin.Context) {
	chat, err := h.deps.Store.GetChat(c.Param("id"))
	if err != nil {
		notFound(c, "chat not found")
		return
	}
	turnID := c.Param("turnID")
	for i := range chat.Turns {
		if chat.Turns[i].ID == turnID {
			c.JSON(http.StatusOK, gin.H{
				"turn_id":     turnID,
				"content":     chat.Turns[i].Content.Text(),
				"raw_content": chat.Turns[i].RawContent,
			})
			return
		}
	}
	notFound(c, "turn not found")
}

// handleStreamChat runs the completion loop for a chat, streaming engine
// events as newline-delimited JSON chunks, then reconciles the transcript.
func (h *apiHandler) handleStreamChat(c *gin.Context) {
	chatID := c.Param("id")
	var body messageBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "malformed request body")
		return
	}
	if len(body.Parts) > 0 {
		badRequest(c, "stream endpoint accepts text submissions only")
		return
	}

	chat, err := h.deps.Store.GetChat(chatID)
	if err != nil {
		notFound(c, "chat not found")
		return
	}

	corrID := correlationID(c)
	messages := h.deps.Preparer.Prepare(c.Request.Context(), chat, body.Text)

	c.Header("Content-Type", "application/x-ndjson")
	c.Header("Cache-Control", "no-cache")
	writer := c.Writer
	enc := json.NewEncoder(writer)
	emit := func(ev engine.Event) {
		if err := enc.Encode(ev); err != nil {
			return
		}
		writer.Flush()
	}

	h.publishStatus(chatID, corrID, "working", "completion in progress", false)

	raw, streamErr := h.deps.Engine.Stream(c.Request.Context(), chatID, messages, emit)
	if streamErr != nil {
		emit(engine.UserFacingError(streamErr))
		h.publishStatus(chatID, corrID, "failed", streamErr.Error(), true)
		h.deps.Broadcaster.Close(chatID, "stream error")
		return
	}

	if _, err := h.deps.Reconciler.Reconcile(chatID, raw); err != nil {
		if errors.Is(err, conversation.ErrFilteredToNothing) {
			// Distinct named condition: the model said nothing useful, the
			// network did not fail.
			emit(engine.Event{Type: "filtered_to_nothing"})
			h.publishStatus(chatID, corrID, "completed", "content filtered to nothing", true)
			h.deps.Broadcaster.Close(chatID, "completed")
			return
		}
		h.logger.Error("chat %s: transcript reconciliation failed: %v", chatID, err)
		emit(engine.UserFacingError(err))
		h.publishStatus(chatID, corrID, "failed", "persistence failure", true)
		h.deps.Broadcaster.Close(chatID, "reconcile error")
		return
	}

	h.publishStatus(chatID, corrID, "completed", "", true)
	h.deps.Broadcaster.Close(chatID, "completed")
}

func (h *apiHandler) publishStatus(id, corrID, state, message string, final bool) {
	h.deps.Broadcaster.Publish(id, broadcast.EventStatusUpdate, corrID, broadcast.StatusPayload{
		ID:        id,
		State:     state,
		Message:   message,
		Timestamp: time.Now(),
		Final:     final,
	})
}

func (h *apiHandler) handleRefreshTools(c *gin.Context) {
	h.deps.Registry.Refresh(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"tools": len(h.deps.Registry.Descriptors())})
}

func (h *apiHandler) handleListTools(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tools": h.deps.Registry.Descriptors()})
}
