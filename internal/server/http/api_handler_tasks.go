package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"relay/internal/broadcast"
	"relay/internal/conversation"
	"relay/internal/engine"
)

// handleCreateTask starts an asynchronous completion for a new task. Status
// transitions and the final artifact are pushed through the broadcaster;
// clients follow along via /api/events or /api/ws.
func (h *apiHandler) handleCreateTask(c *gin.Context) {
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

	task, err := h.deps.Store.CreateTask()
	if err != nil {
		internalError(c, "failed to create task")
		return
	}
	corrID := correlationID(c)

	// The run outlives the creating request; it is cancelled only through
	// the cancel endpoint.
	runCtx, cancel := context.WithCancel(context.Background())
	h.mu.Lock()
	h.running[task.ID] = cancel
	h.mu.Unlock()

	go h.runTask(runCtx, task.ID, content, corrID)

	c.JSON(http.StatusCreated, task)
}

func (h *apiHandler) runTask(ctx context.Context, taskID string, content conversation.Content, corrID string) {
	defer func() {
		h.mu.Lock()
		delete(h.running, taskID)
		h.mu.Unlock()
	}()

	h.transitionTask(taskID, corrID, conversation.TaskWorking, "completion in progress")

	chat, err := h.deps.Store.CreateChat()
	if err != nil {
		h.transitionTask(taskID, corrID, conversation.TaskFailed, "failed to allocate conversation")
		h.deps.Broadcaster.Close(taskID, "setup failure")
		return
	}
	if _, err := h.deps.Store.AttachChat(taskID, chat.ID); err != nil {
		h.transitionTask(taskID, corrID, conversation.TaskFailed, "failed to bind conversation")
		h.deps.Broadcaster.Close(taskID, "setup failure")
		return
	}
	userTurn := conversation.Turn{
		ID:        conversation.NewID(),
		Role:      conversation.RoleUser,
		Content:   content,
		CreatedAt: time.Now(),
	}
	if _, err := h.deps.Store.AppendTurn(chat.ID, userTurn); err != nil {
		h.transitionTask(taskID, corrID, conversation.TaskFailed, "failed to persist user turn")
		h.deps.Broadcaster.Close(taskID, "setup failure")
		return
	}
	chat, _ = h.deps.Store.GetChat(chat.ID)

	messages := h.deps.Preparer.Prepare(ctx, chat, "")
	raw, streamErr := h.deps.Engine.Stream(ctx, chat.ID, messages, func(engine.Event) {})
	if streamErr != nil {
		if errors.Is(streamErr, context.Canceled) {
			h.transitionTask(taskID, corrID, conversation.TaskCanceled, "canceled by client")
			h.deps.Broadcaster.Close(taskID, "canceled")
			return
		}
		h.transitionTask(taskID, corrID, conversation.TaskFailed, streamErr.Error())
		h.deps.Broadcaster.Close(taskID, "stream error")
		return
	}

	turn, err := h.deps.Reconciler.Reconcile(chat.ID, raw)
	if err != nil {
		if errors.Is(err, conversation.ErrFilteredToNothing) {
			h.transitionTask(taskID, corrID, conversation.TaskCompleted, "content filtered to nothing")
		} else {
			h.transitionTask(taskID, corrID, conversation.TaskFailed, "persistence failure")
		}
		h.deps.Broadcaster.Close(taskID, "completed")
		return
	}

	if turn != nil {
		artifact := conversation.Artifact{
			ID:      conversation.NewID(),
			Name:    "answer",
			Type:    "text",
			Content: turn.Content.Text(),
		}
		if _, err := h.deps.Store.AddArtifact(taskID, artifact); err != nil {
			h.logger.Warn("task %s: failed to record artifact: %v", taskID, err)
		}
		h.deps.Broadcaster.Publish(taskID, broadcast.EventArtifactUpdate, corrID, broadcast.ArtifactPayload{
			ID:        artifact.ID,
			Name:      artifact.Name,
			Type:      artifact.Type,
			Content:   artifact.Content,
			LastChunk: true,
		})
	}

	h.transitionTask(taskID, corrID, conversation.TaskCompleted, "")
	h.deps.Broadcaster.Close(taskID, "completed")
}

// transitionTask persists a status change and notifies subscribers. The two
// always travel together: a transition nobody can observe is a bug. The turn
// history is mirrored from the backing chat on every transition so task reads
// stay current.
func (h *apiHandler) transitionTask(taskID, corrID string, state conversation.TaskState, message string) {
	if _, err := h.deps.Store.SyncTaskTurns(taskID); err != nil {
		h.logger.Warn("task %s: turn history sync failed: %v", taskID, err)
	}
	task, err := h.deps.Store.UpdateTaskStatus(taskID, state, message)
	if err != nil {
		h.logger.Error("task %s: status transition to %s failed: %v", taskID, state, err)
		return
	}
	final := state == conversation.TaskCompleted || state == conversation.TaskFailed || state == conversation.TaskCanceled
	h.deps.Broadcaster.Publish(taskID, broadcast.EventStatusUpdate, corrID, broadcast.StatusPayload{
		ID:        taskID,
		State:     string(task.Status.State),
		Message:   task.Status.Message,
		Timestamp: task.Status.UpdatedAt,
		Final:     final,
	})
}

// handleReportTaskStatus accepts a loosely-shaped status map from an external
// worker, normalizes it, and persists plus publishes the transition. Running
// tasks own their lifecycle; external reports only apply to tasks this
// process is not driving.
func (h *apiHandler) handleReportTaskStatus(c *gin.Context) {
	taskID := c.Param("id")
	var raw map[string]any
	if err := c.ShouldBindJSON(&raw); err != nil {
		badRequest(c, "malformed request body")
		return
	}

	payload := broadcast.NormalizeStatus(taskID, raw)
	state := conversation.TaskState(payload.State)
	switch state {
	case conversation.TaskSubmitted, conversation.TaskWorking, conversation.TaskCompleted,
		conversation.TaskFailed, conversation.TaskCanceled:
	default:
		badRequest(c, fmt.Sprintf("unknown task state %q", payload.State))
		return
	}

	h.mu.Lock()
	_, isRunning := h.running[taskID]
	h.mu.Unlock()
	if isRunning {
		badRequest(c, "task is running; its lifecycle is managed internally")
		return
	}

	task, err := h.deps.Store.UpdateTaskStatus(taskID, state, payload.Message)
	if err != nil {
		notFound(c, "task not found")
		return
	}
	final := state == conversation.TaskCompleted || state == conversation.TaskFailed || state == conversation.TaskCanceled
	h.deps.Broadcaster.Publish(taskID, broadcast.EventStatusUpdate, correlationID(c), broadcast.StatusPayload{
		ID:        taskID,
		State:     string(task.Status.State),
		Message:   task.Status.Message,
		Timestamp: task.Status.UpdatedAt,
		Final:     final || payload.Final,
	})
	c.JSON(http.StatusOK, task)
}

func (h *apiHandler) handleGetTask(c *gin.Context) {
	task, err := h.deps.Store.GetTask(c.Param("id"))
	if err != nil {
		notFound(c, "task not found")
		return
	}
	c.JSON(http.StatusOK, task)
}

// handleCancelTask stops token forwarding for a running task. A tool
// invocation already dispatched is allowed to finish.
func (h *apiHandler) handleCancelTask(c *gin.Context) {
	taskID := c.Param("id")
	if _, err := h.deps.Store.GetTask(taskID); err != nil {
		notFound(c, "task not found")
		return
	}

	h.mu.Lock()
	cancel, ok := h.running[taskID]
	h.mu.Unlock()
	if ok {
		cancel()
		c.JSON(http.StatusOK, gin.H{"canceled": true})
		return
	}

	// Not running: mark terminal state directly.
	task, err := h.deps.Store.UpdateTaskStatus(taskID, conversation.TaskCanceled, "canceled by client")
	if err != nil {
		internalError(c, "failed to cancel task")
		return
	}
	c.JSON(http.StatusOK, task)
}
