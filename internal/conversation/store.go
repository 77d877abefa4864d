package conversation

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"encoding/json"

	"github.com/google/uuid"

	"relay/internal/logging"
)

// ErrNotFound reports a missing chat, task or turn.
var ErrNotFound = errors.New("not found")

// Store persists chats and tasks as JSON files, one file per owner. Deleting
// an owner removes its turns and artifacts with it.
type Store struct {
	baseDir string
	logger  logging.Logger

	// Guards read-modify-write cycles on individual files. Coarse by design:
	// the store is the correctness backstop for racing appends, not a
	// throughput path.
	mu sync.Mutex
}

// NewStore creates a file-backed store rooted at baseDir. A leading "~/" is
// expanded to the user home directory.
func NewStore(baseDir string, logger logging.Logger) (*Store, error) {
	if strings.HasPrefix(baseDir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home dir: %w", err)
		}
		baseDir = filepath.Join(home, baseDir[2:])
	}
	for _, sub := range []string{"chats", "tasks"} {
		if err := os.MkdirAll(filepath.Join(baseDir, sub), 0755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	return &Store{
		baseDir: baseDir,
		logger:  logging.OrNop(logger),
	}, nil
}

func (s *Store) chatPath(id string) string {
	return filepath.Join(s.baseDir, "chats", id+".json")
}

func (s *Store) taskPath(id string) string {
	return filepath.Join(s.baseDir, "tasks", id+".json")
}

// NewID returns a fresh identifier for chats, tasks and turns.
func NewID() string {
	return uuid.NewString()
}

// CreateChat persists a new empty chat.
func (s *Store) CreateChat() (*Chat, error) {
	now := time.Now()
	chat := &Chat{
		ID:        NewID(),
		Turns:     []Turn{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.writeJSON(s.chatPath(chat.ID), chat, true); err != nil {
		return nil, err
	}
	return chat, nil
}

// GetChat loads a chat by id.
func (s *Store) GetChat(id string) (*Chat, error) {
	var chat Chat
	if err := s.readJSON(s.chatPath(id), &chat); err != nil {
		return nil, err
	}
	return &chat, nil
}

// SaveChat overwrites a chat file.
func (s *Store) SaveChat(chat *Chat) error {
	return s.writeJSON(s.chatPath(chat.ID), chat, false)
}

// DeleteChat removes a chat and, by ownership, all of its turns.
func (s *Store) DeleteChat(id string) error {
	if err := os.Remove(s.chatPath(id)); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

// ListRecentChats returns up to limit chats ordered by UpdatedAt descending.
func (s *Store) ListRecentChats(limit int) ([]*Chat, error) {
	entries, err := os.ReadDir(filepath.Join(s.baseDir, "chats"))
	if err != nil {
		return nil, err
	}
	var chats []*Chat
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ".json")
		chat, err := s.GetChat(id)
		if err != nil {
			s.logger.Warn("skipping unreadable chat file %s: %v", entry.Name(), err)
			continue
		}
		chats = append(chats, chat)
	}
	sort.Slice(chats, func(i, j int) bool {
		return chats[i].UpdatedAt.After(chats[j].UpdatedAt)
	})
	if limit > 0 && len(chats) > limit {
		chats = chats[:limit]
	}
	return chats, nil
}

// AppendTurn appends a turn to a chat under the store lock, so racing appends
// from the reconciler and the preparer's out-of-band save cannot lose turns.
func (s *Store) AppendTurn(chatID string, turn Turn) (*Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chat, err := s.GetChat(chatID)
	if err != nil {
		return nil, err
	}
	chat.Append(turn)
	if err := s.SaveChat(chat); err != nil {
		return nil, err
	}
	return chat, nil
}

// PatchRawContent backfills the raw-content variant of an existing turn. The
// turn must already exist; its filtered content is left untouched.
func (s *Store) PatchRawContent(chatID, turnID, raw string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	chat, err := s.GetChat(chatID)
	if err != nil {
		return err
	}
	for i := range chat.Turns {
		if chat.Turns[i].ID == turnID {
			chat.Turns[i].RawContent = raw
			return s.SaveChat(chat)
		}
	}
	return fmt.Errorf("turn %s in chat %s: %w", turnID, chatID, ErrNotFound)
}

// CreateTask persists a new task in the submitted state.
func (s *Store) CreateTask() (*Task, error) {
	now := time.Now()
	task := &Task{
		ID:        NewID(),
		Turns:     []Turn{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	task.SetStatus(TaskSubmitted, "task received")
	if err := s.writeJSON(s.taskPath(task.ID), task, true); err != nil {
		return nil, err
	}
	return task, nil
}

// GetTask loads a task by id.
func (s *Store) GetTask(id string) (*Task, error) {
	var task Task
	if err := s.readJSON(s.taskPath(id), &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// SaveTask overwrites a task file.
func (s *Store) SaveTask(task *Task) error {
	return s.writeJSON(s.taskPath(task.ID), task, false)
}

// DeleteTask removes a task together with its turns, artifacts and backing
// chat.
func (s *Store) DeleteTask(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.GetTask(id)
	if err != nil {
		return err
	}
	if err := os.Remove(s.taskPath(id)); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return err
	}
	if task.ChatID != "" {
		if err := s.DeleteChat(task.ChatID); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
	}
	return nil
}

// AttachChat records the backing chat a task's run writes into.
func (s *Store) AttachChat(taskID, chatID string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	task.ChatID = chatID
	if err := s.SaveTask(task); err != nil {
		return nil, err
	}
	return task, nil
}

// SyncTaskTurns copies the backing chat's turn history onto the task record so
// task reads see the turns without a second lookup. A task with no backing
// chat is returned unchanged.
func (s *Store) SyncTaskTurns(taskID string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	if task.ChatID == "" {
		return task, nil
	}
	chat, err := s.GetChat(task.ChatID)
	if err != nil {
		return nil, err
	}
	task.Turns = chat.Turns
	if now := time.Now(); now.After(task.UpdatedAt) {
		task.UpdatedAt = now
	}
	if err := s.SaveTask(task); err != nil {
		return nil, err
	}
	return task, nil
}

// UpdateTaskStatus transitions a task under the store lock and returns the
// updated task so callers can publish the change.
func (s *Store) UpdateTaskStatus(id string, state TaskState, message string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.GetTask(id)
	if err != nil {
		return nil, err
	}
	task.SetStatus(state, message)
	if err := s.SaveTask(task); err != nil {
		return nil, err
	}
	return task, nil
}

// AddArtifact appends an artifact to a task.
func (s *Store) AddArtifact(id string, artifact Artifact) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.GetTask(id)
	if err != nil {
		return nil, err
	}
	task.Artifacts = append(task.Artifacts, artifact)
	if now := time.Now(); now.After(task.UpdatedAt) {
		task.UpdatedAt = now
	}
	if err := s.SaveTask(task); err != nil {
		return nil, err
	}
	return task, nil
}

func (s *Store) writeJSON(path string, v any, exclusive bool) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if exclusive {
		// Fail rather than silently overwrite a colliding id.
		flags = os.O_CREATE | os.O_EXCL | os.O_WRONLY
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func (s *Store) readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
