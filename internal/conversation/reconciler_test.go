package conversation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay/internal/logging"
)

func TestReconcileEmptyRawIsNoop(t *testing.T) {
	store := newTestStore(t)
	chat, err := store.CreateChat()
	require.NoError(t, err)

	rec := NewReconciler(store, logging.Nop())
	turn, err := rec.Reconcile(chat.ID, "")
	require.NoError(t, err)
	assert.Nil(t, turn)

	loaded, err := store.GetChat(chat.ID)
	require.NoError(t, err)
	assert.Empty(t, loaded.Turns)
}

func TestReconcileFilteredToNothing(t *testing.T) {
	store := newTestStore(t)
	chat, err := store.CreateChat()
	require.NoError(t, err)

	rec := NewReconciler(store, logging.Nop())
	raw := "<thinking>only reasoning</thinking>[Tool completed successfully]"
	turn, err := rec.Reconcile(chat.ID, raw)
	assert.ErrorIs(t, err, ErrFilteredToNothing)
	assert.Nil(t, turn)

	loaded, err := store.GetChat(chat.ID)
	require.NoError(t, err)
	assert.Empty(t, loaded.Turns, "nothing is persisted when everything filters out")
}

func TestReconcilePersistsFilteredAndRaw(t *testing.T) {
	store := newTestStore(t)
	chat, err := store.CreateChat()
	require.NoError(t, err)

	rec := NewReconciler(store, logging.Nop())
	raw := "<thinking>reasoning</thinking>[Tool completed successfully] 42"
	turn, err := rec.Reconcile(chat.ID, raw)
	require.NoError(t, err)
	require.NotNil(t, turn)
	assert.Equal(t, "42", turn.Content.Text())
	assert.Equal(t, raw, turn.RawContent)

	loaded, err := store.GetChat(chat.ID)
	require.NoError(t, err)
	require.Len(t, loaded.Turns, 1)
	assert.Equal(t, RoleAssistant, loaded.Turns[0].Role)
	assert.Equal(t, "42", loaded.Turns[0].Content.Text())
	assert.Equal(t, raw, loaded.Turns[0].RawContent)
}

func TestReconcilePlainAnswer(t *testing.T) {
	store := newTestStore(t)
	chat, err := store.CreateChat()
	require.NoError(t, err)

	rec := NewReconciler(store, logging.Nop())
	turn, err := rec.Reconcile(chat.ID, "Hello")
	require.NoError(t, err)
	require.NotNil(t, turn)
	assert.Equal(t, "Hello", turn.Content.Text())
	assert.Equal(t, "Hello", turn.RawContent)
}

func TestReconcileUnknownChatFails(t *testing.T) {
	store := newTestStore(t)
	rec := NewReconciler(store, logging.Nop())
	_, err := rec.Reconcile("missing", "content")
	assert.ErrorIs(t, err, ErrNotFound)
}
