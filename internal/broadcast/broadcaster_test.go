package broadcast

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay/internal/logging"
)

func TestPublishWrapsEnvelope(t *testing.T) {
	b := New(logging.Nop())
	ch := b.Subscribe("task-1")

	delivered := b.Publish("task-1", EventStatusUpdate, "corr-9", StatusPayload{ID: "task-1", State: "working"})
	assert.True(t, delivered)

	ev := <-ch.Events()
	assert.Equal(t, EventStatusUpdate, ev.Name)
	assert.Equal(t, ProtocolVersion, ev.Envelope.ProtocolVersion)
	assert.Equal(t, "corr-9", ev.Envelope.CorrelationID)
	payload, ok := ev.Envelope.Result.(StatusPayload)
	require.True(t, ok)
	assert.Equal(t, "working", payload.State)
}

func TestPublishDefaultsCorrelationID(t *testing.T) {
	b := New(logging.Nop())
	ch := b.Subscribe("task-1")

	require.True(t, b.Publish("task-1", EventArtifactUpdate, "", ArtifactPayload{ID: "task-1"}))
	ev := <-ch.Events()
	assert.Equal(t, DefaultCorrelationID, ev.Envelope.CorrelationID)
}

func TestPublishWithoutSubscriber(t *testing.T) {
	b := New(logging.Nop())
	assert.False(t, b.Publish("nobody", EventStatusUpdate, "", nil))
}

func TestResubscribeEvictsPriorChannel(t *testing.T) {
	b := New(logging.Nop())
	first := b.Subscribe("task-1")
	second := b.Subscribe("task-1")

	// The first channel is closed by the replacement.
	select {
	case _, open := <-first.Events():
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("prior channel was not closed")
	}

	// Events only reach the replacement.
	require.True(t, b.Publish("task-1", EventStatusUpdate, "", nil))
	select {
	case ev := <-second.Events():
		assert.Equal(t, EventStatusUpdate, ev.Name)
	case <-time.After(time.Second):
		t.Fatal("replacement channel received nothing")
	}
	assert.Equal(t, 1, b.ActiveCount())
}

func TestCloseRemovesRegistration(t *testing.T) {
	b := New(logging.Nop())
	ch := b.Subscribe("task-1")
	b.Close("task-1", "task completed")

	_, open := <-ch.Events()
	assert.False(t, open)
	assert.Equal(t, 0, b.ActiveCount())
	assert.False(t, b.Publish("task-1", EventStatusUpdate, "", nil))
}

func TestCloseChannelSparesReplacement(t *testing.T) {
	b := New(logging.Nop())
	stale := b.Subscribe("task-1")
	replacement := b.Subscribe("task-1")

	// A departing subscriber closing its own stale channel must not evict
	// the newer registration.
	b.CloseChannel(stale, "subscriber disconnected")
	assert.Equal(t, 1, b.ActiveCount())

	require.True(t, b.Publish("task-1", EventStatusUpdate, "", nil))
	select {
	case ev := <-replacement.Events():
		assert.Equal(t, EventStatusUpdate, ev.Name)
	case <-time.After(time.Second):
		t.Fatal("replacement channel received nothing")
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := New(logging.Nop())
	b.Subscribe("task-1")

	for i := 0; i < channelBuffer; i++ {
		require.True(t, b.Publish("task-1", EventStatusUpdate, "", i))
	}
	// Buffer is full and nobody is draining; the publish returns rather
	// than blocking.
	assert.False(t, b.Publish("task-1", EventStatusUpdate, "", "overflow"))
}

func TestPublishAfterChannelClosed(t *testing.T) {
	b := New(logging.Nop())
	ch := b.Subscribe("task-1")
	ch.close()

	// Registration still points at the closed channel; send reports failure
	// instead of panicking on a closed chan.
	assert.False(t, b.Publish("task-1", EventStatusUpdate, "", nil))
}

func TestNormalizeStatus(t *testing.T) {
	at := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	payload := NormalizeStatus("task-1", map[string]any{
		"state":     "completed",
		"message":   "done",
		"final":     true,
		"timestamp": at,
	})
	assert.Equal(t, "task-1", payload.ID)
	assert.Equal(t, "completed", payload.State)
	assert.Equal(t, "done", payload.Message)
	assert.True(t, payload.Final)
	assert.Equal(t, at, payload.Timestamp)

	// Missing keys fall back to zero values with a fresh timestamp.
	sparse := NormalizeStatus("task-2", map[string]any{})
	assert.Equal(t, "task-2", sparse.ID)
	assert.Empty(t, sparse.State)
	assert.False(t, sparse.Final)
	assert.False(t, sparse.Timestamp.IsZero())
}
