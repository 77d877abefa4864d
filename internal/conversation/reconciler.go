package conversation

import (
	"errors"
	"time"

	"relay/internal/logging"
	"relay/internal/sanitize"
)

// ErrFilteredToNothing reports that a completed stream produced content but
// every character of it was internal markup. Callers use it to distinguish
// "the model said nothing useful" from transport failure.
var ErrFilteredToNothing = errors.New("content filtered to nothing")

// Reconciler decides whether and what to persist once a stream completes. The
// sanitized text becomes the turn's content; the raw text is patched in as the
// turn's raw-content afterwards for audit.
type Reconciler struct {
	store  *Store
	logger logging.Logger
}

// NewReconciler builds a reconciler over the given store.
func NewReconciler(store *Store, logger logging.Logger) *Reconciler {
	return &Reconciler{
		store:  store,
		logger: logging.OrNop(logger),
	}
}

// Reconcile runs once per completed stream with the accumulated raw text.
// Empty raw text is a no-op. Raw text that sanitizes to nothing returns
// ErrFilteredToNothing and persists nothing. Otherwise the sanitized turn is
// persisted and the raw variant is backfilled; a backfill failure is logged
// but does not fail the call, since the filtered content is already safe.
func (r *Reconciler) Reconcile(chatID, raw string) (*Turn, error) {
	if raw == "" {
		return nil, nil
	}

	clean := sanitize.Sanitize(raw)
	if clean == "" {
		r.logger.Info("chat %s: completion filtered to nothing (%d raw bytes)", chatID, len(raw))
		return nil, ErrFilteredToNothing
	}

	turn := Turn{
		ID:        NewID(),
		Role:      RoleAssistant,
		Content:   TextContent{Value: clean},
		CreatedAt: time.Now(),
	}
	if _, err := r.store.AppendTurn(chatID, turn); err != nil {
		return nil, err
	}

	if err := r.store.PatchRawContent(chatID, turn.ID, raw); err != nil {
		// Raw backfill is opportunistic: the filtered turn is already saved.
		r.logger.Warn("chat %s: raw-content backfill for turn %s failed: %v", chatID, turn.ID, err)
	} else {
		turn.RawContent = raw
	}
	return &turn, nil
}
