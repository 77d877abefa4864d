package conversation

import (
	"strings"
	"time"

	"relay/internal/config"
)

// Detector applies duplicate-submission heuristics. Clients resend messages on
// flaky connections, so the store treats duplicate detection as the
// correctness backstop rather than relying on strict request serialization.
type Detector struct {
	cfg config.DedupConfig
}

// NewDetector builds a detector with the configured lookback and recency
// windows.
func NewDetector(cfg config.DedupConfig) *Detector {
	return &Detector{cfg: cfg}
}

// contentEqual compares two content payloads byte-for-byte via their wire
// encoding.
func contentEqual(a, b Content) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a.Kind() != b.Kind() {
		return false
	}
	aj, errA := marshalContent(a)
	bj, errB := marshalContent(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(aj) == string(bj)
}

// FindDuplicateChat inspects recent chats for one whose first user turn is a
// duplicate of the new submission. It returns nil when a new chat should be
// created.
func (d *Detector) FindDuplicateChat(recent []*Chat, content Content, now time.Time) *Chat {
	if content == nil {
		return nil
	}
	for _, chat := range recent {
		first := chat.FirstUserTurn()
		if first == nil || first.Content == nil {
			continue
		}
		// Content-type tags must match before any content comparison.
		if first.Content.Kind() != content.Kind() {
			// Rule (d): new text embedded inside an existing multimodal
			// turn's text fragments, within the longer window.
			if content.Kind() == KindText && first.Content.Kind() == KindMultimodal {
				if d.textEmbeddedIn(content.Text(), first.Content) &&
					now.Sub(first.CreatedAt) <= d.cfg.ContainmentWindow {
					return chat
				}
			}
			continue
		}

		// Rule (b): byte-identical content.
		if contentEqual(first.Content, content) {
			return chat
		}

		// Rule (c): both multimodal inside the short recency window.
		if content.Kind() == KindMultimodal &&
			now.Sub(first.CreatedAt) <= d.cfg.MultimodalWindow {
			return chat
		}
	}
	return nil
}

func (d *Detector) textEmbeddedIn(text string, multimodal Content) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	return strings.Contains(multimodal.Text(), text)
}

// IsDuplicateTurn reports whether candidate duplicates existing when appending
// to a chat. Assistant turns additionally treat substring-or-superset text
// containment as a duplicate, which handles partial resends of a previously
// completed answer. Known to misfire on legitimately similar answers; kept for
// compatibility with upstream client behaviour.
func IsDuplicateTurn(existing, candidate Turn) bool {
	if existing.Role != candidate.Role {
		return false
	}
	if existing.Content == nil || candidate.Content == nil {
		return false
	}
	if contentEqual(existing.Content, candidate.Content) {
		return true
	}

	if candidate.Role != RoleAssistant {
		// User turns require exact content match only.
		return false
	}

	a := strings.TrimSpace(existing.Content.Text())
	b := strings.TrimSpace(candidate.Content.Text())
	if a == "" || b == "" {
		return false
	}
	return strings.Contains(a, b) || strings.Contains(b, a)
}

// LookbackLimit exposes the configured lookback bound for store queries.
func (d *Detector) LookbackLimit() int {
	if d.cfg.LookbackChats <= 0 {
		return 20
	}
	return d.cfg.LookbackChats
}
