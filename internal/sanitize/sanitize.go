// Package sanitize strips internal reasoning and tool-status markup from
// model output before it is persisted. All functions are pure and idempotent.
package sanitize

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxPersistLen is the hard ceiling on persisted content length, in bytes.
// Longer sanitized output is truncated silently.
const MaxPersistLen = 4000

var (
	// Reasoning blocks span newlines and may occur several times per message,
	// so matching is non-greedy.
	thinkingRe = regexp.MustCompile(`(?is)<thinking>.*?</thinking>`)
	toolCodeRe = regexp.MustCompile(`(?is)<tool_code>.*?</tool_code>`)

	// Tool-status phrases the model interleaves with its answer. The set is
	// fixed; free-form bracketed text is left alone.
	statusPhrases = []string{
		"[Executing tools...]",
		"[Tool completed successfully]",
		"[Tool execution failed]",
		"[Calling tool...]",
		"[Waiting for tool results...]",
	}

	whitespaceRe = regexp.MustCompile(`\s+`)
)

// Sanitize removes reasoning blocks, tool-code blocks and tool-status phrases
// from text, collapses whitespace runs to single spaces, trims, and truncates
// at MaxPersistLen.
func Sanitize(text string) string {
	if text == "" {
		return ""
	}

	cleaned := thinkingRe.ReplaceAllString(text, "")
	cleaned = toolCodeRe.ReplaceAllString(cleaned, "")
	for _, phrase := range statusPhrases {
		cleaned = replaceFold(cleaned, phrase)
	}

	cleaned = whitespaceRe.ReplaceAllString(cleaned, " ")
	cleaned = strings.TrimSpace(cleaned)

	if len(cleaned) > MaxPersistLen {
		// Never cut inside a multi-byte rune: back off to the last boundary
		// so the persisted string stays valid UTF-8.
		cut := MaxPersistLen
		for cut > 0 && !utf8.RuneStart(cleaned[cut]) {
			cut--
		}
		cleaned = cleaned[:cut]
	}
	return cleaned
}

// NeedsSanitizing reports whether Sanitize would remove anything from text,
// letting callers skip the rewrite for clean content.
func NeedsSanitizing(text string) bool {
	if text == "" {
		return false
	}
	if thinkingRe.MatchString(text) || toolCodeRe.MatchString(text) {
		return true
	}
	lower := strings.ToLower(text)
	for _, phrase := range statusPhrases {
		if strings.Contains(lower, strings.ToLower(phrase)) {
			return true
		}
	}
	return false
}

// replaceFold removes every case-insensitive occurrence of phrase from s.
func replaceFold(s, phrase string) string {
	lowerPhrase := strings.ToLower(phrase)
	for {
		idx := strings.Index(strings.ToLower(s), lowerPhrase)
		if idx < 0 {
			return s
		}
		s = s[:idx] + s[idx+len(phrase):]
	}
}
