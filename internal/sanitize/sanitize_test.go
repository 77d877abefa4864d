package sanitize

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeRemovesReasoningAndStatus(t *testing.T) {
	raw := "<thinking>reasoning</thinking>[Tool completed successfully] 42"
	assert.Equal(t, "42", Sanitize(raw))
}

func TestSanitizeFiltersToNothing(t *testing.T) {
	raw := "<thinking>only reasoning</thinking>[Tool completed successfully]"
	assert.Equal(t, "", Sanitize(raw))
}

func TestSanitizeMultipleBlocksNonGreedy(t *testing.T) {
	raw := "a <thinking>one</thinking> b <THINKING>two\nlines</THINKING> c"
	assert.Equal(t, "a b c", Sanitize(raw))
}

func TestSanitizeToolCodeBlocks(t *testing.T) {
	raw := "before <tool_code>print('x')</tool_code> after"
	assert.Equal(t, "before after", Sanitize(raw))
}

func TestSanitizeCollapsesWhitespace(t *testing.T) {
	assert.Equal(t, "a b c", Sanitize("a\n\n  b\t\tc  "))
}

func TestSanitizePreservesOtherBrackets(t *testing.T) {
	raw := "result is [42] not [unknown bracket text]"
	assert.Equal(t, raw, Sanitize(raw))
}

func TestSanitizeIdempotent(t *testing.T) {
	inputs := []string{
		"<thinking>x</thinking>hello [Executing tools...] world",
		"plain text",
		"",
		"[Tool execution failed] retry",
	}
	for _, in := range inputs {
		once := Sanitize(in)
		assert.Equal(t, once, Sanitize(once))
	}
}

func TestSanitizeTruncatesAtCeiling(t *testing.T) {
	long := strings.Repeat("x", MaxPersistLen+500)
	got := Sanitize(long)
	assert.Len(t, got, MaxPersistLen)
}

func TestSanitizeTruncationKeepsValidUTF8(t *testing.T) {
	// The ceiling falls inside the two-byte rune; truncation must drop the
	// whole rune, not half of it.
	raw := strings.Repeat("a", MaxPersistLen-1) + "é"
	got := Sanitize(raw)
	assert.True(t, utf8.ValidString(got))
	assert.Len(t, got, MaxPersistLen-1)

	// A ceiling on a rune boundary still truncates exactly there.
	aligned := strings.Repeat("é", MaxPersistLen/2+10)
	got = Sanitize(aligned)
	assert.True(t, utf8.ValidString(got))
	assert.Len(t, got, MaxPersistLen)
}

func TestSanitizeCaseInsensitiveStatusPhrase(t *testing.T) {
	assert.Equal(t, "done", Sanitize("[tool completed successfully] done"))
}

func TestNeedsSanitizing(t *testing.T) {
	assert.True(t, NeedsSanitizing("<thinking>x</thinking>"))
	assert.True(t, NeedsSanitizing("a [Executing tools...] b"))
	assert.True(t, NeedsSanitizing("<tool_code>x</tool_code>"))
	assert.False(t, NeedsSanitizing("plain answer"))
	assert.False(t, NeedsSanitizing(""))
	assert.False(t, NeedsSanitizing("[just brackets]"))
}
