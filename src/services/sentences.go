package services

import (
	"strings"
	"unicode"
)

var sentenceEnders = map[rune]bool{
	'.': true,
	'!': true,
	'?': true,
	';': true,
}

// SentenceAggregator buffers streamed text and releases complete sentences.
// Not safe for concurrent use.
type SentenceAggregator struct {
	buf strings.Builder
}

// Add appends text and returns the sentences it completed.
func (a *SentenceAggregator) Add(text string) []string {
	a.buf.WriteString(text)
	sentences, remainder := splitSentences(a.buf.String())
	a.buf.Reset()
	a.buf.WriteString(remainder)
	return sentences
}

// Flush returns whatever is buffered and empties the buffer.
func (a *SentenceAggregator) Flush() string {
	rest := strings.TrimSpace(a.buf.String())
	a.buf.Reset()
	return rest
}

// splitSentences cuts text after a sentence ender followed by whitespace.
// A trailing ender is left in the remainder since the next delta may
// continue it ("3." then "5 inches").
func splitSentences(text string) ([]string, string) {
	var sentences []string
	var current strings.Builder

	runes := []rune(text)
	for i, r := range runes {
		current.WriteRune(r)
		if !sentenceEnders[r] || i+1 >= len(runes) || !unicode.IsSpace(runes[i+1]) {
			continue
		}
		if s := strings.TrimSpace(current.String()); s != "" {
			sentences = append(sentences, s)
		}
		current.Reset()
	}
	return sentences, strings.TrimLeftFunc(current.String(), unicode.IsSpace)
}
