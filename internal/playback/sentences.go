package playback

import (
	"strings"
	"unicode"
)

// SplitSentences cuts text after ., ! or ? when followed by whitespace, so
// each piece can be synthesized as its own chunk. Pieces shorter than
// minRunes are merged into the next one.
func SplitSentences(text string, minRunes int) []string {
	var out []string
	var cur strings.Builder
	runes := []rune(text)
	for i, r := range runes {
		cur.WriteRune(r)
		if !strings.ContainsRune(".!?", r) {
			continue
		}
		if i+1 < len(runes) && !unicode.IsSpace(runes[i+1]) {
			continue
		}
		s := strings.TrimSpace(cur.String())
		if len([]rune(s)) < minRunes {
			continue
		}
		out = append(out, s)
		cur.Reset()
	}
	if s := strings.TrimSpace(cur.String()); s != "" {
		out = append(out, s)
	}
	return out
}
