package relay

import (
	"regexp"
	"strings"
)

var (
	reHeading    = regexp.MustCompile(`(?m)^[ \t]*#{1,6}[ \t]+`)
	reFence      = regexp.MustCompile("(?m)^[ \\t]*```[A-Za-z0-9_+-]*[ \\t]*$")
	reInlineCode = regexp.MustCompile("`+([^`]*)`+")
	reImage      = regexp.MustCompile(`!\[([^\]]*)\]\([^)]*\)`)
	reLink       = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	// Asterisk runs only count as emphasis when they open after a non-word
	// character and close before one, so 2*3*4 is left alone.
	reBoldItalic = regexp.MustCompile(`(^|[^\w*])\*\*\*([^*\s](?:[^*]*[^*\s])?)\*\*\*([^\w*]|$)`)
	reBold       = regexp.MustCompile(`(^|[^\w*])\*\*([^*\s](?:[^*]*[^*\s])?)\*\*([^\w*]|$)`)
	reItalic     = regexp.MustCompile(`(^|[^\w*])\*([^*\s](?:[^*]*[^*\s])?)\*([^\w*]|$)`)
	reUnderBold  = regexp.MustCompile(`(^|[^\w])__([^_]+)__([^\w]|$)`)
	reUnder      = regexp.MustCompile(`(^|[^\w])_([^_\s][^_]*)_([^\w]|$)`)
	reStrike     = regexp.MustCompile(`~~([^~]+)~~`)
	reSpace      = regexp.MustCompile(`\s+`)
)

// Sanitize turns model markdown into plain prose. It strips heading,
// emphasis, link and code markers, keeps the text they wrap, and collapses
// whitespace. Applying it twice gives the same result as applying it once.
func Sanitize(text string) string {
	out := sanitizePass(text)
	for {
		next := sanitizePass(out)
		if next == out {
			return out
		}
		out = next
	}
}

func sanitizePass(s string) string {
	s = reHeading.ReplaceAllString(s, "")
	s = reFence.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "```", "")
	s = reInlineCode.ReplaceAllString(s, "$1")
	s = reImage.ReplaceAllString(s, "$1")
	s = reLink.ReplaceAllString(s, "$1")
	s = reBoldItalic.ReplaceAllString(s, "$1$2$3")
	s = reBold.ReplaceAllString(s, "$1$2$3")
	s = reItalic.ReplaceAllString(s, "$1$2$3")
	s = reUnderBold.ReplaceAllString(s, "$1$2$3")
	s = reUnder.ReplaceAllString(s, "$1$2$3")
	s = reStrike.ReplaceAllString(s, "$1")
	s = reSpace.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// Snapshots splits plain text on whitespace and returns the cumulative
// prefix after each word. The last snapshot equals text when text is
// already collapsed.
func Snapshots(text string) []string {
	words := strings.Fields(text)
	out := make([]string, 0, len(words))
	var b strings.Builder
	for i, w := range words {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(w)
		out = append(out, b.String())
	}
	return out
}
