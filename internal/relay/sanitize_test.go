package relay

import (
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "Hello there.", "Hello there."},
		{"heading", "## Your chart\nMars is strong.", "Your chart Mars is strong."},
		{"bold", "This is **very** important", "This is very important"},
		{"italic", "a *quiet* week", "a quiet week"},
		{"underscore emphasis", "feel _grounded_ today", "feel grounded today"},
		{"double underscore", "__big__ news", "big news"},
		{"snake case kept", "call snake_case_name now", "call snake_case_name now"},
		{"arithmetic kept", "2 * 3 * 4", "2 * 3 * 4"},
		{"unspaced arithmetic kept", "2*3*4 = 24", "2*3*4 = 24"},
		{"italic inside bold", "**bold *it* x**", "bold it x"},
		{"bold italic", "a ***loud*** day", "a loud day"},
		{"adjacent italics", "*one* *two*", "one two"},
		{"strike", "~~old~~ new", "old new"},
		{"link", "see [the docs](https://example.com) first", "see the docs first"},
		{"image", "![a moon](m.png) rising", "a moon rising"},
		{"inline code", "run `make` now", "run make now"},
		{"fence", "```go\nfmt.Println(1)\n```\ndone", "fmt.Println(1) done"},
		{"whitespace", "  lots \n\n of\t space  ", "lots of space"},
		{"nested", "**_both_**", "both"},
		{"empty", "", ""},
		{"parens kept", "Venus (in Libra) helps", "Venus (in Libra) helps"},
		{"brackets kept", "[note] check", "[note] check"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Sanitize(tt.in), "Sanitize(%q)", tt.in)
		})
	}
}

var sanitizeAlphabet = []string{
	"#", "## ", "\n", " ", "  ", "\t", "*", "**", "_", "__", "~~", "`", "```", "[", "]", "(", ")",
	"!", "a", "b", "word", "x_y", "1", ".", ",", "http://x",
}

func randomMarkdown(r *rand.Rand) string {
	var b strings.Builder
	n := r.Intn(40)
	for i := 0; i < n; i++ {
		b.WriteString(sanitizeAlphabet[r.Intn(len(sanitizeAlphabet))])
	}
	return b.String()
}

func TestSanitizeIdempotent(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for i := 0; i < 2000; i++ {
		in := randomMarkdown(r)
		once := Sanitize(in)
		assert.Equal(t, once, Sanitize(once), "not idempotent for %q", in)
		assert.NotContains(t, once, "  ", "whitespace not collapsed for %q", in)
		assert.Equal(t, strings.TrimSpace(once), once)
	}
}

func TestSanitizeLeavesPlainTextAlone(t *testing.T) {
	r := rand.New(rand.NewSource(11))
	letters := "abcdefghijklmnopqrstuvwxyz0123456789.,;:!?'\"-"
	for i := 0; i < 500; i++ {
		words := make([]string, 1+r.Intn(10))
		for j := range words {
			w := make([]byte, 1+r.Intn(8))
			for k := range w {
				w[k] = letters[r.Intn(len(letters))]
			}
			words[j] = string(w)
		}
		in := strings.Join(words, " ")
		assert.Equal(t, in, Sanitize(in))
	}
}

func TestSnapshots(t *testing.T) {
	assert.Empty(t, Snapshots(""))
	assert.Equal(t, []string{"Hi", "Hi there", "Hi there friend."}, Snapshots("Hi there friend."))
}
