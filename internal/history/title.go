package history

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// MaxTitleRunes bounds derived session titles.
const MaxTitleRunes = 80

// Title derives a one-line session title from the first non-blank line of
// text. The result is NFC-normalized so that titles typed on different
// platforms compare and sort the same way.
func Title(text string) string {
	text = norm.NFC.String(text)
	for _, line := range strings.Split(text, "\n") {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			continue
		}
		if utf8.RuneCountInString(line) <= MaxTitleRunes {
			return line
		}
		runes := []rune(line)
		return strings.TrimSpace(string(runes[:MaxTitleRunes-3])) + "..."
	}
	return ""
}
