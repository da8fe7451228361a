package sanitize

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxDisplayNameLength caps names shown on ringing screens
const MaxDisplayNameLength = 64

// StripControlCharacters removes control characters from string
func StripControlCharacters(input string) string {
	var result strings.Builder
	result.Grow(len(input))
	for _, r := range input {
		if !unicode.IsControl(r) {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// DisplayName cleans a peer-supplied name before it is shown.
// Control characters are removed, whitespace runs collapse to one space,
// invalid UTF-8 is dropped and the result is capped at MaxDisplayNameLength runes.
func DisplayName(name string) string {
	name = strings.ToValidUTF8(name, "")
	name = StripControlCharacters(name)
	name = strings.Join(strings.Fields(name), " ")

	if utf8.RuneCountInString(name) <= MaxDisplayNameLength {
		return name
	}
	runes := []rune(name)
	return strings.TrimSpace(string(runes[:MaxDisplayNameLength]))
}
