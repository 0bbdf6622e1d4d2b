package service

import (
	"fmt"
	"unicode/utf8"
)

const (
	maxDetailsLength = 500
	maxMessageLength = 3000
)

// abbreviate shortens s to at most maxLen runes, ending with "...".
func abbreviate(s string, maxLen int) string {
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	r := []rune(s)
	return string(r[:maxLen-3]) + "..."
}

// abbreviateMiddle shortens s to at most maxLen runes by replacing its middle
// with "...", keeping both ends readable.
func abbreviateMiddle(s string, maxLen int) string {
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	r := []rune(s)
	keep := maxLen - 3
	head := keep/2 + keep%2
	tail := keep / 2
	return string(r[:head]) + "..." + string(r[len(r)-tail:])
}

func taskErrorString(details []byte, err error) string {
	return fmt.Sprintf("Failed to execute task %s, hit error %s.",
		abbreviate(string(details), maxDetailsLength),
		abbreviateMiddle(err.Error(), maxMessageLength))
}
