package service

import (
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestAbbreviate(t *testing.T) {
	assert.Equal(t, "short", abbreviate("short", 10))
	assert.Equal(t, "abcdefg...", abbreviate("abcdefghijklmnop", 10))
	assert.Equal(t, "héllo…", abbreviate("héllo…", 6))
	assert.Equal(t, 500, utf8.RuneCountInString(abbreviate(strings.Repeat("ü", 800), 500)))
}

func TestAbbreviateMiddle(t *testing.T) {
	assert.Equal(t, "short", abbreviateMiddle("short", 10))
	assert.Equal(t, "abcd...nop", abbreviateMiddle("abcdefghijklmnop", 10))

	long := "start-" + strings.Repeat("x", 5000) + "-end"
	got := abbreviateMiddle(long, maxMessageLength)
	assert.Equal(t, maxMessageLength, utf8.RuneCountInString(got))
	assert.True(t, strings.HasPrefix(got, "start-"))
	assert.True(t, strings.HasSuffix(got, "-end"))
	assert.Contains(t, got, "...")
}

func TestTaskErrorString(t *testing.T) {
	details := []byte(`{"node":"n1-` + strings.Repeat("a", 600) + `"}`)
	msg := taskErrorString(details, errors.New("disk full"))

	assert.True(t, strings.HasPrefix(msg, `Failed to execute task {"node":"n1-aaa`))
	assert.True(t, strings.HasSuffix(msg, "..., hit error disk full."))
	prefix := "Failed to execute task "
	detailsPart := msg[len(prefix):strings.Index(msg, ", hit error")]
	assert.Equal(t, maxDetailsLength, utf8.RuneCountInString(detailsPart))
}
