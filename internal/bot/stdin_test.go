package bot

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseStdinLine(t *testing.T) {
	contact, message, ok := parseStdinLine("u1|Alice|hello world")
	assert.True(t, ok)
	assert.Equal(t, "u1", contact.Wxid)
	assert.Equal(t, "Alice", contact.Nickname)
	assert.Equal(t, "hello world", message)
}

// 只有一个 | 时昵称取 wxid
func TestParseStdinLineTwoParts(t *testing.T) {
	contact, message, ok := parseStdinLine("u1|hello")
	assert.True(t, ok)
	assert.Equal(t, "u1", contact.Wxid)
	assert.Equal(t, "u1", contact.Nickname)
	assert.Equal(t, "hello", message)
}

// 消息体里的 | 不再拆分
func TestParseStdinLineMessageWithPipe(t *testing.T) {
	_, message, ok := parseStdinLine("u1|Alice|a|b|c")
	assert.True(t, ok)
	assert.Equal(t, "a|b|c", message)
}

func TestParseStdinLineInvalid(t *testing.T) {
	_, _, ok := parseStdinLine("no-pipes-here")
	assert.False(t, ok)
}
