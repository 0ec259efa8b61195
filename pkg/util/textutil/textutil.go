// Package textutil 提供面向聊天前端的文本处理工具
// 所有截断/拆分都以字符（rune）为单位，保证不会切开多字节编码
package textutil

import (
	"strings"
	"unicode/utf8"
)

// TruncateRunes 将 s 截断到至多 max 个字符
// 返回截断后的前缀以及是否发生了截断
func TruncateRunes(s string, max int) (string, bool) {
	if max < 0 {
		max = 0
	}
	count := 0
	for i := range s {
		if count == max {
			return s[:i], true
		}
		count++
	}
	return s, false
}

// TruncateWithSuffix 截断到 max 个字符，发生截断时追加 suffix
func TruncateWithSuffix(s string, max int, suffix string) string {
	head, truncated := TruncateRunes(s, max)
	if !truncated {
		return s
	}
	return head + suffix
}

// SplitMessage 将长文本按 max 个字符拆分为多段
// 优先在预算后半段的最后一个换行处断开，否则硬切
func SplitMessage(text string, max int) []string {
	if max <= 0 || utf8.RuneCountInString(text) <= max {
		return []string{text}
	}

	var chunks []string
	remaining := text
	for remaining != "" {
		head, truncated := TruncateRunes(remaining, max)
		if !truncated {
			chunks = append(chunks, remaining)
			break
		}

		// 在预算内找最后一个换行；太靠前的换行不用（避免碎片化）
		splitAt := len(head)
		if idx := strings.LastIndexByte(head, '\n'); idx > 0 {
			if utf8.RuneCountInString(head[:idx]) >= max/2 {
				splitAt = idx
			}
		}

		chunks = append(chunks, remaining[:splitAt])
		remaining = strings.TrimLeft(remaining[splitAt:], " \t\r\n")
	}
	return chunks
}
