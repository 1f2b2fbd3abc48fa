// Package text provides body-size reduction helpers for issue and comment
// bodies before they are persisted and embedded.
package text

import (
	"regexp"
	"strings"
)

// TruncationMarker is appended to any body cut at the byte ceiling.
const TruncationMarker = "\n\n[Content truncated due to size limit...]"

// codeBlockMarker replaces the middle of an oversized fenced code block.
const codeBlockMarker = "\n// [...truncated...]\n"

var codeBlockRegex = regexp.MustCompile("(?s)```[a-z]*\n.*?\n[ \t]*```")

// TruncateToByteSize cuts text so that the result, marker included, never
// exceeds maxBytes. The cut point is found by binary search over rune
// positions so multi-byte characters are never split. Truncating an
// already-truncated string is a no-op.
func TruncateToByteSize(text string, maxBytes int) string {
	if len(text) <= maxBytes {
		return text
	}

	budget := maxBytes - len(TruncationMarker)
	if budget < 0 {
		budget = 0
	}

	runes := []rune(text)
	left, right := 0, len(runes)
	for left < right {
		mid := (left + right + 1) / 2
		if len(string(runes[:mid])) <= budget {
			left = mid
		} else {
			right = mid - 1
		}
	}

	return string(runes[:left]) + TruncationMarker
}

// TruncateCodeBlocks collapses fenced code blocks longer than
// 2*previewLines to a head/tail preview, keeping the fence line with its
// language tag intact.
func TruncateCodeBlocks(text string, previewLines int) string {
	return codeBlockRegex.ReplaceAllStringFunc(text, func(block string) string {
		lines := strings.Split(block, "\n")
		if len(lines) <= previewLines*2 {
			return block
		}

		first := lines[0] // ```language
		last := lines[len(lines)-1]

		parts := make([]string, 0, previewLines*2+3)
		parts = append(parts, first)
		parts = append(parts, lines[1:previewLines+1]...)
		parts = append(parts, codeBlockMarker)
		parts = append(parts, lines[len(lines)-previewLines-1:len(lines)-1]...)
		parts = append(parts, last)
		return strings.Join(parts, "\n")
	})
}
