package telegram

import "strings"

// MessageLimit ограничивает длину сообщения Bot API в рунах.
const MessageLimit = 4096

// SplitMessage режет текст на части не длиннее limit рун, по возможности по переводам строк.
// limit <= 0 означает MessageLimit.
func SplitMessage(text string, limit int) []string {
	if limit <= 0 {
		limit = MessageLimit
	}
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	runes := []rune(trimmed)
	if len(runes) <= limit {
		return []string{trimmed}
	}

	var parts []string
	appendChunk := func(chunk []rune) {
		if s := strings.Trim(string(chunk), "\n"); s != "" {
			parts = append(parts, s)
		}
	}
	for start := 0; start < len(runes); {
		end := start + limit
		if end >= len(runes) {
			appendChunk(runes[start:])
			break
		}
		split := end
		for i := end; i > start; i-- {
			if runes[i-1] == '\n' {
				split = i
				break
			}
		}
		appendChunk(runes[start:split])
		for start = split; start < len(runes) && runes[start] == '\n'; start++ {
		}
	}
	if len(parts) == 0 {
		return []string{trimmed}
	}
	return parts
}
