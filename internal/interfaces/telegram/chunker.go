package telegram

import "strings"

// MessageLimit Telegram 单条消息长度上限
const MessageLimit = 4096

// ChunkMessage splits text into Telegram-sized pieces, preferring
// paragraph, line, sentence, then word boundaries over hard cuts.
func ChunkMessage(content string) []string {
	if len(content) <= MessageLimit {
		return []string{content}
	}

	var chunks []string
	rest := content
	for len(rest) > MessageLimit {
		cut := splitPoint(rest, MessageLimit)
		chunks = append(chunks, rest[:cut])
		rest = strings.TrimLeft(rest[cut:], " \n\t")
	}
	if rest != "" {
		chunks = append(chunks, rest)
	}
	return chunks
}

func splitPoint(s string, max int) int {
	window := s[:max]

	if idx := strings.LastIndex(window, "\n\n"); idx >= max/2 {
		return idx
	}
	if idx := strings.LastIndex(window, "\n"); idx >= max/2 {
		return idx
	}
	if idx := lastSentenceEnd(window); idx >= max/2 {
		return idx
	}
	if idx := strings.LastIndex(window, " "); idx >= max/3 {
		return idx
	}
	return max
}

func lastSentenceEnd(s string) int {
	best := -1
	for _, mark := range []string{". ", "。", "！", "？"} {
		if idx := strings.LastIndex(s, mark); idx >= 0 && idx+len(mark) > best {
			best = idx + len(mark)
		}
	}
	return best
}
