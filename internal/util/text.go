package util

import "strings"

// TruncateString shortens a string for log output, appending "..." when cut.
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

// SplitChunks splits text into pieces no longer than maxChars, preferring
// paragraph boundaries so synthesized speech does not break mid-sentence.
// A single paragraph longer than maxChars is hard-split.
func SplitChunks(text string, maxChars int) []string {
	if maxChars <= 0 || len(text) <= maxChars {
		if text == "" {
			return nil
		}
		return []string{text}
	}

	paragraphs := strings.Split(text, "\n\n")
	var chunks []string
	var current strings.Builder

	flush := func() {
		if current.Len() > 0 {
			chunks = append(chunks, current.String())
			current.Reset()
		}
	}

	for _, para := range paragraphs {
		if para == "" {
			continue
		}

		// Oversized paragraph: emit what we have, then hard-split it.
		if len(para) > maxChars {
			flush()
			for len(para) > maxChars {
				chunks = append(chunks, para[:maxChars])
				para = para[maxChars:]
			}
			if para != "" {
				current.WriteString(para)
			}
			continue
		}

		needed := len(para)
		if current.Len() > 0 {
			needed += 2 // separator
		}
		if current.Len()+needed > maxChars {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(para)
	}
	flush()

	return chunks
}
