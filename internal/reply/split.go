package reply

import "strings"

// SplitText breaks text into pieces no longer than limit runes, cutting on
// sentence boundaries and re-aggregating. Text within the limit comes back
// as a single piece equal to the input.
func SplitText(text string, limit int) []string {
	if limit <= 0 || len([]rune(text)) <= limit {
		return []string{text}
	}

	sentences := splitSentences(text)
	var pieces []string
	var current strings.Builder

	flush := func() {
		if current.Len() > 0 {
			pieces = append(pieces, strings.TrimSpace(current.String()))
			current.Reset()
		}
	}

	for _, sentence := range sentences {
		if len([]rune(sentence)) > limit {
			flush()
			pieces = append(pieces, hardSplit(sentence, limit)...)
			continue
		}
		candidate := current.Len() + len(sentence)
		if current.Len() > 0 {
			candidate++ // joining space
		}
		if candidate > limit {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString(" ")
		}
		current.WriteString(sentence)
	}
	flush()

	if len(pieces) == 0 {
		return []string{text}
	}
	return pieces
}

// splitSentences cuts on [.!?] runs followed by whitespace, keeping the
// punctuation with the preceding sentence.
func splitSentences(text string) []string {
	var sentences []string
	runes := []rune(text)
	start := 0
	for i := 0; i < len(runes); i++ {
		if !isSentenceEnd(runes[i]) {
			continue
		}
		// absorb consecutive terminators ("?!", "...")
		j := i
		for j+1 < len(runes) && isSentenceEnd(runes[j+1]) {
			j++
		}
		if j+1 < len(runes) && !isSpace(runes[j+1]) {
			i = j
			continue
		}
		sentence := strings.TrimSpace(string(runes[start : j+1]))
		if sentence != "" {
			sentences = append(sentences, sentence)
		}
		i = j
		start = j + 1
	}
	if start < len(runes) {
		tail := strings.TrimSpace(string(runes[start:]))
		if tail != "" {
			sentences = append(sentences, tail)
		}
	}
	return sentences
}

// hardSplit slices an over-long sentence at word boundaries, falling back
// to a raw cut for unbroken runs.
func hardSplit(sentence string, limit int) []string {
	var pieces []string
	words := strings.Fields(sentence)
	var current strings.Builder
	for _, word := range words {
		if len([]rune(word)) > limit {
			if current.Len() > 0 {
				pieces = append(pieces, current.String())
				current.Reset()
			}
			runes := []rune(word)
			for len(runes) > limit {
				pieces = append(pieces, string(runes[:limit]))
				runes = runes[limit:]
			}
			current.WriteString(string(runes))
			continue
		}
		candidate := current.Len() + len(word)
		if current.Len() > 0 {
			candidate++
		}
		if candidate > limit {
			pieces = append(pieces, current.String())
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteString(" ")
		}
		current.WriteString(word)
	}
	if current.Len() > 0 {
		pieces = append(pieces, current.String())
	}
	return pieces
}

func isSentenceEnd(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}
