package utils

import "strings"

var splitSeparators = []string{"\n\n", "\n", " "}

// SplitText breaks text into pieces of at most chunkSize runes, preferring
// paragraph, then line, then word boundaries. Consecutive pieces share up to
// overlap runes of trailing context. Blank input yields no pieces.
func SplitText(text string, chunkSize, overlap int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if chunkSize <= 0 {
		return []string{text}
	}
	if overlap < 0 || overlap >= chunkSize {
		overlap = 0
	}
	return splitRecursive(text, chunkSize, overlap, splitSeparators)
}

func splitRecursive(text string, chunkSize, overlap int, separators []string) []string {
	if runeLen(text) <= chunkSize {
		return []string{text}
	}
	if len(separators) == 0 {
		return hardSplit(text, chunkSize, overlap)
	}

	sep := separators[0]
	if !strings.Contains(text, sep) {
		return splitRecursive(text, chunkSize, overlap, separators[1:])
	}

	var pieces []string
	for _, part := range strings.Split(text, sep) {
		if strings.TrimSpace(part) == "" {
			continue
		}
		if runeLen(part) > chunkSize {
			pieces = append(pieces, splitRecursive(part, chunkSize, overlap, separators[1:])...)
		} else {
			pieces = append(pieces, part)
		}
	}
	return merge(pieces, sep, chunkSize, overlap)
}

// merge packs pieces into chunks, carrying trailing pieces forward as overlap.
func merge(pieces []string, sep string, chunkSize, overlap int) []string {
	var chunks []string
	var current []string
	size := 0
	sepLen := runeLen(sep)

	for _, p := range pieces {
		pLen := runeLen(p)
		extra := pLen
		if len(current) > 0 {
			extra += sepLen
		}
		if size+extra > chunkSize && len(current) > 0 {
			chunks = append(chunks, strings.TrimSpace(strings.Join(current, sep)))
			for size > overlap || (size+pLen+sepLen > chunkSize && size > 0) {
				size -= runeLen(current[0])
				if len(current) > 1 {
					size -= sepLen
				}
				current = current[1:]
			}
			if len(current) == 0 {
				size = 0
			}
		}
		if len(current) > 0 {
			size += sepLen
		}
		current = append(current, p)
		size += pLen
	}
	if len(current) > 0 {
		chunks = append(chunks, strings.TrimSpace(strings.Join(current, sep)))
	}
	return chunks
}

func hardSplit(text string, chunkSize, overlap int) []string {
	runes := []rune(text)
	step := chunkSize - overlap
	var chunks []string
	for start := 0; start < len(runes); start += step {
		end := start + chunkSize
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
		if end == len(runes) {
			break
		}
	}
	return chunks
}

func runeLen(s string) int {
	return len([]rune(s))
}
