package ingest

// SplitText cuts text into fixed-size windows with the given overlap between
// consecutive chunks. Text no longer than size yields a single chunk. Every
// character of the input appears in at least one chunk.
func SplitText(text string, size, overlap int) []string {
	if text == "" {
		return nil
	}
	if size <= 0 {
		size = 1000
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}
	if len(text) <= size {
		return []string{text}
	}
	step := size - overlap
	var chunks []string
	for start := 0; start < len(text); start += step {
		end := start + size
		if end > len(text) {
			end = len(text)
		}
		chunks = append(chunks, text[start:end])
		if end == len(text) {
			break
		}
	}
	return chunks
}
