package gateway

import (
	"strings"
	"time"
)

// streamMinInterval and streamMaxBufferLen are the flush heuristics for
// text_delta events (Section 4.G): flush on a blank line, or on any
// complete line once the buffer is long enough or old enough.
const (
	streamMinInterval  = 3 * time.Second
	streamMaxBufferLen = 500
)

// shouldFlushStreamBuffer decides whether accumulated streamed text is
// ready to send: a paragraph break always flushes; a single completed line
// flushes once the buffer has grown large or gone stale.
func shouldFlushStreamBuffer(buffer string, elapsedSinceLastFlush time.Duration) bool {
	if strings.TrimSpace(buffer) == "" {
		return false
	}
	if strings.Contains(buffer, "\n\n") {
		return true
	}
	hasCompleteLine := strings.Contains(buffer, "\n")
	return hasCompleteLine && (len([]rune(buffer)) >= streamMaxBufferLen || elapsedSinceLastFlush >= streamMinInterval)
}

// takeCompletedLineChunk removes and returns everything up to and
// including the last newline in buffer, leaving any trailing partial line
// behind for the next delta.
func takeCompletedLineChunk(buffer *string) (string, bool) {
	idx := strings.LastIndexByte(*buffer, '\n')
	if idx < 0 {
		return "", false
	}
	chunk := (*buffer)[:idx+1]
	*buffer = (*buffer)[idx+1:]
	return chunk, true
}

// flushStreamBuffer extracts the text to deliver from buffer — everything,
// if force is set, otherwise only the completed-line prefix — and reports
// it alongside whether there was anything worth sending.
func flushStreamBuffer(buffer *string, force bool) (string, bool) {
	if strings.TrimSpace(*buffer) == "" {
		*buffer = ""
		return "", false
	}

	var text string
	if force {
		text = *buffer
		*buffer = ""
	} else {
		chunk, ok := takeCompletedLineChunk(buffer)
		if !ok {
			return "", false
		}
		text = chunk
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return "", false
	}
	return text, true
}
