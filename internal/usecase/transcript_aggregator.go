package usecase

import (
	"strings"
)

type liveLine struct {
	speaker string
	text    string
}

// liveTranscript merges live partials into speaker turns: a partial from
// the speaker of the last line replaces that line, any other speaker starts
// a new line.
type liveTranscript struct {
	lines []liveLine
}

func (t *liveTranscript) Merge(speaker, text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	speaker = strings.TrimSpace(speaker)

	if n := len(t.lines); n > 0 && t.lines[n-1].speaker == speaker {
		if t.lines[n-1].text == text {
			return false
		}
		t.lines[n-1].text = text
		return true
	}
	t.lines = append(t.lines, liveLine{speaker: speaker, text: text})
	return true
}

func (t *liveTranscript) Text() string {
	var b strings.Builder
	for i, line := range t.lines {
		if i > 0 {
			b.WriteByte('\n')
		}
		if line.speaker != "" {
			b.WriteString(line.speaker)
			b.WriteString(": ")
		}
		b.WriteString(line.text)
	}
	return b.String()
}
