package session

import (
	"strings"

	"github.com/lexiqai/avatar-console/internal/avatar"
)

// TaskKind says how the avatar should treat the text
type TaskKind string

// TaskMode says whether the caller waits for the utterance
type TaskMode string

const (
	// KindVerbatimRepeat speaks the literal text instead of treating it as a query
	KindVerbatimRepeat TaskKind = "verbatim-repeat"

	// ModeFireAndForget returns as soon as the task is handed over
	ModeFireAndForget TaskMode = "fire-and-forget"
)

// SpeakTask is a request to have the avatar utter Text
type SpeakTask struct {
	Text string
	Kind TaskKind
	Mode TaskMode
}

// NewSpeakTask trims text and builds a verbatim, fire-and-forget task.
// Blank text yields ErrEmptyText.
func NewSpeakTask(text string) (SpeakTask, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return SpeakTask{}, ErrEmptyText
	}
	return SpeakTask{
		Text: text,
		Kind: KindVerbatimRepeat,
		Mode: ModeFireAndForget,
	}, nil
}

func (t SpeakTask) request() avatar.SpeakRequest {
	req := avatar.SpeakRequest{
		Text:     t.Text,
		TaskType: avatar.TaskTypeRepeat,
		TaskMode: avatar.TaskModeAsync,
	}
	if t.Mode != "" && t.Mode != ModeFireAndForget {
		req.TaskMode = avatar.TaskModeSync
	}
	return req
}
