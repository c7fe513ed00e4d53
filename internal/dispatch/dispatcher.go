// Package dispatch turns an operator's catalog selection into a speak task.
package dispatch

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/lexiqai/avatar-console/internal/catalog"
	"github.com/lexiqai/avatar-console/internal/observability"
	"github.com/lexiqai/avatar-console/internal/session"
)

// ErrUnknownEntry is returned for a catalog index that does not exist
var ErrUnknownEntry = errors.New("unknown catalog entry")

// Speaker accepts speak tasks
type Speaker interface {
	SubmitSpeak(task session.SpeakTask) error
}

// Dispatcher forwards selections to a Speaker
type Dispatcher struct {
	speaker Speaker
	logger  zerolog.Logger
}

// New creates a dispatcher for speaker
func New(speaker Speaker) *Dispatcher {
	return &Dispatcher{
		speaker: speaker,
		logger:  observability.Component("dispatch"),
	}
}

// Dispatch trims raw and submits it as a verbatim, fire-and-forget task.
// Blank text is dropped without reaching the speaker. Errors from the speaker
// are returned unchanged.
func (d *Dispatcher) Dispatch(raw string) error {
	task, err := session.NewSpeakTask(raw)
	if errors.Is(err, session.ErrEmptyText) {
		observability.RecordDispatchSkipped()
		d.logger.Debug().Msg("Skipping blank selection")
		return nil
	}
	if err != nil {
		return err
	}

	return d.speaker.SubmitSpeak(task)
}

// DispatchEntry dispatches the catalog entry at index
func (d *Dispatcher) DispatchEntry(cat *catalog.Catalog, index int) error {
	entry, ok := cat.At(index)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownEntry, index)
	}

	d.logger.Info().
		Str("label", entry.Label).
		Msg("Dispatching catalog entry")
	return d.Dispatch(entry.Text)
}
