// Package interrupt provides the operator's "stop speaking now" action.
package interrupt

import (
	"github.com/rs/zerolog"

	"github.com/lexiqai/avatar-console/internal/observability"
)

// Interrupter stops the avatar's current utterance
type Interrupter interface {
	Interrupt()
}

// Controller forwards interrupt requests regardless of what is playing.
// Whether there is anything to stop is decided by the Interrupter.
type Controller struct {
	target Interrupter
	logger zerolog.Logger
}

func New(target Interrupter) *Controller {
	return &Controller{
		target: target,
		logger: observability.Component("interrupt"),
	}
}

// RequestInterrupt asks the target to stop speaking. It is always safe to call.
func (c *Controller) RequestInterrupt() {
	observability.RecordInterruptRequest()
	c.logger.Info().Msg("Interrupt requested")
	c.target.Interrupt()
}
