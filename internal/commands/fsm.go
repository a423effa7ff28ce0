package commands

import (
	"fmt"

	"smartplan/internal/models"
)

// Event drives the command state machine.
type Event string

const (
	EventSend   Event = "send"
	EventAck    Event = "ack"
	EventFail   Event = "fail"
	EventExpire Event = "expire"
	EventRetry  Event = "retry"
)

var transitions = map[models.CommandStatus]map[Event]models.CommandStatus{
	models.CommandQueued: {
		EventSend:   models.CommandSent,
		EventFail:   models.CommandFailed,
		EventExpire: models.CommandFailed,
	},
	models.CommandSent: {
		EventAck:  models.CommandAcked,
		EventFail: models.CommandFailed,
	},
	models.CommandFailed: {
		EventRetry: models.CommandQueued,
	},
}

// Transition returns the status reached by applying ev in from.
func Transition(from models.CommandStatus, ev Event) (models.CommandStatus, error) {
	if to, ok := transitions[from][ev]; ok {
		return to, nil
	}
	return from, fmt.Errorf("%w: %s on %s command", models.ErrInvalidTransition, ev, from)
}
