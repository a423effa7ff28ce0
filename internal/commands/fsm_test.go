package commands

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smartplan/internal/models"
)

func TestTransitionTable(t *testing.T) {
	allowed := map[models.CommandStatus]map[Event]models.CommandStatus{
		models.CommandQueued: {EventSend: models.CommandSent, EventFail: models.CommandFailed, EventExpire: models.CommandFailed},
		models.CommandSent:   {EventAck: models.CommandAcked, EventFail: models.CommandFailed},
		models.CommandFailed: {EventRetry: models.CommandQueued},
		models.CommandAcked:  {},
	}
	events := []Event{EventSend, EventAck, EventFail, EventExpire, EventRetry}

	for from, moves := range allowed {
		for _, ev := range events {
			to, err := Transition(from, ev)
			if want, ok := moves[ev]; ok {
				require.NoError(t, err, "%s --%s-->", from, ev)
				assert.Equal(t, want, to)
				continue
			}
			assert.ErrorIs(t, err, models.ErrInvalidTransition, "%s --%s-->", from, ev)
			assert.Equal(t, from, to)
		}
	}
}

func TestAckedOnlyFromSent(t *testing.T) {
	for _, from := range []models.CommandStatus{models.CommandQueued, models.CommandFailed, models.CommandAcked} {
		_, err := Transition(from, EventAck)
		assert.ErrorIs(t, err, models.ErrInvalidTransition)
	}
}
