package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smartplan/internal/models"
)

type doneToken struct {
	err  error
	done chan struct{}
}

func newToken(err error, complete bool) *doneToken {
	t := &doneToken{err: err, done: make(chan struct{})}
	if complete {
		close(t.done)
	}
	return t
}

func (t *doneToken) Wait() bool                     { <-t.done; return true }
func (t *doneToken) WaitTimeout(time.Duration) bool { return true }
func (t *doneToken) Done() <-chan struct{}          { return t.done }
func (t *doneToken) Error() error                   { return t.err }

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type fakeClient struct {
	sent  []published
	token mqtt.Token
}

func (f *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	f.sent = append(f.sent, published{topic: topic, qos: qos, retained: retained, payload: payload.([]byte)})
	return f.token
}

func TestNotifyPublishesOnUserTopic(t *testing.T) {
	client := &fakeClient{token: newToken(nil, true)}
	p := NewPublisher(client, "smartplan")

	ev := models.Event{Type: models.EventCommandAcked, UserID: "alice", CommandID: "c1", At: time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)}
	require.NoError(t, p.Notify(context.Background(), "alice", ev))

	require.Len(t, client.sent, 1)
	msg := client.sent[0]
	assert.Equal(t, "smartplan/users/alice/events", msg.topic)
	assert.Equal(t, byte(1), msg.qos)
	assert.False(t, msg.retained)

	var decoded models.Event
	require.NoError(t, json.Unmarshal(msg.payload, &decoded))
	assert.Equal(t, models.EventCommandAcked, decoded.Type)
	assert.Equal(t, "c1", decoded.CommandID)
}

func TestNotifyReportsBrokerErrors(t *testing.T) {
	client := &fakeClient{token: newToken(errors.New("not connected"), true)}
	err := NewPublisher(client, "p").Notify(context.Background(), "alice", models.Event{Type: models.EventDeviceState})
	assert.ErrorContains(t, err, "not connected")
}

func TestNotifyHonoursContext(t *testing.T) {
	client := &fakeClient{token: newToken(nil, false)}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := NewPublisher(client, "p").Notify(ctx, "alice", models.Event{Type: models.EventDeviceState})
	assert.ErrorIs(t, err, context.Canceled)
}
