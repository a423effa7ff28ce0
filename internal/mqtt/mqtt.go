// Package mqtt publishes user events to the broker the mobile app subscribes to.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"smartplan/internal/models"
)

const (
	qos            = 1
	publishTimeout = 2 * time.Second
)

// NewMQTTClient creates an MQTT client
func NewMQTTClient(broker, clientID string) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true)
	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.WaitTimeout(10*time.Second) && token.Error() != nil {
		return nil, token.Error()
	}
	return client, nil
}

// Client is the part of mqtt.Client the publisher uses.
type Client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Publisher delivers events on <prefix>/users/<user id>/events.
type Publisher struct {
	client Client
	prefix string
}

func NewPublisher(client Client, prefix string) *Publisher {
	return &Publisher{client: client, prefix: prefix}
}

// Topic is the event topic of one user.
func (p *Publisher) Topic(userID string) string {
	return fmt.Sprintf("%s/users/%s/events", p.prefix, userID)
}

// Notify publishes event and waits briefly for the broker to accept it.
func (p *Publisher) Notify(ctx context.Context, userID string, event models.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", event.Type, err)
	}

	token := p.client.Publish(p.Topic(userID), qos, false, payload)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("publish %s event: %w", event.Type, err)
		}
		return nil
	case <-time.After(publishTimeout):
		return fmt.Errorf("publish %s event: timed out", event.Type)
	case <-ctx.Done():
		return ctx.Err()
	}
}
