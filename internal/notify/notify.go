// Package notify delivers events to a user's live clients.
package notify

//go:generate mockgen -destination=mock_notifier.go -package=notify smartplan/internal/notify Notifier

import (
	"context"
	"errors"

	"smartplan/internal/models"
)

// Notifier pushes an event to one user. Callers treat delivery as fire-and-forget:
// an error is logged, never propagated into the operation that raised the event.
type Notifier interface {
	Notify(ctx context.Context, userID string, event models.Event) error
}

// Multi fans an event out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, userID string, event models.Event) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, userID, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards events.
type Nop struct{}

func (Nop) Notify(context.Context, string, models.Event) error { return nil }
