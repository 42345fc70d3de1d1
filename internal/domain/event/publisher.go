package event

import "context"

// Publisher delivers status events to downstream consumers. Delivery is
// best-effort: callers log failures and keep going.
type Publisher interface {
	Publish(ctx context.Context, e TxStatusEvent) error
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, TxStatusEvent) error { return nil }

// Nop returns a Publisher that drops every event.
func Nop() Publisher { return nopPublisher{} }
