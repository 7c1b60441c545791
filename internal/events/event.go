// Package events publishes credit movements after they commit. Delivery is
// best effort: the credit_transactions table stays the source of truth, so a
// failed publish is logged and counted but never rolls back money movement.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

const (
	TypeHoldCreated     = "hold.created"
	TypeHoldCaptured    = "hold.captured"
	TypeHoldReleased    = "hold.released"
	TypeHoldExpired     = "hold.expired"
	TypeAccountToppedUp = "account.topped_up"
)

type Event struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	OrgID       string         `json:"orgId"`
	ApprovalID  string         `json:"approvalId,omitempty"`
	AmountCents int64          `json:"amountCents"`
	OccurredAt  time.Time      `json:"occurredAt"`
	Data        map[string]any `json:"data,omitempty"`
}

func New(eventType, orgID string, occurredAt time.Time) Event {
	return Event{
		ID:         ulid.Make().String(),
		Type:       eventType,
		OrgID:      orgID,
		OccurredAt: occurredAt.UTC(),
	}
}

func (e Event) Payload() ([]byte, error) {
	return json.Marshal(e)
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// NoopPublisher drops every event.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, Event) error { return nil }
