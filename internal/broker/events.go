package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"collect-service/internal/models"
)

// EventPublisher handles publishing reservation lifecycle events
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

func reservationKey(id string) string {
	return fmt.Sprintf("reservation-%s", id)
}

// PublishReservationCreated publishes ReservationCreated
func (ep *EventPublisher) PublishReservationCreated(ctx context.Context, event *models.ReservationCreatedEvent) error {
	return ep.producer.PublishEvent(ctx, reservationKey(event.ReservationID), event)
}

// PublishReservationSubmitted publishes ReservationSubmitted
func (ep *EventPublisher) PublishReservationSubmitted(ctx context.Context, event *models.ReservationSubmittedEvent) error {
	return ep.producer.PublishEvent(ctx, reservationKey(event.ReservationID), event)
}

// PublishPaymentConfirmed publishes PaymentConfirmed
func (ep *EventPublisher) PublishPaymentConfirmed(ctx context.Context, event *models.PaymentConfirmedEvent) error {
	return ep.producer.PublishEvent(ctx, reservationKey(event.ReservationID), event)
}

// PublishReservationConfirmed publishes ReservationConfirmed
func (ep *EventPublisher) PublishReservationConfirmed(ctx context.Context, event *models.ReservationConfirmedEvent) error {
	return ep.producer.PublishEvent(ctx, reservationKey(event.ReservationID), event)
}

// PublishReservationFailed publishes ReservationFailed
func (ep *EventPublisher) PublishReservationFailed(ctx context.Context, event *models.ReservationFailedEvent) error {
	return ep.producer.PublishEvent(ctx, reservationKey(event.ReservationID), event)
}

// EventHandler routes consumed events to registered handlers.
type EventHandler struct {
	onPaymentConfirmed func(context.Context, *models.PaymentConfirmedEvent) error
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{}
}

// OnPaymentConfirmed registers a handler for PaymentConfirmed events
func (eh *EventHandler) OnPaymentConfirmed(handler func(context.Context, *models.PaymentConfirmedEvent) error) {
	eh.onPaymentConfirmed = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	switch baseEvent.EventType {
	case models.EventTypePaymentConfirmed:
		if eh.onPaymentConfirmed != nil {
			var event models.PaymentConfirmedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal PaymentConfirmed event: %w", err)
			}
			return eh.onPaymentConfirmed(ctx, &event)
		}
	}

	return nil
}
