package worker

import (
	"context"

	"go.uber.org/zap"

	"collect-service/internal/broker"
	"collect-service/internal/models"
	"collect-service/internal/service"
	"collect-service/internal/util"
)

// FulfillmentWorker consumes PaymentConfirmed events and mints the
// purchased edition. Delivery is at-least-once, so the handler leans on
// the fulfillment service being idempotent rather than on dedup here.
type FulfillmentWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	fulfillment  *service.Fulfillment
	logger       *zap.Logger
}

// NewFulfillmentWorker creates a new fulfillment worker
func NewFulfillmentWorker(consumer *broker.Consumer, fulfillment *service.Fulfillment) *FulfillmentWorker {
	w := &FulfillmentWorker{
		consumer:    consumer,
		fulfillment: fulfillment,
		logger:      util.GetLogger(),
	}

	eventHandler := broker.NewEventHandler()
	eventHandler.OnPaymentConfirmed(w.handlePaymentConfirmed)
	w.eventHandler = eventHandler

	return w
}

// Start starts the worker
func (w *FulfillmentWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting fulfillment worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *FulfillmentWorker) Stop() error {
	w.logger.Info("Stopping fulfillment worker")
	return w.consumer.Close()
}

func (w *FulfillmentWorker) handlePaymentConfirmed(ctx context.Context, event *models.PaymentConfirmedEvent) error {
	result, err := w.fulfillment.Fulfill(ctx, event.ReservationID)
	if err != nil {
		// Domain rejections (another worker holds the lock, the row is
		// blocked on a missing master, or the purchase already moved on)
		// will not succeed on redelivery, so the offset still commits.
		if derr, ok := service.AsDomainError(err); ok {
			w.logger.Warn("Fulfillment not applicable",
				zap.String("reservation_id", event.ReservationID),
				zap.String("code", derr.Code))
			return nil
		}
		w.logger.Error("Fulfillment failed",
			zap.String("reservation_id", event.ReservationID),
			zap.Error(err))
		return err
	}

	w.logger.Info("Fulfillment completed",
		zap.String("reservation_id", event.ReservationID),
		zap.String("status", result.Status))
	return nil
}
