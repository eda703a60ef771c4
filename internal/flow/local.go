package flow

import (
	"context"

	"collect-service/internal/models"
	"collect-service/internal/service"
)

// LocalAPI drives a flow against in-process services, scoped to one caller.
// Embedded clients (the app's own webviews) use this; remote clients hit the
// same operations over HTTP.
type LocalAPI struct {
	preparer    *service.Preparer
	reconciler  *service.Reconciler
	fulfillment *service.Fulfillment
	userID      int64
	ip          string
}

// NewLocalAPI creates a caller-scoped API over the service layer.
func NewLocalAPI(preparer *service.Preparer, reconciler *service.Reconciler, fulfillment *service.Fulfillment, userID int64, ip string) *LocalAPI {
	return &LocalAPI{
		preparer:    preparer,
		reconciler:  reconciler,
		fulfillment: fulfillment,
		userID:      userID,
		ip:          ip,
	}
}

func (a *LocalAPI) Prepare(ctx context.Context, kind models.ReservationKind, postID int64, walletAddress string) (*service.PrepareResult, error) {
	if kind == models.KindPurchase {
		return a.preparer.PreparePurchase(ctx, a.userID, postID, walletAddress, a.ip)
	}
	return a.preparer.PrepareCollect(ctx, a.userID, postID, walletAddress, a.ip)
}

func (a *LocalAPI) Status(ctx context.Context, kind models.ReservationKind, reservationID string) (*service.StatusResult, error) {
	return a.reconciler.Poll(ctx, kind, reservationID)
}

func (a *LocalAPI) ActiveReservation(ctx context.Context, kind models.ReservationKind, postID int64) (*service.StatusResult, error) {
	return a.reconciler.ActiveStatus(ctx, kind, a.userID, postID)
}

func (a *LocalAPI) SubmitSignature(ctx context.Context, reservationID, signature string) (*service.PrepareResult, error) {
	return a.preparer.SubmitSignature(ctx, reservationID, signature)
}

func (a *LocalAPI) Fulfill(ctx context.Context, reservationID string) (*service.FulfillResult, error) {
	return a.fulfillment.Fulfill(ctx, reservationID)
}

func (a *LocalAPI) Cancel(ctx context.Context, kind models.ReservationKind, reservationID string) error {
	return a.preparer.Cancel(ctx, kind, reservationID)
}

var _ API = (*LocalAPI)(nil)
