package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"collect-service/internal/chain"
	"collect-service/internal/models"
	"collect-service/internal/util"
)

// Reconciler drives reservations to a terminal state. Two independent
// writers converge here: the indexer webhook and the client-driven poll.
// Every write is a compare-and-transition, so applying either path first,
// or both concurrently, yields the same final row.
type Reconciler struct {
	store     Store
	chain     chain.Client
	publisher Publisher
	logger    *zap.Logger
}

// NewReconciler creates a new reconciler
func NewReconciler(store Store, chainClient chain.Client, publisher Publisher) *Reconciler {
	return &Reconciler{
		store:     store,
		chain:     chainClient,
		publisher: publisher,
		logger:    util.GetLogger(),
	}
}

// WebhookEvent is one event from the chain indexer.
type WebhookEvent struct {
	EventID          string `json:"id,omitempty"`
	Signature        string `json:"signature"`
	TransactionError string `json:"transactionError,omitempty"`
	Timestamp        int64  `json:"timestamp,omitempty"`
	AssetRef         string `json:"assetRef,omitempty"`
}

// dedupID derives a stable id for events the indexer delivers without one.
func (e WebhookEvent) dedupID() string {
	if e.EventID != "" {
		return e.EventID
	}
	return fmt.Sprintf("%s:%d", e.Signature, e.Timestamp)
}

// HandleWebhookEvents applies a batch of indexer events and returns how many
// were processed. Individual failures are logged and skipped; delivery is
// fire-and-forget from the indexer's perspective.
func (r *Reconciler) HandleWebhookEvents(ctx context.Context, events []WebhookEvent) int {
	ctx, span := util.StartSpan(ctx, "Reconciler.HandleWebhookEvents")
	defer span.End()

	processed := 0
	for _, event := range events {
		if event.Signature == "" {
			util.WebhookEventsTotal.WithLabelValues("malformed").Inc()
			continue
		}
		if err := r.handleWebhookEvent(ctx, event); err != nil {
			r.logger.Error("Failed to apply webhook event",
				zap.String("signature", event.Signature),
				zap.Error(err))
			util.WebhookEventsTotal.WithLabelValues("error").Inc()
			continue
		}
		util.WebhookEventsTotal.WithLabelValues("ok").Inc()
		processed++
	}
	return processed
}

func (r *Reconciler) handleWebhookEvent(ctx context.Context, event WebhookEvent) error {
	done, err := r.store.IsWebhookEventProcessed(ctx, event.dedupID())
	if err != nil {
		return fmt.Errorf("dedup check: %w", err)
	}
	if done {
		return nil
	}

	status := &chain.TxStatus{Outcome: chain.OutcomeConfirmed, NFTMint: event.AssetRef}
	if event.TransactionError != "" {
		status.Outcome = chain.OutcomeFailed
		status.TxError = event.TransactionError
	}

	// Signature spaces are mutually exclusive between the two tables:
	// purchases first, then collections.
	purchase, err := r.store.GetPurchaseBySignature(ctx, event.Signature)
	if err != nil {
		return fmt.Errorf("purchase lookup: %w", err)
	}
	if purchase != nil {
		if status.Outcome == chain.OutcomeConfirmed && status.NFTMint == "" && !purchase.NFTMint.Valid {
			r.extractAssetRef(ctx, event.Signature, status)
		}
		post, err := r.store.GetPostByID(ctx, purchase.PostID)
		if err != nil {
			return fmt.Errorf("post lookup: %w", err)
		}
		if err := r.applyPurchaseOutcome(ctx, post, purchase, status); err != nil {
			return err
		}
		return r.store.MarkWebhookEventProcessed(ctx, event.dedupID(), event.Signature)
	}

	col, err := r.store.GetCollectionBySignature(ctx, event.Signature)
	if err != nil {
		return fmt.Errorf("collection lookup: %w", err)
	}
	if col == nil {
		// Not ours; the indexer fans out events for the whole program.
		return r.store.MarkWebhookEventProcessed(ctx, event.dedupID(), event.Signature)
	}
	if status.Outcome == chain.OutcomeConfirmed && status.NFTMint == "" && !col.NFTMint.Valid {
		r.extractAssetRef(ctx, event.Signature, status)
	}
	post, err := r.store.GetPostByID(ctx, col.PostID)
	if err != nil {
		return fmt.Errorf("post lookup: %w", err)
	}
	if err := r.applyCollectionOutcome(ctx, post, col, status); err != nil {
		return err
	}
	return r.store.MarkWebhookEventProcessed(ctx, event.dedupID(), event.Signature)
}

// extractAssetRef fills in a missing minted-asset reference by reading the
// confirmed transaction back from the chain. Best effort: a miss leaves the
// purchase on the awaiting_fulfillment path instead of blocking the event.
func (r *Reconciler) extractAssetRef(ctx context.Context, signature string, status *chain.TxStatus) {
	chainStatus, err := r.chain.GetTransactionStatus(ctx, signature)
	if err != nil {
		r.logger.Warn("Asset extraction failed",
			zap.String("signature", signature),
			zap.Error(err))
		return
	}
	if chainStatus.NFTMint != "" {
		status.NFTMint = chainStatus.NFTMint
	}
}

// StatusResult is the poll call's view of a reservation.
type StatusResult struct {
	ReservationID    string                 `json:"reservation_id"`
	Kind             models.ReservationKind `json:"kind"`
	Status           string                 `json:"status"`
	TxSignature      string                 `json:"tx_signature,omitempty"`
	NFTMint          string                 `json:"nft_mint,omitempty"`
	PaymentConfirmed bool                   `json:"payment_confirmed,omitempty"`
}

// Poll returns the reservation's current status. While the row is
// non-terminal and carries a signature, the chain is also queried directly,
// covering webhook delivery delays or outages.
func (r *Reconciler) Poll(ctx context.Context, kind models.ReservationKind, reservationID string) (*StatusResult, error) {
	ctx, span := util.StartSpan(ctx, "Reconciler.Poll")
	defer span.End()

	switch kind {
	case models.KindCollection:
		col, err := r.store.GetCollectionByID(ctx, reservationID)
		if err != nil {
			return nil, fmt.Errorf("failed to load collection: %w", err)
		}
		if col == nil {
			return nil, domainErr(CodeNotFound, "reservation not found")
		}
		if !models.CollectionStatusTerminal(col.Status) && col.TxSignature.Valid {
			post, err := r.store.GetPostByID(ctx, col.PostID)
			if err != nil {
				return nil, fmt.Errorf("failed to load post: %w", err)
			}
			if refreshed, _, err := r.RecheckCollection(ctx, post, col); err == nil {
				col = refreshed
			} else {
				r.logger.Warn("Poll chain recheck failed", zap.Error(err))
			}
		}
		return &StatusResult{
			ReservationID: col.ID,
			Kind:          models.KindCollection,
			Status:        col.Status,
			TxSignature:   col.TxSignature.String,
			NFTMint:       col.NFTMint.String,
		}, nil

	case models.KindPurchase:
		purchase, err := r.store.GetPurchaseByID(ctx, reservationID)
		if err != nil {
			return nil, fmt.Errorf("failed to load purchase: %w", err)
		}
		if purchase == nil {
			return nil, domainErr(CodeNotFound, "reservation not found")
		}
		if !models.PurchaseStatusTerminal(purchase.Status) && purchase.TxSignature.Valid &&
			!models.PurchasePaymentConfirmed(purchase.Status) {
			post, err := r.store.GetPostByID(ctx, purchase.PostID)
			if err != nil {
				return nil, fmt.Errorf("failed to load post: %w", err)
			}
			if refreshed, _, err := r.RecheckPurchase(ctx, post, purchase); err == nil {
				purchase = refreshed
			} else {
				r.logger.Warn("Poll chain recheck failed", zap.Error(err))
			}
		}
		return &StatusResult{
			ReservationID:    purchase.ID,
			Kind:             models.KindPurchase,
			Status:           purchase.Status,
			TxSignature:      purchase.TxSignature.String,
			NFTMint:          purchase.NFTMint.String,
			PaymentConfirmed: models.PurchasePaymentConfirmed(purchase.Status),
		}, nil

	default:
		return nil, domainErr(CodeInvalidState, "unknown reservation kind")
	}
}

// ActiveStatus resolves the caller's live reservation for a post, if any.
// Returns (nil, nil) when no non-failed reservation exists. Used by clients
// on mount to re-enter a flow that survived a reload.
func (r *Reconciler) ActiveStatus(ctx context.Context, kind models.ReservationKind, userID, postID int64) (*StatusResult, error) {
	switch kind {
	case models.KindCollection:
		col, err := r.store.GetActiveCollection(ctx, userID, postID)
		if err != nil {
			return nil, fmt.Errorf("failed to load collection: %w", err)
		}
		if col == nil {
			return nil, nil
		}
		return r.Poll(ctx, kind, col.ID)
	case models.KindPurchase:
		purchase, err := r.store.GetActivePurchase(ctx, userID, postID)
		if err != nil {
			return nil, fmt.Errorf("failed to load purchase: %w", err)
		}
		if purchase == nil {
			return nil, nil
		}
		return r.Poll(ctx, kind, purchase.ID)
	default:
		return nil, domainErr(CodeInvalidState, "unknown reservation kind")
	}
}

// RecheckCollection queries the chain for the row's signature, applies the
// outcome, and returns the refreshed row plus what the chain reported.
func (r *Reconciler) RecheckCollection(ctx context.Context, post *models.Post, col *models.Collection) (*models.Collection, chain.TxOutcome, error) {
	status, err := r.chain.GetTransactionStatus(ctx, col.TxSignature.String)
	if err != nil {
		return col, chain.OutcomeUnknown, fmt.Errorf("chain status query: %w", err)
	}
	if err := r.applyCollectionOutcome(ctx, post, col, status); err != nil {
		return col, status.Outcome, err
	}
	refreshed, err := r.store.GetCollectionByID(ctx, col.ID)
	if err != nil || refreshed == nil {
		return col, status.Outcome, fmt.Errorf("failed to reload collection: %w", err)
	}
	return refreshed, status.Outcome, nil
}

// RecheckPurchase is the purchase counterpart of RecheckCollection.
func (r *Reconciler) RecheckPurchase(ctx context.Context, post *models.Post, purchase *models.Purchase) (*models.Purchase, chain.TxOutcome, error) {
	status, err := r.chain.GetTransactionStatus(ctx, purchase.TxSignature.String)
	if err != nil {
		return purchase, chain.OutcomeUnknown, fmt.Errorf("chain status query: %w", err)
	}
	if err := r.applyPurchaseOutcome(ctx, post, purchase, status); err != nil {
		return purchase, status.Outcome, err
	}
	refreshed, err := r.store.GetPurchaseByID(ctx, purchase.ID)
	if err != nil || refreshed == nil {
		return purchase, status.Outcome, fmt.Errorf("failed to reload purchase: %w", err)
	}
	return refreshed, status.Outcome, nil
}

// applyCollectionOutcome moves a collection according to an observed chain
// outcome. Idempotent and commutative with concurrent writers.
func (r *Reconciler) applyCollectionOutcome(ctx context.Context, post *models.Post, col *models.Collection, status *chain.TxStatus) error {
	if models.CollectionStatusTerminal(col.Status) {
		return nil
	}

	switch status.Outcome {
	case chain.OutcomeFailed:
		transitioned, err := r.store.FailCollection(ctx, col.ID)
		if err != nil {
			return fmt.Errorf("fail collection: %w", err)
		}
		if transitioned {
			util.ReservationsFailedTotal.WithLabelValues(string(models.KindCollection), "chain_rejected").Inc()
			r.publishFailed(ctx, col.ID, models.KindCollection, status.TxError)
		}
		return nil

	case chain.OutcomeConfirmed:
		mint := status.NFTMint
		if mint == "" {
			mint = col.NFTMint.String
		}
		if mint == "" {
			// No asset reference from any source yet; leave the row pending
			// for a later event that carries one.
			r.logger.Warn("Confirmed collect with no extractable mint",
				zap.String("reservation_id", col.ID))
			return nil
		}
		maxSupply := 0
		if post != nil {
			maxSupply = post.MaxSupply
		}
		transitioned, err := r.store.ConfirmCollection(ctx, col.ID, col.PostID, mint, maxSupply)
		if err != nil {
			return fmt.Errorf("confirm collection: %w", err)
		}
		if transitioned {
			util.ReservationsConfirmedTotal.WithLabelValues(string(models.KindCollection), "reconciler").Inc()
			r.publishConfirmed(ctx, col.ID, models.KindCollection, col.UserID, col.PostID, mint)
		}
		return nil

	default:
		// Pending or unknown: no new fact, no transition.
		return nil
	}
}

// applyPurchaseOutcome moves a purchase according to an observed chain
// outcome. Confirmed payment without a delivered asset routes to
// awaiting_fulfillment, never straight to confirmed.
func (r *Reconciler) applyPurchaseOutcome(ctx context.Context, post *models.Post, purchase *models.Purchase, status *chain.TxStatus) error {
	if models.PurchaseStatusTerminal(purchase.Status) {
		return nil
	}

	switch status.Outcome {
	case chain.OutcomeFailed:
		// FailPurchase only fires on pre-payment statuses; a paid purchase
		// is never regressed by a late failure event.
		transitioned, err := r.store.FailPurchase(ctx, purchase.ID)
		if err != nil {
			return fmt.Errorf("fail purchase: %w", err)
		}
		if transitioned {
			util.ReservationsFailedTotal.WithLabelValues(string(models.KindPurchase), "chain_rejected").Inc()
			r.publishFailed(ctx, purchase.ID, models.KindPurchase, status.TxError)
		}
		return nil

	case chain.OutcomeConfirmed:
		mint := status.NFTMint
		if mint == "" {
			mint = purchase.NFTMint.String
		}
		if mint != "" {
			maxSupply := 0
			if post != nil {
				maxSupply = post.MaxSupply
			}
			transitioned, err := r.store.ConfirmPurchase(ctx, purchase.ID, purchase.PostID, mint, maxSupply)
			if err != nil {
				return fmt.Errorf("confirm purchase: %w", err)
			}
			if transitioned {
				util.ReservationsConfirmedTotal.WithLabelValues(string(models.KindPurchase), "reconciler").Inc()
				r.publishConfirmed(ctx, purchase.ID, models.KindPurchase, purchase.UserID, purchase.PostID, mint)
			}
			return nil
		}

		// Payment cleared but no asset delivered: park for fulfillment.
		transitioned, err := r.store.MarkPurchasePaymentPaid(ctx, purchase.ID)
		if err != nil {
			return fmt.Errorf("mark payment paid: %w", err)
		}
		if transitioned {
			r.publishPaymentConfirmed(ctx, purchase)
		}
		return nil

	default:
		return nil
	}
}

func (r *Reconciler) publishConfirmed(ctx context.Context, id string, kind models.ReservationKind, userID, postID int64, mint string) {
	event := &models.ReservationConfirmedEvent{
		BaseEvent:     newBaseEvent(models.EventTypeReservationConfirmed),
		ReservationID: id,
		Kind:          kind,
		UserID:        userID,
		PostID:        postID,
		NFTMint:       mint,
	}
	if err := r.publisher.PublishReservationConfirmed(ctx, event); err != nil {
		r.logger.Error("Failed to publish ReservationConfirmed event", zap.Error(err))
	}
}

func (r *Reconciler) publishFailed(ctx context.Context, id string, kind models.ReservationKind, reason string) {
	event := &models.ReservationFailedEvent{
		BaseEvent:     newBaseEvent(models.EventTypeReservationFailed),
		ReservationID: id,
		Kind:          kind,
		Reason:        reason,
	}
	if err := r.publisher.PublishReservationFailed(ctx, event); err != nil {
		r.logger.Error("Failed to publish ReservationFailed event", zap.Error(err))
	}
}

func (r *Reconciler) publishPaymentConfirmed(ctx context.Context, purchase *models.Purchase) {
	event := &models.PaymentConfirmedEvent{
		BaseEvent:     newBaseEvent(models.EventTypePaymentConfirmed),
		ReservationID: purchase.ID,
		PostID:        purchase.PostID,
		UserID:        purchase.UserID,
		TxSignature:   purchase.TxSignature.String,
	}
	if err := r.publisher.PublishPaymentConfirmed(ctx, event); err != nil {
		r.logger.Error("Failed to publish PaymentConfirmed event", zap.Error(err))
	}
}
