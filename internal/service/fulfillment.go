package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"collect-service/internal/chain"
	"collect-service/internal/models"
	"collect-service/internal/redisclient"
	"collect-service/internal/util"
)

// Fulfillment performs the mint step that turns a confirmed payment into a
// delivered asset. Idempotent; a failure leaves the purchase parked on a
// retryable status and never touches payment state.
type Fulfillment struct {
	store     Store
	chain     chain.Client
	locker    Locker
	publisher Publisher
	lockTTL   time.Duration
	logger    *zap.Logger
}

// NewFulfillment creates a new fulfillment service
func NewFulfillment(store Store, chainClient chain.Client, locker Locker, publisher Publisher) *Fulfillment {
	return &Fulfillment{
		store:     store,
		chain:     chainClient,
		locker:    locker,
		publisher: publisher,
		lockTTL:   2 * time.Minute,
		logger:    util.GetLogger(),
	}
}

// FulfillResult reports the outcome of a fulfillment attempt.
type FulfillResult struct {
	ReservationID string `json:"reservation_id"`
	Status        string `json:"status"`
	NFTMint       string `json:"nft_mint,omitempty"`
}

// Fulfill mints the edition for a paid purchase. Concurrent invocations for
// the same reservation (user claim, worker, racing webhook and poll) are
// serialized by a per-reservation lock that holds across processes.
func (f *Fulfillment) Fulfill(ctx context.Context, reservationID string) (*FulfillResult, error) {
	ctx, span := util.StartSpan(ctx, "Fulfillment.Fulfill")
	defer span.End()

	util.FulfillmentAttemptsTotal.Inc()
	start := time.Now()
	defer func() { util.FulfillmentLatency.Observe(time.Since(start).Seconds()) }()

	lock, err := f.locker.Acquire(ctx, reservationID, f.lockTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire fulfillment lock: %w", err)
	}
	if lock == nil {
		return nil, domainErr(CodeInvalidState, "fulfillment already in progress for this reservation")
	}
	defer func() {
		if err := lock.Release(ctx); err != nil {
			f.logger.Warn("Failed to release fulfillment lock",
				zap.String("reservation_id", reservationID),
				zap.Error(err))
		}
	}()

	purchase, err := f.store.GetPurchaseByID(ctx, reservationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load purchase: %w", err)
	}
	if purchase == nil {
		return nil, domainErr(CodeNotFound, "reservation not found")
	}

	// Idempotent: a purchase another writer already delivered is a success.
	if purchase.Status == models.PurchaseStatusConfirmed {
		return &FulfillResult{
			ReservationID: purchase.ID,
			Status:        purchase.Status,
			NFTMint:       purchase.NFTMint.String,
		}, nil
	}
	if !models.PurchasePaymentConfirmed(purchase.Status) {
		return nil, domainErr(CodeInvalidState, "payment has not been confirmed for this reservation")
	}

	post, err := f.store.GetPostByID(ctx, purchase.PostID)
	if err != nil {
		return nil, fmt.Errorf("failed to load post: %w", err)
	}
	if post == nil {
		return nil, domainErr(CodeNotFound, "post not found")
	}

	if _, err := f.store.MarkPurchaseMinting(ctx, purchase.ID); err != nil {
		return nil, fmt.Errorf("failed to claim mint step: %w", err)
	}

	masterMint := post.MasterMint.String
	if masterMint == "" {
		masterMint, err = f.ensureMasterEdition(ctx, post, purchase)
		if err != nil {
			return nil, err
		}
	}

	mint, err := f.chain.MintEdition(ctx, chain.MintRequest{
		PostID:        post.ID,
		MasterMint:    masterMint,
		Wallet:        purchase.WalletAddress,
		ReservationID: purchase.ID,
	})
	if err != nil {
		// Payment is secured; park the row for indefinite retry.
		util.FulfillmentFailedTotal.WithLabelValues("mint_failed").Inc()
		if _, relErr := f.store.ReleasePurchaseMinting(ctx, purchase.ID); relErr != nil {
			f.logger.Error("Failed to release minting claim",
				zap.String("reservation_id", purchase.ID),
				zap.Error(relErr))
		}
		return nil, fmt.Errorf("edition mint failed: %w", err)
	}

	transitioned, err := f.store.ConfirmPurchase(ctx, purchase.ID, purchase.PostID, mint, post.MaxSupply)
	if err != nil {
		return nil, fmt.Errorf("failed to confirm purchase: %w", err)
	}
	if transitioned {
		util.ReservationsConfirmedTotal.WithLabelValues(string(models.KindPurchase), "fulfillment").Inc()
		f.publishConfirmed(ctx, purchase, mint)
		f.logger.Info("Purchase fulfilled",
			zap.String("reservation_id", purchase.ID),
			zap.String("nft_mint", mint))
	}

	refreshed, err := f.store.GetPurchaseByID(ctx, purchase.ID)
	if err != nil || refreshed == nil {
		return nil, fmt.Errorf("failed to reload purchase: %w", err)
	}
	return &FulfillResult{
		ReservationID: refreshed.ID,
		Status:        refreshed.Status,
		NFTMint:       refreshed.NFTMint.String,
	}, nil
}

// ensureMasterEdition creates the post's master edition when the first paid
// purchase lands before one exists. A builder failure parks the purchase on
// blocked_missing_master, still retryable.
func (f *Fulfillment) ensureMasterEdition(ctx context.Context, post *models.Post, purchase *models.Purchase) (string, error) {
	masterMint, err := f.chain.CreateMasterEdition(ctx, post.ID)
	if err != nil {
		util.FulfillmentFailedTotal.WithLabelValues("master_missing").Inc()
		if _, markErr := f.store.MarkPurchaseBlockedMissingMaster(ctx, purchase.ID); markErr != nil {
			f.logger.Error("Failed to mark purchase blocked",
				zap.String("reservation_id", purchase.ID),
				zap.Error(markErr))
		}
		return "", fmt.Errorf("master edition creation failed: %w", err)
	}

	if err := f.store.SetPostMasterMint(ctx, post.ID, masterMint); err != nil {
		f.logger.Error("Failed to persist master mint",
			zap.Int64("post_id", post.ID),
			zap.Error(err))
	}
	if _, err := f.store.MarkPurchaseMasterCreated(ctx, purchase.ID); err != nil {
		f.logger.Error("Failed to mark master created",
			zap.String("reservation_id", purchase.ID),
			zap.Error(err))
	}
	return masterMint, nil
}

func (f *Fulfillment) publishConfirmed(ctx context.Context, purchase *models.Purchase, mint string) {
	event := &models.ReservationConfirmedEvent{
		BaseEvent:     newBaseEvent(models.EventTypeReservationConfirmed),
		ReservationID: purchase.ID,
		Kind:          models.KindPurchase,
		UserID:        purchase.UserID,
		PostID:        purchase.PostID,
		NFTMint:       mint,
	}
	if err := f.publisher.PublishReservationConfirmed(ctx, event); err != nil {
		f.logger.Error("Failed to publish ReservationConfirmed event", zap.Error(err))
	}
}

// RedisLocker adapts the redis client to the Locker interface.
type RedisLocker struct {
	client *redisclient.Client
}

// NewRedisLocker creates a Locker backed by Redis SetNX locks.
func NewRedisLocker(client *redisclient.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

func (rl *RedisLocker) Acquire(ctx context.Context, reservationID string, ttl time.Duration) (Lock, error) {
	lock, err := rl.client.AcquireFulfillmentLock(ctx, reservationID, ttl)
	if err != nil {
		return nil, err
	}
	if lock == nil {
		return nil, nil
	}
	return lock, nil
}
