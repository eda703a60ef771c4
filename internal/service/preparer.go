package service

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"collect-service/config"
	"collect-service/internal/chain"
	"collect-service/internal/models"
	"collect-service/internal/util"
)

// Preparer validates eligibility, reserves the (user, post) slot, and hands
// off to the transaction builder. Free collects are submitted server-side;
// purchases return a sign-ready transaction to the client wallet.
type Preparer struct {
	store      Store
	chain      chain.Client
	limiter    RateLimiter
	publisher  Publisher
	reconciler *Reconciler
	staleness  config.StalenessConfig
	logger     *zap.Logger
	now        func() time.Time
}

// NewPreparer creates a new preparer
func NewPreparer(
	store Store,
	chainClient chain.Client,
	limiter RateLimiter,
	publisher Publisher,
	reconciler *Reconciler,
	staleness config.StalenessConfig,
) *Preparer {
	return &Preparer{
		store:      store,
		chain:      chainClient,
		limiter:    limiter,
		publisher:  publisher,
		reconciler: reconciler,
		staleness:  staleness,
		logger:     util.GetLogger(),
		now:        time.Now,
	}
}

// PrepareResult is the preparer's success output.
type PrepareResult struct {
	ReservationID    string                 `json:"reservation_id"`
	Kind             models.ReservationKind `json:"kind"`
	Status           string                 `json:"status"`
	Transaction      string                 `json:"transaction,omitempty"`
	NFTMint          string                 `json:"nft_mint,omitempty"`
	AlreadyCollected bool                   `json:"already_collected,omitempty"`
}

// PrepareCollect reserves and server-submits a free collect.
func (p *Preparer) PrepareCollect(ctx context.Context, userID, postID int64, walletAddress, ip string) (*PrepareResult, error) {
	ctx, span := util.StartSpan(ctx, "Preparer.PrepareCollect")
	defer span.End()

	start := time.Now()
	defer func() { util.PrepareLatency.Observe(time.Since(start).Seconds()) }()

	post, err := p.store.GetPostByID(ctx, postID)
	if err != nil {
		return nil, fmt.Errorf("failed to load post: %w", err)
	}
	if post == nil {
		util.PrepareRejectedTotal.WithLabelValues(CodeNotFound).Inc()
		return nil, domainErr(CodeNotFound, "post not found")
	}
	if post.Paid() {
		util.PrepareRejectedTotal.WithLabelValues(CodePaymentRequired).Inc()
		return nil, domainErr(CodePaymentRequired, "post requires a purchase, not a collect")
	}

	wallet, err := p.resolveWallet(ctx, userID, walletAddress)
	if err != nil {
		return nil, err
	}

	existing, err := p.store.GetActiveCollection(ctx, userID, postID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up existing collection: %w", err)
	}
	if existing != nil {
		if res, handled, err := p.resumeCollection(ctx, post, existing); handled {
			return res, err
		}
		// The existing row was reset to failed; fall through to a fresh attempt.
	}

	if err := p.checkLimitsAndRules(ctx, userID, ip, post, models.KindCollection); err != nil {
		return nil, err
	}

	col := &models.Collection{
		ID:            uuid.New().String(),
		UserID:        userID,
		PostID:        postID,
		Status:        models.CollectionStatusPending,
		WalletAddress: wallet,
		IPAddress:     nullString(ip),
	}

	created, err := p.store.CreateCollection(ctx, col)
	if err != nil {
		return nil, fmt.Errorf("failed to create collection: %w", err)
	}
	if !created {
		// A concurrent prepare for the same (user, post) won the insert.
		return p.adoptCollection(ctx, userID, postID)
	}

	util.ReservationsCreatedTotal.WithLabelValues(string(models.KindCollection)).Inc()
	p.logger.Info("Collection reserved",
		zap.String("reservation_id", col.ID),
		zap.Int64("user_id", userID),
		zap.Int64("post_id", postID))
	p.publishCreated(ctx, col.ID, models.KindCollection, userID, postID, wallet)

	// Build and submit server-side; any failure past this point must free the
	// slot before returning.
	built, err := p.chain.BuildCollectTransaction(ctx, chain.BuildRequest{
		Kind:       models.KindCollection,
		PostID:     postID,
		MasterMint: post.MasterMint.String,
		Wallet:     wallet,
	})
	if err != nil {
		p.failCollection(ctx, col.ID, "build_failed")
		return nil, p.mapBuildError(err)
	}

	sig, err := p.chain.SubmitTransaction(ctx, built.TxBase64)
	if err != nil {
		p.failCollection(ctx, col.ID, "submit_failed")
		return nil, p.mapBuildError(err)
	}

	if _, err := p.store.SetCollectionSignature(ctx, col.ID, sig); err != nil {
		// The transaction is on the network; surface the row as-is and let
		// the reconciler pick it up rather than failing a live submission.
		p.logger.Error("Failed to persist collect signature",
			zap.String("reservation_id", col.ID),
			zap.Error(err))
	}
	if built.NFTMint != "" {
		if err := p.store.SetCollectionNFTMint(ctx, col.ID, built.NFTMint); err != nil {
			p.logger.Error("Failed to persist collect mint", zap.Error(err))
		}
	}
	p.publishSubmitted(ctx, col.ID, models.KindCollection, sig)

	return &PrepareResult{
		ReservationID: col.ID,
		Kind:          models.KindCollection,
		Status:        models.CollectionStatusPending,
		NFTMint:       built.NFTMint,
	}, nil
}

// PreparePurchase reserves a paid buy and returns a sign-ready transaction.
func (p *Preparer) PreparePurchase(ctx context.Context, userID, postID int64, walletAddress, ip string) (*PrepareResult, error) {
	ctx, span := util.StartSpan(ctx, "Preparer.PreparePurchase")
	defer span.End()

	start := time.Now()
	defer func() { util.PrepareLatency.Observe(time.Since(start).Seconds()) }()

	post, err := p.store.GetPostByID(ctx, postID)
	if err != nil {
		return nil, fmt.Errorf("failed to load post: %w", err)
	}
	if post == nil {
		util.PrepareRejectedTotal.WithLabelValues(CodeNotFound).Inc()
		return nil, domainErr(CodeNotFound, "post not found")
	}
	if !post.Paid() {
		util.PrepareRejectedTotal.WithLabelValues(CodeInvalidState).Inc()
		return nil, domainErr(CodeInvalidState, "post is a free collect, not a purchase")
	}

	wallet, err := p.resolveWallet(ctx, userID, walletAddress)
	if err != nil {
		return nil, err
	}

	existing, err := p.store.GetActivePurchase(ctx, userID, postID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up existing purchase: %w", err)
	}
	if existing != nil {
		res, handled, err := p.resumePurchase(ctx, post, existing)
		if handled {
			return res, err
		}
		if res != nil {
			// Fresh reserved row with no signature: reuse it and re-build the
			// transaction instead of burning a new rate-limit slot. The wallet
			// captured at reservation time stays authoritative.
			return p.buildPurchase(ctx, post, existing.ID, existing.WalletAddress)
		}
		// Row was reset to failed; fall through to a fresh attempt.
	}

	if err := p.checkLimitsAndRules(ctx, userID, ip, post, models.KindPurchase); err != nil {
		return nil, err
	}

	purchase := &models.Purchase{
		ID:            uuid.New().String(),
		UserID:        userID,
		PostID:        postID,
		Status:        models.PurchaseStatusReserved,
		WalletAddress: wallet,
		IPAddress:     nullString(ip),
		PriceLamports: post.PriceLamports,
	}

	created, err := p.store.CreatePurchase(ctx, purchase)
	if err != nil {
		return nil, fmt.Errorf("failed to create purchase: %w", err)
	}
	if !created {
		return p.adoptPurchase(ctx, userID, postID)
	}

	util.ReservationsCreatedTotal.WithLabelValues(string(models.KindPurchase)).Inc()
	p.logger.Info("Purchase reserved",
		zap.String("reservation_id", purchase.ID),
		zap.Int64("user_id", userID),
		zap.Int64("post_id", postID))
	p.publishCreated(ctx, purchase.ID, models.KindPurchase, userID, postID, wallet)

	return p.buildPurchase(ctx, post, purchase.ID, wallet)
}

// buildPurchase asks the builder for a sign-ready transaction for an already
// reserved row. Failures free the slot before returning.
func (p *Preparer) buildPurchase(ctx context.Context, post *models.Post, reservationID, wallet string) (*PrepareResult, error) {
	built, err := p.chain.BuildPurchaseTransaction(ctx, chain.BuildRequest{
		Kind:          models.KindPurchase,
		PostID:        post.ID,
		MasterMint:    post.MasterMint.String,
		Wallet:        wallet,
		PriceLamports: post.PriceLamports,
	})
	if err != nil {
		p.failPurchase(ctx, reservationID, "build_failed")
		return nil, p.mapBuildError(err)
	}

	return &PrepareResult{
		ReservationID: reservationID,
		Kind:          models.KindPurchase,
		Status:        models.PurchaseStatusReserved,
		Transaction:   built.TxBase64,
	}, nil
}

// SubmitSignature records the client-submitted transaction signature for a
// purchase, transitioning reserved -> submitted. The signature must be
// persisted before the client optimistically advances its UI.
func (p *Preparer) SubmitSignature(ctx context.Context, reservationID, signature string) (*PrepareResult, error) {
	if !chain.ValidSignature(signature) {
		return nil, domainErr(CodeInvalidState, "malformed transaction signature")
	}

	purchase, err := p.store.GetPurchaseByID(ctx, reservationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load purchase: %w", err)
	}
	if purchase == nil {
		return nil, domainErr(CodeNotFound, "reservation not found")
	}

	if _, err := p.store.SubmitPurchase(ctx, reservationID, signature); err != nil {
		return nil, fmt.Errorf("failed to record signature: %w", err)
	}

	// Re-read so a concurrent webhook that already advanced the row is
	// reported rather than clobbered.
	purchase, err = p.store.GetPurchaseByID(ctx, reservationID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload purchase: %w", err)
	}

	p.publishSubmitted(ctx, reservationID, models.KindPurchase, signature)

	return &PrepareResult{
		ReservationID: purchase.ID,
		Kind:          models.KindPurchase,
		Status:        purchase.Status,
		NFTMint:       purchase.NFTMint.String,
	}, nil
}

// Cancel releases a reservation the client abandoned before a signature
// existed. After submission a transaction is irrevocable, so cancellation is
// rejected and the reconciler is left to resolve the row.
func (p *Preparer) Cancel(ctx context.Context, kind models.ReservationKind, reservationID string) error {
	switch kind {
	case models.KindCollection:
		col, err := p.store.GetCollectionByID(ctx, reservationID)
		if err != nil {
			return fmt.Errorf("failed to load collection: %w", err)
		}
		if col == nil {
			return domainErr(CodeNotFound, "reservation not found")
		}
		if col.TxSignature.Valid {
			return domainErr(CodeInvalidState, "transaction already submitted; cancellation is no longer possible")
		}
		p.failCollection(ctx, reservationID, "cancelled")
		return nil
	case models.KindPurchase:
		purchase, err := p.store.GetPurchaseByID(ctx, reservationID)
		if err != nil {
			return fmt.Errorf("failed to load purchase: %w", err)
		}
		if purchase == nil {
			return domainErr(CodeNotFound, "reservation not found")
		}
		if purchase.TxSignature.Valid {
			return domainErr(CodeInvalidState, "transaction already submitted; cancellation is no longer possible")
		}
		p.failPurchase(ctx, reservationID, "cancelled")
		return nil
	default:
		return domainErr(CodeInvalidState, "unknown reservation kind")
	}
}

// resumeCollection decides what to do with an existing non-failed row.
// handled=false means the row was reset and the caller should retry fresh.
func (p *Preparer) resumeCollection(ctx context.Context, post *models.Post, col *models.Collection) (*PrepareResult, bool, error) {
	if col.Status == models.CollectionStatusConfirmed {
		return &PrepareResult{
			ReservationID:    col.ID,
			Kind:             models.KindCollection,
			Status:           col.Status,
			NFTMint:          col.NFTMint.String,
			AlreadyCollected: true,
		}, true, nil
	}

	if col.TxSignature.Valid {
		// A prior session may have died before polling completed; ask the
		// chain directly before deciding.
		refreshed, outcome, err := p.reconciler.RecheckCollection(ctx, post, col)
		if err != nil {
			// Transient chain errors never fail a possibly-live submission.
			p.logger.Warn("Collect recheck failed, resuming as pending",
				zap.String("reservation_id", col.ID),
				zap.Error(err))
			return p.resumeAsIs(col), true, nil
		}
		switch {
		case refreshed.Status == models.CollectionStatusConfirmed:
			return &PrepareResult{
				ReservationID:    refreshed.ID,
				Kind:             models.KindCollection,
				Status:           refreshed.Status,
				NFTMint:          refreshed.NFTMint.String,
				AlreadyCollected: true,
			}, true, nil
		case refreshed.Status == models.CollectionStatusFailed:
			return nil, false, nil
		case outcome == chain.OutcomeUnknown && p.staleAfter(col.CreatedAt, p.staleness.SubmittedAfter):
			// Never landed and past the threshold: reset and retry.
			p.failCollection(ctx, col.ID, "stale_unknown")
			return nil, false, nil
		default:
			return p.resumeAsIs(refreshed), true, nil
		}
	}

	if p.staleAfter(col.CreatedAt, p.staleness.PendingAfter) {
		p.failCollection(ctx, col.ID, "stale_pending")
		return nil, false, nil
	}
	return p.resumeAsIs(col), true, nil
}

func (p *Preparer) resumeAsIs(col *models.Collection) *PrepareResult {
	return &PrepareResult{
		ReservationID: col.ID,
		Kind:          models.KindCollection,
		Status:        col.Status,
		NFTMint:       col.NFTMint.String,
	}
}

// resumePurchase mirrors resumeCollection. A non-nil result with
// handled=false signals a fresh reserved row whose transaction should be
// rebuilt in place.
func (p *Preparer) resumePurchase(ctx context.Context, post *models.Post, purchase *models.Purchase) (*PrepareResult, bool, error) {
	if purchase.Status == models.PurchaseStatusConfirmed {
		return &PrepareResult{
			ReservationID:    purchase.ID,
			Kind:             models.KindPurchase,
			Status:           purchase.Status,
			NFTMint:          purchase.NFTMint.String,
			AlreadyCollected: true,
		}, true, nil
	}

	if models.PurchasePaymentConfirmed(purchase.Status) {
		// Paid but not delivered: the client re-enters the claiming path.
		return &PrepareResult{
			ReservationID: purchase.ID,
			Kind:          models.KindPurchase,
			Status:        purchase.Status,
		}, true, nil
	}

	if purchase.TxSignature.Valid {
		refreshed, outcome, err := p.reconciler.RecheckPurchase(ctx, post, purchase)
		if err != nil {
			p.logger.Warn("Purchase recheck failed, resuming as submitted",
				zap.String("reservation_id", purchase.ID),
				zap.Error(err))
			return &PrepareResult{
				ReservationID: purchase.ID,
				Kind:          models.KindPurchase,
				Status:        purchase.Status,
			}, true, nil
		}
		switch {
		case refreshed.Status == models.PurchaseStatusFailed:
			return nil, false, nil
		case outcome == chain.OutcomeUnknown && p.staleAfter(purchase.CreatedAt, p.staleness.SubmittedAfter):
			p.failPurchase(ctx, purchase.ID, "stale_unknown")
			return nil, false, nil
		default:
			return &PrepareResult{
				ReservationID:    refreshed.ID,
				Kind:             models.KindPurchase,
				Status:           refreshed.Status,
				NFTMint:          refreshed.NFTMint.String,
				AlreadyCollected: refreshed.Status == models.PurchaseStatusConfirmed,
			}, true, nil
		}
	}

	if p.staleAfter(purchase.CreatedAt, p.staleness.PendingAfter) {
		p.failPurchase(ctx, purchase.ID, "stale_pending")
		return nil, false, nil
	}
	// Fresh reserved row, no signature: signal rebuild-in-place.
	return &PrepareResult{ReservationID: purchase.ID}, false, nil
}

// adoptCollection handles losing the insert race: the winner's row becomes
// this caller's result (idempotent success, never a duplicate row).
func (p *Preparer) adoptCollection(ctx context.Context, userID, postID int64) (*PrepareResult, error) {
	existing, err := p.store.GetActiveCollection(ctx, userID, postID)
	if err != nil {
		return nil, fmt.Errorf("failed to adopt concurrent collection: %w", err)
	}
	if existing == nil {
		return nil, fmt.Errorf("collection insert conflicted but no active row found")
	}
	return &PrepareResult{
		ReservationID:    existing.ID,
		Kind:             models.KindCollection,
		Status:           existing.Status,
		NFTMint:          existing.NFTMint.String,
		AlreadyCollected: existing.Status == models.CollectionStatusConfirmed,
	}, nil
}

func (p *Preparer) adoptPurchase(ctx context.Context, userID, postID int64) (*PrepareResult, error) {
	existing, err := p.store.GetActivePurchase(ctx, userID, postID)
	if err != nil {
		return nil, fmt.Errorf("failed to adopt concurrent purchase: %w", err)
	}
	if existing == nil {
		return nil, fmt.Errorf("purchase insert conflicted but no active row found")
	}
	return &PrepareResult{
		ReservationID:    existing.ID,
		Kind:             models.KindPurchase,
		Status:           existing.Status,
		NFTMint:          existing.NFTMint.String,
		AlreadyCollected: existing.Status == models.PurchaseStatusConfirmed,
	}, nil
}

// checkLimitsAndRules runs the rate limiter and the domain rules that gate
// reservation creation. Denies create nothing.
func (p *Preparer) checkLimitsAndRules(ctx context.Context, userID int64, ip string, post *models.Post, kind models.ReservationKind) error {
	decision, err := p.limiter.Check(ctx, userID, ip)
	if err != nil {
		return fmt.Errorf("rate limit check failed: %w", err)
	}
	if !decision.Allowed {
		return &DomainError{
			Code:       CodeRateLimited,
			Message:    decision.Message(),
			RetryAfter: decision.RetryAfter,
		}
	}

	now := p.now()
	if post.MintStartAt.Valid && now.Before(post.MintStartAt.Time) {
		util.PrepareRejectedTotal.WithLabelValues(CodeNotStarted).Inc()
		return domainErr(CodeNotStarted, "minting has not started for this post")
	}
	if post.MintEndAt.Valid && now.After(post.MintEndAt.Time) {
		util.PrepareRejectedTotal.WithLabelValues(CodeEnded).Inc()
		return domainErr(CodeEnded, "minting has ended for this post")
	}

	if post.SupplyLimited() {
		var confirmed int
		var err error
		if kind == models.KindCollection {
			confirmed, err = p.store.CountConfirmedCollections(ctx, post.ID)
		} else {
			confirmed, err = p.store.CountConfirmedPurchases(ctx, post.ID)
		}
		if err != nil {
			return fmt.Errorf("supply check failed: %w", err)
		}
		if confirmed >= post.MaxSupply {
			util.PrepareRejectedTotal.WithLabelValues(CodeSoldOut).Inc()
			return domainErr(CodeSoldOut, "all editions of this post have been claimed")
		}
	}

	return nil
}

// resolveWallet authorizes the receiving wallet. A caller-supplied wallet
// must already be linked; it is never silently redirected to the default.
func (p *Preparer) resolveWallet(ctx context.Context, userID int64, walletAddress string) (string, error) {
	if walletAddress != "" {
		wallet, err := p.store.GetLinkedWallet(ctx, userID, walletAddress)
		if err != nil {
			return "", fmt.Errorf("failed to look up wallet: %w", err)
		}
		if wallet == nil {
			util.PrepareRejectedTotal.WithLabelValues(CodeWalletNotLinked).Inc()
			return "", domainErr(CodeWalletNotLinked, "wallet is not linked to this account")
		}
		return wallet.Address, nil
	}

	wallet, err := p.store.GetDefaultWallet(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("failed to look up default wallet: %w", err)
	}
	if wallet == nil {
		util.PrepareRejectedTotal.WithLabelValues(CodeWalletNotLinked).Inc()
		return "", domainErr(CodeWalletNotLinked, "account has no linked wallet")
	}
	return wallet.Address, nil
}

func (p *Preparer) mapBuildError(err error) error {
	switch {
	case chain.IsBuildCode(err, chain.BuildCodeInsufficientFunds):
		util.PrepareRejectedTotal.WithLabelValues(CodeInsufficientFunds).Inc()
		return domainErr(CodeInsufficientFunds, "wallet balance is too low for this action")
	case chain.IsBuildCode(err, chain.BuildCodeInvalidWallet):
		return domainErr(CodeWalletNotLinked, "receiving wallet was rejected by the transaction builder")
	default:
		return fmt.Errorf("transaction build failed: %w", err)
	}
}

func (p *Preparer) failCollection(ctx context.Context, id, reason string) {
	if _, err := p.store.FailCollection(ctx, id); err != nil {
		p.logger.Error("Failed to mark collection failed",
			zap.String("reservation_id", id),
			zap.Error(err))
		return
	}
	util.ReservationsFailedTotal.WithLabelValues(string(models.KindCollection), reason).Inc()
	p.publishFailed(ctx, id, models.KindCollection, reason)
}

func (p *Preparer) failPurchase(ctx context.Context, id, reason string) {
	if _, err := p.store.FailPurchase(ctx, id); err != nil {
		p.logger.Error("Failed to mark purchase failed",
			zap.String("reservation_id", id),
			zap.Error(err))
		return
	}
	util.ReservationsFailedTotal.WithLabelValues(string(models.KindPurchase), reason).Inc()
	p.publishFailed(ctx, id, models.KindPurchase, reason)
}

func (p *Preparer) staleAfter(createdAt time.Time, threshold time.Duration) bool {
	return p.now().Sub(createdAt) > threshold
}

func (p *Preparer) publishCreated(ctx context.Context, id string, kind models.ReservationKind, userID, postID int64, wallet string) {
	event := &models.ReservationCreatedEvent{
		BaseEvent:     newBaseEvent(models.EventTypeReservationCreated),
		ReservationID: id,
		Kind:          kind,
		UserID:        userID,
		PostID:        postID,
		WalletAddress: wallet,
	}
	if err := p.publisher.PublishReservationCreated(ctx, event); err != nil {
		p.logger.Error("Failed to publish ReservationCreated event", zap.Error(err))
	}
}

func (p *Preparer) publishSubmitted(ctx context.Context, id string, kind models.ReservationKind, signature string) {
	event := &models.ReservationSubmittedEvent{
		BaseEvent:     newBaseEvent(models.EventTypeReservationSubmitted),
		ReservationID: id,
		Kind:          kind,
		TxSignature:   signature,
	}
	if err := p.publisher.PublishReservationSubmitted(ctx, event); err != nil {
		p.logger.Error("Failed to publish ReservationSubmitted event", zap.Error(err))
	}
}

func (p *Preparer) publishFailed(ctx context.Context, id string, kind models.ReservationKind, reason string) {
	event := &models.ReservationFailedEvent{
		BaseEvent:     newBaseEvent(models.EventTypeReservationFailed),
		ReservationID: id,
		Kind:          kind,
		Reason:        reason,
	}
	if err := p.publisher.PublishReservationFailed(ctx, event); err != nil {
		p.logger.Error("Failed to publish ReservationFailed event", zap.Error(err))
	}
}

func newBaseEvent(eventType string) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now(),
	}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
