package service

import (
	"context"
	"time"

	"collect-service/internal/models"
	"collect-service/internal/ratelimit"
)

// Store is the persistence surface the acquisition services run on,
// implemented by *store.Store and by in-memory fakes in tests.
type Store interface {
	GetPostByID(ctx context.Context, id int64) (*models.Post, error)
	SetPostMasterMint(ctx context.Context, postID int64, masterMint string) error

	GetLinkedWallet(ctx context.Context, userID int64, address string) (*models.Wallet, error)
	GetDefaultWallet(ctx context.Context, userID int64) (*models.Wallet, error)

	CreateCollection(ctx context.Context, c *models.Collection) (bool, error)
	GetCollectionByID(ctx context.Context, id string) (*models.Collection, error)
	GetActiveCollection(ctx context.Context, userID, postID int64) (*models.Collection, error)
	GetCollectionBySignature(ctx context.Context, signature string) (*models.Collection, error)
	SetCollectionSignature(ctx context.Context, id, signature string) (bool, error)
	SetCollectionNFTMint(ctx context.Context, id, nftMint string) error
	ConfirmCollection(ctx context.Context, id string, postID int64, nftMint string, maxSupply int) (bool, error)
	FailCollection(ctx context.Context, id string) (bool, error)
	CountConfirmedCollections(ctx context.Context, postID int64) (int, error)
	ListStaleCollections(ctx context.Context, cutoff time.Time, limit int) ([]models.Collection, error)
	ListUnresolvedCollections(ctx context.Context, cutoff time.Time, limit int) ([]models.Collection, error)

	CreatePurchase(ctx context.Context, p *models.Purchase) (bool, error)
	GetPurchaseByID(ctx context.Context, id string) (*models.Purchase, error)
	GetActivePurchase(ctx context.Context, userID, postID int64) (*models.Purchase, error)
	GetPurchaseBySignature(ctx context.Context, signature string) (*models.Purchase, error)
	SubmitPurchase(ctx context.Context, id, signature string) (bool, error)
	MarkPurchasePaymentPaid(ctx context.Context, id string) (bool, error)
	MarkPurchaseMinting(ctx context.Context, id string) (bool, error)
	MarkPurchaseMasterCreated(ctx context.Context, id string) (bool, error)
	MarkPurchaseBlockedMissingMaster(ctx context.Context, id string) (bool, error)
	ReleasePurchaseMinting(ctx context.Context, id string) (bool, error)
	ConfirmPurchase(ctx context.Context, id string, postID int64, nftMint string, maxSupply int) (bool, error)
	FailPurchase(ctx context.Context, id string) (bool, error)
	CountConfirmedPurchases(ctx context.Context, postID int64) (int, error)
	ListStalePurchases(ctx context.Context, cutoff time.Time, limit int) ([]models.Purchase, error)
	ListUnresolvedPurchases(ctx context.Context, cutoff time.Time, limit int) ([]models.Purchase, error)

	IsWebhookEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkWebhookEventProcessed(ctx context.Context, eventID, signature string) error
}

// Publisher is the outbound domain-event surface, implemented by
// broker.EventPublisher.
type Publisher interface {
	PublishReservationCreated(ctx context.Context, event *models.ReservationCreatedEvent) error
	PublishReservationSubmitted(ctx context.Context, event *models.ReservationSubmittedEvent) error
	PublishPaymentConfirmed(ctx context.Context, event *models.PaymentConfirmedEvent) error
	PublishReservationConfirmed(ctx context.Context, event *models.ReservationConfirmedEvent) error
	PublishReservationFailed(ctx context.Context, event *models.ReservationFailedEvent) error
}

// RateLimiter gates reservation creation.
type RateLimiter interface {
	Check(ctx context.Context, userID int64, ip string) (ratelimit.Decision, error)
}

// Lock is a held per-reservation mutual-exclusion lock.
type Lock interface {
	Release(ctx context.Context) error
}

// Locker hands out per-reservation locks that hold across processes.
// Acquire returns a nil Lock when another holder is in flight.
type Locker interface {
	Acquire(ctx context.Context, reservationID string, ttl time.Duration) (Lock, error)
}
