package models

import (
	"database/sql"
	"time"
)

// ReservationKind distinguishes the two reservation tables.
type ReservationKind string

const (
	KindCollection ReservationKind = "collection"
	KindPurchase   ReservationKind = "purchase"
)

// Post represents the collectible side of a feed post.
type Post struct {
	ID            int64          `db:"id" json:"id"`
	CreatorID     int64          `db:"creator_id" json:"creator_id"`
	PriceLamports int64          `db:"price_lamports" json:"price_lamports"`
	MaxSupply     int            `db:"max_supply" json:"max_supply"`
	MintStartAt   sql.NullTime   `db:"mint_start_at" json:"mint_start_at,omitempty"`
	MintEndAt     sql.NullTime   `db:"mint_end_at" json:"mint_end_at,omitempty"`
	MasterMint    sql.NullString `db:"master_mint" json:"master_mint,omitempty"`
	CreatedAt     time.Time      `db:"created_at" json:"created_at"`
}

// Paid reports whether acquiring the post costs anything.
func (p *Post) Paid() bool { return p.PriceLamports > 0 }

// SupplyLimited reports whether the post caps its edition count.
func (p *Post) SupplyLimited() bool { return p.MaxSupply > 0 }

// Wallet is a chain wallet linked to a user account. Accounts may link
// several; exactly one is the default receiving wallet.
type Wallet struct {
	ID        int64     `db:"id" json:"id"`
	UserID    int64     `db:"user_id" json:"user_id"`
	Address   string    `db:"address" json:"address"`
	IsDefault bool      `db:"is_default" json:"is_default"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Collection is a reservation for a free collect.
type Collection struct {
	ID            string         `db:"id" json:"id"`
	UserID        int64          `db:"user_id" json:"user_id"`
	PostID        int64          `db:"post_id" json:"post_id"`
	Status        string         `db:"status" json:"status"`
	TxSignature   sql.NullString `db:"tx_signature" json:"tx_signature,omitempty"`
	NFTMint       sql.NullString `db:"nft_mint" json:"nft_mint,omitempty"`
	WalletAddress string         `db:"wallet_address" json:"wallet_address"`
	IPAddress     sql.NullString `db:"ip_address" json:"-"`
	CreatedAt     time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at" json:"updated_at"`
}

// Purchase is a reservation for a paid buy. Payment confirmation and asset
// delivery are tracked separately: PaymentConfirmedAt set with NFTMint still
// null means the buyer has paid but the edition is not minted yet.
type Purchase struct {
	ID                 string         `db:"id" json:"id"`
	UserID             int64          `db:"user_id" json:"user_id"`
	PostID             int64          `db:"post_id" json:"post_id"`
	Status             string         `db:"status" json:"status"`
	TxSignature        sql.NullString `db:"tx_signature" json:"tx_signature,omitempty"`
	NFTMint            sql.NullString `db:"nft_mint" json:"nft_mint,omitempty"`
	WalletAddress      string         `db:"wallet_address" json:"wallet_address"`
	IPAddress          sql.NullString `db:"ip_address" json:"-"`
	PriceLamports      int64          `db:"price_lamports" json:"price_lamports"`
	PaymentConfirmedAt sql.NullTime   `db:"payment_confirmed_at" json:"payment_confirmed_at,omitempty"`
	CreatedAt          time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time      `db:"updated_at" json:"updated_at"`
}

// Collection statuses
const (
	CollectionStatusPending   = "pending"
	CollectionStatusConfirmed = "confirmed"
	CollectionStatusFailed    = "failed"
)

// Purchase statuses
const (
	PurchaseStatusReserved             = "reserved"
	PurchaseStatusSubmitted            = "submitted"
	PurchaseStatusAwaitingFulfillment  = "awaiting_fulfillment"
	PurchaseStatusMinting              = "minting"
	PurchaseStatusMasterCreated        = "master_created"
	PurchaseStatusConfirmed            = "confirmed"
	PurchaseStatusFailed               = "failed"
	PurchaseStatusBlockedMissingMaster = "blocked_missing_master"
)

// PurchaseStatusTerminal reports whether no further transitions are expected.
func PurchaseStatusTerminal(status string) bool {
	return status == PurchaseStatusConfirmed || status == PurchaseStatusFailed
}

// CollectionStatusTerminal reports whether no further transitions are expected.
func CollectionStatusTerminal(status string) bool {
	return status == CollectionStatusConfirmed || status == CollectionStatusFailed
}

// PurchasePaymentConfirmed reports whether the buyer's payment has cleared,
// regardless of whether the edition has been delivered.
func PurchasePaymentConfirmed(status string) bool {
	switch status {
	case PurchaseStatusAwaitingFulfillment,
		PurchaseStatusMinting,
		PurchaseStatusMasterCreated,
		PurchaseStatusBlockedMissingMaster,
		PurchaseStatusConfirmed:
		return true
	}
	return false
}

// ProcessedWebhookEvent records an indexer event id that has already been
// applied, so redelivered batches stay idempotent.
type ProcessedWebhookEvent struct {
	EventID     string    `db:"event_id"`
	Signature   string    `db:"signature"`
	ProcessedAt time.Time `db:"processed_at"`
}
