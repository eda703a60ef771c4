package models

import "time"

// Event types
const (
	EventTypeReservationCreated   = "RESERVATION_CREATED"
	EventTypeReservationSubmitted = "RESERVATION_SUBMITTED"
	EventTypePaymentConfirmed     = "PAYMENT_CONFIRMED"
	EventTypeReservationConfirmed = "RESERVATION_CONFIRMED"
	EventTypeReservationFailed    = "RESERVATION_FAILED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// ReservationCreatedEvent published when the preparer creates a reservation row
type ReservationCreatedEvent struct {
	BaseEvent
	ReservationID string          `json:"reservation_id"`
	Kind          ReservationKind `json:"kind"`
	UserID        int64           `json:"user_id"`
	PostID        int64           `json:"post_id"`
	WalletAddress string          `json:"wallet_address"`
}

// ReservationSubmittedEvent published when a transaction signature is recorded
type ReservationSubmittedEvent struct {
	BaseEvent
	ReservationID string          `json:"reservation_id"`
	Kind          ReservationKind `json:"kind"`
	TxSignature   string          `json:"tx_signature"`
}

// PaymentConfirmedEvent published when a purchase payment clears on-chain but
// the edition has not been minted yet. The fulfillment worker consumes this.
type PaymentConfirmedEvent struct {
	BaseEvent
	ReservationID string `json:"reservation_id"`
	PostID        int64  `json:"post_id"`
	UserID        int64  `json:"user_id"`
	TxSignature   string `json:"tx_signature"`
}

// ReservationConfirmedEvent published when a reservation reaches confirmed
type ReservationConfirmedEvent struct {
	BaseEvent
	ReservationID string          `json:"reservation_id"`
	Kind          ReservationKind `json:"kind"`
	UserID        int64           `json:"user_id"`
	PostID        int64           `json:"post_id"`
	NFTMint       string          `json:"nft_mint"`
}

// ReservationFailedEvent published when a reservation is marked failed
type ReservationFailedEvent struct {
	BaseEvent
	ReservationID string          `json:"reservation_id"`
	Kind          ReservationKind `json:"kind"`
	Reason        string          `json:"reason"`
}
