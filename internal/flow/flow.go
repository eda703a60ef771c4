package flow

import (
	"context"

	"collect-service/internal/models"
	"collect-service/internal/service"
)

// State is the client-visible position in an acquisition flow.
type State string

const (
	StateIdle              State = "idle"
	StatePreparing         State = "preparing"
	StateSigning           State = "signing"
	StateConfirming        State = "confirming"
	StateMinting           State = "minting"
	StateClaiming          State = "claiming"
	StateSuccess           State = "success"
	StateAlreadyCollected  State = "already_collected"
	StateSoldOut           State = "sold_out"
	StateInsufficientFunds State = "insufficient_funds"
	StateFailed            State = "failed"
)

// Terminal reports whether the flow has nothing further to do. Claiming is
// not terminal: the user can retry fulfillment indefinitely.
func (s State) Terminal() bool {
	switch s {
	case StateSuccess, StateAlreadyCollected, StateSoldOut, StateInsufficientFunds, StateFailed:
		return true
	}
	return false
}

// API is the server surface the controller drives. The production
// implementation calls the reservation service; tests substitute fakes.
type API interface {
	Prepare(ctx context.Context, kind models.ReservationKind, postID int64, walletAddress string) (*service.PrepareResult, error)
	Status(ctx context.Context, kind models.ReservationKind, reservationID string) (*service.StatusResult, error)
	ActiveReservation(ctx context.Context, kind models.ReservationKind, postID int64) (*service.StatusResult, error)
	SubmitSignature(ctx context.Context, reservationID, signature string) (*service.PrepareResult, error)
	Fulfill(ctx context.Context, reservationID string) (*service.FulfillResult, error)
	Cancel(ctx context.Context, kind models.ReservationKind, reservationID string) error
}

// Signer is the connected wallet. SignAndSubmit signs the base64 transaction,
// sends it to the network, and returns the signature.
type Signer interface {
	Connected() bool
	Address() string
	SignAndSubmit(ctx context.Context, txBase64 string) (string, error)
}
