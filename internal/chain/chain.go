package chain

import (
	"context"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"

	"collect-service/internal/models"
)

// TxOutcome is the observed state of a submitted transaction.
type TxOutcome int

const (
	// OutcomeUnknown means the chain has no record of the signature. A
	// recently submitted transaction may legitimately report this for a
	// short while, so it is not treated as failure.
	OutcomeUnknown TxOutcome = iota
	OutcomePending
	OutcomeConfirmed
	OutcomeFailed
)

func (o TxOutcome) String() string {
	switch o {
	case OutcomePending:
		return "pending"
	case OutcomeConfirmed:
		return "confirmed"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// TxStatus is the result of a direct chain status query.
type TxStatus struct {
	Outcome TxOutcome
	// TxError carries the chain's error string when Outcome is OutcomeFailed.
	TxError string
	// NFTMint is the minted asset address when it can be extracted from the
	// confirmed transaction, empty otherwise.
	NFTMint string
	Slot    uint64
}

// BuildRequest asks the transaction builder for a sign-ready transaction.
type BuildRequest struct {
	Kind          models.ReservationKind
	PostID        int64
	MasterMint    string
	Wallet        string
	PriceLamports int64
}

// BuiltTransaction is the builder's output. For free collects the service
// signs and submits it itself; for purchases TxBase64 goes back to the client
// wallet for signing. NFTMint is set when the builder pre-derives the mint
// address at build time.
type BuiltTransaction struct {
	TxBase64 string
	NFTMint  string
}

// MintRequest asks the builder to mint an edition into the buyer's wallet.
// Used by the fulfillment step after payment has cleared.
type MintRequest struct {
	PostID        int64
	MasterMint    string
	Wallet        string
	ReservationID string
}

// Build failure codes surfaced by the transaction builder.
const (
	BuildCodeInsufficientFunds = "insufficient_funds"
	BuildCodeMissingMaster     = "missing_master"
	BuildCodeInvalidWallet     = "invalid_wallet"
	BuildCodeRPC               = "rpc_error"
)

// BuildError is a typed failure from the transaction-building capability.
type BuildError struct {
	Code    string
	Message string
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("chain build failed (%s): %s", e.Code, e.Message)
}

// IsBuildCode reports whether err is a BuildError with the given code.
func IsBuildCode(err error, code string) bool {
	var be *BuildError
	return errors.As(err, &be) && be.Code == code
}

// ErrNotSubmittable is returned by SubmitTransaction when the chain rejects
// the transaction outright (bad blockhash, malformed payload).
var ErrNotSubmittable = errors.New("transaction rejected at submission")

// Client is the opaque blockchain capability: build a transaction for an
// action against a post and signer, submit it, query status, and mint
// editions. Implementations live behind RPC; tests use fakes.
type Client interface {
	BuildCollectTransaction(ctx context.Context, req BuildRequest) (*BuiltTransaction, error)
	BuildPurchaseTransaction(ctx context.Context, req BuildRequest) (*BuiltTransaction, error)
	// SubmitTransaction submits a fully signed transaction and returns its
	// signature. Used for server-submitted free collects.
	SubmitTransaction(ctx context.Context, txBase64 string) (string, error)
	GetTransactionStatus(ctx context.Context, signature string) (*TxStatus, error)
	// MintEdition performs the fulfillment mint and returns the minted asset
	// address. The reservation id is passed through for builder-side dedup.
	MintEdition(ctx context.Context, req MintRequest) (string, error)
	// CreateMasterEdition creates the post's master edition when the first
	// paid purchase lands before the creator has minted one.
	CreateMasterEdition(ctx context.Context, postID int64) (string, error)
}

// ValidAddress reports whether s decodes to a 32-byte base58 public key.
func ValidAddress(s string) bool {
	raw, err := base58.Decode(s)
	return err == nil && len(raw) == 32
}

// ValidSignature reports whether s decodes to a 64-byte base58 signature.
func ValidSignature(s string) bool {
	raw, err := base58.Decode(s)
	return err == nil && len(raw) == 64
}
