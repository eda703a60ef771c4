package flow

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"collect-service/config"
	"collect-service/internal/models"
	"collect-service/internal/service"
	"collect-service/internal/util"
)

// Controller walks one (user, post) acquisition from idle to a terminal
// state. It owns a single polling goroutine while the reservation is in
// flight; all state changes go through the mutex so poll ticks and user
// actions never interleave mid-transition.
type Controller struct {
	api    API
	signer Signer
	cfg    config.FlowConfig
	kind   models.ReservationKind
	postID int64
	logger *zap.Logger
	now    func() time.Time

	mu            sync.Mutex
	state         State
	reservationID string
	signature     string
	assetRef      string
	message       string
	pollCancel    context.CancelFunc
	onChange      func(State)
}

// NewController creates a controller for one post and one reservation kind.
func NewController(api API, signer Signer, cfg config.FlowConfig, kind models.ReservationKind, postID int64) *Controller {
	return &Controller{
		api:    api,
		signer: signer,
		cfg:    cfg,
		kind:   kind,
		postID: postID,
		logger: util.GetLogger(),
		now:    time.Now,
		state:  StateIdle,
	}
}

// OnChange registers a callback fired after every state transition. It is
// invoked outside the controller lock.
func (c *Controller) OnChange(fn func(State)) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Snapshot returns the state plus the reservation details accumulated so far.
func (c *Controller) Snapshot() (State, string, string, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.reservationID, c.signature, c.assetRef
}

// Message returns the last user-facing rejection message, if any.
func (c *Controller) Message() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.message
}

// Resume resolves any reservation that survived a reload and jumps straight
// into the matching state. Called once on mount, before any user action.
func (c *Controller) Resume(ctx context.Context) error {
	status, err := c.api.ActiveReservation(ctx, c.kind, c.postID)
	if err != nil {
		return err
	}
	if status == nil {
		c.setState(StateIdle)
		return nil
	}

	c.mu.Lock()
	c.reservationID = status.ReservationID
	c.signature = status.TxSignature
	c.assetRef = status.NFTMint
	c.mu.Unlock()

	c.applyStatus(ctx, status)
	return nil
}

// Begin starts the flow: reserve, then sign if a transaction comes back,
// then track confirmation. Allowed from idle, or from failed when the wallet
// is still connected.
func (c *Controller) Begin(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIdle && c.state != StateFailed {
		c.mu.Unlock()
		return &service.DomainError{Code: service.CodeInvalidState, Message: "flow already in progress"}
	}
	if !c.signer.Connected() {
		c.mu.Unlock()
		return &service.DomainError{Code: service.CodeWalletNotLinked, Message: "wallet not connected"}
	}
	c.reservationID = ""
	c.signature = ""
	c.assetRef = ""
	c.message = ""
	c.mu.Unlock()

	c.setState(StatePreparing)

	result, err := c.api.Prepare(ctx, c.kind, c.postID, c.signer.Address())
	if err != nil {
		c.enterRejection(err)
		return err
	}

	c.mu.Lock()
	c.reservationID = result.ReservationID
	c.assetRef = result.NFTMint
	c.mu.Unlock()

	if result.AlreadyCollected {
		c.setState(StateAlreadyCollected)
		return nil
	}

	if result.Transaction != "" {
		return c.sign(ctx, result.Transaction)
	}

	// Server-submitted collect: nothing to sign, go straight to tracking.
	c.setState(StateConfirming)
	c.startPolling(ctx)
	return nil
}

// sign asks the wallet to sign and send, then records the signature
// server-side before advancing. A transport error here is ambiguous: the
// transaction may have reached the network, so the reservation is re-queried
// and only cancelled when no signature was ever recorded.
func (c *Controller) sign(ctx context.Context, txBase64 string) error {
	c.setState(StateSigning)

	signCtx, cancel := context.WithTimeout(ctx, c.cfg.SignTimeout)
	signature, err := c.signer.SignAndSubmit(signCtx, txBase64)
	cancel()
	if err != nil {
		return c.recoverAmbiguous(ctx, err)
	}

	c.mu.Lock()
	c.signature = signature
	c.mu.Unlock()

	submitCtx, cancel := context.WithTimeout(ctx, c.cfg.SubmitTimeout)
	_, err = c.api.SubmitSignature(submitCtx, c.currentReservationID(), signature)
	cancel()
	if err != nil {
		if _, ok := service.AsDomainError(err); !ok {
			return c.recoverAmbiguous(ctx, err)
		}
		// Domain rejection on submit means a concurrent writer already moved
		// the row; the poll loop will land on the authoritative state.
	}

	c.setState(StateConfirming)
	c.startPolling(ctx)
	return nil
}

// recoverAmbiguous re-queries the reservation after a failed sign or submit.
// If a signature made it onto the row the flow resumes tracking; otherwise
// the reservation is released so the slot is not wasted.
func (c *Controller) recoverAmbiguous(ctx context.Context, cause error) error {
	id := c.currentReservationID()

	status, err := c.api.Status(ctx, c.kind, id)
	if err == nil && status.TxSignature != "" {
		c.logger.Info("Signature recorded despite submit error, resuming",
			zap.String("reservation_id", id),
			zap.Error(cause))
		c.mu.Lock()
		c.signature = status.TxSignature
		c.mu.Unlock()
		c.applyStatus(ctx, status)
		return nil
	}

	if cancelErr := c.api.Cancel(ctx, c.kind, id); cancelErr != nil {
		c.logger.Warn("Failed to release unsigned reservation",
			zap.String("reservation_id", id),
			zap.Error(cancelErr))
	}
	c.fail(cause.Error())
	return cause
}

// Claim retries the mint for a paid purchase whose payment already cleared.
// Failure keeps the flow in claiming; payment is not at risk.
func (c *Controller) Claim(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateClaiming {
		c.mu.Unlock()
		return &service.DomainError{Code: service.CodeInvalidState, Message: "nothing to claim"}
	}
	id := c.reservationID
	c.mu.Unlock()

	result, err := c.api.Fulfill(ctx, id)
	if err != nil {
		c.logger.Warn("Fulfillment attempt failed",
			zap.String("reservation_id", id),
			zap.Error(err))
		c.setState(StateClaiming)
		return err
	}

	c.mu.Lock()
	c.assetRef = result.NFTMint
	c.mu.Unlock()

	if result.Status == models.PurchaseStatusConfirmed && result.NFTMint != "" {
		c.setState(StateSuccess)
	} else {
		c.setState(StateClaiming)
	}
	return nil
}

// Refresh forces one status check, for flows whose poll window expired.
func (c *Controller) Refresh(ctx context.Context) error {
	id := c.currentReservationID()
	if id == "" {
		return &service.DomainError{Code: service.CodeInvalidState, Message: "no reservation"}
	}
	status, err := c.api.Status(ctx, c.kind, id)
	if err != nil {
		return err
	}
	c.applyStatus(ctx, status)
	return nil
}

// Close tears the flow down. A reservation still in preparing or signing
// with no signature is released so the rate-limit slot and the (user, post)
// key are freed; anything submitted is left for the reconciler to settle.
func (c *Controller) Close() {
	c.mu.Lock()
	cancel := c.pollCancel
	c.pollCancel = nil
	state := c.state
	id := c.reservationID
	signature := c.signature
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if (state == StatePreparing || state == StateSigning) && signature == "" && id != "" {
		ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := c.api.Cancel(ctx, c.kind, id); err != nil {
			c.logger.Warn("Failed to release reservation on teardown",
				zap.String("reservation_id", id),
				zap.Error(err))
		}
	}
}

// applyStatus maps an authoritative server status onto a flow state. For
// purchases, confirmed payment without an asset routes to claiming, never to
// success.
func (c *Controller) applyStatus(ctx context.Context, status *service.StatusResult) {
	c.mu.Lock()
	if status.NFTMint != "" {
		c.assetRef = status.NFTMint
	}
	if status.TxSignature != "" {
		c.signature = status.TxSignature
	}
	c.mu.Unlock()

	switch status.Status {
	case models.PurchaseStatusConfirmed:
		c.stopPolling()
		c.setState(StateSuccess)
	case models.PurchaseStatusFailed:
		c.stopPolling()
		c.fail("transaction failed on chain")
	case models.PurchaseStatusAwaitingFulfillment, models.PurchaseStatusBlockedMissingMaster:
		c.stopPolling()
		c.setState(StateClaiming)
	case models.PurchaseStatusMinting, models.PurchaseStatusMasterCreated:
		c.setState(StateMinting)
		c.ensurePolling(ctx)
	default:
		// reserved, submitted, pending
		if status.TxSignature != "" {
			// The minting hint is softer than the server status; a repeat
			// of the same fact must not undo it.
			if c.State() != StateMinting {
				c.setState(StateConfirming)
			}
			c.ensurePolling(ctx)
		} else {
			switch c.State() {
			case StateConfirming, StateMinting:
				// Signature not visible server-side yet; keep tracking.
				c.ensurePolling(ctx)
			default:
				c.setState(StateIdle)
			}
		}
	}
}

// startPolling launches the tracking goroutine, replacing any previous one.
func (c *Controller) startPolling(ctx context.Context) {
	c.stopPolling()

	pollCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.pollCancel = cancel
	c.mu.Unlock()

	go c.pollLoop(pollCtx)
}

// ensurePolling starts polling only if no loop is already running.
func (c *Controller) ensurePolling(ctx context.Context) {
	c.mu.Lock()
	running := c.pollCancel != nil
	c.mu.Unlock()
	if !running {
		c.startPolling(ctx)
	}
}

func (c *Controller) stopPolling() {
	c.mu.Lock()
	cancel := c.pollCancel
	c.pollCancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *Controller) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	deadline := c.now().Add(c.cfg.ConfirmTimeout)
	started := c.now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		// Soft hint for purchases: after a fixed delay, show minting so the
		// user sees progress even though the server status has not moved.
		if c.kind == models.KindPurchase && c.State() == StateConfirming &&
			c.now().Sub(started) >= c.cfg.MintingHintDelay {
			c.setState(StateMinting)
		}

		id := c.currentReservationID()
		status, err := c.api.Status(ctx, c.kind, id)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("Status poll failed",
				zap.String("reservation_id", id),
				zap.Error(err))
			continue
		}

		c.applyStatus(ctx, status)
		if c.State().Terminal() || c.State() == StateClaiming {
			return
		}

		if c.now().After(deadline) {
			// With a signature on record the transaction may still land, so
			// the row is left for the reconciler and the user can refresh.
			c.mu.Lock()
			signature := c.signature
			c.mu.Unlock()
			if signature == "" {
				if err := c.api.Cancel(ctx, c.kind, id); err != nil {
					c.logger.Warn("Failed to release reservation on timeout",
						zap.String("reservation_id", id),
						zap.Error(err))
				}
				c.fail("timed out waiting for confirmation")
			}
			return
		}
	}
}

// enterRejection maps a prepare failure onto its dedicated flow state.
func (c *Controller) enterRejection(err error) {
	derr, ok := service.AsDomainError(err)
	if !ok {
		c.fail(err.Error())
		return
	}

	c.mu.Lock()
	c.message = derr.Message
	c.mu.Unlock()

	switch derr.Code {
	case service.CodeAlreadyCollected:
		c.setState(StateAlreadyCollected)
	case service.CodeSoldOut:
		c.setState(StateSoldOut)
	case service.CodeInsufficientFunds:
		c.setState(StateInsufficientFunds)
	default:
		c.setState(StateFailed)
	}
}

func (c *Controller) fail(message string) {
	c.mu.Lock()
	c.message = message
	c.mu.Unlock()
	c.setState(StateFailed)
}

func (c *Controller) setState(next State) {
	c.mu.Lock()
	if c.state == next {
		c.mu.Unlock()
		return
	}
	c.state = next
	fn := c.onChange
	c.mu.Unlock()

	if fn != nil {
		fn(next)
	}
}

func (c *Controller) currentReservationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reservationID
}
