package flow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collect-service/config"
	"collect-service/internal/models"
	"collect-service/internal/service"
)

func testFlowConfig() config.FlowConfig {
	return config.FlowConfig{
		SignTimeout:      time.Second,
		SubmitTimeout:    time.Second,
		ConfirmTimeout:   500 * time.Millisecond,
		PollInterval:     5 * time.Millisecond,
		MintingHintDelay: 15 * time.Millisecond,
	}
}

// fakeAPI scripts the server side of a flow.
type fakeAPI struct {
	mu sync.Mutex

	prepareResult *service.PrepareResult
	prepareErr    error
	statusQueue   []*service.StatusResult
	statusErr     error
	submitResult  *service.PrepareResult
	submitErr     error
	fulfillResult *service.FulfillResult
	fulfillErr    error
	active        *service.StatusResult

	cancelled  []string
	submits    []string
	statusHits int
}

func (f *fakeAPI) Prepare(_ context.Context, _ models.ReservationKind, _ int64, _ string) (*service.PrepareResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prepareResult, f.prepareErr
}

func (f *fakeAPI) Status(_ context.Context, _ models.ReservationKind, _ string) (*service.StatusResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusHits++
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	if len(f.statusQueue) == 0 {
		return &service.StatusResult{}, nil
	}
	res := f.statusQueue[0]
	if len(f.statusQueue) > 1 {
		f.statusQueue = f.statusQueue[1:]
	}
	return res, nil
}

func (f *fakeAPI) ActiveReservation(_ context.Context, _ models.ReservationKind, _ int64) (*service.StatusResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active, nil
}

func (f *fakeAPI) SubmitSignature(_ context.Context, id, _ string) (*service.PrepareResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits = append(f.submits, id)
	return f.submitResult, f.submitErr
}

func (f *fakeAPI) Fulfill(_ context.Context, _ string) (*service.FulfillResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fulfillResult, f.fulfillErr
}

func (f *fakeAPI) Cancel(_ context.Context, _ models.ReservationKind, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	return nil
}

func (f *fakeAPI) cancelCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cancelled)
}

var _ API = (*fakeAPI)(nil)

type fakeSigner struct {
	connected bool
	signature string
	err       error
	block     chan struct{}
}

func (s *fakeSigner) Connected() bool { return s.connected }
func (s *fakeSigner) Address() string { return "Wallet1" }

func (s *fakeSigner) SignAndSubmit(ctx context.Context, _ string) (string, error) {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return s.signature, s.err
}

func waitForState(t *testing.T, c *Controller, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %q, still %q", want, c.State())
}

func TestCollectServerSubmittedFlow(t *testing.T) {
	api := &fakeAPI{
		prepareResult: &service.PrepareResult{ReservationID: "res-1", Kind: models.KindCollection, Status: "pending"},
		statusQueue: []*service.StatusResult{
			{ReservationID: "res-1", Status: "pending", TxSignature: "sig-1"},
			{ReservationID: "res-1", Status: "confirmed", TxSignature: "sig-1", NFTMint: "Mint1"},
		},
	}
	c := NewController(api, &fakeSigner{connected: true}, testFlowConfig(), models.KindCollection, 1)
	defer c.Close()

	require.NoError(t, c.Begin(context.Background()))
	waitForState(t, c, StateSuccess)

	_, _, _, assetRef := c.Snapshot()
	assert.Equal(t, "Mint1", assetRef)
	assert.Empty(t, api.submits, "server-submitted collects have nothing to sign")
}

func TestPurchaseSignsSubmitsConfirms(t *testing.T) {
	api := &fakeAPI{
		prepareResult: &service.PrepareResult{ReservationID: "res-1", Kind: models.KindPurchase, Status: "reserved", Transaction: "dHg="},
		submitResult:  &service.PrepareResult{ReservationID: "res-1", Status: "submitted"},
		statusQueue: []*service.StatusResult{
			{ReservationID: "res-1", Status: "submitted", TxSignature: "sig-1"},
			{ReservationID: "res-1", Status: "confirmed", TxSignature: "sig-1", NFTMint: "Mint1"},
		},
	}
	c := NewController(api, &fakeSigner{connected: true, signature: "sig-1"}, testFlowConfig(), models.KindPurchase, 1)
	defer c.Close()

	require.NoError(t, c.Begin(context.Background()))
	waitForState(t, c, StateSuccess)
	assert.Equal(t, []string{"res-1"}, api.submits)
	assert.Zero(t, api.cancelCount())
}

func TestBeginRequiresConnectedWallet(t *testing.T) {
	c := NewController(&fakeAPI{}, &fakeSigner{connected: false}, testFlowConfig(), models.KindCollection, 1)
	err := c.Begin(context.Background())
	derr, ok := service.AsDomainError(err)
	require.True(t, ok)
	assert.Equal(t, service.CodeWalletNotLinked, derr.Code)
	assert.Equal(t, StateIdle, c.State())
}

func TestBeginRejectedWhileInFlight(t *testing.T) {
	api := &fakeAPI{
		prepareResult: &service.PrepareResult{ReservationID: "res-1", Status: "pending"},
		statusQueue:   []*service.StatusResult{{ReservationID: "res-1", Status: "pending", TxSignature: "sig-1"}},
	}
	c := NewController(api, &fakeSigner{connected: true}, testFlowConfig(), models.KindCollection, 1)
	defer c.Close()

	require.NoError(t, c.Begin(context.Background()))
	waitForState(t, c, StateConfirming)

	err := c.Begin(context.Background())
	derr, ok := service.AsDomainError(err)
	require.True(t, ok)
	assert.Equal(t, service.CodeInvalidState, derr.Code)
}

func TestPrepareRejectionStates(t *testing.T) {
	cases := map[string]State{
		service.CodeSoldOut:           StateSoldOut,
		service.CodeInsufficientFunds: StateInsufficientFunds,
		service.CodeAlreadyCollected:  StateAlreadyCollected,
		service.CodeRateLimited:       StateFailed,
	}
	for code, want := range cases {
		api := &fakeAPI{prepareErr: &service.DomainError{Code: code, Message: code}}
		c := NewController(api, &fakeSigner{connected: true}, testFlowConfig(), models.KindPurchase, 1)

		err := c.Begin(context.Background())
		assert.Error(t, err, code)
		assert.Equal(t, want, c.State(), code)
		assert.Equal(t, code, c.Message(), code)
	}
}

func TestAlreadyCollectedOnResult(t *testing.T) {
	api := &fakeAPI{
		prepareResult: &service.PrepareResult{ReservationID: "res-1", Status: "confirmed", NFTMint: "Mint1", AlreadyCollected: true},
	}
	c := NewController(api, &fakeSigner{connected: true}, testFlowConfig(), models.KindCollection, 1)

	require.NoError(t, c.Begin(context.Background()))
	assert.Equal(t, StateAlreadyCollected, c.State())
}

func TestSignFailureWithoutSignatureCancels(t *testing.T) {
	api := &fakeAPI{
		prepareResult: &service.PrepareResult{ReservationID: "res-1", Status: "reserved", Transaction: "dHg="},
		statusQueue:   []*service.StatusResult{{ReservationID: "res-1", Status: "reserved"}},
	}
	c := NewController(api, &fakeSigner{connected: true, err: errors.New("user rejected")}, testFlowConfig(), models.KindPurchase, 1)

	err := c.Begin(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateFailed, c.State())
	assert.Equal(t, []string{"res-1"}, api.cancelled)
}

func TestAmbiguousSubmitErrorResumesWhenSignatureRecorded(t *testing.T) {
	api := &fakeAPI{
		prepareResult: &service.PrepareResult{ReservationID: "res-1", Status: "reserved", Transaction: "dHg="},
		submitErr:     errors.New("connection reset"),
		statusQueue: []*service.StatusResult{
			{ReservationID: "res-1", Status: "submitted", TxSignature: "sig-1"},
			{ReservationID: "res-1", Status: "confirmed", TxSignature: "sig-1", NFTMint: "Mint1"},
		},
	}
	c := NewController(api, &fakeSigner{connected: true, signature: "sig-1"}, testFlowConfig(), models.KindPurchase, 1)
	defer c.Close()

	// The transaction reached the network even though the submit call died;
	// the flow must resume tracking instead of cancelling.
	require.NoError(t, c.Begin(context.Background()))
	waitForState(t, c, StateSuccess)
	assert.Zero(t, api.cancelCount())
}

func TestPaymentWithoutAssetEntersClaiming(t *testing.T) {
	api := &fakeAPI{
		prepareResult: &service.PrepareResult{ReservationID: "res-1", Status: "reserved", Transaction: "dHg="},
		submitResult:  &service.PrepareResult{ReservationID: "res-1", Status: "submitted"},
		statusQueue: []*service.StatusResult{
			{ReservationID: "res-1", Status: "awaiting_fulfillment", TxSignature: "sig-1", PaymentConfirmed: true},
		},
	}
	c := NewController(api, &fakeSigner{connected: true, signature: "sig-1"}, testFlowConfig(), models.KindPurchase, 1)
	defer c.Close()

	require.NoError(t, c.Begin(context.Background()))
	waitForState(t, c, StateClaiming)

	// First claim attempt fails; payment is not at risk, state holds.
	api.mu.Lock()
	api.fulfillErr = errors.New("mint rpc down")
	api.mu.Unlock()
	require.Error(t, c.Claim(context.Background()))
	assert.Equal(t, StateClaiming, c.State())

	api.mu.Lock()
	api.fulfillErr = nil
	api.fulfillResult = &service.FulfillResult{ReservationID: "res-1", Status: "confirmed", NFTMint: "Mint1"}
	api.mu.Unlock()
	require.NoError(t, c.Claim(context.Background()))
	assert.Equal(t, StateSuccess, c.State())
}

func TestMintingHintAfterDelay(t *testing.T) {
	api := &fakeAPI{
		prepareResult: &service.PrepareResult{ReservationID: "res-1", Status: "reserved", Transaction: "dHg="},
		submitResult:  &service.PrepareResult{ReservationID: "res-1", Status: "submitted"},
		statusQueue: []*service.StatusResult{
			{ReservationID: "res-1", Status: "submitted", TxSignature: "sig-1"},
		},
	}
	c := NewController(api, &fakeSigner{connected: true, signature: "sig-1"}, testFlowConfig(), models.KindPurchase, 1)
	defer c.Close()

	require.NoError(t, c.Begin(context.Background()))
	// No new server fact, only the elapsed hint delay.
	waitForState(t, c, StateMinting)
}

func TestResumeJumpsIntoMatchingState(t *testing.T) {
	cases := []struct {
		status *service.StatusResult
		want   State
	}{
		{&service.StatusResult{ReservationID: "res-1", Status: "confirmed", NFTMint: "Mint1"}, StateSuccess},
		{&service.StatusResult{ReservationID: "res-1", Status: "awaiting_fulfillment", TxSignature: "sig-1", PaymentConfirmed: true}, StateClaiming},
		{&service.StatusResult{ReservationID: "res-1", Status: "failed"}, StateFailed},
		{nil, StateIdle},
	}
	for _, tc := range cases {
		api := &fakeAPI{active: tc.status}
		if tc.status != nil {
			api.statusQueue = []*service.StatusResult{tc.status}
		}
		c := NewController(api, &fakeSigner{connected: true}, testFlowConfig(), models.KindPurchase, 1)
		require.NoError(t, c.Resume(context.Background()))
		assert.Equal(t, tc.want, c.State())
		c.Close()
	}
}

func TestResumeSubmittedKeepsPolling(t *testing.T) {
	api := &fakeAPI{
		active: &service.StatusResult{ReservationID: "res-1", Status: "submitted", TxSignature: "sig-1"},
		statusQueue: []*service.StatusResult{
			{ReservationID: "res-1", Status: "submitted", TxSignature: "sig-1"},
			{ReservationID: "res-1", Status: "confirmed", TxSignature: "sig-1", NFTMint: "Mint1"},
		},
	}
	c := NewController(api, &fakeSigner{connected: true}, testFlowConfig(), models.KindPurchase, 1)
	defer c.Close()

	require.NoError(t, c.Resume(context.Background()))
	waitForState(t, c, StateSuccess)
}

func TestCloseReleasesUnsignedReservation(t *testing.T) {
	signer := &fakeSigner{connected: true, signature: "sig-1", block: make(chan struct{})}
	api := &fakeAPI{
		prepareResult: &service.PrepareResult{ReservationID: "res-1", Status: "reserved", Transaction: "dHg="},
		statusQueue:   []*service.StatusResult{{ReservationID: "res-1", Status: "reserved"}},
	}
	c := NewController(api, signer, testFlowConfig(), models.KindPurchase, 1)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Begin(context.Background())
	}()
	waitForState(t, c, StateSigning)

	// Teardown mid-signing: the unsigned reservation must be released so the
	// slot is not wasted.
	c.Close()
	assert.GreaterOrEqual(t, api.cancelCount(), 1)

	close(signer.block)
	<-done
}

func TestConfirmTimeoutWithoutSignatureFails(t *testing.T) {
	cfg := testFlowConfig()
	cfg.ConfirmTimeout = 20 * time.Millisecond

	api := &fakeAPI{
		prepareResult: &service.PrepareResult{ReservationID: "res-1", Status: "pending"},
		statusQueue:   []*service.StatusResult{{ReservationID: "res-1", Status: "pending"}},
	}
	c := NewController(api, &fakeSigner{connected: true}, cfg, models.KindCollection, 1)
	defer c.Close()

	require.NoError(t, c.Begin(context.Background()))
	waitForState(t, c, StateFailed)
	assert.GreaterOrEqual(t, api.cancelCount(), 1)
}
