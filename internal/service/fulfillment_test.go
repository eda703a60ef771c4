package service

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collect-service/internal/models"
)

func seedPaidPurchase(t *testing.T, st *memStore, withMaster bool) string {
	t.Helper()
	post := paidPost(1, 5000)
	if withMaster {
		post.MasterMint = sql.NullString{String: "Master111", Valid: true}
	}
	st.addPost(post)

	purchase := &models.Purchase{
		ID:            "res-1",
		UserID:        7,
		PostID:        1,
		Status:        models.PurchaseStatusSubmitted,
		TxSignature:   sql.NullString{String: testSignature(), Valid: true},
		WalletAddress: testWallet(),
		PriceLamports: 5000,
	}
	created, err := st.CreatePurchase(context.Background(), purchase)
	require.NoError(t, err)
	require.True(t, created)

	ok, err := st.MarkPurchasePaymentPaid(context.Background(), "res-1")
	require.NoError(t, err)
	require.True(t, ok)
	return "res-1"
}

func newTestFulfillment(st *memStore, ch *fakeChain) (*Fulfillment, *fakePublisher, *memLocker) {
	pub := &fakePublisher{}
	locker := newMemLocker()
	return NewFulfillment(st, ch, locker, pub), pub, locker
}

func TestFulfillMintsAndConfirms(t *testing.T) {
	st := newMemStore()
	ch := newFakeChain()
	id := seedPaidPurchase(t, st, true)
	f, pub, _ := newTestFulfillment(st, ch)

	res, err := f.Fulfill(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.PurchaseStatusConfirmed, res.Status)
	assert.Equal(t, ch.mintedAsset, res.NFTMint)
	assert.Equal(t, 1, ch.mintCalls)
	assert.Equal(t, 0, ch.masterCalls, "existing master edition must be reused")
	assert.Equal(t, 1, pub.count(models.EventTypeReservationConfirmed))
}

func TestFulfillIdempotentWhenConfirmed(t *testing.T) {
	st := newMemStore()
	ch := newFakeChain()
	id := seedPaidPurchase(t, st, true)
	f, pub, _ := newTestFulfillment(st, ch)

	_, err := f.Fulfill(context.Background(), id)
	require.NoError(t, err)

	res, err := f.Fulfill(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.PurchaseStatusConfirmed, res.Status)
	assert.Equal(t, 1, ch.mintCalls, "a delivered purchase must not mint again")
	assert.Equal(t, 1, pub.count(models.EventTypeReservationConfirmed))
}

func TestFulfillRejectsUnpaidPurchase(t *testing.T) {
	st := newMemStore()
	st.addPost(paidPost(1, 5000))
	purchase := &models.Purchase{
		ID:            "res-1",
		UserID:        7,
		PostID:        1,
		Status:        models.PurchaseStatusReserved,
		WalletAddress: testWallet(),
	}
	created, err := st.CreatePurchase(context.Background(), purchase)
	require.NoError(t, err)
	require.True(t, created)
	f, _, _ := newTestFulfillment(st, newFakeChain())

	_, err = f.Fulfill(context.Background(), "res-1")
	derr, ok := AsDomainError(err)
	require.True(t, ok)
	assert.Equal(t, CodeInvalidState, derr.Code)
}

func TestFulfillMintFailurePreservesPayment(t *testing.T) {
	st := newMemStore()
	ch := newFakeChain()
	ch.mintErr = errors.New("rpc timeout")
	id := seedPaidPurchase(t, st, true)
	f, _, _ := newTestFulfillment(st, ch)

	_, err := f.Fulfill(context.Background(), id)
	require.Error(t, err)

	row, err := st.GetPurchaseByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.PurchaseStatusAwaitingFulfillment, row.Status, "retryable, not failed")
	assert.True(t, row.PaymentConfirmedAt.Valid, "payment state must never roll back")

	// Retry succeeds once the chain recovers.
	ch.mu.Lock()
	ch.mintErr = nil
	ch.mu.Unlock()
	res, err := f.Fulfill(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.PurchaseStatusConfirmed, res.Status)
}

func TestFulfillCreatesMissingMasterEdition(t *testing.T) {
	st := newMemStore()
	ch := newFakeChain()
	id := seedPaidPurchase(t, st, false)
	f, _, _ := newTestFulfillment(st, ch)

	res, err := f.Fulfill(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.PurchaseStatusConfirmed, res.Status)
	assert.Equal(t, 1, ch.masterCalls)

	post, err := st.GetPostByID(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, ch.masterMint, post.MasterMint.String)
}

func TestFulfillMasterCreationFailureBlocks(t *testing.T) {
	st := newMemStore()
	ch := newFakeChain()
	ch.masterErr = errors.New("builder unavailable")
	id := seedPaidPurchase(t, st, false)
	f, _, _ := newTestFulfillment(st, ch)

	_, err := f.Fulfill(context.Background(), id)
	require.Error(t, err)

	row, err := st.GetPurchaseByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.PurchaseStatusBlockedMissingMaster, row.Status)

	ch.mu.Lock()
	ch.masterErr = nil
	ch.mu.Unlock()
	res, err := f.Fulfill(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.PurchaseStatusConfirmed, res.Status)
}

func TestFulfillSerializedPerReservation(t *testing.T) {
	st := newMemStore()
	ch := newFakeChain()
	id := seedPaidPurchase(t, st, true)
	f, _, locker := newTestFulfillment(st, ch)

	held, err := locker.Acquire(context.Background(), id, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, held)

	_, err = f.Fulfill(context.Background(), id)
	derr, ok := AsDomainError(err)
	require.True(t, ok)
	assert.Equal(t, CodeInvalidState, derr.Code)
	assert.Equal(t, 0, ch.mintCalls)

	require.NoError(t, held.Release(context.Background()))
	res, err := f.Fulfill(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.PurchaseStatusConfirmed, res.Status)
}
