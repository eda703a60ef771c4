package service

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/mr-tron/base58"

	"collect-service/internal/chain"
	"collect-service/internal/models"
	"collect-service/internal/ratelimit"
)

func testWallet() string {
	return base58.Encode(bytes.Repeat([]byte{1}, 32))
}

func testSignature() string {
	return base58.Encode(bytes.Repeat([]byte{2}, 64))
}

func testSignature2() string {
	return base58.Encode(bytes.Repeat([]byte{3}, 64))
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: true}
}

// memStore is an in-memory Store with the same conditional-update semantics
// as the SQL implementation: every transition is status-guarded and reports
// whether it applied.
type memStore struct {
	mu          sync.Mutex
	posts       map[int64]*models.Post
	wallets     []models.Wallet
	collections map[string]*models.Collection
	purchases   map[string]*models.Purchase
	webhookSeen map[string]bool
	seq         int
}

func newMemStore() *memStore {
	return &memStore{
		posts:       make(map[int64]*models.Post),
		collections: make(map[string]*models.Collection),
		purchases:   make(map[string]*models.Purchase),
		webhookSeen: make(map[string]bool),
	}
}

func (m *memStore) addPost(p *models.Post) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.posts[p.ID] = p
}

func (m *memStore) addWallet(w models.Wallet) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wallets = append(m.wallets, w)
}

func (m *memStore) GetPostByID(_ context.Context, id int64) (*models.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.posts[id]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (m *memStore) SetPostMasterMint(_ context.Context, postID int64, masterMint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.posts[postID]
	if !ok {
		return fmt.Errorf("post %d not found", postID)
	}
	if !p.MasterMint.Valid {
		p.MasterMint = sql.NullString{String: masterMint, Valid: true}
	}
	return nil
}

func (m *memStore) GetLinkedWallet(_ context.Context, userID int64, address string) (*models.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.wallets {
		if m.wallets[i].UserID == userID && m.wallets[i].Address == address {
			cp := m.wallets[i]
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) GetDefaultWallet(_ context.Context, userID int64) (*models.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.wallets {
		if m.wallets[i].UserID == userID && m.wallets[i].IsDefault {
			cp := m.wallets[i]
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) CreateCollection(_ context.Context, c *models.Collection) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.collections {
		if existing.UserID == c.UserID && existing.PostID == c.PostID && existing.Status != models.CollectionStatusFailed {
			return false, nil
		}
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	c.UpdatedAt = c.CreatedAt
	cp := *c
	m.collections[c.ID] = &cp
	return true, nil
}

func (m *memStore) GetCollectionByID(_ context.Context, id string) (*models.Collection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.collections[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (m *memStore) GetActiveCollection(_ context.Context, userID, postID int64) (*models.Collection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.collections {
		if c.UserID == userID && c.PostID == postID && c.Status != models.CollectionStatusFailed {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) GetCollectionBySignature(_ context.Context, signature string) (*models.Collection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.collections {
		if c.TxSignature.Valid && c.TxSignature.String == signature {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) SetCollectionSignature(_ context.Context, id, signature string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.collections[id]
	if !ok || c.Status != models.CollectionStatusPending || c.TxSignature.Valid {
		return false, nil
	}
	c.TxSignature = sql.NullString{String: signature, Valid: true}
	return true, nil
}

func (m *memStore) SetCollectionNFTMint(_ context.Context, id, nftMint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.collections[id]
	if !ok {
		return fmt.Errorf("collection %s not found", id)
	}
	if !c.NFTMint.Valid {
		c.NFTMint = sql.NullString{String: nftMint, Valid: true}
	}
	return nil
}

func (m *memStore) ConfirmCollection(_ context.Context, id string, postID int64, nftMint string, maxSupply int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.collections[id]
	if !ok || c.Status != models.CollectionStatusPending {
		return false, nil
	}
	if maxSupply > 0 && m.confirmedCollections(postID) >= maxSupply {
		return false, nil
	}
	c.Status = models.CollectionStatusConfirmed
	if !c.NFTMint.Valid && nftMint != "" {
		c.NFTMint = sql.NullString{String: nftMint, Valid: true}
	}
	return true, nil
}

func (m *memStore) FailCollection(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.collections[id]
	if !ok || c.Status != models.CollectionStatusPending {
		return false, nil
	}
	c.Status = models.CollectionStatusFailed
	return true, nil
}

func (m *memStore) confirmedCollections(postID int64) int {
	n := 0
	for _, c := range m.collections {
		if c.PostID == postID && c.Status == models.CollectionStatusConfirmed {
			n++
		}
	}
	return n
}

func (m *memStore) CountConfirmedCollections(_ context.Context, postID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.confirmedCollections(postID), nil
}

func (m *memStore) ListStaleCollections(_ context.Context, cutoff time.Time, limit int) ([]models.Collection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Collection
	for _, c := range m.collections {
		if c.Status == models.CollectionStatusPending && !c.TxSignature.Valid && c.CreatedAt.Before(cutoff) {
			out = append(out, *c)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (m *memStore) ListUnresolvedCollections(_ context.Context, cutoff time.Time, limit int) ([]models.Collection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Collection
	for _, c := range m.collections {
		if c.Status == models.CollectionStatusPending && c.TxSignature.Valid && c.CreatedAt.Before(cutoff) {
			out = append(out, *c)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (m *memStore) CreatePurchase(_ context.Context, p *models.Purchase) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.purchases {
		if existing.UserID == p.UserID && existing.PostID == p.PostID && existing.Status != models.PurchaseStatusFailed {
			return false, nil
		}
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	p.UpdatedAt = p.CreatedAt
	cp := *p
	m.purchases[p.ID] = &cp
	return true, nil
}

func (m *memStore) GetPurchaseByID(_ context.Context, id string) (*models.Purchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.purchases[id]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (m *memStore) GetActivePurchase(_ context.Context, userID, postID int64) (*models.Purchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.purchases {
		if p.UserID == userID && p.PostID == postID && p.Status != models.PurchaseStatusFailed {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) GetPurchaseBySignature(_ context.Context, signature string) (*models.Purchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.purchases {
		if p.TxSignature.Valid && p.TxSignature.String == signature {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) SubmitPurchase(_ context.Context, id, signature string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.purchases[id]
	if !ok || p.Status != models.PurchaseStatusReserved || p.TxSignature.Valid {
		return false, nil
	}
	p.Status = models.PurchaseStatusSubmitted
	p.TxSignature = sql.NullString{String: signature, Valid: true}
	return true, nil
}

func (m *memStore) transitionPurchase(id string, from []string, to string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.purchases[id]
	if !ok {
		return false, nil
	}
	for _, s := range from {
		if p.Status == s {
			p.Status = to
			if to == models.PurchaseStatusAwaitingFulfillment && !p.PaymentConfirmedAt.Valid {
				p.PaymentConfirmedAt = sql.NullTime{Time: time.Now(), Valid: true}
			}
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) MarkPurchasePaymentPaid(_ context.Context, id string) (bool, error) {
	return m.transitionPurchase(id,
		[]string{models.PurchaseStatusReserved, models.PurchaseStatusSubmitted},
		models.PurchaseStatusAwaitingFulfillment)
}

func (m *memStore) MarkPurchaseMinting(_ context.Context, id string) (bool, error) {
	return m.transitionPurchase(id,
		[]string{models.PurchaseStatusAwaitingFulfillment, models.PurchaseStatusMasterCreated, models.PurchaseStatusBlockedMissingMaster},
		models.PurchaseStatusMinting)
}

func (m *memStore) MarkPurchaseMasterCreated(_ context.Context, id string) (bool, error) {
	return m.transitionPurchase(id,
		[]string{models.PurchaseStatusMinting, models.PurchaseStatusAwaitingFulfillment, models.PurchaseStatusBlockedMissingMaster},
		models.PurchaseStatusMasterCreated)
}

func (m *memStore) MarkPurchaseBlockedMissingMaster(_ context.Context, id string) (bool, error) {
	return m.transitionPurchase(id,
		[]string{models.PurchaseStatusMinting, models.PurchaseStatusAwaitingFulfillment},
		models.PurchaseStatusBlockedMissingMaster)
}

func (m *memStore) ReleasePurchaseMinting(_ context.Context, id string) (bool, error) {
	return m.transitionPurchase(id,
		[]string{models.PurchaseStatusMinting},
		models.PurchaseStatusAwaitingFulfillment)
}

func (m *memStore) ConfirmPurchase(_ context.Context, id string, postID int64, nftMint string, maxSupply int) (bool, error) {
	if nftMint == "" {
		return false, fmt.Errorf("confirm requires a minted asset")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.purchases[id]
	if !ok {
		return false, nil
	}
	switch p.Status {
	case models.PurchaseStatusReserved, models.PurchaseStatusSubmitted,
		models.PurchaseStatusAwaitingFulfillment, models.PurchaseStatusMinting,
		models.PurchaseStatusMasterCreated:
	default:
		return false, nil
	}
	if maxSupply > 0 && m.confirmedPurchases(postID) >= maxSupply {
		return false, nil
	}
	p.Status = models.PurchaseStatusConfirmed
	if !p.NFTMint.Valid {
		p.NFTMint = sql.NullString{String: nftMint, Valid: true}
	}
	return true, nil
}

func (m *memStore) FailPurchase(_ context.Context, id string) (bool, error) {
	return m.transitionPurchase(id,
		[]string{models.PurchaseStatusReserved, models.PurchaseStatusSubmitted},
		models.PurchaseStatusFailed)
}

func (m *memStore) confirmedPurchases(postID int64) int {
	n := 0
	for _, p := range m.purchases {
		if p.PostID == postID && p.Status == models.PurchaseStatusConfirmed {
			n++
		}
	}
	return n
}

func (m *memStore) CountConfirmedPurchases(_ context.Context, postID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.confirmedPurchases(postID), nil
}

func (m *memStore) ListStalePurchases(_ context.Context, cutoff time.Time, limit int) ([]models.Purchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Purchase
	for _, p := range m.purchases {
		if p.Status == models.PurchaseStatusReserved && !p.TxSignature.Valid && p.CreatedAt.Before(cutoff) {
			out = append(out, *p)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (m *memStore) ListUnresolvedPurchases(_ context.Context, cutoff time.Time, limit int) ([]models.Purchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Purchase
	for _, p := range m.purchases {
		if p.Status == models.PurchaseStatusSubmitted && p.TxSignature.Valid && p.CreatedAt.Before(cutoff) {
			out = append(out, *p)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (m *memStore) IsWebhookEventProcessed(_ context.Context, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.webhookSeen[eventID], nil
}

func (m *memStore) MarkWebhookEventProcessed(_ context.Context, eventID, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.webhookSeen[eventID] = true
	return nil
}

var _ Store = (*memStore)(nil)

// fakePublisher records published events by type.
type fakePublisher struct {
	mu     sync.Mutex
	events []string
}

func (f *fakePublisher) record(eventType string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, eventType)
}

func (f *fakePublisher) count(eventType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e == eventType {
			n++
		}
	}
	return n
}

func (f *fakePublisher) PublishReservationCreated(_ context.Context, _ *models.ReservationCreatedEvent) error {
	f.record(models.EventTypeReservationCreated)
	return nil
}

func (f *fakePublisher) PublishReservationSubmitted(_ context.Context, _ *models.ReservationSubmittedEvent) error {
	f.record(models.EventTypeReservationSubmitted)
	return nil
}

func (f *fakePublisher) PublishPaymentConfirmed(_ context.Context, _ *models.PaymentConfirmedEvent) error {
	f.record(models.EventTypePaymentConfirmed)
	return nil
}

func (f *fakePublisher) PublishReservationConfirmed(_ context.Context, _ *models.ReservationConfirmedEvent) error {
	f.record(models.EventTypeReservationConfirmed)
	return nil
}

func (f *fakePublisher) PublishReservationFailed(_ context.Context, _ *models.ReservationFailedEvent) error {
	f.record(models.EventTypeReservationFailed)
	return nil
}

var _ Publisher = (*fakePublisher)(nil)

// allowLimiter always allows.
type allowLimiter struct{}

func (allowLimiter) Check(_ context.Context, _ int64, _ string) (ratelimit.Decision, error) {
	return ratelimit.Decision{Allowed: true}, nil
}

// denyLimiter always denies with a fixed retry window.
type denyLimiter struct{}

func (denyLimiter) Check(_ context.Context, _ int64, _ string) (ratelimit.Decision, error) {
	return ratelimit.Decision{
		Allowed:    false,
		Window:     ratelimit.WindowBurst,
		Limit:      5,
		RetryAfter: 42 * time.Second,
	}, nil
}

// memLocker is an in-process Locker with real mutual exclusion.
type memLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func newMemLocker() *memLocker {
	return &memLocker{held: make(map[string]bool)}
}

type memLock struct {
	locker *memLocker
	id     string
}

func (l *memLock) Release(_ context.Context) error {
	l.locker.mu.Lock()
	defer l.locker.mu.Unlock()
	delete(l.locker.held, l.id)
	return nil
}

func (m *memLocker) Acquire(_ context.Context, reservationID string, _ time.Duration) (Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held[reservationID] {
		return nil, nil
	}
	m.held[reservationID] = true
	return &memLock{locker: m, id: reservationID}, nil
}

var _ Locker = (*memLocker)(nil)

// fakeChain is a scriptable chain.Client.
type fakeChain struct {
	mu sync.Mutex

	buildErr    error
	builtTx     string
	builtMint   string
	submitErr   error
	signature   string
	statuses    map[string]*chain.TxStatus
	statusErr   error
	mintErr     error
	mintedAsset string
	masterErr   error
	masterMint  string

	mintCalls   int
	masterCalls int
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		builtTx:     "dHgtYmFzZTY0",
		signature:   testSignature(),
		statuses:    make(map[string]*chain.TxStatus),
		mintedAsset: "FakeMint1111111111111111111111111111111111",
		masterMint:  "FakeMaster111111111111111111111111111111111",
	}
}

func (f *fakeChain) setStatus(signature string, status *chain.TxStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[signature] = status
}

func (f *fakeChain) BuildCollectTransaction(_ context.Context, _ chain.BuildRequest) (*chain.BuiltTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.buildErr != nil {
		return nil, f.buildErr
	}
	return &chain.BuiltTransaction{TxBase64: f.builtTx, NFTMint: f.builtMint}, nil
}

func (f *fakeChain) BuildPurchaseTransaction(ctx context.Context, req chain.BuildRequest) (*chain.BuiltTransaction, error) {
	return f.BuildCollectTransaction(ctx, req)
}

func (f *fakeChain) SubmitTransaction(_ context.Context, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	return f.signature, nil
}

func (f *fakeChain) GetTransactionStatus(_ context.Context, signature string) (*chain.TxStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	if s, ok := f.statuses[signature]; ok {
		cp := *s
		return &cp, nil
	}
	return &chain.TxStatus{Outcome: chain.OutcomeUnknown}, nil
}

func (f *fakeChain) MintEdition(_ context.Context, _ chain.MintRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mintCalls++
	if f.mintErr != nil {
		return "", f.mintErr
	}
	return f.mintedAsset, nil
}

func (f *fakeChain) CreateMasterEdition(_ context.Context, _ int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.masterCalls++
	if f.masterErr != nil {
		return "", f.masterErr
	}
	return f.masterMint, nil
}

var _ chain.Client = (*fakeChain)(nil)
