package store

import (
	"context"
	"database/sql"
	"time"

	"collect-service/internal/models"
)

// CreatePurchase inserts a new reserved purchase row. Creation is race-safe
// the same way as CreateCollection: the partial unique index over non-failed
// (user, post) rows makes the concurrent loser a silent no-op.
func (s *Store) CreatePurchase(ctx context.Context, p *models.Purchase) (bool, error) {
	query := `
		INSERT INTO purchases (id, user_id, post_id, status, wallet_address, ip_address, price_lamports)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id, post_id) WHERE status <> 'failed' DO NOTHING
		RETURNING created_at, updated_at`

	err := s.db.QueryRowxContext(ctx, query,
		p.ID, p.UserID, p.PostID, p.Status, p.WalletAddress, p.IPAddress, p.PriceLamports).
		Scan(&p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetPurchaseByID retrieves a purchase by ID
func (s *Store) GetPurchaseByID(ctx context.Context, id string) (*models.Purchase, error) {
	var p models.Purchase
	err := s.db.GetContext(ctx, &p, "SELECT * FROM purchases WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetActivePurchase retrieves the non-failed purchase for (user, post).
func (s *Store) GetActivePurchase(ctx context.Context, userID, postID int64) (*models.Purchase, error) {
	var p models.Purchase
	err := s.db.GetContext(ctx, &p,
		"SELECT * FROM purchases WHERE user_id = $1 AND post_id = $2 AND status <> 'failed' ORDER BY created_at DESC LIMIT 1",
		userID, postID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetPurchaseBySignature retrieves a purchase by transaction signature.
func (s *Store) GetPurchaseBySignature(ctx context.Context, signature string) (*models.Purchase, error) {
	var p models.Purchase
	err := s.db.GetContext(ctx, &p, "SELECT * FROM purchases WHERE tx_signature = $1", signature)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// SubmitPurchase records the signed transaction's signature and moves
// reserved -> submitted in one step. Write-once: a second submission for the
// same row is a no-op.
func (s *Store) SubmitPurchase(ctx context.Context, id, signature string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE purchases SET status = 'submitted', tx_signature = $1, updated_at = NOW()
		 WHERE id = $2 AND status = 'reserved' AND tx_signature IS NULL`,
		signature, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// MarkPurchasePaymentPaid transitions to awaiting_fulfillment once payment is
// observed on-chain, stamping payment_confirmed_at exactly once. Payment
// confirmation without a delivered asset must never land on confirmed.
func (s *Store) MarkPurchasePaymentPaid(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE purchases
		 SET status = 'awaiting_fulfillment',
		     payment_confirmed_at = COALESCE(payment_confirmed_at, NOW()),
		     updated_at = NOW()
		 WHERE id = $1 AND status IN ('reserved', 'submitted')`,
		id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// MarkPurchaseMinting claims the fulfillment step. Only one caller can move
// the row out of a claimable status; the loser sees a no-op.
func (s *Store) MarkPurchaseMinting(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE purchases SET status = 'minting', updated_at = NOW()
		 WHERE id = $1 AND status IN ('awaiting_fulfillment', 'master_created', 'blocked_missing_master')`,
		id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// MarkPurchaseMasterCreated records that the post's master edition now
// exists but the buyer's edition copy is still pending.
func (s *Store) MarkPurchaseMasterCreated(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE purchases SET status = 'master_created', updated_at = NOW()
		 WHERE id = $1 AND status IN ('minting', 'awaiting_fulfillment', 'blocked_missing_master')`,
		id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// MarkPurchaseBlockedMissingMaster parks a paid purchase whose post has no
// master edition to mint from. Retryable indefinitely; payment is secured.
func (s *Store) MarkPurchaseBlockedMissingMaster(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE purchases SET status = 'blocked_missing_master', updated_at = NOW()
		 WHERE id = $1 AND status IN ('minting', 'awaiting_fulfillment')`,
		id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ReleasePurchaseMinting returns a failed mint attempt to awaiting_fulfillment
// so the user (or the worker) can retry. Never touches payment state.
func (s *Store) ReleasePurchaseMinting(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE purchases SET status = 'awaiting_fulfillment', updated_at = NOW()
		 WHERE id = $1 AND status = 'minting'`,
		id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ConfirmPurchase transitions to the terminal confirmed state, setting the
// minted asset exactly once and re-validating the supply cap. Requires a
// non-empty asset: confirmed without a delivered asset is unrepresentable.
func (s *Store) ConfirmPurchase(ctx context.Context, id string, postID int64, nftMint string, maxSupply int) (bool, error) {
	if nftMint == "" {
		return false, nil
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE purchases
		 SET status = 'confirmed', nft_mint = COALESCE(nft_mint, $1),
		     payment_confirmed_at = COALESCE(payment_confirmed_at, NOW()),
		     updated_at = NOW()
		 WHERE id = $2
		   AND status IN ('reserved', 'submitted', 'awaiting_fulfillment', 'minting', 'master_created')
		   AND ($3 = 0 OR (SELECT COUNT(*) FROM purchases p2 WHERE p2.post_id = $4 AND p2.status = 'confirmed') < $3)`,
		nftMint, id, maxSupply, postID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// FailPurchase transitions to failed. Only pre-payment statuses are eligible:
// a paid purchase is never rolled back, only parked for retryable fulfillment.
func (s *Store) FailPurchase(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE purchases SET status = 'failed', updated_at = NOW()
		 WHERE id = $1 AND status IN ('reserved', 'submitted')`,
		id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// CountConfirmedPurchases counts delivered editions for a post.
func (s *Store) CountConfirmedPurchases(ctx context.Context, postID int64) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		"SELECT COUNT(*) FROM purchases WHERE post_id = $1 AND status = 'confirmed'", postID)
	return count, err
}

// ListStalePurchases returns reserved rows with no signature created before
// the cutoff; they never reached the chain and are safe to force-fail.
func (s *Store) ListStalePurchases(ctx context.Context, cutoff time.Time, limit int) ([]models.Purchase, error) {
	var rows []models.Purchase
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM purchases
		 WHERE status = 'reserved' AND tx_signature IS NULL AND created_at < $1
		 ORDER BY created_at LIMIT $2`,
		cutoff, limit)
	return rows, err
}

// ListUnresolvedPurchases returns submitted rows created before the cutoff.
// They carry a signature, so they are re-checked on-chain rather than
// cancelled.
func (s *Store) ListUnresolvedPurchases(ctx context.Context, cutoff time.Time, limit int) ([]models.Purchase, error) {
	var rows []models.Purchase
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM purchases
		 WHERE status = 'submitted' AND tx_signature IS NOT NULL AND created_at < $1
		 ORDER BY created_at LIMIT $2`,
		cutoff, limit)
	return rows, err
}
