package store

import (
	"context"
	"database/sql"
	"time"

	"collect-service/internal/models"
)

// CreateCollection inserts a new pending collection row. At most one
// non-failed row may exist per (user, post); the partial unique index makes
// creation race-safe, and a concurrent loser gets created=false with no row
// written. Failed rows are kept for audit and rate-limit accounting.
func (s *Store) CreateCollection(ctx context.Context, c *models.Collection) (bool, error) {
	query := `
		INSERT INTO collections (id, user_id, post_id, status, wallet_address, ip_address)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, post_id) WHERE status <> 'failed' DO NOTHING
		RETURNING created_at, updated_at`

	err := s.db.QueryRowxContext(ctx, query,
		c.ID, c.UserID, c.PostID, c.Status, c.WalletAddress, c.IPAddress).
		Scan(&c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetCollectionByID retrieves a collection by ID
func (s *Store) GetCollectionByID(ctx context.Context, id string) (*models.Collection, error) {
	var c models.Collection
	err := s.db.GetContext(ctx, &c, "SELECT * FROM collections WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetActiveCollection retrieves the non-failed collection for (user, post).
func (s *Store) GetActiveCollection(ctx context.Context, userID, postID int64) (*models.Collection, error) {
	var c models.Collection
	err := s.db.GetContext(ctx, &c,
		"SELECT * FROM collections WHERE user_id = $1 AND post_id = $2 AND status <> 'failed' ORDER BY created_at DESC LIMIT 1",
		userID, postID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetCollectionBySignature retrieves a collection by transaction signature.
func (s *Store) GetCollectionBySignature(ctx context.Context, signature string) (*models.Collection, error) {
	var c models.Collection
	err := s.db.GetContext(ctx, &c, "SELECT * FROM collections WHERE tx_signature = $1", signature)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// SetCollectionSignature records the submitted signature. The signature is
// write-once per row; a retry goes through a fresh row.
func (s *Store) SetCollectionSignature(ctx context.Context, id, signature string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE collections SET tx_signature = $1, updated_at = NOW()
		 WHERE id = $2 AND status = 'pending' AND tx_signature IS NULL`,
		signature, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// SetCollectionNFTMint persists an asset reference extracted at build time.
// Write-once: an already-set mint is never overwritten.
func (s *Store) SetCollectionNFTMint(ctx context.Context, id, nftMint string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE collections SET nft_mint = COALESCE(nft_mint, $1), updated_at = NOW() WHERE id = $2",
		nftMint, id)
	return err
}

// ConfirmCollection transitions pending -> confirmed, sets the minted asset
// exactly once, and re-validates the supply cap. Compare-and-transition: a
// concurrent writer that already confirmed or failed the row makes this a
// no-op (returns false, nil error).
func (s *Store) ConfirmCollection(ctx context.Context, id string, postID int64, nftMint string, maxSupply int) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE collections
		 SET status = 'confirmed', nft_mint = COALESCE(nft_mint, $1), updated_at = NOW()
		 WHERE id = $2 AND status = 'pending'
		   AND ($3 = 0 OR (SELECT COUNT(*) FROM collections c2 WHERE c2.post_id = $4 AND c2.status = 'confirmed') < $3)`,
		nftMint, id, maxSupply, postID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// FailCollection transitions pending -> failed, freeing the (user, post)
// slot for retry. No-op if the row already reached a terminal state.
func (s *Store) FailCollection(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE collections SET status = 'failed', updated_at = NOW() WHERE id = $1 AND status = 'pending'",
		id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// CountConfirmedCollections counts delivered collects for a post.
func (s *Store) CountConfirmedCollections(ctx context.Context, postID int64) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		"SELECT COUNT(*) FROM collections WHERE post_id = $1 AND status = 'confirmed'", postID)
	return count, err
}

// ListStaleCollections returns pending rows with no signature created before
// the cutoff. These never reached the chain and are safe to force-fail.
func (s *Store) ListStaleCollections(ctx context.Context, cutoff time.Time, limit int) ([]models.Collection, error) {
	var rows []models.Collection
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM collections
		 WHERE status = 'pending' AND tx_signature IS NULL AND created_at < $1
		 ORDER BY created_at LIMIT $2`,
		cutoff, limit)
	return rows, err
}

// ListUnresolvedCollections returns pending rows with a signature created
// before the cutoff. These may have landed on-chain and must be re-checked,
// never blindly cancelled.
func (s *Store) ListUnresolvedCollections(ctx context.Context, cutoff time.Time, limit int) ([]models.Collection, error) {
	var rows []models.Collection
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM collections
		 WHERE status = 'pending' AND tx_signature IS NOT NULL AND created_at < $1
		 ORDER BY created_at LIMIT $2`,
		cutoff, limit)
	return rows, err
}
