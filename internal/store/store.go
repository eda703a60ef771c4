package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"collect-service/internal/models"
)

type Store struct {
	db *sqlx.DB
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// NewStoreWithDB wraps an existing connection. Used by tests with sqlmock.
func NewStoreWithDB(db *sql.DB) *Store {
	return &Store{db: sqlx.NewDb(db, "postgres")}
}

// Migrate applies pending schema migrations from the given directory.
func (s *Store) Migrate(migrationsPath string) error {
	driver, err := postgres.WithInstance(s.db.DB, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migrate driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+migrationsPath, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetPostByID retrieves a post by ID
func (s *Store) GetPostByID(ctx context.Context, id int64) (*models.Post, error) {
	var post models.Post
	err := s.db.GetContext(ctx, &post, "SELECT * FROM posts WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &post, nil
}

// SetPostMasterMint records the post's master edition address, set once.
func (s *Store) SetPostMasterMint(ctx context.Context, postID int64, masterMint string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE posts SET master_mint = COALESCE(master_mint, $1) WHERE id = $2",
		masterMint, postID)
	return err
}

// GetLinkedWallet retrieves a wallet only if it is linked to the user.
func (s *Store) GetLinkedWallet(ctx context.Context, userID int64, address string) (*models.Wallet, error) {
	var wallet models.Wallet
	err := s.db.GetContext(ctx, &wallet,
		"SELECT * FROM wallets WHERE user_id = $1 AND address = $2", userID, address)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &wallet, nil
}

// GetDefaultWallet retrieves the user's default receiving wallet.
func (s *Store) GetDefaultWallet(ctx context.Context, userID int64) (*models.Wallet, error) {
	var wallet models.Wallet
	err := s.db.GetContext(ctx, &wallet,
		"SELECT * FROM wallets WHERE user_id = $1 AND is_default = TRUE LIMIT 1", userID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &wallet, nil
}

// IsWebhookEventProcessed checks if an indexer event has been applied.
func (s *Store) IsWebhookEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM processed_webhook_events WHERE event_id = $1)", eventID)
	return exists, err
}

// MarkWebhookEventProcessed records an indexer event id.
func (s *Store) MarkWebhookEventProcessed(ctx context.Context, eventID, signature string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO processed_webhook_events (event_id, signature) VALUES ($1, $2) ON CONFLICT (event_id) DO NOTHING",
		eventID, signature)
	return err
}
