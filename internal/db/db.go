package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xtrntr/market/internal/models"
	"github.com/xtrntr/market/internal/storage"
)

var (
	ErrUserNotFound = errors.New("user not found")
	ErrUserExists   = errors.New("username already taken")
)

const uniqueViolation = "23505"

// DB wraps a PostgreSQL connection pool. It serves as the market's storage
// backend and as the user store for authentication.
type DB struct {
	Pool *pgxpool.Pool
}

// NewDB initializes a new database connection pool
func NewDB(ctx context.Context, connString string) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool
func (db *DB) Close(ctx context.Context) error {
	db.Pool.Close()
	return nil
}

// Migrate applies the schema script
func (db *DB) Migrate(ctx context.Context, script string) error {
	if _, err := db.Pool.Exec(ctx, script); err != nil {
		return fmt.Errorf("failed to apply migration: %w", err)
	}
	return nil
}

// CreateUser inserts a new user
func (db *DB) CreateUser(ctx context.Context, username, passwordHash string, isAdmin bool) (*models.User, error) {
	user := &models.User{}
	err := db.Pool.QueryRow(ctx,
		"INSERT INTO users (id, username, password_hash, is_admin) VALUES ($1, $2, $3, $4) RETURNING id, username, password_hash, is_admin, created_at",
		uuid.NewString(), username, passwordHash, isAdmin).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.IsAdmin, &user.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return nil, ErrUserExists
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// GetUserByUsername retrieves a user by username
func (db *DB) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	user := &models.User{}
	err := db.Pool.QueryRow(ctx,
		"SELECT id, username, password_hash, is_admin, created_at FROM users WHERE username = $1",
		username).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.IsAdmin, &user.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// Put upserts a market document
func (db *DB) Put(ctx context.Context, key storage.Key, doc []byte) error {
	if err := key.Validate(); err != nil {
		return err
	}
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO market_records (namespace, owner, id, doc, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (namespace, owner, id)
		DO UPDATE SET doc = EXCLUDED.doc, updated_at = EXCLUDED.updated_at
	`, key.Namespace, key.Owner, key.ID, string(doc))
	if err != nil {
		return fmt.Errorf("failed to put %s: %w", key, err)
	}
	return nil
}

// Delete removes a market document; deleting a missing key is not an error
func (db *DB) Delete(ctx context.Context, key storage.Key) error {
	_, err := db.Pool.Exec(ctx,
		"DELETE FROM market_records WHERE namespace = $1 AND owner = $2 AND id = $3",
		key.Namespace, key.Owner, key.ID)
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// Get retrieves a market document
func (db *DB) Get(ctx context.Context, key storage.Key) ([]byte, error) {
	var doc string
	err := db.Pool.QueryRow(ctx,
		"SELECT doc::text FROM market_records WHERE namespace = $1 AND owner = $2 AND id = $3",
		key.Namespace, key.Owner, key.ID).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return []byte(doc), nil
}

// List retrieves all documents in a namespace
func (db *DB) List(ctx context.Context, namespace string) ([]storage.Record, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT owner, id, doc::text
		FROM market_records
		WHERE namespace = $1
		ORDER BY owner, id
	`, namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", namespace, err)
	}
	defer rows.Close()

	var recs []storage.Record
	for rows.Next() {
		rec := storage.Record{Key: storage.Key{Namespace: namespace}}
		var doc string
		if err := rows.Scan(&rec.Key.Owner, &rec.Key.ID, &doc); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		rec.Doc = []byte(doc)
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return recs, nil
}

var _ storage.Backend = (*DB)(nil)
