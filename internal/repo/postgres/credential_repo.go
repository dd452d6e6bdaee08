package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ivankudzin/vpnshop/internal/domain/model"
	"github.com/ivankudzin/vpnshop/internal/services/purchase"
)

// CredentialRepo is the durable variant of the credential store backed by
// the vpn_keys table. Repeat purchases overwrite the previous key.
type CredentialRepo struct {
	pool *pgxpool.Pool
}

func NewCredentialRepo(pool *pgxpool.Pool) *CredentialRepo {
	return &CredentialRepo{pool: pool}
}

// EnsureSchema creates the vpn_keys table on startup if it is missing.
func (r *CredentialRepo) EnsureSchema(ctx context.Context) error {
	if r.pool == nil {
		return fmt.Errorf("postgres pool is nil")
	}

	const ddl = `
		CREATE TABLE IF NOT EXISTS vpn_keys (
			buyer_id    BIGINT PRIMARY KEY,
			access_link TEXT NOT NULL,
			issued_at   TIMESTAMPTZ NOT NULL
		)`

	if _, err := r.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("ensure vpn_keys schema: %w", err)
	}

	return nil
}

func (r *CredentialRepo) Put(ctx context.Context, buyerID int64, accessLink string, issuedAt time.Time) error {
	if r.pool == nil {
		return fmt.Errorf("postgres pool is nil")
	}
	if buyerID <= 0 || strings.TrimSpace(accessLink) == "" {
		return fmt.Errorf("buyer id and access link are required")
	}

	const query = `
		INSERT INTO vpn_keys (buyer_id, access_link, issued_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (buyer_id)
		DO UPDATE SET access_link = EXCLUDED.access_link, issued_at = EXCLUDED.issued_at`

	if _, err := r.pool.Exec(ctx, query, buyerID, accessLink, issuedAt.UTC()); err != nil {
		return fmt.Errorf("upsert credential: %w", err)
	}

	return nil
}

func (r *CredentialRepo) Get(ctx context.Context, buyerID int64) (model.Credential, error) {
	if r.pool == nil {
		return model.Credential{}, fmt.Errorf("postgres pool is nil")
	}

	const query = `SELECT access_link, issued_at FROM vpn_keys WHERE buyer_id = $1`

	var cred model.Credential
	cred.BuyerID = buyerID

	err := r.pool.QueryRow(ctx, query, buyerID).Scan(&cred.AccessLink, &cred.IssuedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Credential{}, purchase.ErrCredentialNotFound
		}
		return model.Credential{}, fmt.Errorf("load credential: %w", err)
	}

	cred.IssuedAt = cred.IssuedAt.UTC()
	return cred, nil
}
