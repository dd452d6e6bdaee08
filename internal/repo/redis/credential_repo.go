package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ivankudzin/vpnshop/internal/domain/model"
	"github.com/ivankudzin/vpnshop/internal/services/purchase"
)

const credentialPrefix = "vpn_keys:"

// CredentialRepo stores the buyer -> access link mapping in a redis hash,
// one hash per buyer, last write wins. No TTL: a purchased key outlives any
// purchase session.
type CredentialRepo struct {
	client *goredis.Client
}

func NewCredentialRepo(client *goredis.Client) *CredentialRepo {
	return &CredentialRepo{client: client}
}

func NewClient(addr, password string, db int) *goredis.Client {
	return goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func (r *CredentialRepo) Put(ctx context.Context, buyerID int64, accessLink string, issuedAt time.Time) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	if buyerID <= 0 || strings.TrimSpace(accessLink) == "" {
		return fmt.Errorf("buyer id and access link are required")
	}

	fields := map[string]interface{}{
		"access_link": accessLink,
		"issued_at":   issuedAt.UTC().Unix(),
	}
	if err := r.client.HSet(ctx, credentialKey(buyerID), fields).Err(); err != nil {
		return fmt.Errorf("store credential: %w", err)
	}

	return nil
}

func (r *CredentialRepo) Get(ctx context.Context, buyerID int64) (model.Credential, error) {
	if r.client == nil {
		return model.Credential{}, fmt.Errorf("redis client is nil")
	}

	values, err := r.client.HGetAll(ctx, credentialKey(buyerID)).Result()
	if err != nil {
		return model.Credential{}, fmt.Errorf("load credential: %w", err)
	}
	if len(values) == 0 {
		return model.Credential{}, purchase.ErrCredentialNotFound
	}

	accessLink := values["access_link"]
	if strings.TrimSpace(accessLink) == "" {
		return model.Credential{}, purchase.ErrCredentialNotFound
	}

	issuedUnix, err := strconv.ParseInt(values["issued_at"], 10, 64)
	if err != nil {
		return model.Credential{}, fmt.Errorf("parse credential issued_at: %w", err)
	}

	return model.Credential{
		BuyerID:    buyerID,
		AccessLink: accessLink,
		IssuedAt:   time.Unix(issuedUnix, 0).UTC(),
	}, nil
}

func credentialKey(buyerID int64) string {
	return credentialPrefix + strconv.FormatInt(buyerID, 10)
}
