package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/ivankudzin/vpnshop/internal/services/purchase"
)

func newMiniRedisRepo(t *testing.T) *CredentialRepo {
	t.Helper()

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewCredentialRepo(client)
}

func TestPutAndGetCredential(t *testing.T) {
	repo := newMiniRedisRepo(t)
	ctx := context.Background()
	issuedAt := time.Date(2025, 3, 1, 12, 30, 0, 0, time.UTC)

	if err := repo.Put(ctx, 42, "https://panel.test/userpath/uuid-1", issuedAt); err != nil {
		t.Fatalf("put credential: %v", err)
	}

	cred, err := repo.Get(ctx, 42)
	if err != nil {
		t.Fatalf("get credential: %v", err)
	}
	if cred.BuyerID != 42 || cred.AccessLink != "https://panel.test/userpath/uuid-1" {
		t.Fatalf("unexpected credential: %+v", cred)
	}
	if !cred.IssuedAt.Equal(issuedAt) {
		t.Fatalf("unexpected issued_at: %s", cred.IssuedAt)
	}
}

func TestGetMissingCredential(t *testing.T) {
	repo := newMiniRedisRepo(t)

	if _, err := repo.Get(context.Background(), 42); !errors.Is(err, purchase.ErrCredentialNotFound) {
		t.Fatalf("expected ErrCredentialNotFound, got %v", err)
	}
}

func TestPutOverwritesOnRepeatPurchase(t *testing.T) {
	repo := newMiniRedisRepo(t)
	ctx := context.Background()

	if err := repo.Put(ctx, 42, "https://panel.test/old", time.Unix(1000, 0)); err != nil {
		t.Fatalf("put first credential: %v", err)
	}
	if err := repo.Put(ctx, 42, "https://panel.test/new", time.Unix(2000, 0)); err != nil {
		t.Fatalf("put second credential: %v", err)
	}

	cred, err := repo.Get(ctx, 42)
	if err != nil {
		t.Fatalf("get credential: %v", err)
	}
	if cred.AccessLink != "https://panel.test/new" {
		t.Fatalf("expected last write to win, got %q", cred.AccessLink)
	}
}

func TestPutValidation(t *testing.T) {
	repo := newMiniRedisRepo(t)

	if err := repo.Put(context.Background(), 0, "link", time.Now()); err == nil {
		t.Fatalf("expected error for zero buyer id")
	}
	if err := repo.Put(context.Background(), 42, "  ", time.Now()); err == nil {
		t.Fatalf("expected error for empty access link")
	}
}
