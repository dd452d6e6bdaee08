package model

import (
	"time"

	"github.com/ivankudzin/vpnshop/internal/domain/enums"
)

// PurchaseSession tracks one in-flight attempt to buy a VPN key,
// keyed by the gateway payment id.
type PurchaseSession struct {
	PaymentID string             `json:"payment_id"`
	BuyerID   int64              `json:"buyer_id"`
	ChatID    int64              `json:"chat_id"`
	State     enums.SessionState `json:"state"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}
