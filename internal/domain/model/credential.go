package model

import "time"

// Credential is the provisioned VPN access artifact owned by a buyer.
type Credential struct {
	BuyerID    int64     `json:"buyer_id"`
	AccessLink string    `json:"access_link"`
	IssuedAt   time.Time `json:"issued_at"`
}
