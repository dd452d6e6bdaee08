package yookassa

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ivankudzin/vpnshop/internal/gateway"
)

const defaultAPIURL = "https://api.yookassa.ru/v3/payments"

type Config struct {
	ShopID    string
	SecretKey string
	ReturnURL string
	APIURL    string
}

// Client talks to the YooKassa payments API. Authentication is basic auth
// with the shop id and secret key; every mutating request carries a fresh
// Idempotence-Key so YooKassa deduplicates retried requests on its side.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *zap.Logger

	newIdempotenceKey func() string
}

func NewClient(cfg Config, httpClient *http.Client, logger *zap.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.ShopID) == "" || strings.TrimSpace(cfg.SecretKey) == "" {
		return nil, fmt.Errorf("yookassa shop id and secret key are required")
	}
	if strings.TrimSpace(cfg.APIURL) == "" {
		cfg.APIURL = defaultAPIURL
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		cfg:               cfg,
		httpClient:        httpClient,
		logger:            logger,
		newIdempotenceKey: func() string { return uuid.New().String() },
	}, nil
}

type amountPayload struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

type confirmationPayload struct {
	Type            string `json:"type"`
	ReturnURL       string `json:"return_url,omitempty"`
	ConfirmationURL string `json:"confirmation_url,omitempty"`
}

type paymentPayload struct {
	ID           string               `json:"id"`
	Status       string               `json:"status"`
	Confirmation *confirmationPayload `json:"confirmation,omitempty"`
}

func (c *Client) CreatePayment(ctx context.Context, amountMinor int64, currency, description string) (gateway.Payment, error) {
	if amountMinor <= 0 {
		return gateway.Payment{}, fmt.Errorf("payment amount must be positive")
	}

	body := map[string]any{
		"amount": amountPayload{
			Value:    formatAmount(amountMinor),
			Currency: currency,
		},
		"capture": true,
		"confirmation": confirmationPayload{
			Type:      "redirect",
			ReturnURL: c.cfg.ReturnURL,
		},
		"description": description,
	}

	var payment paymentPayload
	if err := c.do(ctx, http.MethodPost, c.cfg.APIURL, body, true, &payment); err != nil {
		return gateway.Payment{}, err
	}
	if payment.ID == "" || payment.Confirmation == nil || payment.Confirmation.ConfirmationURL == "" {
		return gateway.Payment{}, fmt.Errorf("%w: create payment response missing id or confirmation url", gateway.ErrRejected)
	}

	c.logger.Info("payment created",
		zap.String("payment_id", payment.ID),
		zap.String("status", payment.Status))

	return gateway.Payment{
		ID:              payment.ID,
		ConfirmationURL: payment.Confirmation.ConfirmationURL,
		Status:          mapStatus(payment.Status),
	}, nil
}

func (c *Client) CheckStatus(ctx context.Context, paymentID string) (gateway.Status, error) {
	paymentID = strings.TrimSpace(paymentID)
	if paymentID == "" {
		return gateway.StatusUnknown, fmt.Errorf("payment id is required")
	}

	var payment paymentPayload
	if err := c.do(ctx, http.MethodGet, c.cfg.APIURL+"/"+paymentID, nil, false, &payment); err != nil {
		return gateway.StatusUnknown, err
	}

	return mapStatus(payment.Status), nil
}

func (c *Client) CancelPayment(ctx context.Context, paymentID string) (bool, error) {
	paymentID = strings.TrimSpace(paymentID)
	if paymentID == "" {
		return false, fmt.Errorf("payment id is required")
	}

	var payment paymentPayload
	if err := c.do(ctx, http.MethodPost, c.cfg.APIURL+"/"+paymentID+"/cancel", struct{}{}, true, &payment); err != nil {
		return false, err
	}

	if payment.Status != "canceled" {
		c.logger.Warn("payment was not canceled",
			zap.String("payment_id", paymentID),
			zap.String("status", payment.Status))
		return false, nil
	}

	return true, nil
}

func (c *Client) do(ctx context.Context, method, url string, body any, idempotent bool, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode yookassa request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("create yookassa request: %w", err)
	}
	req.SetBasicAuth(c.cfg.ShopID, c.cfg.SecretKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotent {
		req.Header.Set("Idempotence-Key", c.newIdempotenceKey())
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", gateway.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read response: %v", gateway.ErrUnavailable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: status %d: %s", gateway.ErrRejected, resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	if out != nil {
		if err := json.Unmarshal(payload, out); err != nil {
			return fmt.Errorf("decode yookassa response: %w", err)
		}
	}

	return nil
}

// formatAmount renders minor units as the decimal string YooKassa expects,
// e.g. 10000 -> "100.00".
func formatAmount(amountMinor int64) string {
	return fmt.Sprintf("%d.%02d", amountMinor/100, amountMinor%100)
}

func mapStatus(raw string) gateway.Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "pending", "waiting_for_capture":
		return gateway.StatusPending
	case "succeeded":
		return gateway.StatusSucceeded
	case "canceled":
		return gateway.StatusCanceled
	default:
		return gateway.StatusUnknown
	}
}
