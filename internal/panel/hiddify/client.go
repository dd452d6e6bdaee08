package hiddify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ivankudzin/vpnshop/internal/panel"
)

type Config struct {
	APIURL         string
	AdminProxyPath string
	UserProxyPath  string
	APIKey         string
	TrafficGB      int
	PeriodDays     int
}

// Client provisions users on a Hiddify panel through its admin API.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *zap.Logger

	now func() time.Time
}

func NewClient(cfg Config, httpClient *http.Client, logger *zap.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.APIURL) == "" || strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("hiddify api url and api key are required")
	}
	if cfg.TrafficGB <= 0 {
		cfg.TrafficGB = 100
	}
	if cfg.PeriodDays <= 0 {
		cfg.PeriodDays = 30
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		logger:     logger,
		now:        time.Now,
	}, nil
}

type createUserRequest struct {
	Comment      string `json:"comment"`
	CurrentUsage int    `json:"current_usage_GB"`
	Enable       bool   `json:"enable"`
	IsActive     bool   `json:"is_active"`
	Lang         string `json:"lang"`
	Mode         string `json:"mode"`
	Name         string `json:"name"`
	PackageDays  int    `json:"package_days"`
	StartDate    string `json:"start_date"`
	TelegramID   int64  `json:"telegram_id"`
	UsageLimitGB int    `json:"usage_limit_GB"`
}

type createUserResponse struct {
	UUID string `json:"uuid"`
}

func (c *Client) CreateAccess(ctx context.Context, buyerID int64) (string, error) {
	if buyerID <= 0 {
		return "", fmt.Errorf("buyer id is required")
	}

	body := createUserRequest{
		Comment:      "Created via Telegram bot",
		Enable:       true,
		IsActive:     true,
		Lang:         "ru",
		Mode:         "no_reset",
		PackageDays:  c.cfg.PeriodDays,
		StartDate:    c.now().UTC().Format("2006-01-02"),
		TelegramID:   buyerID,
		UsageLimitGB: c.cfg.TrafficGB,
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("encode hiddify request: %w", err)
	}

	url := c.cfg.APIURL + c.cfg.AdminProxyPath + "/api/v2/admin/user/"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return "", fmt.Errorf("create hiddify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Hiddify-API-Key", c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", panel.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: read response: %v", panel.ErrUnavailable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("%w: status %d: %s", panel.ErrRejected, resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var created createUserResponse
	if err := json.Unmarshal(payload, &created); err != nil {
		return "", fmt.Errorf("decode hiddify response: %w", err)
	}
	if strings.TrimSpace(created.UUID) == "" {
		return "", fmt.Errorf("%w: response has no user uuid", panel.ErrRejected)
	}

	c.logger.Info("hiddify user provisioned", zap.Int64("buyer_id", buyerID))

	return c.cfg.APIURL + c.cfg.UserProxyPath + "/" + created.UUID, nil
}
