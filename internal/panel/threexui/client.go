package threexui

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ivankudzin/vpnshop/internal/panel"
)

const subIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

var errSessionExpired = errors.New("3x-ui session expired")

type Config struct {
	APIURL    string
	LinkURL   string
	Username  string
	Password  string
	InboundID int
}

// Client provisions clients on a 3x-ui panel. The panel uses cookie-based
// sessions: the client logs in lazily and retries once with a fresh login
// when the session cookie has gone stale.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *zap.Logger

	loginMu  sync.Mutex
	loggedIn bool
}

func NewClient(cfg Config, httpClient *http.Client, logger *zap.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.APIURL) == "" {
		return nil, fmt.Errorf("3x-ui api url is required")
	}
	if cfg.InboundID <= 0 {
		cfg.InboundID = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	// The panel authenticates follow-up calls through session cookies, so
	// the client needs its own jar even when a shared http.Client is passed.
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}

	own := &http.Client{Jar: jar}
	if httpClient != nil {
		own.Timeout = httpClient.Timeout
		own.Transport = httpClient.Transport
	}

	return &Client{
		cfg:        cfg,
		httpClient: own,
		logger:     logger,
	}, nil
}

type addClientResponse struct {
	Success bool   `json:"success"`
	Msg     string `json:"msg"`
}

func (c *Client) CreateAccess(ctx context.Context, buyerID int64) (string, error) {
	if buyerID <= 0 {
		return "", fmt.Errorf("buyer id is required")
	}

	if err := c.ensureLogin(ctx); err != nil {
		return "", err
	}

	link, err := c.addClient(ctx, buyerID)
	if err == nil {
		return link, nil
	}
	if !errors.Is(err, errSessionExpired) {
		return "", err
	}

	// Session cookie went stale, log in again and retry once.
	c.invalidateLogin()
	if err := c.ensureLogin(ctx); err != nil {
		return "", err
	}
	return c.addClient(ctx, buyerID)
}

func (c *Client) addClient(ctx context.Context, buyerID int64) (string, error) {
	// Fresh client id and subscription id per call: the panel treats each
	// addClient as a brand-new credential.
	clientID := uuid.New().String()
	subID := newSubID()
	email := fmt.Sprintf("tg_%d_%s", buyerID, strings.ToLower(subID[:4]))

	settings := map[string]any{
		"clients": []map[string]any{
			{
				"id":         clientID,
				"flow":       "",
				"email":      email,
				"limitIp":    0,
				"totalGB":    0,
				"expiryTime": 0,
				"enable":     true,
				"tgId":       "",
				"subId":      subID,
				"reset":      0,
			},
		},
	}
	encodedSettings, err := json.Marshal(settings)
	if err != nil {
		return "", fmt.Errorf("encode 3x-ui client settings: %w", err)
	}

	body, err := json.Marshal(map[string]any{
		"id":       c.cfg.InboundID,
		"settings": string(encodedSettings),
	})
	if err != nil {
		return "", fmt.Errorf("encode 3x-ui request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.APIURL+"/panel/api/inbounds/addClient", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create 3x-ui request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", panel.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: read response: %v", panel.ErrUnavailable, err)
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", errSessionExpired
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("%w: status %d: %s", panel.ErrRejected, resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var result addClientResponse
	if err := json.Unmarshal(payload, &result); err != nil {
		return "", fmt.Errorf("decode 3x-ui response: %w", err)
	}
	if !result.Success {
		return "", fmt.Errorf("%w: %s", panel.ErrRejected, result.Msg)
	}

	c.logger.Info("3x-ui client provisioned",
		zap.Int64("buyer_id", buyerID),
		zap.String("email", email))

	return c.cfg.LinkURL + "/" + subID, nil
}

func (c *Client) ensureLogin(ctx context.Context) error {
	c.loginMu.Lock()
	defer c.loginMu.Unlock()

	if c.loggedIn {
		return nil
	}

	body, err := json.Marshal(map[string]string{
		"username": c.cfg.Username,
		"password": c.cfg.Password,
	})
	if err != nil {
		return fmt.Errorf("encode 3x-ui login: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.APIURL+"/login", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create 3x-ui login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", panel.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%w: login status %d: %s", panel.ErrRejected, resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	c.loggedIn = true
	return nil
}

func (c *Client) invalidateLogin() {
	c.loginMu.Lock()
	c.loggedIn = false
	c.loginMu.Unlock()
}

func newSubID() string {
	b := make([]byte, 12)
	for i := range b {
		b[i] = subIDAlphabet[rand.Intn(len(subIDAlphabet))]
	}
	return string(b)
}
