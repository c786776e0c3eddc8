package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/walletagent/pkg/secrets"
)

const (
	passwordPath = "/api/auth/password"
	refreshPath  = "/api/auth/refresh"
)

// Client talks to the wallet auth service.
type Client struct {
	baseURL    string
	appID      string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient creates an auth client for the service at baseURL.
func NewClient(logger zerolog.Logger, baseURL, appID string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		appID:   appID,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger.With().Str("component", "auth").Logger(),
	}
}

type loginRequest struct {
	AppID    string `json:"appId"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token   string                       `json:"token"`
	Secrets map[string]secrets.Encrypted `json:"secrets"`
}

// Login authenticates with a password and returns the new session.
func (c *Client) Login(ctx context.Context, password string) (*Session, error) {
	if password == "" {
		return nil, fmt.Errorf("password is required")
	}

	var resp tokenResponse
	if err := c.post(ctx, passwordPath, "", loginRequest{AppID: c.appID, Password: password}, &resp); err != nil {
		return nil, fmt.Errorf("login failed: %w", err)
	}

	sess, err := NewSession(resp.Token, resp.Secrets)
	if err != nil {
		return nil, err
	}
	c.logger.Info().Str("wallet_id", sess.WalletID).Time("expires_at", sess.ExpiresAt).Msg("Logged in")
	return sess, nil
}

// Refresh exchanges the session token for a new one. Secrets not returned by
// the service are carried over.
func (c *Client) Refresh(ctx context.Context, sess *Session) (*Session, error) {
	var resp tokenResponse
	if err := c.post(ctx, refreshPath, sess.Token, struct {
		AppID string `json:"appId"`
	}{c.appID}, &resp); err != nil {
		return nil, fmt.Errorf("refresh failed: %w", err)
	}

	secretMap := resp.Secrets
	if len(secretMap) == 0 {
		secretMap = sess.Secrets
	}
	return NewSession(resp.Token, secretMap)
}

func (c *Client) post(ctx context.Context, path, token string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.appID != "" {
		req.Header.Set("X-App-Id", c.appID)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call auth service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return ErrNotAuthenticated
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("auth service error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
