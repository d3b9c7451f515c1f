package glpi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/nmasdoufi/cmdbscan/pkg/config"
	"github.com/nmasdoufi/cmdbscan/pkg/inventory"
)

// Client mirrors reconciled device records into a GLPI CMDB.
type Client struct {
	cfg        config.GLPIConfig
	baseURL    string
	httpClient *http.Client
	token      string
	tokenUntil time.Time
	mu         sync.Mutex
}

// NewClient builds a GLPI client.
func NewClient(cfg config.GLPIConfig) *Client {
	return &Client{cfg: cfg, baseURL: sanitizeBaseURL(cfg.BaseURL), httpClient: &http.Client{Timeout: 30 * time.Second}}
}

// Asset is the inventory document posted to GLPI.
type Asset struct {
	Name         string     `json:"name"`
	Hostname     string     `json:"hostname,omitempty"`
	Serial       string     `json:"serial,omitempty"`
	MAC          string     `json:"mac,omitempty"`
	Type         string     `json:"type,omitempty"`
	OSName       string     `json:"os_name,omitempty"`
	OSVersion    string     `json:"os_version,omitempty"`
	Manufacturer string     `json:"manufacturer,omitempty"`
	Model        string     `json:"model,omitempty"`
	LastSeen     *time.Time `json:"last_inventory_update,omitempty"`
}

// AssetFromRecord maps a stored device row to a GLPI asset.
func AssetFromRecord(rec inventory.DeviceRecord) Asset {
	return Asset{
		Name:         rec.Hostname,
		Hostname:     rec.SysHostname,
		Serial:       rec.SerialNumber,
		MAC:          rec.MACAddress,
		Type:         rec.DeviceType,
		OSName:       rec.OSType,
		OSVersion:    rec.OSVersion,
		Manufacturer: rec.Vendor,
		Model:        rec.Model,
		LastSeen:     rec.LastSeen,
	}
}

// MirrorDevice sends one device record to GLPI. An expired session is
// renewed once.
func (c *Client) MirrorDevice(ctx context.Context, rec inventory.DeviceRecord) error {
	if c.baseURL == "" {
		return fmt.Errorf("glpi base url not configured")
	}
	body, err := json.Marshal(AssetFromRecord(rec))
	if err != nil {
		return err
	}
	status, err := c.post(ctx, body)
	if err == nil && status == http.StatusUnauthorized {
		c.resetToken()
		status, err = c.post(ctx, body)
	}
	if err != nil {
		return err
	}
	if status >= 300 {
		return fmt.Errorf("glpi upsert %s failed: %d %s", rec.Hostname, status, http.StatusText(status))
	}
	return nil
}

func (c *Client) post(ctx context.Context, body []byte) (int, error) {
	if err := c.ensureAuth(ctx); err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/inventory", c.baseURL), bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	if c.useOAuth() {
		req.Header.Set("Authorization", "Bearer "+token)
	} else {
		req.Header.Set("Session-Token", token)
		if c.cfg.AppToken != "" {
			req.Header.Set("App-Token", c.cfg.AppToken)
		}
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

func (c *Client) resetToken() {
	c.mu.Lock()
	c.token = ""
	c.tokenUntil = time.Time{}
	c.mu.Unlock()
}

func (c *Client) ensureAuth(ctx context.Context) error {
	if c.useOAuth() {
		return c.ensureOAuthToken(ctx)
	}
	return c.ensureLegacySession(ctx)
}

func (c *Client) ensureLegacySession(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" {
		return nil
	}
	if c.cfg.UserToken == "" {
		return fmt.Errorf("glpi user token missing")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/initSession", c.baseURL), nil)
	if err != nil {
		return err
	}
	if c.cfg.AppToken != "" {
		req.Header.Set("App-Token", c.cfg.AppToken)
	}
	req.Header.Set("Authorization", "user_token "+c.cfg.UserToken)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("glpi init session failed: %s: %s", resp.Status, string(body))
	}
	var payload struct {
		SessionToken string `json:"session_token"`
		Message      string `json:"message"`
		Status       string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return err
	}
	if payload.SessionToken == "" {
		return fmt.Errorf("glpi session token empty: %s", payload.Message)
	}
	c.token = payload.SessionToken
	return nil
}

func (c *Client) ensureOAuthToken(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && time.Until(c.tokenUntil) > 30*time.Second {
		return nil
	}
	if c.cfg.OAuth == nil {
		return fmt.Errorf("glpi oauth config missing")
	}
	tokenURL, err := oauthTokenURL(c.baseURL)
	if err != nil {
		return err
	}
	form := url.Values{}
	form.Set("grant_type", "password")
	form.Set("client_id", c.cfg.OAuth.ClientID)
	form.Set("client_secret", c.cfg.OAuth.ClientSecret)
	form.Set("username", c.cfg.OAuth.Username)
	form.Set("password", c.cfg.OAuth.Password)
	scope := c.cfg.OAuth.Scope
	if scope == "" {
		scope = "api"
	}
	form.Set("scope", scope)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("glpi oauth token request failed: %s: %s", resp.Status, string(body))
	}
	var payload struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return err
	}
	if payload.AccessToken == "" {
		return fmt.Errorf("glpi oauth access token empty")
	}
	if !strings.EqualFold(payload.TokenType, "bearer") && payload.TokenType != "" {
		return fmt.Errorf("glpi oauth unexpected token type %q", payload.TokenType)
	}
	if payload.ExpiresIn <= 0 {
		payload.ExpiresIn = 3600
	}
	c.token = payload.AccessToken
	c.tokenUntil = time.Now().Add(time.Duration(payload.ExpiresIn) * time.Second)
	return nil
}

func (c *Client) useOAuth() bool {
	if c.cfg.OAuth == nil {
		return false
	}
	return c.cfg.OAuth.ClientID != "" && c.cfg.OAuth.ClientSecret != "" && c.cfg.OAuth.Username != ""
}

func oauthTokenURL(base string) (string, error) {
	const marker = "/api.php"
	idx := strings.Index(base, marker)
	if idx == -1 {
		return "", fmt.Errorf("glpi oauth requires api.php endpoint, got %s", base)
	}
	return base[:idx+len(marker)] + "/token", nil
}

func sanitizeBaseURL(raw string) string {
	trimmed := strings.TrimSpace(raw)
	return strings.TrimRight(trimmed, "/")
}
