package directory

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultRequestTimeout = 10 * time.Second

var (
	// ErrUnauthorized indicates rejected credentials.
	ErrUnauthorized = errors.New("directory: invalid credentials")
	// ErrUserExists indicates a registration conflict.
	ErrUserExists = errors.New("directory: username already registered")
	// ErrKeyNotFound indicates no published key for the username.
	ErrKeyNotFound = errors.New("directory: no public key for user")
)

// Directory supplies peer public keys and publishes the local one. It is
// the only source of peer identity keys.
type Directory interface {
	LookupKey(ctx context.Context, username string) ([]byte, error)
	PublishKey(ctx context.Context, username string, publicKey []byte) error
}

// Client talks to the auth and key directory HTTP service.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient builds a Client for the service at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultRequestTimeout},
	}
}

// Register creates an account.
func (c *Client) Register(ctx context.Context, username, password string) error {
	status, _, err := c.postJSON(ctx, "/auth/register", map[string]string{
		"username": username,
		"password": password,
	})
	if err != nil {
		return err
	}
	switch {
	case status == http.StatusConflict:
		return ErrUserExists
	case status >= 300:
		return fmt.Errorf("directory: register returned status %d", status)
	}
	return nil
}

// Login exchanges credentials for an access token presented to the chat
// server during authentication.
func (c *Client) Login(ctx context.Context, username, password string) (string, error) {
	status, body, err := c.postJSON(ctx, "/auth/login", map[string]string{
		"username": username,
		"password": password,
	})
	if err != nil {
		return "", err
	}
	if status == http.StatusUnauthorized {
		return "", ErrUnauthorized
	}
	if status >= 300 {
		return "", fmt.Errorf("directory: login returned status %d", status)
	}

	var payload struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("directory: parse login response: %w", err)
	}
	if payload.AccessToken == "" {
		return "", errors.New("directory: login response missing access token")
	}
	return payload.AccessToken, nil
}

// PublishKey uploads the local identity public key for username.
func (c *Client) PublishKey(ctx context.Context, username string, publicKey []byte) error {
	status, _, err := c.postJSON(ctx, "/keys/upload", map[string]string{
		"username":   username,
		"public_key": base64.StdEncoding.EncodeToString(publicKey),
	})
	if err != nil {
		return err
	}
	if status >= 300 {
		return fmt.Errorf("directory: key upload returned status %d", status)
	}
	return nil
}

// LookupKey fetches the published public key for username.
func (c *Client) LookupKey(ctx context.Context, username string) ([]byte, error) {
	endpoint := c.baseURL + "/keys/get/" + url.PathEscape(username)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("directory: build key lookup request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("directory: key lookup for %q: %w", username, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %q", ErrKeyNotFound, username)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("directory: key lookup returned status %d", resp.StatusCode)
	}

	var payload struct {
		PublicKey string `json:"public_key"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("directory: parse key lookup response: %w", err)
	}
	if payload.PublicKey == "" {
		return nil, fmt.Errorf("%w: %q", ErrKeyNotFound, username)
	}
	raw, err := base64.StdEncoding.DecodeString(payload.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("directory: decode public key for %q: %w", username, err)
	}
	return raw, nil
}

// LookupKeys fetches public keys for several usernames at once. Usernames
// without a published key are absent from the result.
func (c *Client) LookupKeys(ctx context.Context, usernames []string) (map[string][]byte, error) {
	status, body, err := c.postJSON(ctx, "/keys/batch", map[string][]string{
		"usernames": usernames,
	})
	if err != nil {
		return nil, err
	}
	if status >= 300 {
		return nil, fmt.Errorf("directory: batch key lookup returned status %d", status)
	}

	var payload struct {
		Keys map[string]string `json:"keys"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("directory: parse batch key response: %w", err)
	}

	keys := make(map[string][]byte, len(payload.Keys))
	for username, encoded := range payload.Keys {
		raw, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("directory: decode public key for %q: %w", username, err)
		}
		keys[username] = raw
	}
	return keys, nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload any) (int, []byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("directory: marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return 0, nil, fmt.Errorf("directory: build request for %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("directory: request %s: %w", path, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, fmt.Errorf("directory: read response for %s: %w", path, err)
	}
	return resp.StatusCode, body, nil
}
