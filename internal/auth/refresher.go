// Package auth renews the device access token with the stored refresh token.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// UpdatePath is the refresh endpoint on the token service.
const UpdatePath = "/api/update_device_token"

var (
	// ErrNoRefreshToken means the device was never registered.
	ErrNoRefreshToken = errors.New("auth: no refresh token")
	// ErrRejected means the token service refused the refresh token.
	ErrRejected = errors.New("auth: refresh rejected")
)

// TokenStore persists the token pair.
type TokenStore interface {
	RefreshToken() string
	SetTokens(access, refresh string) error
	ClearAccessToken() error
}

type tokenResponse struct {
	DeviceToken  string `json:"device_token"`
	RefreshToken string `json:"refresh_token"`
}

// Refresher exchanges the refresh token for a new token pair.
type Refresher struct {
	endpoint string
	client   *http.Client
	store    TokenStore
	logger   zerolog.Logger
}

func NewRefresher(endpoint string, client *http.Client, store TokenStore, logger zerolog.Logger) *Refresher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Refresher{
		endpoint: endpoint,
		client:   client,
		store:    store,
		logger:   logger.With().Str("component", "auth").Logger(),
	}
}

// Endpoint builds the refresh URL for the token service at host.
func Endpoint(host string, port int, secure bool) string {
	scheme := "http"
	if secure {
		scheme = "https"
	}
	u := url.URL{Scheme: scheme, Host: host, Path: UpdatePath}
	if port > 0 && !(secure && port == 443) && !(!secure && port == 80) {
		u.Host = host + ":" + strconv.Itoa(port)
	}
	return u.String()
}

// Refresh stores and returns a new access token. Any failure clears the
// stored access token.
func (r *Refresher) Refresh(ctx context.Context) (string, error) {
	token, err := r.refresh(ctx)
	if err != nil {
		if cerr := r.store.ClearAccessToken(); cerr != nil {
			r.logger.Warn().Err(cerr).Msg("failed to clear access token")
		}
		return "", err
	}
	r.logger.Info().Msg("access token refreshed")
	return token, nil
}

func (r *Refresher) refresh(ctx context.Context) (string, error) {
	refresh := r.store.RefreshToken()
	if refresh == "" {
		return "", ErrNoRefreshToken
	}

	u, err := url.Parse(r.endpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("refresh_token", refresh)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("update_device_token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, body)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("update_device_token: decode response: %w", err)
	}
	if tr.DeviceToken == "" || tr.RefreshToken == "" {
		return "", fmt.Errorf("%w: response is missing tokens", ErrRejected)
	}
	if err := r.store.SetTokens(tr.DeviceToken, tr.RefreshToken); err != nil {
		return "", fmt.Errorf("save tokens: %w", err)
	}
	return tr.DeviceToken, nil
}
