package wpauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"parishai/pkg/domain"
)

// ErrUnauthorized means the session token was missing, expired, or
// rejected by the WordPress site.
var ErrUnauthorized = errors.New("session not authorized")

// Client resolves member sessions against the community WordPress
// site's session endpoint. The endpoint returns the member profile for
// a valid session token.
type Client struct {
	sessionURL string
	httpClient *http.Client
}

func NewClient(sessionURL string, httpClient *http.Client) (*Client, error) {
	sessionURL = strings.TrimSpace(sessionURL)
	if sessionURL == "" {
		return nil, errors.New("wpauth session url required")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	return &Client{sessionURL: sessionURL, httpClient: httpClient}, nil
}

// ResolveSession exchanges a session token for the member it belongs to.
func (c *Client) ResolveSession(ctx context.Context, token string) (domain.User, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return domain.User{}, ErrUnauthorized
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.sessionURL, nil)
	if err != nil {
		return domain.User{}, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.User{}, fmt.Errorf("resolve session: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return domain.User{}, ErrUnauthorized
	case resp.StatusCode != http.StatusOK:
		return domain.User{}, fmt.Errorf("resolve session: status %d", resp.StatusCode)
	}

	var payload struct {
		ID          string `json:"id"`
		Email       string `json:"email"`
		DisplayName string `json:"displayName"`
		Role        string `json:"role"`
		UnitID      string `json:"unitId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return domain.User{}, fmt.Errorf("decode session payload: %w", err)
	}
	if strings.TrimSpace(payload.ID) == "" {
		return domain.User{}, ErrUnauthorized
	}
	return domain.User{
		ID:          payload.ID,
		Email:       payload.Email,
		DisplayName: payload.DisplayName,
		Role:        domain.UserRole(payload.Role),
		UnitID:      payload.UnitID,
	}, nil
}
