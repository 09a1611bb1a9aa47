// Package fitstackcore provides the HTTP client for the FitStack Core backend:
// member lookups and invoice notifications.
package fitstackcore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fitstack/fitstack-billing/internal/core/domain"
	"github.com/google/uuid"
)

// Client implements ports.MemberDirectory and ports.Notifier.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new FitStack Core client.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type notificationPayload struct {
	InvoiceID string `json:"invoice_id"`
	Event     string `json:"event"`
	SentAt    string `json:"sent_at"`
}

// Notify forwards an invoice event.
// POST /api/v1/billing/notifications/
func (c *Client) Notify(ctx context.Context, invoiceID uuid.UUID, event domain.NotificationEvent) error {
	endpoint := c.baseURL + "/api/v1/billing/notifications/"

	jsonBody, err := json.Marshal(notificationPayload{
		InvoiceID: invoiceID.String(),
		Event:     string(event),
		SentAt:    time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return domain.NewServiceError(domain.ErrNotificationFailed,
			"failed to marshal payload", "MARSHAL_ERROR")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(jsonBody))
	if err != nil {
		return domain.NewServiceError(domain.ErrNotificationFailed,
			"failed to create request", "REQUEST_ERROR")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Internal-API-Key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.NewServiceError(domain.ErrNotificationFailed,
			"request failed: "+err.Error(), "HTTP_ERROR")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return domain.NewServiceError(domain.ErrNotificationFailed,
			fmt.Sprintf("core returned status %d: %s", resp.StatusCode, string(body)),
			"CORE_ERROR")
	}
	return nil
}

// GetMember resolves a member's billing identity.
// GET /api/v1/internal/members/:id/billing-profile/
func (c *Client) GetMember(ctx context.Context, memberID string) (*domain.Member, error) {
	endpoint := fmt.Sprintf("%s/api/v1/internal/members/%s/billing-profile/", c.baseURL, url.PathEscape(memberID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, domain.NewServiceError(domain.ErrProviderUnavailable,
			"failed to create request", "REQUEST_ERROR")
	}
	req.Header.Set("X-Internal-API-Key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, domain.NewServiceError(domain.ErrProviderUnavailable,
			"member lookup failed: "+err.Error(), "HTTP_ERROR")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, domain.ErrMemberNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, domain.NewServiceError(domain.ErrProviderUnavailable,
			fmt.Sprintf("core returned status %d", resp.StatusCode), "CORE_ERROR")
	}

	var member domain.Member
	if err := json.NewDecoder(resp.Body).Decode(&member); err != nil {
		return nil, domain.NewServiceError(domain.ErrProviderUnavailable,
			"failed to decode response", "DECODE_ERROR")
	}
	if member.ID == "" {
		member.ID = memberID
	}
	return &member, nil
}
