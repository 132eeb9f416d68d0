package feed

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ignite/battlescope/internal/killmail"
	"github.com/ignite/battlescope/internal/pkg/httpretry"
)

// ESIClient fetches killmail bodies from ESI.
type ESIClient struct {
	baseURL    string
	httpClient httpretry.HTTPDoer
}

// NewESIClient creates an ESI client for baseURL (including the version
// path, e.g. https://esi.evetech.net/latest).
func NewESIClient(baseURL, userAgent string) *ESIClient {
	return &ESIClient{
		baseURL: baseURL,
		httpClient: httpretry.NewRetryClient(&http.Client{Timeout: 30 * time.Second}, httpretry.Options{
			UserAgent: userAgent,
		}),
	}
}

// SetHTTPClient replaces the transport (tests).
func (c *ESIClient) SetHTTPClient(client httpretry.HTTPDoer) {
	c.httpClient = client
}

// Killmail fetches and parses one killmail. ESI bodies carry no killboard
// metadata, so the result has a nil Zkb.
func (c *ESIClient) Killmail(ctx context.Context, ref Ref) (*killmail.Killmail, error) {
	reqURL := fmt.Sprintf("%s/killmails/%d/%s/", c.baseURL, ref.ID, ref.Hash)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("esi request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("esi error for killmail %d (status %d): %s", ref.ID, resp.StatusCode, truncate(body))
	}

	km, err := killmail.Parse(body)
	if err != nil {
		return nil, fmt.Errorf("esi killmail %d: %w", ref.ID, err)
	}
	return km, nil
}
