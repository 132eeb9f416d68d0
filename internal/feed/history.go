package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/ignite/battlescope/internal/pkg/httpretry"
)

// Ref identifies a killmail on ESI.
type Ref struct {
	ID   int64
	Hash string
}

// HistoryClient reads the killboard's per-day killmail index.
type HistoryClient struct {
	baseURL    string
	httpClient httpretry.HTTPDoer
}

// NewHistoryClient creates a history client for the killboard at baseURL.
func NewHistoryClient(baseURL, userAgent string) *HistoryClient {
	return &HistoryClient{
		baseURL: baseURL,
		httpClient: httpretry.NewRetryClient(&http.Client{Timeout: 60 * time.Second}, httpretry.Options{
			UserAgent: userAgent,
		}),
	}
}

// SetHTTPClient replaces the transport (tests).
func (c *HistoryClient) SetHTTPClient(client httpretry.HTTPDoer) {
	c.httpClient = client
}

// Day returns every killmail recorded on the given UTC date, ordered by id.
// A day the killboard has no file for yields an empty list.
func (c *HistoryClient) Day(ctx context.Context, day time.Time) ([]Ref, error) {
	reqURL := fmt.Sprintf("%s/api/history/%s.json", c.baseURL, day.UTC().Format("20060102"))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("history request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("history error (status %d): %s", resp.StatusCode, truncate(body))
	}

	refs, err := ParseHistory(body)
	if err != nil {
		return nil, fmt.Errorf("history %s: %w", day.Format("2006-01-02"), err)
	}
	return refs, nil
}

// ParseHistory accepts both the pair form [[id, "hash"], ...] and the object
// form {"id": "hash"}.
func ParseHistory(body []byte) ([]Ref, error) {
	var refs []Ref

	var pairs [][]json.RawMessage
	if err := json.Unmarshal(body, &pairs); err == nil {
		refs = make([]Ref, 0, len(pairs))
		for _, p := range pairs {
			if len(p) != 2 {
				return nil, fmt.Errorf("history entry has %d elements, want 2", len(p))
			}
			var ref Ref
			if err := json.Unmarshal(p[0], &ref.ID); err != nil {
				return nil, fmt.Errorf("history entry id: %w", err)
			}
			if err := json.Unmarshal(p[1], &ref.Hash); err != nil {
				return nil, fmt.Errorf("history entry hash: %w", err)
			}
			refs = append(refs, ref)
		}
	} else {
		var byID map[string]string
		if err := json.Unmarshal(body, &byID); err != nil {
			return nil, fmt.Errorf("failed to decode history: %w", err)
		}
		refs = make([]Ref, 0, len(byID))
		for k, hash := range byID {
			id, err := strconv.ParseInt(k, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("history key %q: %w", k, err)
			}
			refs = append(refs, Ref{ID: id, Hash: hash})
		}
	}

	sort.Slice(refs, func(i, j int) bool { return refs[i].ID < refs[j].ID })
	return refs, nil
}
