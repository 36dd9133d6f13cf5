package livesync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"famcal-api/types"
)

// HTTPFetcher performs the resync fetch against the events listing endpoint.
// The response is treated as a full replacement of the local collection.
type HTTPFetcher struct {
	BaseURL string
	Client  *http.Client
}

// FetchEvents retrieves the authoritative event list for the scope.
func (f *HTTPFetcher) FetchEvents(ctx context.Context, scope Scope) ([]types.EventOut, error) {
	q := url.Values{}
	q.Set("from", scope.From.String())
	q.Set("to", scope.To.String())
	if scope.LensID != nil {
		q.Set("lensId", *scope.LensID)
	}
	if scope.CategoryID != nil {
		q.Set("categoryId", *scope.CategoryID)
	}
	if scope.MemberID != nil {
		q.Set("memberId", *scope.MemberID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.BaseURL+"/events?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("livesync: events fetch returned %d", resp.StatusCode)
	}

	var body struct {
		Success bool             `json:"success"`
		Data    []types.EventOut `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("livesync: decoding events fetch: %w", err)
	}
	if !body.Success {
		return nil, fmt.Errorf("livesync: events fetch unsuccessful")
	}
	return body.Data, nil
}

func (f *HTTPFetcher) client() *http.Client {
	if f.Client != nil {
		return f.Client
	}
	return http.DefaultClient
}

// HTTPSessionRefresher renews the session via the auth refresh endpoint.
// Credentials are ambient (the refresh cookie in the client's jar); the call
// returns success or failure only.
type HTTPSessionRefresher struct {
	BaseURL string
	Client  *http.Client
}

// Refresh rotates the session. Any non-2xx status is a failure.
func (r *HTTPSessionRefresher) Refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.BaseURL+"/auth/refresh", nil)
	if err != nil {
		return err
	}
	resp, err := r.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("livesync: session refresh returned %d", resp.StatusCode)
	}
	return nil
}

func (r *HTTPSessionRefresher) client() *http.Client {
	if r.Client != nil {
		return r.Client
	}
	return http.DefaultClient
}
