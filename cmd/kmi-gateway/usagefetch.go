package main

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/almazom/kmi-gateway/internal/registry"
	"github.com/almazom/kmi-gateway/internal/usage"
)

// newUsageFetcher builds a health.FetchFunc that polls
// <base_url>/usages with the credential's own secret, the one upstream
// endpoint the Health Cache & Refresher consumes directly.
func newUsageFetcher(client *http.Client, defaultBaseURL string) func(ctx context.Context, cred registry.Credential) (usage.Usage, error) {
	return func(ctx context.Context, cred registry.Credential) (usage.Usage, error) {
		baseURL := defaultBaseURL
		if cred.BaseURLOverride != "" {
			baseURL = cred.BaseURLOverride
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/usages", nil)
		if err != nil {
			return usage.Usage{}, fmt.Errorf("build usage request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+cred.Secret)

		resp, err := client.Do(req)
		if err != nil {
			return usage.Usage{}, fmt.Errorf("usage request: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return usage.Usage{}, fmt.Errorf("read usage response: %w", err)
		}
		if resp.StatusCode >= 400 {
			return usage.Usage{}, fmt.Errorf("usage endpoint returned status %d", resp.StatusCode)
		}

		return usage.Parse(body)
	}
}
