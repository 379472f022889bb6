// Copyright 2025 James Ross
package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/paperatlas/enrichq/internal/config"
	"github.com/paperatlas/enrichq/internal/obs"
	"github.com/paperatlas/enrichq/internal/stages"
)

// CitationsClient looks a paper up in the citations index. The job's rate
// token is already held when the body runs; the client only classifies
// whatever the provider answers.
type CitationsClient struct {
	base string
	http *http.Client
	log  *zap.Logger
}

func NewCitationsClient(cfg config.Providers, log *zap.Logger) *CitationsClient {
	return &CitationsClient{
		base: cfg.CitationsBaseURL,
		http: &http.Client{Timeout: 30 * time.Second},
		log:  log,
	}
}

// Body fetches citation counts and references for one paper.
func (c *CitationsClient) Body() stages.Body {
	return func(ctx context.Context, paperID string, _ map[string]any) error {
		u := fmt.Sprintf("%s/paper/%s?fields=citationCount,referenceCount", c.base, url.PathEscape(paperID))
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return stages.Permanent(err)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return stages.Transient(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return stages.ClassifyHTTP(resp.StatusCode, retryAfter(resp),
				fmt.Errorf("citations lookup for %s: %s", paperID, resp.Status))
		}
		var body struct {
			CitationCount  int `json:"citationCount"`
			ReferenceCount int `json:"referenceCount"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return stages.Transient(fmt.Errorf("decode citations response: %w", err))
		}
		c.log.Debug("citations fetched",
			obs.String("paper", paperID),
			obs.Int("citations", body.CitationCount),
			obs.Int("references", body.ReferenceCount))
		return nil
	}
}

func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}
