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
	"github.com/paperatlas/enrichq/internal/tracker"
)

// GitHubClient searches for implementation repositories of a paper.
type GitHubClient struct {
	base  string
	token string
	http  *http.Client
	tr    *tracker.Tracker
	log   *zap.Logger
}

func NewGitHubClient(cfg config.Providers, tr *tracker.Tracker, log *zap.Logger) *GitHubClient {
	return &GitHubClient{
		base:  cfg.GitHubBaseURL,
		token: cfg.GitHubToken,
		http:  &http.Client{Timeout: 30 * time.Second},
		tr:    tr,
		log:   log,
	}
}

func (g *GitHubClient) Body() stages.Body {
	return func(ctx context.Context, paperID string, _ map[string]any) error {
		query := paperID
		if paper, err := g.tr.Get(ctx, paperID); err == nil && paper.Title != "" {
			query = paper.Title
		}
		u := fmt.Sprintf("%s/search/repositories?q=%s&per_page=5", g.base, url.QueryEscape(query))
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return stages.Permanent(err)
		}
		req.Header.Set("Accept", "application/vnd.github+json")
		if g.token != "" {
			req.Header.Set("Authorization", "Bearer "+g.token)
		}
		resp, err := g.http.Do(req)
		if err != nil {
			return stages.Transient(err)
		}
		defer resp.Body.Close()

		// GitHub signals quota exhaustion as 403 with a reset timestamp.
		if resp.StatusCode == http.StatusForbidden && resp.Header.Get("X-RateLimit-Remaining") == "0" {
			return stages.RateLimited(untilReset(resp), fmt.Errorf("github search quota exhausted"))
		}
		if resp.StatusCode != http.StatusOK {
			return stages.ClassifyHTTP(resp.StatusCode, retryAfter(resp),
				fmt.Errorf("github search for %s: %s", paperID, resp.Status))
		}
		var body struct {
			TotalCount int `json:"total_count"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return stages.Transient(fmt.Errorf("decode github response: %w", err))
		}
		g.log.Debug("github searched",
			obs.String("paper", paperID),
			obs.Int("repos", body.TotalCount))
		return nil
	}
}

func untilReset(resp *http.Response) time.Duration {
	if v := resp.Header.Get("X-RateLimit-Reset"); v != "" {
		if epoch, err := strconv.ParseInt(v, 10, 64); err == nil {
			if d := time.Until(time.Unix(epoch, 0)); d > 0 {
				return d
			}
		}
	}
	return time.Minute
}
