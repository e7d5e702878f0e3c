// Package githubapi provides the low-level caller for the GitHub REST API:
// authenticated keyword search with pagination, metadata fetch by repository
// id, and release/commit enrichment. Rate-limit waits are transparent to
// callers; transient faults are retried with bounded exponential backoff
// before surfacing as a TransientFetchError.

package githubapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/nfhub/nf-catalog/cfg"
	"github.com/nfhub/nf-catalog/internal/limiter"
	"github.com/nfhub/nf-catalog/pkg/log"
)

// GitHub's search endpoint only exposes the first 1000 results per query.
const searchResultWindow = 1000

type Caller struct {
	Logger  log.Logger
	Config  *cfg.Config
	Limiter *limiter.RateLimiter

	httpClient *http.Client
	sleep      func(context.Context, time.Duration) error
	now        func() time.Time
}

func NewCaller(logger log.Logger, config *cfg.Config, lim *limiter.RateLimiter) *Caller {
	return &Caller{
		Logger:     logger,
		Config:     config,
		Limiter:    lim,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		sleep: func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
				return nil
			}
		},
		now: time.Now,
	}
}

// statusError carries a definitive non-retryable HTTP status.
type statusError struct {
	code int
	url  string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("github api returned status %d for %s", e.code, e.url)
}

// Search runs one page of a keyword search. The second return value reports
// whether another page is worth requesting.
func (c *Caller) Search(ctx context.Context, keyword string, page int) ([]SearchItem, bool, error) {
	perPage := c.Config.GithubApi.PerPage
	if perPage <= 0 {
		perPage = 100
	}

	q := url.Values{}
	q.Set("q", keyword+" in:readme,description,topics archived:false")
	q.Set("sort", "updated")
	q.Set("per_page", strconv.Itoa(perPage))
	q.Set("page", strconv.Itoa(page))
	fullUrl := fmt.Sprintf("%s/search/repositories?%s", c.Config.GithubApi.BaseUrl, q.Encode())

	raw := &SearchResponse{}
	if err := c.getJSON(ctx, fullUrl, raw); err != nil {
		var se *statusError
		// 422 means we paged past the search result window. Not an error,
		// just the end of what GitHub will give us.
		if errors.As(err, &se) && se.code == http.StatusUnprocessableEntity {
			return nil, false, nil
		}
		return nil, false, err
	}

	c.Logger.Debug(ctx, "Search %q page %d: %d items of %d total", keyword, page, len(raw.Items), raw.TotalCount)

	hasMore := len(raw.Items) == perPage &&
		page*perPage < raw.TotalCount &&
		page*perPage < searchResultWindow
	return raw.Items, hasMore, nil
}

// FetchMetadata fetches extended metadata for a repository by its stable id.
func (c *Caller) FetchMetadata(ctx context.Context, id int64) (*RepoMetadata, error) {
	fullUrl := fmt.Sprintf("%s/repositories/%d", c.Config.GithubApi.BaseUrl, id)

	meta := &RepoMetadata{}
	if err := c.getJSON(ctx, fullUrl, meta); err != nil {
		return nil, err
	}
	meta.FetchedAt = c.now()

	if err := c.enrich(ctx, meta); err != nil {
		// Enrichment uses the same taxonomy as the main fetch: a transient
		// failure here must defer the whole candidate rather than persist a
		// half-populated snapshot.
		return nil, err
	}
	return meta, nil
}

// enrich pulls release and latest-commit facts for an already fetched
// repository. A 404 from either endpoint just means the repository has no
// releases or commits.
func (c *Caller) enrich(ctx context.Context, meta *RepoMetadata) error {
	releasesUrl := fmt.Sprintf("%s/repos/%s/releases?per_page=100", c.Config.GithubApi.BaseUrl, meta.FullName)
	var releases []ReleaseResponse
	if err := c.getJSON(ctx, releasesUrl, &releases); err != nil {
		if !IsNotFound(err) {
			return err
		}
	}
	meta.Releases = len(releases)
	if len(releases) > 0 {
		latest := releases[0]
		for _, r := range releases {
			if r.CreatedAt.After(latest.CreatedAt) {
				latest = r
			}
		}
		meta.LatestReleaseName = latest.Name
		if meta.LatestReleaseName == "" {
			meta.LatestReleaseName = latest.TagName
		}
		meta.LatestReleaseAt = latest.CreatedAt
	}

	commitsUrl := fmt.Sprintf("%s/repos/%s/commits?per_page=1", c.Config.GithubApi.BaseUrl, meta.FullName)
	var commits []CommitResponse
	if err := c.getJSON(ctx, commitsUrl, &commits); err != nil {
		if !IsNotFound(err) {
			return err
		}
	}
	if len(commits) > 0 {
		meta.LastCommitAt = commits[0].Commit.Committer.Date
	}

	return nil
}

// getJSON performs an authenticated GET with rate limiting, transparent
// rate-limit-reset waits, and bounded retries for transient faults.
func (c *Caller) getJSON(ctx context.Context, fullUrl string, out interface{}) error {
	maxRetries := c.Config.GithubApi.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	var lastErr error
	attempt := 0
	for attempt < maxRetries {
		if err := c.Limiter.Wait(ctx); err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullUrl, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/vnd.github+json")
		if c.Config.GithubApi.AccessToken != "" {
			req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.Config.GithubApi.AccessToken))
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = err
			attempt++
			if err := c.backoff(ctx, attempt); err != nil {
				return err
			}
			continue
		}

		limited, wait := c.rateLimited(resp)
		if limited {
			resp.Body.Close()
			c.Logger.Warn(ctx, "Rate limit hit, waiting %v before retrying %s", wait.Round(time.Second), fullUrl)
			// Waiting out the reset window does not consume a retry attempt;
			// the retry is transparent to the caller.
			if err := c.sleep(ctx, wait); err != nil {
				return err
			}
			continue
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			err := json.NewDecoder(resp.Body).Decode(out)
			resp.Body.Close()
			if err != nil {
				return fmt.Errorf("failed to decode response from %s: %w", fullUrl, err)
			}
			return nil

		case resp.StatusCode == http.StatusNotFound:
			resp.Body.Close()
			return &NotFoundError{Resource: fullUrl}

		case resp.StatusCode >= 500:
			resp.Body.Close()
			lastErr = fmt.Errorf("server error %d from %s", resp.StatusCode, fullUrl)
			attempt++
			if err := c.backoff(ctx, attempt); err != nil {
				return err
			}
			continue

		default:
			code := resp.StatusCode
			resp.Body.Close()
			return &statusError{code: code, url: fullUrl}
		}
	}

	return &TransientFetchError{Resource: fullUrl, Attempts: attempt, Err: lastErr}
}

// rateLimited inspects the X-RateLimit headers and reports how long to wait
// before the limit window resets.
func (c *Caller) rateLimited(resp *http.Response) (bool, time.Duration) {
	if resp.StatusCode != http.StatusForbidden && resp.StatusCode != http.StatusTooManyRequests {
		return false, 0
	}
	if resp.Header.Get("X-RateLimit-Remaining") != "0" {
		return false, 0
	}

	fallback := time.Duration(c.Config.GithubApi.RateLimitResetMin) * time.Minute
	if fallback <= 0 {
		fallback = time.Minute
	}

	resetTimeInt, err := strconv.ParseInt(resp.Header.Get("X-RateLimit-Reset"), 10, 64)
	if err != nil {
		return true, fallback
	}

	wait := time.Unix(resetTimeInt, 0).Sub(c.now())
	if wait <= 0 {
		wait = fallback
	}
	// A small buffer so we do not race the reset.
	return true, wait + 2*time.Second
}

func (c *Caller) backoff(ctx context.Context, attempt int) error {
	base := c.Config.GithubApi.BackoffBaseMs
	if base <= 0 {
		base = 200
	}
	d := time.Duration(base) * time.Millisecond
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return c.sleep(ctx, d)
}
