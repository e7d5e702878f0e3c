// Mapping of GitHub API responses onto the structures the pipeline consumes.

package githubapi

import "time"

type Owner struct {
	Login string `json:"login"`
	ID    int64  `json:"id"`
}

type License struct {
	SpdxID string `json:"spdx_id"`
	Name   string `json:"name"`
}

// SearchItem is one repository entry from the search endpoint. Only the
// identifying fields are consumed; the full metadata comes from a later
// FetchMetadata call.
type SearchItem struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	FullName string `json:"full_name"`
	Owner    Owner  `json:"owner"`
}

type SearchResponse struct {
	TotalCount        int          `json:"total_count"`
	IncompleteResults bool         `json:"incomplete_results"`
	Items             []SearchItem `json:"items"`
}

// RepoMetadata is the extended metadata payload for a single repository.
type RepoMetadata struct {
	ID              int64     `json:"id"`
	Name            string    `json:"name"`
	FullName        string    `json:"full_name"`
	Owner           Owner     `json:"owner"`
	HtmlUrl         string    `json:"html_url"`
	Description     string    `json:"description"`
	Topics          []string  `json:"topics"`
	StargazersCount int       `json:"stargazers_count"`
	WatchersCount   int       `json:"watchers_count"`
	ForksCount      int       `json:"forks_count"`
	Language        string    `json:"language"`
	License         *License  `json:"license"`
	Homepage        string    `json:"homepage"`
	PushedAt        time.Time `json:"pushed_at"`
	Archived        bool      `json:"archived"`
	Fork            bool      `json:"fork"`

	// Enrichment fetched through separate endpoints.
	Releases          int       `json:"-"`
	LatestReleaseName string    `json:"-"`
	LatestReleaseAt   time.Time `json:"-"`
	LastCommitAt      time.Time `json:"-"`

	// FetchedAt is when this snapshot was taken, used to reject stale writes.
	FetchedAt time.Time `json:"-"`
}

type ReleaseResponse struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	TagName   string    `json:"tag_name"`
	CreatedAt time.Time `json:"created_at"`
}

type CommitResponse struct {
	Sha    string `json:"sha"`
	Commit struct {
		Committer struct {
			Date time.Time `json:"date"`
		} `json:"committer"`
	} `json:"commit"`
}
