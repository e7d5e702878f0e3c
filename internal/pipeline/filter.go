package pipeline

import (
	"strings"
	"time"

	"github.com/nfhub/nf-catalog/cfg"
	"github.com/nfhub/nf-catalog/internal/githubapi"
	"github.com/nfhub/nf-catalog/internal/model"
)

// Predicate is one inclusion rule. Every predicate must pass for a candidate
// to enter the catalog. Predicates are pure over the metadata snapshot so the
// accept/reject decision is reproducible.
type Predicate struct {
	Name  string
	Allow func(meta *githubapi.RepoMetadata) bool
}

// TopicAllowList passes when at least one of the repository's topics is on
// the allow list. An empty allow list passes everything.
func TopicAllowList(topics ...string) Predicate {
	allowed := make(map[string]bool, len(topics))
	for _, t := range topics {
		allowed[strings.ToLower(t)] = true
	}
	return Predicate{
		Name: "topic-allow-list",
		Allow: func(meta *githubapi.RepoMetadata) bool {
			if len(allowed) == 0 {
				return true
			}
			for _, t := range meta.Topics {
				if allowed[strings.ToLower(t)] {
					return true
				}
			}
			return false
		},
	}
}

// BlockList rejects repositories whose owner or full name is listed.
func BlockList(entries ...string) Predicate {
	blocked := make(map[string]bool, len(entries))
	for _, e := range entries {
		blocked[strings.ToLower(e)] = true
	}
	return Predicate{
		Name: "block-list",
		Allow: func(meta *githubapi.RepoMetadata) bool {
			return !blocked[strings.ToLower(meta.Owner.Login)] &&
				!blocked[strings.ToLower(meta.FullName)]
		},
	}
}

// PushedWithin passes repositories with activity inside the window. The
// reference clock is injected so the decision is deterministic in tests.
func PushedWithin(window time.Duration, now func() time.Time) Predicate {
	return Predicate{
		Name: "pushed-within",
		Allow: func(meta *githubapi.RepoMetadata) bool {
			if window <= 0 {
				return true
			}
			if meta.PushedAt.IsZero() {
				return false
			}
			return now().Sub(meta.PushedAt) <= window
		},
	}
}

// MinStars passes repositories with at least n stars.
func MinStars(n int) Predicate {
	return Predicate{
		Name: "min-stars",
		Allow: func(meta *githubapi.RepoMetadata) bool {
			return meta.StargazersCount >= n
		},
	}
}

// NotArchivedFork rejects archived repositories and plain forks, which the
// catalog never lists.
func NotArchivedFork() Predicate {
	return Predicate{
		Name: "not-archived-fork",
		Allow: func(meta *githubapi.RepoMetadata) bool {
			return !meta.Archived && !meta.Fork
		},
	}
}

// RulesFromConfig assembles the default predicate set from configuration.
func RulesFromConfig(inc cfg.Inclusion, now func() time.Time) []Predicate {
	rules := []Predicate{
		NotArchivedFork(),
		BlockList(inc.BlockList...),
		TopicAllowList(inc.TopicAllowList...),
		MinStars(inc.MinStars),
	}
	if inc.PushedWithinDays > 0 {
		rules = append(rules, PushedWithin(time.Duration(inc.PushedWithinDays)*24*time.Hour, now))
	}
	return rules
}

// Accept evaluates all rules. Returns the name of the first failing rule for
// diagnostics.
func Accept(meta *githubapi.RepoMetadata, rules []Predicate) (bool, string) {
	for _, rule := range rules {
		if !rule.Allow(meta) {
			return false, rule.Name
		}
	}
	return true, ""
}

// Normalize maps a metadata snapshot onto the canonical catalog record.
// Missing optional fields become the type's empty value, never nulls.
func Normalize(meta *githubapi.RepoMetadata) *model.CatalogRecord {
	rec := &model.CatalogRecord{
		ID:          meta.ID,
		FullName:    meta.FullName,
		Url:         meta.HtmlUrl,
		Title:       meta.Name,
		Description: meta.Description,
		Topics:      model.EncodeStringSlice(meta.Topics),
		Stars:       meta.StargazersCount,
		Watchers:    meta.WatchersCount,
		Forks:       meta.ForksCount,
		Language:    meta.Language,
		Homepage:    meta.Homepage,
		Releases:    meta.Releases,
		LastSeenAt:  meta.FetchedAt,
	}
	if meta.License != nil {
		rec.License = meta.License.SpdxID
	}
	if meta.LatestReleaseName != "" {
		rec.LatestReleaseName = meta.LatestReleaseName
	}
	if !meta.LatestReleaseAt.IsZero() {
		t := meta.LatestReleaseAt
		rec.LatestReleaseAt = &t
	}
	if !meta.LastCommitAt.IsZero() {
		t := meta.LastCommitAt
		rec.LastCommitAt = &t
	}
	if rec.LastSeenAt.IsZero() {
		rec.LastSeenAt = time.Now()
	}
	return rec
}
