package model

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/nfhub/nf-catalog/cfg"
	"github.com/nfhub/nf-catalog/pkg/db"
	"github.com/nfhub/nf-catalog/pkg/log"
)

// CatalogRecord is the canonical persisted representation of one pipeline
// repository. The id is the platform-assigned repository id and never
// changes. Records are soft-deleted by flipping Active off after enough
// consecutive missed runs; they are never hard-deleted.
type CatalogRecord struct {
	Model
	ID          int64  `json:"id" gorm:"column:id;primaryKey;autoIncrement:false"`
	FullName    string `json:"full_name" gorm:"column:full_name;type:varchar(255);not null;uniqueIndex"`
	Url         string `json:"url" gorm:"column:url;type:varchar(512);not null"`
	Title       string `json:"title" gorm:"column:title;type:varchar(255);not null"`
	Description string `json:"description" gorm:"column:description;type:text"`
	Topics      string `json:"topics" gorm:"column:topics;type:text"`
	Stars       int    `json:"stars" gorm:"column:stars;default:0"`
	Watchers    int    `json:"watchers" gorm:"column:watchers;default:0"`
	Forks       int    `json:"forks" gorm:"column:forks;default:0"`
	Language    string `json:"language" gorm:"column:language;type:varchar(128)"`
	License     string `json:"license" gorm:"column:license;type:varchar(128)"`
	Homepage    string `json:"homepage" gorm:"column:homepage;type:varchar(512)"`

	Releases          int        `json:"releases" gorm:"column:releases;default:0"`
	LatestReleaseName string     `json:"latest_release_name" gorm:"column:latest_release_name;type:varchar(255)"`
	LatestReleaseAt   *time.Time `json:"latest_release_at" gorm:"column:latest_release_at"`
	LastCommitAt      *time.Time `json:"last_commit_at" gorm:"column:last_commit_at"`

	// CuratedFields is a JSON object of manually overridden fields. Values
	// present here always win over automatically refreshed data.
	CuratedFields string `json:"curated_fields" gorm:"column:curated_fields;type:text"`

	MissedRuns int       `json:"missed_runs" gorm:"column:missed_runs;default:0"`
	Active     bool      `json:"active" gorm:"column:active;default:true"`
	LastSeenAt time.Time `json:"last_seen_at" gorm:"column:last_seen_at"`
}

func NewCatalogRecord(config *cfg.Config, logger log.Logger, mysql *db.Mysql) (*CatalogRecord, error) {
	return &CatalogRecord{
		Model: Model{
			Config: config,
			Logger: logger,
			Mysql:  mysql,
		},
	}, nil
}

func (r *CatalogRecord) TableName() string {
	return "catalog_records"
}

// TopicList decodes the stored topics set.
func (r *CatalogRecord) TopicList() []string {
	return DecodeStringSlice(r.Topics)
}

// Curated decodes the curated-field overrides.
func (r *CatalogRecord) Curated() map[string]string {
	return DecodeStringMap(r.CuratedFields)
}

// MergeRefresh folds a freshly fetched snapshot into an existing record. All
// automatically derived fields are overwritten, curated overrides are
// re-applied on top, the missed-run counter resets and the record becomes
// active again. The existing record's curated fields and creation time are
// kept. Pure so the curated-preservation and reactivation rules are directly
// testable.
func MergeRefresh(existing, snapshot *CatalogRecord) *CatalogRecord {
	merged := *snapshot
	merged.CuratedFields = existing.CuratedFields
	merged.CreatedAt = existing.CreatedAt
	merged.MissedRuns = 0
	merged.Active = true
	ApplyCurated(&merged)
	return &merged
}

// ApplyCurated overwrites automatically derived fields with any curated
// overrides stored on the record.
func ApplyCurated(rec *CatalogRecord) {
	curated := rec.Curated()
	if v, ok := curated["title"]; ok {
		rec.Title = v
	}
	if v, ok := curated["description"]; ok {
		rec.Description = v
	}
	if v, ok := curated["homepage"]; ok {
		rec.Homepage = v
	}
	if v, ok := curated["url"]; ok {
		rec.Url = v
	}
}

// Upsert inserts or refreshes one record atomically. The row is locked for
// the duration of the merge so concurrent writers cannot interleave a
// partial update, and a snapshot older than what is already stored is
// discarded instead of regressing the record.
func (r *CatalogRecord) Upsert(ctx context.Context, snapshot *CatalogRecord) error {
	gdb, err := r.Mysql.Db()
	if err != nil {
		return fmt.Errorf("failed to get database connection: %w", err)
	}

	snapshot.FullName = TruncateString(snapshot.FullName, 250)
	snapshot.Title = TruncateString(snapshot.Title, 250)

	return gdb.Transaction(func(tx *gorm.DB) error {
		var existing CatalogRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", snapshot.ID).
			First(&existing).Error

		if errors.Is(err, gorm.ErrRecordNotFound) {
			rec := *snapshot
			rec.MissedRuns = 0
			rec.Active = true
			if rec.CuratedFields == "" {
				rec.CuratedFields = "{}"
			}
			rec.CreatedAt = time.Now()
			rec.UpdatedAt = time.Now()
			return tx.Create(&rec).Error
		}
		if err != nil {
			return err
		}

		if existing.LastSeenAt.After(snapshot.LastSeenAt) {
			r.Logger.Warn(ctx, "Skipping stale snapshot for %s (stored %v, snapshot %v)",
				snapshot.FullName, existing.LastSeenAt, snapshot.LastSeenAt)
			return nil
		}

		merged := MergeRefresh(&existing, snapshot)
		merged.UpdatedAt = time.Now()
		return tx.Model(&CatalogRecord{}).
			Where("id = ?", merged.ID).
			Select("full_name", "url", "title", "description", "topics", "stars",
				"watchers", "forks", "language", "license", "homepage", "releases",
				"latest_release_name", "latest_release_at", "last_commit_at",
				"missed_runs", "active", "last_seen_at", "updated_at").
			Updates(merged).Error
	})
}

// FinishRun closes out one discovery pass: every active record that was not
// seen gets its missed-run counter bumped, and records at or past the
// threshold are deactivated. Returns the ids deactivated by this run so the
// caller can drop them from the search index.
func (r *CatalogRecord) FinishRun(ctx context.Context, seenIDs []int64, threshold int) ([]int64, error) {
	gdb, err := r.Mysql.Db()
	if err != nil {
		return nil, fmt.Errorf("failed to get database connection: %w", err)
	}
	if threshold <= 0 {
		threshold = 3
	}

	var deactivated []int64
	err = gdb.Transaction(func(tx *gorm.DB) error {
		missed := tx.Model(&CatalogRecord{}).Where("active = ?", true)
		if len(seenIDs) > 0 {
			missed = missed.Where("id NOT IN ?", seenIDs)
		}
		if err := missed.UpdateColumn("missed_runs", gorm.Expr("missed_runs + 1")).Error; err != nil {
			return fmt.Errorf("failed to bump missed runs: %w", err)
		}

		if err := tx.Model(&CatalogRecord{}).
			Where("active = ? AND missed_runs >= ?", true, threshold).
			Pluck("id", &deactivated).Error; err != nil {
			return fmt.Errorf("failed to collect deactivation candidates: %w", err)
		}

		if len(deactivated) > 0 {
			if err := tx.Model(&CatalogRecord{}).
				Where("id IN ?", deactivated).
				UpdateColumn("active", false).Error; err != nil {
				return fmt.Errorf("failed to deactivate records: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(deactivated) > 0 {
		r.Logger.Notice(ctx, "Deactivated %d records after %d missed runs", len(deactivated), threshold)
	}
	return deactivated, nil
}

// ListActive returns every active record.
func (r *CatalogRecord) ListActive(ctx context.Context) ([]CatalogRecord, error) {
	gdb, err := r.Mysql.Db()
	if err != nil {
		return nil, fmt.Errorf("failed to get database connection: %w", err)
	}

	var records []CatalogRecord
	if err := gdb.Where("active = ?", true).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to list active records: %w", err)
	}
	return records, nil
}

// ListByIDs returns the records for the given ids, active or not.
func (r *CatalogRecord) ListByIDs(ctx context.Context, ids []int64) ([]CatalogRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	gdb, err := r.Mysql.Db()
	if err != nil {
		return nil, fmt.Errorf("failed to get database connection: %w", err)
	}

	var records []CatalogRecord
	if err := gdb.Where("id IN ?", ids).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to list records by id: %w", err)
	}
	return records, nil
}
