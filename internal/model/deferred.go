package model

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/nfhub/nf-catalog/cfg"
	"github.com/nfhub/nf-catalog/pkg/db"
	"github.com/nfhub/nf-catalog/pkg/log"
)

// DeferredCandidate records a candidate whose metadata fetch kept failing
// transiently. It is retried on the next run instead of being dropped.
type DeferredCandidate struct {
	Model
	ID        int64  `json:"id" gorm:"column:id;primaryKey;autoIncrement:false"`
	FullName  string `json:"full_name" gorm:"column:full_name;type:varchar(255);not null"`
	Attempts  int    `json:"attempts" gorm:"column:attempts;default:1"`
	LastError string `json:"last_error" gorm:"column:last_error;type:text"`
}

func NewDeferredCandidate(config *cfg.Config, logger log.Logger, mysql *db.Mysql) (*DeferredCandidate, error) {
	return &DeferredCandidate{
		Model: Model{
			Config: config,
			Logger: logger,
			Mysql:  mysql,
		},
	}, nil
}

func (d *DeferredCandidate) TableName() string {
	return "deferred_candidates"
}

// Record upserts a deferral, bumping the attempt counter on repeats.
func (d *DeferredCandidate) Record(ctx context.Context, id int64, fullName, lastError string) error {
	gdb, err := d.Mysql.Db()
	if err != nil {
		return fmt.Errorf("failed to get database connection: %w", err)
	}

	entry := &DeferredCandidate{
		ID:        id,
		FullName:  TruncateString(fullName, 250),
		Attempts:  1,
		LastError: TruncateString(lastError, 1000),
	}
	entry.CreatedAt = time.Now()
	entry.UpdatedAt = time.Now()

	return gdb.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": entry.LastError,
			"updated_at": entry.UpdatedAt,
		}),
	}).Create(entry).Error
}

// Drain removes and returns all deferred candidates so the next run can fold
// them back into its working set.
func (d *DeferredCandidate) Drain(ctx context.Context) ([]DeferredCandidate, error) {
	gdb, err := d.Mysql.Db()
	if err != nil {
		return nil, fmt.Errorf("failed to get database connection: %w", err)
	}

	var entries []DeferredCandidate
	err = gdb.Transaction(func(tx *gorm.DB) error {
		if err := tx.Find(&entries).Error; err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}
		ids := make([]int64, 0, len(entries))
		for _, e := range entries {
			ids = append(ids, e.ID)
		}
		return tx.Where("id IN ?", ids).Delete(&DeferredCandidate{}).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to drain deferred candidates: %w", err)
	}
	return entries, nil
}
