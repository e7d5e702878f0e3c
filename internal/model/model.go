package model

import (
	"time"

	"github.com/nfhub/nf-catalog/cfg"
	"github.com/nfhub/nf-catalog/pkg/db"
	"github.com/nfhub/nf-catalog/pkg/log"
)

type Model struct {
	Config    *cfg.Config `gorm:"-"`
	Logger    log.Logger  `gorm:"-"`
	Mysql     *db.Mysql   `gorm:"-"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}
