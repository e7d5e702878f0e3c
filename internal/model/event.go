package model

import "time"

// Event actions published to the catalog topic.
const (
	EventUpserted    = "upserted"
	EventDeactivated = "deactivated"
)

// CatalogEvent is the message published after the store writer changes
// records. The index-refresh consumer uses it to update the search index
// incrementally.
type CatalogEvent struct {
	Action string    `json:"action"`
	IDs    []int64   `json:"ids"`
	At     time.Time `json:"at"`
}
