package cfg

import (
	"sync"
)

var (
	activeLoader Loader
	loaderOnce   sync.Once
)

// Loader produces the process-wide configuration. The first loader registered
// wins; later registrations return the existing one.
type Loader interface {
	Load() (*Config, error)
}

func NewLoader(l Loader) (Loader, error) {
	loaderOnce.Do(func() {
		activeLoader = l
	})
	return activeLoader, nil
}
