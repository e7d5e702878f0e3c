package cfg

import (
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

var (
	current     *Config
	currentOnce sync.Once
	currentMu   sync.RWMutex
)

// ViperLoader reads cfg/yaml/mode.yaml and keeps the in-memory config in sync
// with the file. Registered callbacks fire on every successful reload.
type ViperLoader struct {
	reloadCallbacks []func(*Config)
}

func NewViperLoader() (*ViperLoader, error) {
	return &ViperLoader{}, nil
}

func (vl *ViperLoader) Load() (*Config, error) {
	var err error
	currentOnce.Do(func() {
		err = vl.read()
		if err != nil {
			return
		}
		viper.WatchConfig()
		viper.OnConfigChange(func(e fsnotify.Event) {
			fmt.Printf("[INFO][CONFIG] Config file changed: %s\n", e.Name)
			if rerr := vl.reload(); rerr != nil {
				fmt.Printf("[ERROR][CONFIG] Reload failed: %v\n", rerr)
			}
		})
	})
	if err != nil {
		return nil, err
	}

	currentMu.RLock()
	defer currentMu.RUnlock()
	return current, nil
}

// OnReload registers a callback invoked (in its own goroutine) after the
// config file changes on disk and re-parses cleanly.
func (vl *ViperLoader) OnReload(callback func(*Config)) {
	currentMu.Lock()
	vl.reloadCallbacks = append(vl.reloadCallbacks, callback)
	currentMu.Unlock()
}

func (vl *ViperLoader) read() error {
	viper.AddConfigPath("cfg/yaml")
	viper.SetConfigName("mode")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	return vl.apply()
}

func (vl *ViperLoader) reload() error {
	if err := vl.apply(); err != nil {
		return err
	}
	fmt.Println("[INFO][CONFIG] Configuration reloaded")
	return nil
}

func (vl *ViperLoader) apply() error {
	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}

	currentMu.Lock()
	current = config
	callbacks := make([]func(*Config), len(vl.reloadCallbacks))
	copy(callbacks, vl.reloadCallbacks)
	currentMu.Unlock()

	for _, callback := range callbacks {
		go callback(config)
	}
	return nil
}
