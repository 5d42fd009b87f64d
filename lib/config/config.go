package config

import (
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/HORNET-Storage/hornet-relay/lib/types"
)

var (
	// Cache the configuration after first load
	cachedConfig    atomic.Value // stores *types.Config
	configLoadOnce  sync.Once
	configLoadError error

	writeMutex sync.Mutex

	// Debounce timer for config file changes
	debounceTimer *time.Timer
	debounceMutex sync.Mutex

	reloadHooks   []func()
	reloadHooksMu sync.Mutex
)

// InitConfig initializes the global viper configuration
func InitConfig() error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/app")
	viper.AddConfigPath("./config")

	viper.SetEnvPrefix("HORNETS")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	SetDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}

		log.Println("No config.yaml found, creating default configuration...")
		if err := viper.SafeWriteConfigAs("config.yaml"); err != nil {
			return fmt.Errorf("failed to create default config: %w", err)
		}
	}

	if err := reloadConfigCache(); err != nil {
		return fmt.Errorf("failed to load initial config: %w", err)
	}

	viper.WatchConfig()
	viper.OnConfigChange(func(e fsnotify.Event) {
		debounceMutex.Lock()
		defer debounceMutex.Unlock()

		if debounceTimer != nil {
			debounceTimer.Stop()
		}

		// Editors write in several steps, wait for the file to settle
		debounceTimer = time.AfterFunc(500*time.Millisecond, func() {
			log.Printf("Config file changed (debounced): %s", e.Name)
			if err := RefreshConfig(); err != nil {
				log.Printf("Error reloading config cache after file change: %v", err)
				return
			}
			runReloadHooks()
		})
	})

	return nil
}

// OnReload registers fn to run after the config file changed and was reloaded
func OnReload(fn func()) {
	reloadHooksMu.Lock()
	defer reloadHooksMu.Unlock()
	reloadHooks = append(reloadHooks, fn)
}

func runReloadHooks() {
	reloadHooksMu.Lock()
	hooks := append([]func(){}, reloadHooks...)
	reloadHooksMu.Unlock()

	for _, fn := range hooks {
		fn()
	}
}

// SetDefaults registers the default value of every known key
func SetDefaults() {
	viper.SetDefault("server.port", 9001)
	viper.SetDefault("server.bind_address", "0.0.0.0")
	viper.SetDefault("server.data_path", "./data")

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.output", "stdout")

	viper.SetDefault("relay.name", "HORNETS")
	viper.SetDefault("relay.description", "HORNETS relay core")
	viper.SetDefault("relay.contact", "support@hornets.net")
	viper.SetDefault("relay.icon", "")
	viper.SetDefault("relay.software", "https://github.com/HORNET-Storage/hornet-relay")
	viper.SetDefault("relay.version", "0.1.0")
	viper.SetDefault("relay.supported_nips", []int{1, 9, 11, 13, 26, 33, 40, 50})
	viper.SetDefault("relay.public_key", "")

	viper.SetDefault("events.created_at_upper_limit", 900)
	viper.SetDefault("events.min_leading_zero_bits", 0)
	viper.SetDefault("events.expiration_sweep_seconds", 60)
	viper.SetDefault("events.dedup_ttl_seconds", 10)

	viper.SetDefault("filters.max_ids", 1000)
	viper.SetDefault("filters.max_authors", 1000)
	viper.SetDefault("filters.max_kinds", 20)
	viper.SetDefault("filters.max_tag_values", 256)
	viper.SetDefault("filters.max_tag_value_length", 1024)
	viper.SetDefault("filters.default_limit", 100)
	viper.SetDefault("filters.max_limit", 1000)

	viper.SetDefault("search.enabled", true)
	viper.SetDefault("search.path", "")

	viper.SetDefault("allowed_users.mode", "public")
	viper.SetDefault("allowed_users.users", []string{})
}

// reloadConfigCache loads the configuration from viper into the cache
func reloadConfigCache() error {
	config := &types.Config{}
	if err := viper.Unmarshal(config); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cachedConfig.Store(config)
	return nil
}

// GetConfig returns the cached configuration struct
func GetConfig() (*types.Config, error) {
	if cfg := cachedConfig.Load(); cfg != nil {
		return cfg.(*types.Config), nil
	}

	configLoadOnce.Do(func() {
		configLoadError = reloadConfigCache()
	})

	if configLoadError != nil {
		return nil, configLoadError
	}

	cfg := cachedConfig.Load()
	if cfg == nil {
		return nil, fmt.Errorf("configuration not loaded")
	}

	return cfg.(*types.Config), nil
}

// RefreshConfig forces a reload of the configuration cache
func RefreshConfig() error {
	writeMutex.Lock()
	defer writeMutex.Unlock()

	return reloadConfigCache()
}

// UpdateConfig sets a single key and reloads the cache, optionally persisting it
func UpdateConfig(key string, value interface{}, save bool) error {
	writeMutex.Lock()
	defer writeMutex.Unlock()

	viper.Set(key, value)

	if save {
		if err := viper.WriteConfig(); err != nil {
			return err
		}
	}

	return reloadConfigCache()
}

// GetDataDir returns the data directory path
func GetDataDir() string {
	cfg, err := GetConfig()
	if err != nil || cfg.Server.DataPath == "" {
		return "./data"
	}
	return cfg.Server.DataPath
}

// GetPath returns a path relative to the data directory
func GetPath(subPath string) string {
	return filepath.Join(GetDataDir(), subPath)
}

// GetSearchPath returns where the search index lives
func GetSearchPath() string {
	cfg, err := GetConfig()
	if err == nil && cfg.Search.Path != "" {
		return cfg.Search.Path
	}
	return GetPath("search")
}

// GetListenAddress returns bind_address:port for the relay listener
func GetListenAddress() string {
	cfg, err := GetConfig()
	if err != nil || cfg.Server.Port == 0 {
		return "0.0.0.0:9001"
	}
	return fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.Port)
}
