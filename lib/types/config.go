// Configuration types
package types

// Config represents the complete relay configuration
type Config struct {
	Server       ServerConfig         `mapstructure:"server"`
	Logging      LoggingConfig        `mapstructure:"logging"`
	Relay        RelayConfig          `mapstructure:"relay"`
	Events       EventsConfig         `mapstructure:"events"`
	Filters      FilterLimitsConfig   `mapstructure:"filters"`
	Search       SearchConfig         `mapstructure:"search"`
	AllowedUsers AllowedUsersSettings `mapstructure:"allowed_users"`
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Port        int    `mapstructure:"port"`
	BindAddress string `mapstructure:"bind_address"`
	DataPath    string `mapstructure:"data_path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Output string `mapstructure:"output"`
}

// RelayConfig holds the values published in the relay information document
type RelayConfig struct {
	Name          string `mapstructure:"name"`
	Description   string `mapstructure:"description"`
	Contact       string `mapstructure:"contact"`
	Icon          string `mapstructure:"icon"`
	Software      string `mapstructure:"software"`
	Version       string `mapstructure:"version"`
	SupportedNIPs []int  `mapstructure:"supported_nips"`
	PublicKey     string `mapstructure:"public_key"`
}

// EventsConfig holds event acceptance policy
type EventsConfig struct {
	// Seconds an event may be dated into the future, 0 disables the check
	CreatedAtUpperLimit    int64 `mapstructure:"created_at_upper_limit"`
	MinLeadingZeroBits     int   `mapstructure:"min_leading_zero_bits"`
	ExpirationSweepSeconds int   `mapstructure:"expiration_sweep_seconds"`
	DedupTTLSeconds        int   `mapstructure:"dedup_ttl_seconds"`
}

// FilterLimitsConfig bounds the size of client supplied filters
type FilterLimitsConfig struct {
	MaxIDs            int `mapstructure:"max_ids"`
	MaxAuthors        int `mapstructure:"max_authors"`
	MaxKinds          int `mapstructure:"max_kinds"`
	MaxTagValues      int `mapstructure:"max_tag_values"`
	MaxTagValueLength int `mapstructure:"max_tag_value_length"`
	DefaultLimit      int `mapstructure:"default_limit"`
	MaxLimit          int `mapstructure:"max_limit"`
}

// SearchConfig holds full text search configuration
type SearchConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// AllowedUsersSettings controls who may publish to the relay
type AllowedUsersSettings struct {
	Mode  string   `json:"mode" mapstructure:"mode"` // public, allowed_users
	Users []string `json:"users" mapstructure:"users"`
}
