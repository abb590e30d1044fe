package config

import "time"

// PolicyConfig holds the write-authorization settings.
type PolicyConfig struct {
	Whitelist struct {
		PubKeys []string `mapstructure:"PUBKEYS" json:"pubkeys" validate:"omitempty,dive,pubkey"`
	} `mapstructure:"WHITELIST" json:"whitelist"`
	AdminPubKeys []string      `mapstructure:"ADMIN_PUBKEYS"  json:"admin_pubkeys"  validate:"omitempty,dive,pubkey"`
	DevAllowAll  bool          `mapstructure:"DEV_ALLOW_ALL"  json:"dev_allow_all"`
	CacheTTL     time.Duration `mapstructure:"CACHE_TTL"      json:"cache_ttl"      validate:"required,reasonable_duration"`
	CacheSize    int           `mapstructure:"CACHE_SIZE"     json:"cache_size"     validate:"required,min=1,max=1000000"`
}
