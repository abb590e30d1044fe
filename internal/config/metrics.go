package config

// MetricsConfig holds metrics configuration settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"ENABLED" json:"enabled"`
	Path    string `mapstructure:"PATH"    json:"path"    validate:"required,startswith=/"`
}
