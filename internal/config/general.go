package config

// GeneralConfig holds process-wide settings.
type GeneralConfig struct {
	Environment  string `mapstructure:"ENVIRONMENT"   json:"environment"   validate:"required,oneof=development test production"`
	IdentityFile string `mapstructure:"IDENTITY_FILE" json:"identity_file" validate:"omitempty"`
}
