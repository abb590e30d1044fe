package config

import "time"

// RelayConfig holds relay-specific settings.
type RelayConfig struct {
	Name             string           `mapstructure:"NAME"               json:"name"               validate:"required,min=1,max=30"`
	Description      string           `mapstructure:"DESCRIPTION"        json:"description"        validate:"omitempty,max=200"`
	Contact          string           `mapstructure:"CONTACT"            json:"contact"            validate:"omitempty,max=100"`
	PublicKey        string           `mapstructure:"PUBLIC_KEY"         json:"public_key"         validate:"omitempty,pubkey"`
	Icon             string           `mapstructure:"ICON"               json:"icon"               validate:"omitempty,url"`
	WSAddr           string           `mapstructure:"WS_ADDR"            json:"ws_addr"            validate:"required,wsaddr"`
	PublicURL        string           `mapstructure:"PUBLIC_URL"         json:"public_url"         validate:"omitempty,url"`
	TrustProxy       bool             `mapstructure:"TRUST_PROXY"        json:"trust_proxy"`
	IdleTimeout      time.Duration    `mapstructure:"IDLE_TIMEOUT"       json:"idle_timeout"       validate:"required,reasonable_duration"`
	WriteTimeout     time.Duration    `mapstructure:"WRITE_TIMEOUT"      json:"write_timeout"      validate:"required,timeout_duration"`
	SendBufferSize   int              `mapstructure:"SEND_BUFFER_SIZE"   json:"send_buffer_size"   validate:"required,min=8,max=65536"`
	MaxMessageLength int              `mapstructure:"MAX_MESSAGE_LENGTH" json:"max_message_length" validate:"required,min=70000,max=4194304"`
	MaxSubscriptions int              `mapstructure:"MAX_SUBSCRIPTIONS"  json:"max_subscriptions"  validate:"required,min=1,max=1000"`
	MaxFilters       int              `mapstructure:"MAX_FILTERS"        json:"max_filters"        validate:"required,min=1,max=100"`
	MaxQueryLimit    int              `mapstructure:"MAX_QUERY_LIMIT"    json:"max_query_limit"    validate:"required,min=1,max=5000"`
	Throttling       ThrottlingConfig `mapstructure:"THROTTLING"         json:"throttling"         validate:"required"`
}

// ThrottlingConfig holds the per-origin and per-author limits.
type ThrottlingConfig struct {
	EventsPerSecondPerIP     int           `mapstructure:"EVENTS_PER_SECOND_PER_IP"     json:"events_per_second_per_ip"     validate:"required,min=1,max=10000"`
	EventsPerSecondPerPubkey int           `mapstructure:"EVENTS_PER_SECOND_PER_PUBKEY" json:"events_per_second_per_pubkey" validate:"required,min=1,max=10000"`
	MaxConnectionsPerIP      int           `mapstructure:"MAX_CONNECTIONS_PER_IP"       json:"max_connections_per_ip"       validate:"required,min=1,max=100000"`
	MaxConnections           int           `mapstructure:"MAX_CONNECTIONS"              json:"max_connections"              validate:"required,min=1,max=1000000"`
	SweepInterval            time.Duration `mapstructure:"SWEEP_INTERVAL"               json:"sweep_interval"               validate:"required,reasonable_duration"`
	APIRequestsPerSecond     float64       `mapstructure:"API_REQUESTS_PER_SECOND"      json:"api_requests_per_second"      validate:"required,gt=0,max=10000"`
	APIBurst                 int           `mapstructure:"API_BURST"                    json:"api_burst"                    validate:"required,min=1,max=10000"`
}
