package domain

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host" mapstructure:"host"`
	Port         int    `json:"port" mapstructure:"port"`
	ReadTimeout  int    `json:"readTimeout" mapstructure:"read_timeout"`   // seconds
	WriteTimeout int    `json:"writeTimeout" mapstructure:"write_timeout"` // seconds

	AllowedOrigins []string `json:"allowedOrigins" mapstructure:"allowed_origins"`
	MaxBodyBytes   int64    `json:"maxBodyBytes" mapstructure:"max_body_bytes"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level" mapstructure:"level"`   // debug, info, warn, error
	Format string `json:"format" mapstructure:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled" mapstructure:"enabled"`
	ServiceName string `json:"serviceName" mapstructure:"service_name"`
}

// Tier represents the deployment profile.
type Tier string

const (
	// TierCommunity uses SQLite + in-memory cache + channels
	TierCommunity Tier = "community"

	// TierPro uses PostgreSQL + Redis + NATS
	TierPro Tier = "pro"
)
