package config

import "time"

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Auth    AuthConfig    `yaml:"auth"`
	Storage StorageConfig `yaml:"storage"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

type ServerConfig struct {
	Bind                string        `yaml:"bind"`
	Port                int           `yaml:"port"`
	Hostname            string        `yaml:"hostname"`
	MaxConnections      int           `yaml:"max_connections"`
	MaxConnectionsPerIP int           `yaml:"max_connections_per_ip"`
	ReadTimeout         time.Duration `yaml:"read_timeout"`
	WriteTimeout        time.Duration `yaml:"write_timeout"`
}

// AuthConfig carries the static login allow-list. A login of "*" accepts any
// username; any other entry must match a decoded AUTH LOGIN username exactly.
type AuthConfig struct {
	AllowedAddresses []string `yaml:"allowed_addresses"`
}

// StorageConfig selects and configures one of the two concrete storage
// backends. Only the fields for the selected Strategy are consulted.
type StorageConfig struct {
	Strategy string      `yaml:"strategy"` // "local" or "s3"
	Local    LocalConfig `yaml:"local"`
	S3       S3Config    `yaml:"s3"`
}

type LocalConfig struct {
	BasePath string `yaml:"base_path"`
}

type S3Config struct {
	Bucket           string `yaml:"bucket"`
	EndpointOverride string `yaml:"endpoint_override"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Bind:                "0.0.0.0",
			Port:                2525,
			Hostname:            "localhost",
			MaxConnections:      10000,
			MaxConnectionsPerIP: 1000,
			ReadTimeout:         30 * time.Second,
			WriteTimeout:        30 * time.Second,
		},
		Auth: AuthConfig{
			AllowedAddresses: []string{"*"},
		},
		Storage: StorageConfig{
			Strategy: "local",
			Local: LocalConfig{
				BasePath: "/var/lib/smtpingress/captures",
			},
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Port:    9090,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
