package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Transport TransportConfig `mapstructure:"transport"`
	Lifecycle LifecycleConfig `mapstructure:"lifecycle"`
	IO        IOConfig        `mapstructure:"io"`
	Devices   DevicesConfig   `mapstructure:"device_profiles"`
	Shot      ShotConfig      `mapstructure:"shot"`
	Debug     bool            `mapstructure:"debug"`
}

type ServerConfig struct {
	GRPCPort        int           `mapstructure:"grpc_port"`
	HTTPPort        int           `mapstructure:"http_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
}

// StorageConfig selects where parameter trees and identities live.
type StorageConfig struct {
	Backend string `mapstructure:"backend"` // postgres or memory
}

// Auth Configuration
type AuthConfig struct {
	JWTSecretEnv   string        `mapstructure:"jwt_secret_env"`
	AccessTokenTTL time.Duration `mapstructure:"access_token_ttl"`
	Users          []UserConfig  `mapstructure:"users"`
}

// UserConfig is one operator account. PasswordHash is produced by
// `server --hash-password`.
type UserConfig struct {
	Username     string `mapstructure:"username"`
	PasswordHash string `mapstructure:"password_hash"`
	Role         string `mapstructure:"role"`
}

type TransportConfig struct {
	Mode      string `mapstructure:"mode"` // udp or memory
	Interface string `mapstructure:"interface"`
	TTL       int    `mapstructure:"ttl"`
	Loopback  bool   `mapstructure:"loopback"`
	QueueLen  int    `mapstructure:"queue_len"`
}

type LifecycleConfig struct {
	ConfigureTimeout time.Duration `mapstructure:"configure_timeout"`
	StopTimeout      time.Duration `mapstructure:"stop_timeout"`
}

// IOConfig describes the setpoint controller. Mode "none" logs setpoints
// instead of writing them.
type IOConfig struct {
	Mode      string            `mapstructure:"mode"` // modbus or none
	Address   string            `mapstructure:"address"`
	UnitID    uint8             `mapstructure:"unit_id"`
	Timeout   time.Duration     `mapstructure:"timeout"`
	Setpoints []SetpointMapping `mapstructure:"setpoints"`
}

// SetpointMapping binds a recipe parameter of one device to a holding
// register. The register holds value*scale rounded to an integer.
type SetpointMapping struct {
	Device   string  `mapstructure:"device"`
	Path     string  `mapstructure:"path"`
	Register uint16  `mapstructure:"register"`
	Scale    float64 `mapstructure:"scale"`
}

type DevicesConfig struct {
	SearchPaths []string `mapstructure:"search_paths"`
}

type ShotConfig struct {
	DefaultDuration time.Duration `mapstructure:"default_duration"`
	MaxDuration     time.Duration `mapstructure:"max_duration"`
	AbortOnFault    bool          `mapstructure:"abort_on_fault"`
}

func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetDefault("server.grpc_port", 50051)
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "openshotcore")
	v.SetDefault("database.max_connections", 10)
	v.SetDefault("storage.backend", "postgres")

	v.SetDefault("auth.jwt_secret_env", "JWT_SECRET")
	v.SetDefault("auth.access_token_ttl", "60m")

	v.SetDefault("transport.mode", "udp")
	v.SetDefault("transport.ttl", 1)
	v.SetDefault("transport.loopback", true)
	v.SetDefault("transport.queue_len", 256)

	v.SetDefault("lifecycle.configure_timeout", "5s")
	v.SetDefault("lifecycle.stop_timeout", "2s")

	v.SetDefault("io.mode", "none")
	v.SetDefault("io.unit_id", 1)
	v.SetDefault("io.timeout", "1s")

	v.SetDefault("device_profiles.search_paths", []string{"./descriptors"})

	v.SetDefault("shot.default_duration", "2s")
	v.SetDefault("shot.max_duration", "60s")
	v.SetDefault("shot.abort_on_fault", false)
	v.SetDefault("debug", false)

	// OSC_DATABASE_HOST overrides database.host
	v.SetEnvPrefix("OSC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "postgres", "memory":
	default:
		return fmt.Errorf("storage.backend: unknown backend %q", c.Storage.Backend)
	}
	switch c.Transport.Mode {
	case "udp", "memory":
	default:
		return fmt.Errorf("transport.mode: unknown mode %q", c.Transport.Mode)
	}
	switch c.IO.Mode {
	case "modbus":
		if c.IO.Address == "" {
			return fmt.Errorf("io.address is required in modbus mode")
		}
	case "none":
	default:
		return fmt.Errorf("io.mode: unknown mode %q", c.IO.Mode)
	}
	for i, sp := range c.IO.Setpoints {
		if sp.Device == "" || sp.Path == "" {
			return fmt.Errorf("io.setpoints[%d]: device and path are required", i)
		}
	}
	for i, u := range c.Auth.Users {
		if u.Username == "" || u.PasswordHash == "" {
			return fmt.Errorf("auth.users[%d]: username and password_hash are required", i)
		}
		if u.Role != "operator" && u.Role != "admin" {
			return fmt.Errorf("auth.users[%d]: unknown role %q", i, u.Role)
		}
	}
	if c.Shot.MaxDuration > 0 && c.Shot.DefaultDuration > c.Shot.MaxDuration {
		return fmt.Errorf("shot.default_duration exceeds shot.max_duration")
	}
	return nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

const devSecret = "dev-secret-change-in-production-min-32-chars"

// GetJWTSecret reads the signing secret from the configured environment
// variable, falling back to a development secret.
func (a *AuthConfig) GetJWTSecret() string {
	envVar := a.JWTSecretEnv
	if envVar == "" {
		envVar = "JWT_SECRET"
	}

	secret := os.Getenv(envVar)
	if secret == "" {
		return devSecret
	}
	return secret
}

func (a *AuthConfig) IsProductionReady() bool {
	secret := a.GetJWTSecret()
	return secret != devSecret && len(secret) >= 32
}
