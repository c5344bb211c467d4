package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Custody modes
const (
	CustodyMemory  = "memory"
	CustodyStellar = "stellar"
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig    `json:"server"`
	Database  DatabaseConfig  `json:"database"`
	Auth      AuthConfig      `json:"auth"`
	Custody   CustodyConfig   `json:"custody"`
	Stellar   StellarConfig   `json:"stellar"`
	Events    EventsConfig    `json:"events"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Logging   LoggingConfig   `json:"logging"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	ReadTimeout     time.Duration `json:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout"`
	IdleTimeout     time.Duration `json:"idle_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
}

// DatabaseConfig selects the store. An empty driver keeps state in memory.
type DatabaseConfig struct {
	Driver       string        `json:"driver"`
	DSN          string        `json:"dsn"`
	MaxOpenConns int           `json:"max_open_conns"`
	MaxIdleConns int           `json:"max_idle_conns"`
	MaxLifetime  time.Duration `json:"max_lifetime"`
}

// AuthConfig. BootstrapAdmin, when set, is the only principal allowed to
// initialize the escrow.
type AuthConfig struct {
	JWTSecret      string        `json:"jwt_secret"`
	Issuer         string        `json:"issuer"`
	TokenTTL       time.Duration `json:"token_ttl"`
	DevTokens      bool          `json:"dev_tokens"`
	BootstrapAdmin string        `json:"bootstrap_admin"`
}

// CustodyConfig
type CustodyConfig struct {
	Mode          string `json:"mode"`
	EscrowAccount string `json:"escrow_account"`
}

// StellarConfig
type StellarConfig struct {
	HorizonURL      string        `json:"horizon_url"`
	Network         string        `json:"network"`
	EscrowSecretKey string        `json:"escrow_secret_key"`
	TxTimeout       time.Duration `json:"tx_timeout"`
	RequestTimeout  time.Duration `json:"request_timeout"`
}

// EventsConfig controls where domain events are fanned out
type EventsConfig struct {
	Websocket     bool      `json:"websocket"`
	SNSTopicARN   string    `json:"sns_topic_arn"`
	ArchiveBucket string    `json:"archive_bucket"`
	ArchivePrefix string    `json:"archive_prefix"`
	AWS           AWSConfig `json:"aws"`
}

// AWSConfig. Static keys are optional, the default credential chain is used
// when they are empty.
type AWSConfig struct {
	Region          string `json:"region"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	Endpoint        string `json:"endpoint"`
}

// SchedulerConfig
type SchedulerConfig struct {
	Enabled bool          `json:"enabled"`
	Spec    string        `json:"spec"`
	Timeout time.Duration `json:"timeout"`
}

// LoggingConfig
type LoggingConfig struct {
	Level       string `json:"level"`
	Development bool   `json:"development"`
}

// Default returns the configuration used when nothing is overridden
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns: 25,
			MaxIdleConns: 5,
			MaxLifetime:  time.Hour,
		},
		Auth: AuthConfig{
			Issuer:   "pifp-escrow",
			TokenTTL: 24 * time.Hour,
		},
		Custody: CustodyConfig{
			Mode:          CustodyMemory,
			EscrowAccount: "escrow",
		},
		Stellar: StellarConfig{
			Network:        "testnet",
			TxTimeout:      5 * time.Minute,
			RequestTimeout: 30 * time.Second,
		},
		Events: EventsConfig{
			Websocket:     true,
			ArchivePrefix: "events",
		},
		Scheduler: SchedulerConfig{
			Enabled: true,
			Spec:    "@every 1m",
			Timeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfig loads configuration from a .env file, the JSON config file and
// environment variables, in increasing order of precedence. Missing files are
// not an error.
func LoadConfig(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	config := Default()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		switch {
		case err == nil:
			if err := json.Unmarshal(data, config); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		case !errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := overrideWithEnv(config); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func overrideWithEnv(config *Config) error {
	var errs []error
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	flag := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	str("SERVER_HOST", &config.Server.Host)
	num("SERVER_PORT", &config.Server.Port)
	dur("SERVER_SHUTDOWN_TIMEOUT", &config.Server.ShutdownTimeout)

	str("DATABASE_DRIVER", &config.Database.Driver)
	str("DATABASE_DSN", &config.Database.DSN)
	num("DATABASE_MAX_OPEN_CONNS", &config.Database.MaxOpenConns)

	str("JWT_SECRET", &config.Auth.JWTSecret)
	str("JWT_ISSUER", &config.Auth.Issuer)
	dur("JWT_TTL", &config.Auth.TokenTTL)
	flag("AUTH_DEV_TOKENS", &config.Auth.DevTokens)
	str("AUTH_BOOTSTRAP_ADMIN", &config.Auth.BootstrapAdmin)

	str("CUSTODY_MODE", &config.Custody.Mode)
	str("CUSTODY_ESCROW_ACCOUNT", &config.Custody.EscrowAccount)

	str("STELLAR_HORIZON_URL", &config.Stellar.HorizonURL)
	str("STELLAR_NETWORK", &config.Stellar.Network)
	str("STELLAR_ESCROW_SECRET", &config.Stellar.EscrowSecretKey)
	dur("STELLAR_TX_TIMEOUT", &config.Stellar.TxTimeout)

	flag("EVENTS_WEBSOCKET", &config.Events.Websocket)
	str("EVENTS_SNS_TOPIC_ARN", &config.Events.SNSTopicARN)
	str("EVENTS_ARCHIVE_BUCKET", &config.Events.ArchiveBucket)
	str("AWS_REGION", &config.Events.AWS.Region)
	str("AWS_ACCESS_KEY_ID", &config.Events.AWS.AccessKeyID)
	str("AWS_SECRET_ACCESS_KEY", &config.Events.AWS.SecretAccessKey)
	str("AWS_ENDPOINT_URL", &config.Events.AWS.Endpoint)

	flag("SCHEDULER_ENABLED", &config.Scheduler.Enabled)
	str("SCHEDULER_SPEC", &config.Scheduler.Spec)

	str("LOG_LEVEL", &config.Logging.Level)
	flag("LOG_DEVELOPMENT", &config.Logging.Development)

	return errors.Join(errs...)
}

// Validate checks the settings the service cannot start without
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	switch c.Database.Driver {
	case "":
	case "postgres", "sqlite":
		if c.Database.DSN == "" {
			errs = append(errs, fmt.Errorf("database.dsn is required for driver %s", c.Database.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported database driver %q", c.Database.Driver))
	}
	if len(c.Auth.JWTSecret) < 16 {
		errs = append(errs, errors.New("auth.jwt_secret must be at least 16 bytes"))
	}
	switch strings.ToLower(c.Custody.Mode) {
	case CustodyMemory:
		if c.Custody.EscrowAccount == "" {
			errs = append(errs, errors.New("custody.escrow_account is required"))
		}
	case CustodyStellar:
		if c.Stellar.EscrowSecretKey == "" {
			errs = append(errs, errors.New("stellar.escrow_secret_key is required in stellar custody mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported custody mode %q", c.Custody.Mode))
	}
	if c.Events.UsesAWS() && c.Events.AWS.Region == "" {
		errs = append(errs, errors.New("events.aws.region is required for SNS or S3 sinks"))
	}
	if (c.Events.AWS.AccessKeyID == "") != (c.Events.AWS.SecretAccessKey == "") {
		errs = append(errs, errors.New("events.aws access_key_id and secret_access_key must be set together"))
	}
	return errors.Join(errs...)
}

// UsesAWS reports whether any AWS backed sink is configured
func (c *EventsConfig) UsesAWS() bool {
	return c.SNSTopicARN != "" || c.ArchiveBucket != ""
}

// GetServerAddr returns the server address
func (c *ServerConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
