package config

import (
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"quotadrive/internal/domain"
)

const envPrefix = "QUOTADRIVE"

type Config struct {
	Server   ServerConfig   `mapstructure:"Server"`
	Database DatabaseConfig `mapstructure:"Database"`
	Blob     BlobConfig     `mapstructure:"Blob"`
	Quota    QuotaConfig    `mapstructure:"Quota"`
	Auth     AuthConfig     `mapstructure:"Auth"`
	Sweep    SweepConfig    `mapstructure:"Sweep"`
	Log      LogConfig      `mapstructure:"Log"`
}

type ServerConfig struct {
	Port            string        `mapstructure:"Port" validate:"required,numeric"`
	GRPCPort        string        `mapstructure:"GRPCPort" validate:"required,numeric"`
	RequestTimeout  time.Duration `mapstructure:"RequestTimeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `mapstructure:"ShutdownTimeout" validate:"gt=0"`
	AllowedOrigins  []string      `mapstructure:"AllowedOrigins"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"Driver" validate:"required,oneof=postgres sqlite"`
	Host            string        `mapstructure:"Host" validate:"required_if=Driver postgres"`
	Port            string        `mapstructure:"Port" validate:"required_if=Driver postgres"`
	User            string        `mapstructure:"User" validate:"required_if=Driver postgres"`
	Password        string        `mapstructure:"Password"`
	Name            string        `mapstructure:"Name" validate:"required_if=Driver postgres"`
	SSLMode         string        `mapstructure:"SSLMode"`
	Path            string        `mapstructure:"Path" validate:"required_if=Driver sqlite"`
	ConnectAttempts int           `mapstructure:"ConnectAttempts" validate:"gte=1"`
	ConnectDelay    time.Duration `mapstructure:"ConnectDelay" validate:"gt=0"`
}

type BlobConfig struct {
	Backend string   `mapstructure:"Backend" validate:"required,oneof=s3 filesystem badger memory"`
	Dir     string   `mapstructure:"Dir" validate:"required_if=Backend filesystem,required_if=Backend badger"`
	S3      S3Config `mapstructure:"S3"`
}

type S3Config struct {
	Endpoint        string `mapstructure:"Endpoint"`
	Region          string `mapstructure:"Region"`
	AccessKeyID     string `mapstructure:"AccessKeyID"`
	SecretAccessKey string `mapstructure:"SecretAccessKey"`
	Bucket          string `mapstructure:"Bucket"`
	UsePathStyle    bool   `mapstructure:"UsePathStyle"`
}

type QuotaConfig struct {
	Tiers          map[string]int64 `mapstructure:"Tiers" validate:"required,min=1,dive,gte=0"`
	DefaultTier    string           `mapstructure:"DefaultTier" validate:"required"`
	MaxUploadBytes int64            `mapstructure:"MaxUploadBytes" validate:"gt=0"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"JWTSecret" validate:"required,min=16"`
	Issuer    string `mapstructure:"Issuer"`
}

type SweepConfig struct {
	Enabled   bool          `mapstructure:"Enabled"`
	Interval  time.Duration `mapstructure:"Interval" validate:"gt=0"`
	MinAge    time.Duration `mapstructure:"MinAge" validate:"gte=0"`
	BatchSize int           `mapstructure:"BatchSize" validate:"gt=0,lte=1000"`
	DryRun    bool          `mapstructure:"DryRun"`
}

type LogConfig struct {
	Level  string `mapstructure:"Level" validate:"required,oneof=debug info warn error"`
	Format string `mapstructure:"Format" validate:"required,oneof=json console"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("Server.Port", "2525")
	v.SetDefault("Server.GRPCPort", "50051")
	v.SetDefault("Server.RequestTimeout", 30*time.Minute)
	v.SetDefault("Server.ShutdownTimeout", 30*time.Second)
	v.SetDefault("Server.AllowedOrigins", []string{"*"})

	v.SetDefault("Database.Driver", "postgres")
	v.SetDefault("Database.Host", "")
	v.SetDefault("Database.Port", "5432")
	v.SetDefault("Database.User", "")
	v.SetDefault("Database.Password", "")
	v.SetDefault("Database.Name", "quotadrive")
	v.SetDefault("Database.SSLMode", "disable")
	v.SetDefault("Database.Path", "")
	v.SetDefault("Database.ConnectAttempts", 5)
	v.SetDefault("Database.ConnectDelay", 5*time.Second)

	v.SetDefault("Blob.Backend", "s3")
	v.SetDefault("Blob.Dir", "")
	v.SetDefault("Blob.S3.Endpoint", "")
	v.SetDefault("Blob.S3.Region", "us-east-1")
	v.SetDefault("Blob.S3.AccessKeyID", "")
	v.SetDefault("Blob.S3.SecretAccessKey", "")
	v.SetDefault("Blob.S3.Bucket", "")
	v.SetDefault("Blob.S3.UsePathStyle", false)

	v.SetDefault("Quota.Tiers", maps.Clone(domain.DefaultTierAllowances))
	v.SetDefault("Quota.DefaultTier", domain.TierUser)
	v.SetDefault("Quota.MaxUploadBytes", 100<<20)

	v.SetDefault("Auth.JWTSecret", "")
	v.SetDefault("Auth.Issuer", "")

	v.SetDefault("Sweep.Enabled", true)
	v.SetDefault("Sweep.Interval", time.Hour)
	v.SetDefault("Sweep.MinAge", time.Hour)
	v.SetDefault("Sweep.BatchSize", 500)
	v.SetDefault("Sweep.DryRun", false)

	v.SetDefault("Log.Level", "info")
	v.SetDefault("Log.Format", "json")
}

// NewConfig loads configuration from path (optional) and the environment.
// Every key can be overridden as QUOTADRIVE_<SECTION>_<KEY>, e.g.
// QUOTADRIVE_DATABASE_HOST.
func NewConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Flat variable names kept for existing deployments.
	v.BindEnv("Database.Host", "DATABASE_HOST")
	v.BindEnv("Database.Port", "DATABASE_PORT")
	v.BindEnv("Database.User", "DATABASE_USER")
	v.BindEnv("Database.Password", "DATABASE_PASSWORD")
	v.BindEnv("Database.Name", "DATABASE_NAME")
	v.BindEnv("Database.SSLMode", "DATABASE_SSLMODE")
	v.BindEnv("Server.Port", "HTTP_PORT")
	v.BindEnv("Server.GRPCPort", "GRPC_PORT")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

var validate = validator.New()

// Validate checks field constraints and the cross-field rules the tags cannot
// express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed on '%s'", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// Viper lower-cases map keys, so tier names are compared lower-cased.
	if _, ok := c.Quota.Tiers[strings.ToLower(c.Quota.DefaultTier)]; !ok {
		return fmt.Errorf("invalid configuration: default tier %q has no allowance", c.Quota.DefaultTier)
	}

	if c.Blob.Backend == "s3" && (c.Blob.S3.AccessKeyID == "" || c.Blob.S3.SecretAccessKey == "" || c.Blob.S3.Bucket == "") {
		return fmt.Errorf("invalid configuration: s3 backend requires AccessKeyID, SecretAccessKey and Bucket")
	}

	return nil
}

func (c *DatabaseConfig) GetDSN() string {
	if c.Driver == "sqlite" {
		return SQLiteDSN(c.Path)
	}
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host,
		c.Port,
		c.User,
		c.Password,
		c.Name,
		c.SSLMode,
	)
}

// SQLiteDSN returns a modernc.org/sqlite DSN for the database file at path.
func SQLiteDSN(path string) string {
	params := url.Values{}
	params.Add("_pragma", "busy_timeout(5000)")
	params.Add("_pragma", "journal_mode(WAL)")
	params.Add("_pragma", "foreign_keys(1)")
	params.Set("_txlock", "immediate")
	return path + "?" + params.Encode()
}
