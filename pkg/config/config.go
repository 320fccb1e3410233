package config

import (
	"errors"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Storage drivers supported by the backup catalog.
const (
	StorageDriverLocal = "local"
	StorageDriverS3    = "s3"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database        DatabaseConfig
	Redis           RedisConfig
	JWT             JWTConfig
	CORS            CORSConfig
	Log             LogConfig
	Backups         BackupsConfig
	S3              S3Config
	BackupScheduler BackupSchedulerConfig
	Mail            MailConfig
	Delivery        DeliveryConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

type JWTConfig struct {
	Secret string
	Issuer string
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// BackupsConfig controls snapshot storage, restore limits and step deadlines.
type BackupsConfig struct {
	Enabled         bool
	StorageDriver   string
	StorageDir      string
	SignedURLSecret string
	SignedURLTTL    time.Duration
	MaxUploadBytes  int64
	SchemaVersion   string
	StepTimeout     time.Duration
	RunTimeout      time.Duration
	StatsCacheTTL   time.Duration
}

// S3Config points the backup catalog at an S3-compatible bucket.
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Prefix          string
	UsePathStyle    bool
}

// BackupSchedulerConfig drives the periodic schedule sweep.
type BackupSchedulerConfig struct {
	Enabled  bool
	Interval time.Duration
	LockTTL  time.Duration
}

// MailConfig holds the SMTP transport used for backup delivery.
type MailConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	From     string
	FromName string
	UseTLS   bool
	Timeout  time.Duration
}

// DeliveryConfig sizes the background delivery queue.
type DeliveryConfig struct {
	Workers int
	Retries int
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !isMissingFile(err) {
			return nil, err
		}
	}

	return fromViper(v), nil
}

func fromViper(v *viper.Viper) *Config {
	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
	}

	cfg.Redis = RedisConfig{
		Enabled:  v.GetBool("ENABLE_REDIS"),
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.JWT = JWTConfig{
		Secret: v.GetString("JWT_SECRET"),
		Issuer: v.GetString("JWT_ISSUER"),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	maxUpload := v.GetInt64("BACKUPS_MAX_UPLOAD_SIZE")
	if maxUpload <= 0 {
		maxUpload = 50 * 1024 * 1024
	}
	driver := strings.ToLower(strings.TrimSpace(v.GetString("BACKUPS_STORAGE_DRIVER")))
	if driver != StorageDriverS3 {
		driver = StorageDriverLocal
	}
	cfg.Backups = BackupsConfig{
		Enabled:         v.GetBool("ENABLE_BACKUPS"),
		StorageDriver:   driver,
		StorageDir:      v.GetString("BACKUPS_STORAGE_DIR"),
		SignedURLSecret: v.GetString("BACKUPS_SIGNED_URL_SECRET"),
		SignedURLTTL:    parseDuration(v.GetString("BACKUPS_SIGNED_URL_TTL"), 15*time.Minute),
		MaxUploadBytes:  maxUpload,
		SchemaVersion:   v.GetString("BACKUPS_SCHEMA_VERSION"),
		StepTimeout:     parseDuration(v.GetString("BACKUPS_STEP_TIMEOUT"), 2*time.Minute),
		RunTimeout:      parseDuration(v.GetString("BACKUPS_RUN_TIMEOUT"), 15*time.Minute),
		StatsCacheTTL:   parseDuration(v.GetString("BACKUPS_STATS_CACHE_TTL"), 30*time.Second),
	}

	cfg.S3 = S3Config{
		Bucket:          v.GetString("S3_BUCKET"),
		Region:          v.GetString("S3_REGION"),
		Endpoint:        v.GetString("S3_ENDPOINT"),
		AccessKeyID:     v.GetString("S3_ACCESS_KEY_ID"),
		SecretAccessKey: v.GetString("S3_SECRET_ACCESS_KEY"),
		Prefix:          v.GetString("S3_PREFIX"),
		UsePathStyle:    v.GetBool("S3_USE_PATH_STYLE"),
	}

	cfg.BackupScheduler = BackupSchedulerConfig{
		Enabled:  v.GetBool("ENABLE_BACKUP_SCHEDULER"),
		Interval: parseDuration(v.GetString("BACKUP_SCHEDULER_INTERVAL"), time.Minute),
		LockTTL:  parseDuration(v.GetString("BACKUP_LOCK_TTL"), 30*time.Minute),
	}

	cfg.Mail = MailConfig{
		Host:     v.GetString("SMTP_HOST"),
		Port:     v.GetInt("SMTP_PORT"),
		User:     v.GetString("SMTP_USER"),
		Password: v.GetString("SMTP_PASSWORD"),
		From:     v.GetString("SMTP_FROM"),
		FromName: v.GetString("SMTP_FROM_NAME"),
		UseTLS:   v.GetBool("SMTP_USE_TLS"),
		Timeout:  parseDuration(v.GetString("SMTP_TIMEOUT"), 30*time.Second),
	}

	cfg.Delivery = DeliveryConfig{
		Workers: v.GetInt("BACKUP_DELIVERY_WORKERS"),
		Retries: v.GetInt("BACKUP_DELIVERY_RETRIES"),
	}

	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "itam_admin")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("ENABLE_REDIS", false)
	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("JWT_SECRET", "dev_secret")
	v.SetDefault("JWT_ISSUER", "")

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("ENABLE_BACKUPS", true)
	v.SetDefault("BACKUPS_STORAGE_DRIVER", StorageDriverLocal)
	v.SetDefault("BACKUPS_STORAGE_DIR", "./backups")
	v.SetDefault("BACKUPS_SIGNED_URL_SECRET", "dev_backups_secret")
	v.SetDefault("BACKUPS_SIGNED_URL_TTL", "15m")
	v.SetDefault("BACKUPS_MAX_UPLOAD_SIZE", 50*1024*1024)
	v.SetDefault("BACKUPS_SCHEMA_VERSION", "1.0")
	v.SetDefault("BACKUPS_STEP_TIMEOUT", "2m")
	v.SetDefault("BACKUPS_RUN_TIMEOUT", "15m")
	v.SetDefault("BACKUPS_STATS_CACHE_TTL", "30s")

	v.SetDefault("S3_BUCKET", "")
	v.SetDefault("S3_REGION", "us-east-1")
	v.SetDefault("S3_ENDPOINT", "")
	v.SetDefault("S3_ACCESS_KEY_ID", "")
	v.SetDefault("S3_SECRET_ACCESS_KEY", "")
	v.SetDefault("S3_PREFIX", "backups")
	v.SetDefault("S3_USE_PATH_STYLE", false)

	v.SetDefault("ENABLE_BACKUP_SCHEDULER", false)
	v.SetDefault("BACKUP_SCHEDULER_INTERVAL", "1m")
	v.SetDefault("BACKUP_LOCK_TTL", "30m")

	v.SetDefault("SMTP_HOST", "")
	v.SetDefault("SMTP_PORT", 587)
	v.SetDefault("SMTP_USER", "")
	v.SetDefault("SMTP_PASSWORD", "")
	v.SetDefault("SMTP_FROM", "")
	v.SetDefault("SMTP_FROM_NAME", "IT Asset Management")
	v.SetDefault("SMTP_USE_TLS", true)
	v.SetDefault("SMTP_TIMEOUT", "30s")

	v.SetDefault("BACKUP_DELIVERY_WORKERS", 1)
	v.SetDefault("BACKUP_DELIVERY_RETRIES", 3)
}

// MailEnabled reports whether enough SMTP settings exist to send mail.
func (c MailConfig) MailEnabled() bool {
	return c.Host != "" && c.From != ""
}

func isMissingFile(err error) bool {
	return strings.Contains(err.Error(), "no such file")
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
