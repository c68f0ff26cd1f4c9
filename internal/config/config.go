package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Values that must never reach production.
var insecureDefaults = map[string]bool{
	"your-secret-key-change-in-production": true,
	"internal-secret":                      true,
	"internal-service-secret":              true,
	"":                                     true,
}

type Config struct {
	Server         ServerConfig
	Log            LogConfig
	Database       DatabaseConfig
	Redis          RedisConfig
	JWT            JWTConfig
	Proxmox        ProxmoxConfig
	Stripe         StripeConfig
	Queue          QueueConfig
	Billing        BillingConfig
	Provision      ProvisionConfig
	Encryption     EncryptionConfig
	InternalSecret string
}

type ServerConfig struct {
	Port string
	Mode string
}

type LogConfig struct {
	Level  string
	Format string
}

type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int32
	MinConns int32
}

// RedisConfig is optional; an empty Addr keeps idempotency claims in process.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type JWTConfig struct {
	SecretKey string
}

type ProxmoxConfig struct {
	BaseURL      string
	TokenID      string
	TokenSecret  string
	InsecureTLS  bool
	Timeout      time.Duration
	TaskInterval time.Duration
	TaskTimeout  time.Duration
}

type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	SuccessURL    string
	CancelURL     string
}

// QueueConfig carries per-queue concurrency and retry settings.
type QueueConfig struct {
	ProvisionConcurrency int
	PowerConcurrency     int
	SnapshotConcurrency  int
	ProvisionAttempts    int
	PowerAttempts        int
	SnapshotAttempts     int
	ProvisionBaseDelay   time.Duration
	PowerBaseDelay       time.Duration
	SnapshotBaseDelay    time.Duration
	MaxDelay             time.Duration
	ProvisionTimeout     time.Duration
	PowerTimeout         time.Duration
	SnapshotTimeout      time.Duration
	Retention            time.Duration
	ResumeInterval       time.Duration
}

type BillingConfig struct {
	GracePeriodDays    int
	DeletionPeriodDays int
	SweepInterval      time.Duration
}

type ProvisionConfig struct {
	QEMUVMIDFloor int
	LXCVMIDFloor  int
	DefaultUser   string
	SSHPublicKey  string
	NameserverIPs string
	SearchDomain  string
	PrimaryDiskVM string
	PrimaryDiskCT string
	Storage       string
	Bridge        string
}

type EncryptionConfig struct {
	Key string
}

// Load reads configuration from the environment, after merging an optional
// .env file (ENV_FILE, or ./.env).
func Load() *Config {
	if envFile := os.Getenv("ENV_FILE"); envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			log.Warn().Err(err).Str("file", envFile).Msg("Failed to load env file")
		}
	} else if err := godotenv.Load(); err == nil {
		log.Info().Msg("Loaded configuration from .env in current directory")
	}

	cfg := &Config{
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8005"),
			Mode: getEnv("GIN_MODE", "release"),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "vps_user"),
			Password: getEnv("DB_PASSWORD", "vps_pass"),
			DBName:   getEnv("DB_NAME", "vps_db"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			MaxConns: int32(getEnvInt("DB_MAX_CONNS", 25)),
			MinConns: int32(getEnvInt("DB_MIN_CONNS", 5)),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			SecretKey: getEnv("JWT_SECRET_KEY", ""),
		},
		Proxmox: ProxmoxConfig{
			BaseURL:      getEnv("PROXMOX_URL", "https://localhost:8006"),
			TokenID:      getEnv("PROXMOX_TOKEN_ID", ""),
			TokenSecret:  getEnv("PROXMOX_TOKEN_SECRET", ""),
			InsecureTLS:  getEnvBool("PROXMOX_INSECURE_TLS", false),
			Timeout:      getEnvDuration("PROXMOX_TIMEOUT", 60*time.Second),
			TaskInterval: getEnvDuration("PROXMOX_TASK_INTERVAL", 2*time.Second),
			TaskTimeout:  getEnvDuration("PROXMOX_TASK_TIMEOUT", 5*time.Minute),
		},
		Stripe: StripeConfig{
			SecretKey:     getEnv("STRIPE_SECRET_KEY", ""),
			WebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),
			SuccessURL:    getEnv("STRIPE_SUCCESS_URL", "http://localhost:3000/orders?checkout=success"),
			CancelURL:     getEnv("STRIPE_CANCEL_URL", "http://localhost:3000/plans"),
		},
		Queue: QueueConfig{
			ProvisionConcurrency: getEnvInt("QUEUE_PROVISION_CONCURRENCY", 3),
			PowerConcurrency:     getEnvInt("QUEUE_POWER_CONCURRENCY", 5),
			SnapshotConcurrency:  getEnvInt("QUEUE_SNAPSHOT_CONCURRENCY", 2),
			ProvisionAttempts:    getEnvInt("QUEUE_PROVISION_ATTEMPTS", 3),
			PowerAttempts:        getEnvInt("QUEUE_POWER_ATTEMPTS", 3),
			SnapshotAttempts:     getEnvInt("QUEUE_SNAPSHOT_ATTEMPTS", 2),
			ProvisionBaseDelay:   getEnvDuration("QUEUE_PROVISION_BASE_DELAY", 2*time.Second),
			PowerBaseDelay:       getEnvDuration("QUEUE_POWER_BASE_DELAY", 2*time.Second),
			SnapshotBaseDelay:    getEnvDuration("QUEUE_SNAPSHOT_BASE_DELAY", 5*time.Second),
			MaxDelay:             getEnvDuration("QUEUE_MAX_DELAY", 2*time.Minute),
			ProvisionTimeout:     getEnvDuration("QUEUE_PROVISION_TIMEOUT", 20*time.Minute),
			PowerTimeout:         getEnvDuration("QUEUE_POWER_TIMEOUT", 5*time.Minute),
			SnapshotTimeout:      getEnvDuration("QUEUE_SNAPSHOT_TIMEOUT", 10*time.Minute),
			Retention:            getEnvDuration("QUEUE_RETENTION", time.Hour),
			ResumeInterval:       getEnvDuration("QUEUE_RESUME_INTERVAL", time.Minute),
		},
		Billing: BillingConfig{
			GracePeriodDays:    getEnvInt("BILLING_GRACE_PERIOD_DAYS", 3),
			DeletionPeriodDays: getEnvInt("BILLING_DELETION_PERIOD_DAYS", 30),
			SweepInterval:      getEnvDuration("BILLING_SWEEP_INTERVAL", time.Hour),
		},
		Provision: ProvisionConfig{
			QEMUVMIDFloor: getEnvInt("VMID_FLOOR_QEMU", 1000),
			LXCVMIDFloor:  getEnvInt("VMID_FLOOR_LXC", 5000),
			DefaultUser:   getEnv("PROVISION_DEFAULT_USER", "root"),
			SSHPublicKey:  getEnv("PROVISION_SSH_PUBLIC_KEY", ""),
			NameserverIPs: getEnv("PROVISION_NAMESERVERS", "1.1.1.1 8.8.8.8"),
			SearchDomain:  getEnv("PROVISION_SEARCH_DOMAIN", ""),
			PrimaryDiskVM: getEnv("PROVISION_PRIMARY_DISK_QEMU", "scsi0"),
			PrimaryDiskCT: getEnv("PROVISION_PRIMARY_DISK_LXC", "rootfs"),
			Storage:       getEnv("PROVISION_STORAGE", "local-lvm"),
			Bridge:        getEnv("PROVISION_DEFAULT_BRIDGE", "vmbr0"),
		},
		Encryption: EncryptionConfig{
			Key: getEnv("ENCRYPTION_KEY", ""),
		},
		InternalSecret: getEnv("INTERNAL_SECRET", ""),
	}

	// Secrets stay out of the log line.
	log.Info().
		Str("port", cfg.Server.Port).
		Str("db", cfg.Database.Host+"/"+cfg.Database.DBName).
		Str("proxmox", cfg.Proxmox.BaseURL).
		Bool("proxmox_insecure_tls", cfg.Proxmox.InsecureTLS).
		Bool("redis", cfg.Redis.Addr != "").
		Msg("Configuration loaded")

	return cfg
}

// Validate rejects configurations that are unsafe to run with.
func (c *Config) Validate() error {
	if insecureDefaults[c.JWT.SecretKey] {
		return fmt.Errorf("JWT_SECRET_KEY must be set to a secure value (current value is insecure or empty)")
	}
	if len(c.JWT.SecretKey) < 32 {
		return fmt.Errorf("JWT_SECRET_KEY must be at least 32 characters long")
	}

	if insecureDefaults[c.InternalSecret] {
		return fmt.Errorf("INTERNAL_SECRET must be set to a secure value (current value is insecure or empty)")
	}
	if len(c.InternalSecret) < 32 {
		return fmt.Errorf("INTERNAL_SECRET must be at least 32 characters long")
	}

	if c.Proxmox.TokenID == "" || c.Proxmox.TokenSecret == "" {
		return fmt.Errorf("PROXMOX_TOKEN_ID and PROXMOX_TOKEN_SECRET are required")
	}
	if !strings.HasPrefix(c.Proxmox.BaseURL, "https://") && !c.Proxmox.InsecureTLS {
		return fmt.Errorf("PROXMOX_URL must use https unless PROXMOX_INSECURE_TLS=true")
	}

	if c.Stripe.WebhookSecret == "" {
		return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required")
	}

	if len(c.Encryption.Key) != 64 {
		return fmt.Errorf("ENCRYPTION_KEY must be 32 bytes hex-encoded (64 characters)")
	}

	if c.Billing.GracePeriodDays < 0 || c.Billing.DeletionPeriodDays < 0 {
		return fmt.Errorf("billing periods must not be negative")
	}

	return nil
}

func (c *DatabaseConfig) DSN() string {
	return "postgres://" + c.User + ":" + c.Password + "@" + c.Host + ":" + c.Port + "/" + c.DBName + "?sslmode=" + c.SSLMode
}

// GracePeriod is the past-due interval before instances are suspended.
func (c BillingConfig) GracePeriod() time.Duration {
	return time.Duration(c.GracePeriodDays) * 24 * time.Hour
}

// DeletionPeriod is the suspended interval before instances are deleted.
func (c BillingConfig) DeletionPeriod() time.Duration {
	return time.Duration(c.DeletionPeriodDays) * 24 * time.Hour
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
