package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	DB        DBConfig
	Redis     RedisConfig
	MinIO     MinIOConfig
	JWT       JWTConfig
	Server    ServerConfig
	Admin     AdminConfig
	MFA       MFAConfig
	Notifier  NotifierConfig
	Retention RetentionConfig
	WebAuthn  WebAuthnConfig
}

type DBConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type JWTConfig struct {
	Secret            string
	ExpirationMinutes int
}

type ServerConfig struct {
	Port string
}

type AdminConfig struct {
	APIKey string
}

// MFAConfig holds the platform defaults applied wherever a tenant
// policy leaves a factor parameter unset.
type MFAConfig struct {
	OTPDigits       int
	ChallengeTTL    time.Duration
	MaxAttempts     int
	IssueCooldown   time.Duration
	SessionTTL      time.Duration
	ProviderTimeout time.Duration
	ReaperInterval  time.Duration
}

type NotifierConfig struct {
	QueueBufferSize int
	MaxAttempts     int
	RetryDelays     []time.Duration
	RequestTimeout  time.Duration
}

type RetentionConfig struct {
	Window        time.Duration
	SweepInterval time.Duration
}

type WebAuthnConfig struct {
	RPID          string
	RPDisplayName string
	RPOrigins     []string
}

func Load() *Config {
	return &Config{
		DB: DBConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "stepgate"),
			Password: getEnv("DB_PASSWORD", "stepgate_secret"),
			Name:     getEnv("DB_NAME", "stepgate"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		MinIO: MinIOConfig{
			Endpoint:  getEnv("MINIO_ENDPOINT", "localhost:9000"),
			AccessKey: getEnv("MINIO_ACCESS_KEY", "stepgate"),
			SecretKey: getEnv("MINIO_SECRET_KEY", "stepgate_secret"),
			Bucket:    getEnv("MINIO_BUCKET", "stepgate-archive"),
			UseSSL:    getEnvAsBool("MINIO_USE_SSL", false),
		},
		JWT: JWTConfig{
			Secret:            getEnv("JWT_SECRET", "change-me-in-production"),
			ExpirationMinutes: getEnvAsInt("JWT_EXPIRATION_MINUTES", 60),
		},
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8080"),
		},
		Admin: AdminConfig{
			APIKey: getEnv("ADMIN_API_KEY", ""),
		},
		MFA: MFAConfig{
			OTPDigits:       getEnvAsInt("MFA_OTP_DIGITS", 6),
			ChallengeTTL:    getEnvAsDuration("MFA_CHALLENGE_TTL", 5*time.Minute),
			MaxAttempts:     getEnvAsInt("MFA_MAX_ATTEMPTS", 3),
			IssueCooldown:   getEnvAsDuration("MFA_ISSUE_COOLDOWN", 30*time.Second),
			SessionTTL:      getEnvAsDuration("MFA_SESSION_TTL", 10*time.Minute),
			ProviderTimeout: getEnvAsDuration("MFA_PROVIDER_TIMEOUT", 5*time.Second),
			ReaperInterval:  getEnvAsDuration("MFA_REAPER_INTERVAL", 1*time.Minute),
		},
		Notifier: NotifierConfig{
			QueueBufferSize: getEnvAsInt("NOTIFIER_QUEUE_BUFFER_SIZE", 100),
			MaxAttempts:     getEnvAsInt("NOTIFIER_MAX_ATTEMPTS", 3),
			RetryDelays:     []time.Duration{30 * time.Second, 2 * time.Minute},
			RequestTimeout:  getEnvAsDuration("NOTIFIER_REQUEST_TIMEOUT", 10*time.Second),
		},
		Retention: RetentionConfig{
			Window:        getEnvAsDuration("RETENTION_WINDOW", 30*24*time.Hour),
			SweepInterval: getEnvAsDuration("RETENTION_SWEEP_INTERVAL", 1*time.Hour),
		},
		WebAuthn: WebAuthnConfig{
			RPID:          getEnv("WEBAUTHN_RP_ID", "localhost"),
			RPDisplayName: getEnv("WEBAUTHN_RP_DISPLAY_NAME", "StepGate"),
			RPOrigins:     getEnvAsList("WEBAUTHN_RP_ORIGINS", []string{"http://localhost:8080"}),
		},
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := time.ParseDuration(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.ParseBool(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsList(key string, fallback []string) []string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return fallback
}
