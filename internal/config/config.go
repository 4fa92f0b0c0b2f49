package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

const (
	// StoreDynamoDB selects the DynamoDB challenge store.
	StoreDynamoDB = "dynamodb"
	// StoreRedis selects the Redis challenge store.
	StoreRedis = "redis"
)

type Config struct {
	Server   ServerConfig
	DynamoDB DynamoDBConfig
	Redis    RedisConfig
	SMTP     SMTPConfig
	OTP      OTPConfig
}

type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type DynamoDBConfig struct {
	Endpoint  string
	Region    string
	TableName string
}

type RedisConfig struct {
	Endpoint string
	Password string
	DB       int
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	AppName  string
	// Mode is "smtp" or "console"; console logs codes instead of sending.
	Mode string
}

type OTPConfig struct {
	// Store selects the challenge store backend.
	Store          string
	Expiry         time.Duration
	MaxAttempts    int
	ResendCooldown time.Duration
}

func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:         getEnv("PORT", "8080"),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		},
		DynamoDB: DynamoDBConfig{
			Endpoint:  getEnv("DYNAMODB_ENDPOINT", ""),
			Region:    getEnv("DYNAMODB_REGION", "us-east-1"),
			TableName: getEnv("DYNAMODB_TABLE_NAME", "NotelyOTP"),
		},
		Redis: RedisConfig{
			Endpoint: getEnv("REDIS_ENDPOINT", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		SMTP: SMTPConfig{
			Host:     getEnv("SMTP_HOST", ""),
			Port:     getEnvAsInt("SMTP_PORT", 587),
			Username: getEnv("SMTP_USER", ""),
			Password: getEnv("SMTP_PASS", ""),
			From:     getEnv("SMTP_FROM", ""),
			AppName:  getEnv("APP_NAME", "Notely"),
			Mode:     getEnv("EMAIL_MODE", ""),
		},
		OTP: OTPConfig{
			Store:          getEnv("OTP_STORE", StoreDynamoDB),
			Expiry:         getEnvAsDuration("OTP_EXPIRY", 5*time.Minute),
			MaxAttempts:    getEnvAsInt("OTP_MAX_ATTEMPTS", 3),
			ResendCooldown: getEnvAsDuration("OTP_RESEND_COOLDOWN", 60*time.Second),
		},
	}

	if cfg.OTP.Store != StoreDynamoDB && cfg.OTP.Store != StoreRedis {
		return nil, fmt.Errorf("OTP_STORE must be %q or %q", StoreDynamoDB, StoreRedis)
	}

	// Fall back to console delivery when SMTP is not configured, so local
	// development works without a mail account.
	if cfg.SMTP.Mode == "" {
		if cfg.SMTP.Host == "" || cfg.SMTP.Username == "" || cfg.SMTP.Password == "" {
			cfg.SMTP.Mode = "console"
		} else {
			cfg.SMTP.Mode = "smtp"
		}
	}
	if cfg.SMTP.Mode != "smtp" && cfg.SMTP.Mode != "console" {
		return nil, fmt.Errorf("EMAIL_MODE must be \"smtp\" or \"console\"")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
