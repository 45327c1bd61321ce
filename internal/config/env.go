package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Environment variables that override secrets and the log level.
const (
	EnvTelegramToken = "BROADCASTD_TELEGRAM_TOKEN"
	EnvStorageDSN    = "BROADCASTD_STORAGE_DSN"
	EnvWebhookToken  = "BROADCASTD_WEBHOOK_TOKEN"
	EnvAMQPURL       = "BROADCASTD_AMQP_URL"
	EnvRedisPassword = "BROADCASTD_REDIS_PASSWORD"
	EnvInboundToken  = "BROADCASTD_INBOUND_TOKEN"
	EnvLogLevel      = "BROADCASTD_LOG_LEVEL"
)

type envLookup func(key string) string

// loadEnv reads an optional dotenv file. The process environment wins over
// the file; the file is never written into the process environment.
func loadEnv(path string) (envLookup, error) {
	file, err := godotenv.Read(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		file = nil
	}
	return func(key string) string {
		if v, ok := os.LookupEnv(key); ok {
			return strings.TrimSpace(v)
		}
		return strings.TrimSpace(file[key])
	}, nil
}

func applyEnv(cfg *Config, env envLookup) {
	set := func(dst *string, key string) {
		if v := env(key); v != "" {
			*dst = v
		}
	}
	set(&cfg.Transports.Telegram.Token, EnvTelegramToken)
	set(&cfg.Storage.DSN, EnvStorageDSN)
	set(&cfg.Transports.Webhook.Token, EnvWebhookToken)
	set(&cfg.Transports.AMQP.URL, EnvAMQPURL)
	set(&cfg.Lock.Password, EnvRedisPassword)
	set(&cfg.HTTP.InboundToken, EnvInboundToken)
	set(&cfg.Logging.Level, EnvLogLevel)
}
