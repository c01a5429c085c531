package config

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
)

type Config struct {
	ServerAddr      string        `env:"SQUADCHAT_ADDR,default=:8000" validate:"required"`
	DatabaseDSN     string        `env:"SQUADCHAT_DATABASE_DSN" validate:"required"`
	SigningSecret   string        `env:"SQUADCHAT_SIGNING_SECRET" validate:"required,base64"`
	Origins         string        `env:"SQUADCHAT_ALLOWED_ORIGINS"`
	RedisURL        string        `env:"SQUADCHAT_REDIS_URL" validate:"omitempty,url"`
	RedisChannel    string        `env:"SQUADCHAT_REDIS_CHANNEL,default=squadchat:relay" validate:"required"`
	PushWebhookURL  string        `env:"SQUADCHAT_PUSH_WEBHOOK_URL" validate:"omitempty,http_url"`
	PushTimeout     time.Duration `env:"SQUADCHAT_PUSH_TIMEOUT,default=5s" validate:"min=100ms"`
	TypingTimeout   time.Duration `env:"SQUADCHAT_TYPING_TIMEOUT,default=3s" validate:"min=100ms,max=1m"`
	IdleRoomTimeout time.Duration `env:"SQUADCHAT_IDLE_ROOM_TIMEOUT,default=30s" validate:"min=1s"`
	HistoryLimit    int           `env:"SQUADCHAT_HISTORY_LIMIT,default=50" validate:"min=1,ltefield=MaxHistoryLimit"`
	MaxHistoryLimit int           `env:"SQUADCHAT_MAX_HISTORY_LIMIT,default=100" validate:"min=1,max=1000"`
	Migrate         bool          `env:"SQUADCHAT_MIGRATE,default=false"`

	// derived from the fields above by Load
	SigningKey     []byte
	AllowedOrigins []string
}

// Load reads the configuration from es, applies defaults and validates it.
func Load(es env.EnvSet) (*Config, error) {
	var cfg Config
	if err := env.Unmarshal(es, &cfg); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}

	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	key, err := decodeSigningSecret(cfg.SigningSecret)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}
	cfg.SigningKey = key
	cfg.AllowedOrigins = splitOrigins(cfg.Origins)

	return &cfg, nil
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(base64Secret)
	if err != nil {
		return nil, err
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("signing secret is empty")
	}
	return key, nil
}

func splitOrigins(s string) []string {
	var origins []string
	for _, o := range strings.Split(s, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}
