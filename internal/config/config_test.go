package config

import (
	"testing"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/stretchr/testify/assert"
)

func TestLoad(t *testing.T) {
	var (
		dsn = "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable"
		key = "c29tZV9zZWNyZXQ="
	)

	base := func() env.EnvSet {
		return env.EnvSet{
			"SQUADCHAT_DATABASE_DSN":   dsn,
			"SQUADCHAT_SIGNING_SECRET": key,
		}
	}

	tcases := []struct {
		name   string
		modify func(es env.EnvSet)
		err    bool
		check  func(t *testing.T, cfg *Config)
	}{
		{
			name:   "defaults",
			modify: func(es env.EnvSet) {},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, ":8000", cfg.ServerAddr, "expected default server address")
				assert.Equal(t, dsn, cfg.DatabaseDSN, "expected database DSN to match")
				assert.Equal(t, []byte("some_secret"), cfg.SigningKey, "expected signing key to be decoded")
				assert.Equal(t, 3*time.Second, cfg.TypingTimeout, "expected default typing timeout")
				assert.Equal(t, 30*time.Second, cfg.IdleRoomTimeout, "expected default idle room timeout")
				assert.Equal(t, 50, cfg.HistoryLimit)
				assert.Equal(t, 100, cfg.MaxHistoryLimit)
				assert.Equal(t, "squadchat:relay", cfg.RedisChannel)
				assert.Empty(t, cfg.AllowedOrigins)
				assert.False(t, cfg.Migrate)
			},
		},
		{
			name: "overrides",
			modify: func(es env.EnvSet) {
				es["SQUADCHAT_ADDR"] = "localhost:8080"
				es["SQUADCHAT_ALLOWED_ORIGINS"] = "http://localhost:3000, https://squad.example.com,"
				es["SQUADCHAT_REDIS_URL"] = "redis://localhost:6379/0"
				es["SQUADCHAT_PUSH_WEBHOOK_URL"] = "https://push.example.com/notify"
				es["SQUADCHAT_TYPING_TIMEOUT"] = "5s"
				es["SQUADCHAT_MIGRATE"] = "true"
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "localhost:8080", cfg.ServerAddr)
				assert.Equal(t, []string{"http://localhost:3000", "https://squad.example.com"}, cfg.AllowedOrigins,
					"expected allowed origins to be split and trimmed")
				assert.Equal(t, "redis://localhost:6379/0", cfg.RedisURL)
				assert.Equal(t, "https://push.example.com/notify", cfg.PushWebhookURL)
				assert.Equal(t, 5*time.Second, cfg.TypingTimeout)
				assert.True(t, cfg.Migrate)
			},
		},
		{
			name:   "missing DSN",
			modify: func(es env.EnvSet) { delete(es, "SQUADCHAT_DATABASE_DSN") },
			err:    true,
		},
		{
			name:   "missing signing secret",
			modify: func(es env.EnvSet) { delete(es, "SQUADCHAT_SIGNING_SECRET") },
			err:    true,
		},
		{
			name:   "signing secret not base64",
			modify: func(es env.EnvSet) { es["SQUADCHAT_SIGNING_SECRET"] = "not base64!" },
			err:    true,
		},
		{
			name:   "typing timeout too short",
			modify: func(es env.EnvSet) { es["SQUADCHAT_TYPING_TIMEOUT"] = "10ms" },
			err:    true,
		},
		{
			name: "history limit above max",
			modify: func(es env.EnvSet) {
				es["SQUADCHAT_HISTORY_LIMIT"] = "200"
				es["SQUADCHAT_MAX_HISTORY_LIMIT"] = "100"
			},
			err: true,
		},
		{
			name:   "invalid webhook url",
			modify: func(es env.EnvSet) { es["SQUADCHAT_PUSH_WEBHOOK_URL"] = "not a url" },
			err:    true,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			es := base()
			tc.modify(es)

			cfg, err := Load(es)
			if tc.err {
				assert.Error(t, err, "expected error for config: %s", tc.name)
				return
			}
			assert.NoError(t, err, "expected no error for config: %s", tc.name)
			tc.check(t, cfg)
		})
	}
}

func Test_decodeSigningSecret(t *testing.T) {
	tcases := []struct {
		name         string
		base64Secret string
		expectedKey  []byte
		expectError  bool
	}{
		{
			name:         "valid base64 secret",
			base64Secret: "c29tZV9zZWNyZXQ=",
			expectedKey:  []byte("some_secret"),
			expectError:  false,
		},
		{
			name:         "invalid base64 secret",
			base64Secret: "invalid_base64",
			expectedKey:  nil,
			expectError:  true,
		},
		{
			name:         "empty base64 secret",
			base64Secret: "",
			expectedKey:  nil,
			expectError:  true,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			key, err := decodeSigningSecret(tc.base64Secret)
			if tc.expectError {
				assert.Error(t, err, "expected error for base64 secret: %s", tc.base64Secret)
			} else {
				assert.NoError(t, err, "expected no error for base64 secret: %s", tc.base64Secret)
				assert.Equal(t, tc.expectedKey, key, "expected decoded key to match for base64 secret: %s", tc.base64Secret)
			}
		})
	}
}

func Test_splitOrigins(t *testing.T) {
	assert.Nil(t, splitOrigins(""))
	assert.Equal(t, []string{"a", "b"}, splitOrigins(" a ,, b "))
}
