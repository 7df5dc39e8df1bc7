package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PacedSend/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("STORAGE", "memory")

	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.WorkerCount)
	assert.Equal(t, 10.0, cfg.RateLimit)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 5*time.Second, cfg.RetryBackoff)
	assert.Equal(t, 2*time.Second, cfg.SendDelay)
	assert.Equal(t, time.Minute, cfg.RescheduleFloor)
	assert.Equal(t, "email-queue", cfg.QueueName)
	assert.Equal(t, "smtp", cfg.Transport)
	assert.True(t, cfg.RunAPI)
	assert.True(t, cfg.RunWorker)
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("STORAGE=memory\nWORKER_COUNT=8\nSEND_DELAY=500ms\n"), 0o600))

	// The environment wins over the file.
	t.Setenv("WORKER_COUNT", "3")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.WorkerCount)
	assert.Equal(t, 500*time.Millisecond, cfg.SendDelay)

	// godotenv sets variables for the whole process.
	t.Cleanup(func() {
		os.Unsetenv("STORAGE")
		os.Unsetenv("SEND_DELAY")
	})
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     config.Config
		wantErr string
	}{
		{
			name:    "postgres needs a database url",
			cfg:     config.Config{Storage: "postgres", RedisURL: "redis://x", Transport: "smtp", WorkerCount: 1, MaxRetries: 1},
			wantErr: "DATABASE_URL",
		},
		{
			name:    "unknown storage",
			cfg:     config.Config{Storage: "mongo", Transport: "smtp", WorkerCount: 1, MaxRetries: 1},
			wantErr: "STORAGE",
		},
		{
			name:    "postmark needs a token",
			cfg:     config.Config{Storage: "memory", Transport: "postmark", WorkerCount: 1, MaxRetries: 1},
			wantErr: "POSTMARK_SERVER_TOKEN",
		},
		{
			name:    "zero workers",
			cfg:     config.Config{Storage: "memory", Transport: "log", MaxRetries: 1},
			wantErr: "WORKER_COUNT",
		},
		{
			name: "valid memory setup",
			cfg:  config.Config{Storage: "memory", Transport: "log", WorkerCount: 1, MaxRetries: 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
