package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{"PORT", "TOOL_TIMEOUT", "PUBLIC_BASE_URL", "STORAGE_PUBLIC_URL", "CORS_ALLOWED_ORIGINS", "LOG_LEVEL", "MAX_UPLOAD_BYTES"} {
		t.Setenv(k, "")
	}
	cfg := Load()
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 30*time.Second, cfg.ToolTimeout)
	assert.Equal(t, 120*time.Second, cfg.VideoToolTimeout)
	assert.Equal(t, int64(10<<20), cfg.MaxUploadBytes)
	assert.Equal(t, "http://localhost:8080/files", cfg.StoragePublicURL)
	assert.Equal(t, "http://localhost:8080/api/v1/webhooks/workflow-callback", cfg.CallbackURL())
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PUBLIC_BASE_URL", "https://api.pixelforge.app/")
	t.Setenv("TOOL_TIMEOUT", "45")
	t.Setenv("WORKFLOW_POST_TIMEOUT", "5s")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.app, https://b.app,")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("SIGNUP_BONUS_CREDITS", "25")

	cfg := Load()
	assert.Equal(t, "https://api.pixelforge.app/api/v1/webhooks/workflow-callback", cfg.CallbackURL())
	assert.Equal(t, 45*time.Second, cfg.ToolTimeout)
	assert.Equal(t, 5*time.Second, cfg.WorkflowPostTimeout)
	assert.Equal(t, []string{"https://a.app", "https://b.app"}, cfg.CORSAllowedOrigins)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, 25, cfg.SignupBonusCredits)
}
