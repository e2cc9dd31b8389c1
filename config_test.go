package ytloop

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const minimalConfig = `
youtube:
  client_id: client-id
  client_secret: client-secret
  broadcast:
    title_template: "24/7 Loop {date} {time}"
`

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "client-id", cfg.YouTube.ClientID)
	assert.Equal(t, "rtmp://a.rtmp.youtube.com/live2", cfg.YouTube.RTMPURL)
	assert.Equal(t, "unlisted", cfg.YouTube.Broadcast.PrivacyStatus)
	assert.True(t, cfg.YouTube.Broadcast.EnableAutoStart)
	assert.Equal(t, 30*time.Second, cfg.YouTube.Broadcast.StartBuffer)
	assert.Equal(t, "Live Archive 2006-01", cfg.YouTube.Playlist.TitleLayout)
	assert.Equal(t, "127.0.0.1", cfg.OBS.Host)
	assert.Equal(t, 4455, cfg.OBS.Port)
	assert.Equal(t, 8*time.Hour, cfg.Schedule.SessionDuration)
	assert.Equal(t, 5*time.Minute, cfg.Schedule.PollInterval)
	assert.Equal(t, 4, cfg.Schedule.RetryAttempts)
	assert.Equal(t, 0, cfg.Loop.MaxCycles)
	assert.True(t, cfg.ExpirationTime().IsZero())
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadConfigOverrides(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `
youtube:
  client_id: client-id
  client_secret: client-secret
  broadcast:
    title_template: "loop"
obs:
  host: obs.lan
  port: 4456
  loop_source: loop-video
schedule:
  session_duration: 1h
  poll_interval: 30s
  enable_source_reload: true
  source_names: [video, overlay]
loop:
  max_cycles: 12
  expiration: 20260901T060000
`))
	require.NoError(t, err)

	assert.Equal(t, "obs.lan", cfg.OBS.Host)
	assert.Equal(t, 4456, cfg.OBS.Port)
	assert.Equal(t, "loop-video", cfg.OBS.LoopSource)
	assert.Equal(t, time.Hour, cfg.Schedule.SessionDuration)
	assert.Equal(t, 30*time.Second, cfg.Schedule.PollInterval)
	assert.True(t, cfg.Schedule.EnableSourceReload)
	assert.Equal(t, []string{"video", "overlay"}, cfg.Schedule.SourceNames)
	assert.Equal(t, 12, cfg.Loop.MaxCycles)
	want := time.Date(2026, 9, 1, 6, 0, 0, 0, time.Local)
	assert.Equal(t, want, cfg.ExpirationTime())
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("YTLOOP_OBS_HOST", "10.0.0.5")
	t.Setenv("YTLOOP_YOUTUBE_RTMP_URL", "rtmp://backup.example/live")

	cfg, err := LoadConfig(writeConfig(t, minimalConfig))
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", cfg.OBS.Host)
	assert.Equal(t, "rtmp://backup.example/live", cfg.YouTube.RTMPURL)
}

func TestLoadConfigRejectsMissingRequiredFields(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, `
youtube:
  client_secret: client-secret
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "youtube.client_id is required")
	assert.Contains(t, err.Error(), "youtube.broadcast.title_template is required")
}

func TestLoadConfigRejectsBadExpiration(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, minimalConfig+`
loop:
  expiration: 2026-09-01
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loop.expiration")
}

func TestLoadConfigRejectsMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
