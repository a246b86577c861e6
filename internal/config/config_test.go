package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	v := viper.New()
	setDefaults(v)
	cfg, err := decode(v)
	require.NoError(t, err)

	assert.Equal(t, "release", cfg.Mode)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "redis", cfg.Transport.Driver)
	assert.Equal(t, "liveroom:", cfg.Transport.Redis.Prefix)
	assert.Equal(t, 10*time.Second, cfg.Signaling.SubscribeTimeout)
	assert.Equal(t, 45*time.Second, cfg.Signaling.PresenceTTL)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	require.Len(t, cfg.ICEServers, 1)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, cfg.ICEServers[0].URLs)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "config"), 0o755))
	yaml := `
port: 9090
transport:
  driver: memory
store:
  driver: memory
ice_servers:
  - urls: ["turn:turn.example.org:3478"]
    username: u
    credential: p
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config", "config.test.yaml"), []byte(yaml), 0o644))
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	t.Setenv("CONFIG_ENV", "test")
	t.Setenv("LIVEROOM_SIGNALING_SUBSCRIBE_TIMEOUT", "3s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "memory", cfg.Transport.Driver)
	assert.Equal(t, 3*time.Second, cfg.Signaling.SubscribeTimeout)

	rtc := cfg.WebRTC()
	require.Len(t, rtc.ICEServers, 1)
	assert.Equal(t, "u", rtc.ICEServers[0].Username)
	assert.Equal(t, "p", rtc.ICEServers[0].Credential)
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			Transport: TransportConfig{Driver: "redis"},
			Store:     StoreConfig{Driver: "postgres"},
			Signaling: SignalingConfig{SubscribeTimeout: time.Second, HeartbeatPeriod: time.Second, PresenceTTL: 3 * time.Second},
		}
	}
	c := base()
	assert.NoError(t, c.Validate())

	c = base()
	c.Transport.Driver = "nats"
	assert.Error(t, c.Validate())

	c = base()
	c.Store.Driver = "mongo"
	assert.Error(t, c.Validate())

	c = base()
	c.Signaling.SubscribeTimeout = 0
	assert.Error(t, c.Validate())

	c = base()
	c.Signaling.PresenceTTL = time.Second
	assert.Error(t, c.Validate())
}

func TestEnvReachesKeysWithoutFileValues(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	t.Setenv("CONFIG_ENV", "missing")
	t.Setenv("LIVEROOM_SECRET", "s3cret")
	t.Setenv("LIVEROOM_TRANSPORT_REDIS_PASSWORD", "hunter2")
	t.Setenv("LIVEROOM_MEDIA_CAMERA_FILE", "/media/cam.ivf")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.Secret)
	assert.Equal(t, "hunter2", cfg.Transport.Redis.Password)
	assert.Equal(t, "/media/cam.ivf", cfg.Media.CameraFile)
	assert.Empty(t, cfg.Media.ScreenFile)
}
