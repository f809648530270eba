package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("WEBRTC_ICE_URLS", "")
	t.Setenv("PRESENCE_REFRESH_INTERVAL", "")
	t.Setenv("PRESENCE_BROADCASTER_GRACE", "")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, []string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"}, cfg.WebRTC.ICEUrls)
	require.Equal(t, 5*time.Second, cfg.Presence.RefreshInterval)
	require.Equal(t, 10*time.Second, cfg.Presence.BroadcasterGrace)
	require.Equal(t, 5, cfg.Session.ReconnectAttempts)
	require.Equal(t, 3, cfg.Viewer.MaxCycles)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("WEBRTC_ICE_URLS", " stun:a.example:3478 , ,stun:b.example:3478")
	t.Setenv("PRESENCE_REFRESH_INTERVAL", "750ms")
	t.Setenv("SESSION_RECONNECT_ATTEMPTS", "2")
	t.Setenv("VIEWER_CYCLE_BASE", "not-a-duration")
	t.Setenv("PRESENCE_BROADCASTER_GRACE", "2s")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, []string{"stun:a.example:3478", "stun:b.example:3478"}, cfg.WebRTC.ICEUrls)
	require.Equal(t, 750*time.Millisecond, cfg.Presence.RefreshInterval)
	require.Equal(t, 2, cfg.Session.ReconnectAttempts)
	require.Equal(t, 2*time.Second, cfg.Viewer.CycleBase)
	require.Equal(t, 2*time.Second, cfg.Presence.BroadcasterGrace)
}

func TestLoadRejectsNonPositiveRefresh(t *testing.T) {
	t.Setenv("PRESENCE_REFRESH_INTERVAL", "-1s")

	_, err := Load()
	require.Error(t, err)
}

func TestDSN(t *testing.T) {
	c := DatabaseConfig{User: "u", Password: "p", Host: "h", Port: "1", DBName: "d", SSLMode: "disable"}
	require.Equal(t, "postgres://u:p@h:1/d?sslmode=disable", c.DSN())

	c.URL = "postgres://override"
	require.Equal(t, "postgres://override", c.DSN())
}
