package telemetry

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRecordingBeforeInitIsSkipped(t *testing.T) {
	if initialized.Load() {
		t.Skip("collectors already registered")
	}
	require.NotPanics(t, func() {
		SessionTransition(RoleViewer, "idle", "negotiating")
		Message("out", "offer", nil)
		Cycle("connected")
		PresentViewers("s", 1)
		ForgetStream("s")
		RefreshFailed()
	})
}

func TestCollectors(t *testing.T) {
	Init("test")
	Init("test")

	SessionTransition(RoleBroadcaster, "idle", "negotiating")
	SessionTransition(RoleBroadcaster, "idle", "negotiating")
	SessionTransition(RoleBroadcaster, "negotiating", "closed")
	require.Equal(t, 1.0, testutil.ToFloat64(sessionsActive.WithLabelValues(RoleBroadcaster)))

	// a session that never negotiated does not touch the gauge
	SessionTransition(RoleBroadcaster, "idle", "closed")
	require.Equal(t, 1.0, testutil.ToFloat64(sessionsActive.WithLabelValues(RoleBroadcaster)))

	Message("in", "answer", errors.New("x"))
	require.Equal(t, 1.0, testutil.ToFloat64(signalingMessages.WithLabelValues("in", "answer", "failure")))

	PresentViewers("stream-a", 4)
	require.Equal(t, 4.0, testutil.ToFloat64(presentViewers.WithLabelValues("stream-a")))
	ForgetStream("stream-a")
	require.Equal(t, 0, testutil.CollectAndCount(presentViewers))
}
