package media

import (
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/require"

	"github.com/aura-live/signaling/internal/rtc/rtctest"
)

// writeIVF writes a minimal VP8 IVF file with n tiny frames at 1/1000 timebase.
func writeIVF(t *testing.T, path string, n int) {
	t.Helper()
	var buf bytes.Buffer
	buf.WriteString("DKIF")
	for _, v := range []any{uint16(0), uint16(32)} {
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, v))
	}
	buf.WriteString("VP80")
	for _, v := range []any{uint16(64), uint16(48), uint32(1000), uint32(1), uint32(n), uint32(0)} {
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, v))
	}
	for i := 0; i < n; i++ {
		frame := []byte{0x10, 0x02, 0x00, byte(i)}
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint32(len(frame))))
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint64(i)))
		buf.Write(frame)
	}
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func TestOpenFileSourceUnavailable(t *testing.T) {
	_, err := OpenFileSource("", "", nil)
	require.ErrorIs(t, err, ErrCaptureUnavailable)

	_, err = OpenFileSource(filepath.Join(t.TempDir(), "missing.ivf"), "", nil)
	require.ErrorIs(t, err, ErrCaptureUnavailable)

	junk := filepath.Join(t.TempDir(), "junk.ogg")
	require.NoError(t, os.WriteFile(junk, []byte("not ogg"), 0o644))
	_, err = OpenFileSource("", junk, nil)
	require.ErrorIs(t, err, ErrCaptureUnavailable)
}

func TestFileSourceReplaysVideo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.ivf")
	writeIVF(t, path, 3)

	src, err := OpenFileSource(path, "", nil)
	require.NoError(t, err)
	tracks := src.Tracks()
	require.Len(t, tracks, 1)
	require.Equal(t, webrtc.RTPCodecTypeVideo, tracks[0].Kind())

	src.Start(context.Background())
	// three frames per pass, so more than three means it rewound
	require.Eventually(t, func() bool { return src.Samples() > 3 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, src.Close())
	require.NoError(t, src.Close())
}

func TestFileSinkRecordsByCodec(t *testing.T) {
	dir := t.TempDir()
	sink := &FileSink{Dir: dir}

	sink.HandleTrack(&rtctest.Track{TrackID: "v", Stream: "s", TrackKind: webrtc.RTPCodecTypeVideo, MimeType: webrtc.MimeTypeVP8})
	sink.HandleTrack(&rtctest.Track{TrackID: "a", Stream: "s", TrackKind: webrtc.RTPCodecTypeAudio, MimeType: webrtc.MimeTypeOpus})
	sink.HandleTrack(&rtctest.Track{TrackID: "h", Stream: "s", TrackKind: webrtc.RTPCodecTypeVideo, MimeType: webrtc.MimeTypeH264})
	sink.Wait()

	files := sink.Files()
	require.ElementsMatch(t, []string{filepath.Join(dir, "s-v.ivf"), filepath.Join(dir, "s-a.ogg")}, files)

	ivf, err := os.ReadFile(filepath.Join(dir, "s-v.ivf"))
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(ivf, []byte("DKIF")))

	ogg, err := os.ReadFile(filepath.Join(dir, "s-a.ogg"))
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(ogg, []byte("OggS")))
}

func TestSanitize(t *testing.T) {
	require.Equal(t, "a_b-c_1", sanitize("a/b-c.1"))
}
