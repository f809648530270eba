package media

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v3/pkg/media/oggwriter"
	"go.uber.org/zap"

	"github.com/aura-live/signaling/internal/rtc"
)

type rtpWriter interface {
	WriteRTP(*rtp.Packet) error
	Close() error
}

// FileSink records every inbound track to a file in Dir: VP8 to IVF and
// Opus to Ogg. Other codecs are drained and discarded. The container
// writers own their files and close them.
type FileSink struct {
	Dir    string
	Logger *zap.Logger

	mu    sync.Mutex
	files []string
	wg    sync.WaitGroup
}

// HandleTrack starts copying the track in the background.
func (s *FileSink) HandleTrack(track rtc.RemoteTrack) {
	log := s.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("track_id", track.ID()), zap.String("kind", track.Kind().String()))

	w, path, err := s.writerFor(track)
	if err != nil {
		log.Warn("cannot record track, draining", zap.Error(err))
	} else if path != "" {
		s.mu.Lock()
		s.files = append(s.files, path)
		s.mu.Unlock()
		log.Info("recording track", zap.String("path", path))
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		copyTrack(track, w, log)
	}()
}

// Files lists the paths written so far.
func (s *FileSink) Files() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.files...)
}

// Wait blocks until every track has ended.
func (s *FileSink) Wait() {
	s.wg.Wait()
}

func (s *FileSink) writerFor(track rtc.RemoteTrack) (rtpWriter, string, error) {
	mime := track.Codec().MimeType
	name := sanitize(track.StreamID() + "-" + track.ID())
	switch {
	case strings.EqualFold(mime, webrtc.MimeTypeVP8):
		path := filepath.Join(s.Dir, name+".ivf")
		f, err := os.Create(path)
		if err != nil {
			return nil, "", err
		}
		w, err := ivfwriter.NewWith(f)
		if err != nil {
			_ = f.Close()
			return nil, "", err
		}
		return w, path, nil
	case strings.EqualFold(mime, webrtc.MimeTypeOpus):
		path := filepath.Join(s.Dir, name+".ogg")
		f, err := os.Create(path)
		if err != nil {
			return nil, "", err
		}
		w, err := oggwriter.NewWith(f, opusSampleRate, 2)
		if err != nil {
			_ = f.Close()
			return nil, "", err
		}
		return w, path, nil
	}
	return nil, "", fmt.Errorf("unsupported codec %q", mime)
}

func copyTrack(track rtc.RemoteTrack, w rtpWriter, log *zap.Logger) {
	defer func() {
		if w != nil {
			if err := w.Close(); err != nil {
				log.Debug("close recording", zap.Error(err))
			}
		}
	}()
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug("track ended", zap.Error(err))
			}
			return
		}
		if w == nil {
			continue
		}
		if err := w.WriteRTP(pkt); err != nil {
			log.Warn("write rtp", zap.Error(err))
			_ = w.Close()
			w = nil
		}
	}
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}
