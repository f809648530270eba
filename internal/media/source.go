// Package media provides file-backed capture sources and render sinks so
// native endpoints can broadcast and watch without camera or screen.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/pion/webrtc/v3/pkg/media/ivfreader"
	"github.com/pion/webrtc/v3/pkg/media/oggreader"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// ErrCaptureUnavailable means no local media could be opened. It is fatal
// for a broadcaster.
var ErrCaptureUnavailable = errors.New("media: capture unavailable")

const (
	streamID       = "broadcast"
	opusSampleRate = 48000
)

// Source is a set of local tracks shared by every outbound session.
type Source interface {
	Tracks() []webrtc.TrackLocal
	Close() error
}

// FileSource replays an IVF video file and an Ogg/Opus audio file in a
// loop, paced at playback speed.
type FileSource struct {
	logger *zap.Logger
	video  *webrtc.TrackLocalStaticSample
	audio  *webrtc.TrackLocalStaticSample

	videoPath string
	audioPath string

	samples   atomic.Uint64
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// OpenFileSource prepares tracks for the given files. Either path may be
// empty, but not both.
func OpenFileSource(videoPath, audioPath string, logger *zap.Logger) (*FileSource, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &FileSource{logger: logger, videoPath: videoPath, audioPath: audioPath}

	if videoPath != "" {
		mime, err := probeIVF(videoPath)
		if err != nil {
			return nil, fmt.Errorf("%w: video %s: %v", ErrCaptureUnavailable, videoPath, err)
		}
		s.video, err = webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, "video", streamID)
		if err != nil {
			return nil, fmt.Errorf("%w: video track: %v", ErrCaptureUnavailable, err)
		}
	}
	if audioPath != "" {
		if err := probeOgg(audioPath); err != nil {
			return nil, fmt.Errorf("%w: audio %s: %v", ErrCaptureUnavailable, audioPath, err)
		}
		var err error
		s.audio, err = webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", streamID)
		if err != nil {
			return nil, fmt.Errorf("%w: audio track: %v", ErrCaptureUnavailable, err)
		}
	}
	if s.video == nil && s.audio == nil {
		return nil, fmt.Errorf("%w: no video or audio file given", ErrCaptureUnavailable)
	}
	return s, nil
}

// Tracks returns the local tracks, video first.
func (s *FileSource) Tracks() []webrtc.TrackLocal {
	var out []webrtc.TrackLocal
	if s.video != nil {
		out = append(out, s.video)
	}
	if s.audio != nil {
		out = append(out, s.audio)
	}
	return out
}

// Start begins pumping samples until ctx is done or Close is called.
func (s *FileSource) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	if s.video != nil {
		s.wg.Add(1)
		go s.loop(ctx, "video", s.videoPath, s.pumpIVF)
	}
	if s.audio != nil {
		s.wg.Add(1)
		go s.loop(ctx, "audio", s.audioPath, s.pumpOgg)
	}
}

// Samples returns how many samples have been written so far.
func (s *FileSource) Samples() uint64 {
	return s.samples.Load()
}

// Close stops the pumps. Safe to call more than once, or without Start.
func (s *FileSource) Close() error {
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
	})
	return nil
}

// loop replays path until ctx ends. A decode error stops that track only.
func (s *FileSource) loop(ctx context.Context, kind, path string, pump func(context.Context, io.Reader) error) {
	defer s.wg.Done()
	log := s.logger.With(zap.String("kind", kind), zap.String("path", path))
	for ctx.Err() == nil {
		f, err := os.Open(path)
		if err != nil {
			log.Error("open media file", zap.Error(err))
			return
		}
		err = pump(ctx, f)
		_ = f.Close()
		if err != nil {
			if ctx.Err() == nil {
				log.Error("media pump stopped", zap.Error(err))
			}
			return
		}
		log.Debug("media file replayed, rewinding")
	}
}

func (s *FileSource) pumpIVF(ctx context.Context, r io.Reader) error {
	ivf, header, err := ivfreader.NewWith(r)
	if err != nil {
		return err
	}
	frameDuration := time.Duration(float64(header.TimebaseNumerator) / float64(header.TimebaseDenominator) * float64(time.Second))
	if frameDuration <= 0 {
		frameDuration = 33 * time.Millisecond
	}
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()
	for {
		frame, _, err := ivf.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := s.video.WriteSample(media.Sample{Data: frame, Duration: frameDuration}); err != nil {
			return err
		}
		s.samples.Inc()
	}
}

func (s *FileSource) pumpOgg(ctx context.Context, r io.Reader) error {
	ogg, _, err := oggreader.NewWith(r)
	if err != nil {
		return err
	}
	var lastGranule uint64
	for {
		page, header, err := ogg.ParseNextPage()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		// header pages carry no audio
		if header.GranulePosition <= lastGranule {
			continue
		}
		count := header.GranulePosition - lastGranule
		lastGranule = header.GranulePosition
		d := time.Duration(float64(count) / opusSampleRate * float64(time.Second))

		if err := s.audio.WriteSample(media.Sample{Data: page, Duration: d}); err != nil {
			return err
		}
		s.samples.Inc()

		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func probeIVF(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	_, header, err := ivfreader.NewWith(f)
	if err != nil {
		return "", err
	}
	switch header.FourCC {
	case "VP80":
		return webrtc.MimeTypeVP8, nil
	case "VP90":
		return webrtc.MimeTypeVP9, nil
	case "AV01":
		return webrtc.MimeTypeAV1, nil
	}
	return "", fmt.Errorf("unsupported ivf codec %q", header.FourCC)
}

func probeOgg(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, _, err = oggreader.NewWith(f)
	return err
}
