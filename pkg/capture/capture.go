package capture

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/lyolabs/companion/pkg/errorsx"
	"github.com/lyolabs/companion/pkg/frames"
	"github.com/lyolabs/companion/pkg/logging"
	"github.com/lyolabs/companion/pkg/metrics"
)

// Status describes the capture stream lifecycle.
type Status int

const (
	StatusStopped Status = iota
	StatusRunning
	StatusPaused
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusPaused:
		return "paused"
	default:
		return "stopped"
	}
}

// Device is an exclusive handle on an audio input. Open begins delivering
// raw PCM chunks to cb until Close. The chunk slice is only valid for the
// duration of the callback.
type Device interface {
	Open(cfg Config, cb func(pcm []byte)) error
	Close() error
}

// Config controls the capture format.
type Config struct {
	SessionID  string
	SampleRate int
	Channels   int
	PeriodMS   int
	Buffer     int
}

func (c Config) withDefaults() Config {
	if c.SampleRate == 0 {
		c.SampleRate = 16000
	}
	if c.Channels == 0 {
		c.Channels = 1
	}
	if c.PeriodMS == 0 {
		c.PeriodMS = 20
	}
	if c.Buffer == 0 {
		c.Buffer = 64
	}
	return c
}

// Stream turns a capture Device into a flow of audio frames. Pause and
// Resume gate emission without releasing the device, so resuming is
// instant and never re-triggers device acquisition.
type Stream struct {
	cfg Config
	dev Device
	out chan frames.AudioFrame

	mu     sync.Mutex
	status Status

	pts    frames.PTSGen
	obs    metrics.Observer
	logger *slog.Logger
}

func NewStream(dev Device, cfg Config, obs metrics.Observer) *Stream {
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	cfg = cfg.withDefaults()
	return &Stream{
		cfg:    cfg,
		dev:    dev,
		out:    make(chan frames.AudioFrame, cfg.Buffer),
		obs:    obs,
		logger: logging.NewComponentLogger(slog.Default(), "capture"),
	}
}

// Start acquires the device and begins emitting frames. Calling Start on a
// running stream is a no-op.
func (s *Stream) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusStopped {
		return nil
	}
	if err := s.dev.Open(s.cfg, s.onPCM); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonDeviceUnavailable)
	}
	s.status = StatusRunning
	s.logger.Info("capture started",
		slog.Int("sample_rate", s.cfg.SampleRate),
		slog.Int("channels", s.cfg.Channels),
		slog.Int("period_ms", s.cfg.PeriodMS))
	return nil
}

// Pause suppresses frame emission. The device stays open.
func (s *Stream) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusRunning {
		s.status = StatusPaused
		s.logger.Info("capture paused")
	}
}

// Resume re-enables frame emission after Pause.
func (s *Stream) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusPaused {
		s.status = StatusRunning
		s.logger.Info("capture resumed")
	}
}

// Stop releases the device and closes the frame channel. Idempotent.
func (s *Stream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusStopped {
		return nil
	}
	err := s.dev.Close()
	s.status = StatusStopped
	close(s.out)
	s.logger.Info("capture stopped")
	return err
}

func (s *Stream) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Frames returns the outbound audio frame channel. It is closed by Stop.
func (s *Stream) Frames() <-chan frames.AudioFrame {
	return s.out
}

func (s *Stream) onPCM(pcm []byte) {
	s.mu.Lock()
	status := s.status
	s.mu.Unlock()
	if status != StatusRunning {
		return
	}

	f := frames.NewAudioFrameFromPool(
		s.cfg.SessionID,
		s.pts.Next(s.cfg.SessionID),
		pcm,
		s.cfg.SampleRate,
		s.cfg.Channels,
		map[string]string{frames.MetaSource: "mic"},
	)

	select {
	case s.out <- f:
	default:
		frames.ReleaseAudioFrame(f)
		s.obs.RecordEvent(metrics.MetricsEvent{
			Name:  "capture_frame_dropped",
			Time:  time.Now(),
			Value: 1,
			Tags:  map[string]string{"session_id": s.cfg.SessionID},
		})
	}
}
