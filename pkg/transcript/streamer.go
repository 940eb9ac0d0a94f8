package transcript

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/lyolabs/companion/pkg/errorsx"
	"github.com/lyolabs/companion/pkg/frames"
	"github.com/lyolabs/companion/pkg/logging"
	"github.com/lyolabs/companion/pkg/metrics"
	"github.com/lyolabs/companion/pkg/recognize"
	"github.com/lyolabs/companion/pkg/resilience"
)

// EventKind discriminates streamer events.
type EventKind int

const (
	// EventTranscript carries the current utterance text after a new
	// hypothesis arrived. Text only grows within a segment.
	EventTranscript EventKind = iota
	// EventSegmentFinal marks the end of a spoken segment; Text holds the
	// full finalized segment.
	EventSegmentFinal
)

// Event is one ordered output of the transcript streamer.
type Event struct {
	Kind  EventKind
	Text  string
	Delta string
	At    time.Time
}

// Config controls streamer behavior.
type Config struct {
	SessionID        string
	ReplayChunks     int
	RetryAttempts    int
	RetryBackoff     time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
	Buffer           int
}

func (c Config) withDefaults() Config {
	if c.ReplayChunks == 0 {
		c.ReplayChunks = 50
	}
	if c.RetryAttempts == 0 {
		c.RetryAttempts = 2
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = 200 * time.Millisecond
	}
	if c.BreakerThreshold == 0 {
		c.BreakerThreshold = 3
	}
	if c.BreakerCooldown == 0 {
		c.BreakerCooldown = 30 * time.Second
	}
	if c.Buffer == 0 {
		c.Buffer = 64
	}
	return c
}

type audioChunk struct {
	data     []byte
	rate     int
	channels int
}

// Streamer pumps captured audio into a recognizer session and converts the
// provider's frames into an ordered utterance event stream. A bad provider
// session is recreated with bounded retries and the most recent audio is
// replayed into the fresh session so words spoken during the gap are not
// lost.
type Streamer struct {
	cfg     Config
	factory recognize.Factory
	in      <-chan frames.AudioFrame
	out     chan Event

	mu      sync.Mutex
	session recognize.Recognizer
	replay  []audioChunk

	// utterance state, guarded by utMu; events are emitted by the results
	// pump (and once more at shutdown) so ordering follows provider order
	utMu      sync.Mutex
	committed strings.Builder
	hyp       string

	retry   resilience.RetryPolicy
	breaker *resilience.CircuitBreaker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	pumps  sync.WaitGroup

	obs    metrics.Observer
	logger *slog.Logger
}

func NewStreamer(factory recognize.Factory, in <-chan frames.AudioFrame, cfg Config, obs metrics.Observer) *Streamer {
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	cfg = cfg.withDefaults()
	return &Streamer{
		cfg:     cfg,
		factory: factory,
		in:      in,
		out:     make(chan Event, cfg.Buffer),
		retry:   resilience.NewRetryPolicy(cfg.RetryAttempts, cfg.RetryBackoff),
		breaker: resilience.NewCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown),
		obs:     obs,
		logger:  logging.NewComponentLogger(slog.Default(), "transcript"),
	}
}

// Start launches the audio pump. Events is closed once the input channel
// closes and the last provider session drains.
func (s *Streamer) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.run()
	return nil
}

// Stop tears down the provider session and waits for pumps to drain.
func (s *Streamer) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.closeSession()
	s.wg.Wait()
	return nil
}

// Events returns the ordered transcript event stream.
func (s *Streamer) Events() <-chan Event {
	return s.out
}

func (s *Streamer) run() {
	defer s.wg.Done()
	defer close(s.out)
	for {
		select {
		case <-s.ctx.Done():
			s.closeSession()
			s.pumps.Wait()
			return
		case af, ok := <-s.in:
			if !ok {
				// Closing the session closes its results channel, so wait
				// for the pump to drain before flushing the tail segment.
				s.closeSession()
				s.pumps.Wait()
				s.finalizePending()
				return
			}
			s.handleAudio(af)
		}
	}
}

func (s *Streamer) handleAudio(af frames.AudioFrame) {
	defer frames.ReleaseAudioFrame(af)

	if !s.breaker.Allow() {
		s.record("recognize_breaker_denied")
		return
	}

	s.addReplay(af)

	session, err := s.getOrCreate()
	if err != nil {
		err = errorsx.Wrap(err, errorsx.ReasonRecognizeConnect)
		s.logger.Info("recognizer session error",
			slog.String("reason_code", string(errorsx.Reason(err))),
			slog.String("error", err.Error()))
		s.breaker.OnError()
		s.record("recognize_connect_error")
		return
	}

	if err := session.SendAudio(af); err != nil {
		err = errorsx.Wrap(err, errorsx.ReasonRecognizeSend)
		s.logger.Info("recognizer send error",
			slog.String("reason_code", string(errorsx.Reason(err))),
			slog.String("error", err.Error()))

		replayed := false
		retryErr := s.retry.Do(s.ctx, func() error {
			s.closeSession()
			var cerr error
			session, cerr = s.getOrCreate()
			if cerr != nil {
				return cerr
			}
			if !replayed {
				s.replayToSession(session)
				replayed = true
			}
			return session.SendAudio(af)
		})
		if retryErr != nil {
			retryErr = errorsx.Wrap(retryErr, errorsx.ReasonRecognizeRetry)
			s.logger.Warn("recognizer retry exhausted",
				slog.String("reason_code", string(errorsx.Reason(retryErr))),
				slog.String("error", retryErr.Error()))
			s.breaker.OnError()
			s.record("recognize_retry_error")
			return
		}
	}
	s.breaker.OnSuccess()
}

func (s *Streamer) getOrCreate() (recognize.Recognizer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session != nil {
		return s.session, nil
	}
	session := s.factory()
	if err := session.Start(s.ctx); err != nil {
		return nil, err
	}
	s.session = session
	s.pumps.Add(1)
	go s.pumpResults(session.Results())
	return session, nil
}

func (s *Streamer) closeSession() {
	s.mu.Lock()
	session := s.session
	s.session = nil
	s.mu.Unlock()
	if session != nil {
		_ = session.Close()
	}
}

func (s *Streamer) addReplay(af frames.AudioFrame) {
	if s.cfg.ReplayChunks <= 0 {
		return
	}
	data := make([]byte, len(af.RawPayload()))
	copy(data, af.RawPayload())
	s.mu.Lock()
	s.replay = append(s.replay, audioChunk{data: data, rate: af.Rate(), channels: af.Channels()})
	if len(s.replay) > s.cfg.ReplayChunks {
		s.replay = s.replay[len(s.replay)-s.cfg.ReplayChunks:]
	}
	s.mu.Unlock()
}

func (s *Streamer) replayToSession(session recognize.Recognizer) {
	s.mu.Lock()
	chunks := make([]audioChunk, len(s.replay))
	copy(chunks, s.replay)
	s.mu.Unlock()
	var pts frames.PTSGen
	for _, c := range chunks {
		f := frames.NewAudioFrame(s.cfg.SessionID, pts.Next(s.cfg.SessionID), c.data, c.rate, c.channels, nil)
		if err := session.SendAudio(f); err != nil {
			return
		}
	}
	if len(chunks) > 0 {
		s.record("recognize_replayed")
	}
}

// pumpResults is the only goroutine that touches utterance state, so
// events come out in provider order.
func (s *Streamer) pumpResults(ch <-chan frames.Frame) {
	defer s.pumps.Done()
	for f := range ch {
		switch f.Kind() {
		case frames.KindText:
			tf := f.(frames.TextFrame)
			s.onHypothesis(tf.Text(), tf.Meta()[frames.MetaIsFinal] == "true")
		case frames.KindControl:
			cf := f.(frames.ControlFrame)
			if cf.Code() == frames.ControlSegmentFinal {
				s.onSegmentFinal()
			}
		}
	}
}

func (s *Streamer) onHypothesis(text string, isFinal bool) {
	if text == "" {
		return
	}
	s.utMu.Lock()
	if isFinal {
		if s.committed.Len() > 0 {
			s.committed.WriteString(" ")
		}
		s.committed.WriteString(text)
		s.hyp = ""
	} else if len(text) >= len(s.hyp) {
		// Interim hypotheses may momentarily shrink while the provider
		// revises; the utterance shown to callers only grows.
		s.hyp = text
	}
	utterance := s.utteranceLocked()
	s.utMu.Unlock()

	s.emit(Event{Kind: EventTranscript, Text: utterance, Delta: text, At: time.Now()})
}

func (s *Streamer) onSegmentFinal() {
	s.utMu.Lock()
	if s.hyp != "" {
		if s.committed.Len() > 0 {
			s.committed.WriteString(" ")
		}
		s.committed.WriteString(s.hyp)
		s.hyp = ""
	}
	text := strings.TrimSpace(s.committed.String())
	s.committed.Reset()
	s.utMu.Unlock()

	if text == "" {
		return
	}
	s.record("segment_final")
	s.emit(Event{Kind: EventSegmentFinal, Text: text, At: time.Now()})
}

func (s *Streamer) finalizePending() {
	s.onSegmentFinal()
}

func (s *Streamer) utteranceLocked() string {
	if s.hyp == "" {
		return strings.TrimSpace(s.committed.String())
	}
	if s.committed.Len() == 0 {
		return s.hyp
	}
	return strings.TrimSpace(s.committed.String()) + " " + s.hyp
}

func (s *Streamer) emit(ev Event) {
	select {
	case s.out <- ev:
	case <-s.ctx.Done():
	}
}

func (s *Streamer) record(name string) {
	s.obs.RecordEvent(metrics.MetricsEvent{
		Name:  name,
		Time:  time.Now(),
		Value: 1,
		Tags:  map[string]string{"session_id": s.cfg.SessionID},
	})
}
