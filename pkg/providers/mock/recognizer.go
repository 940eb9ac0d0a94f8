package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/lyolabs/companion/pkg/frames"
	"github.com/lyolabs/companion/pkg/recognize"
)

type Config struct {
	SessionID         string
	TraceID           string
	Transcript        string
	InterimTranscript string
	EmitInterim       bool
}

// Recognizer emits a scripted transcript on the first audio frame it
// receives. Useful for demos and wiring tests without a provider key.
type Recognizer struct {
	cfg     Config
	out     chan frames.Frame
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	started bool
	emitted bool
}

func New(cfg Config) *Recognizer {
	if cfg.Transcript == "" {
		cfg.Transcript = "mock transcript"
	}
	return &Recognizer{cfg: cfg, out: make(chan frames.Frame, 16)}
}

func (r *Recognizer) Name() string { return "mock_recognizer" }

func (r *Recognizer) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.mu.Lock()
	r.started = true
	r.mu.Unlock()
	return nil
}

func (r *Recognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
	}
	if r.out != nil {
		close(r.out)
		r.out = nil
	}
	r.started = false
	return nil
}

func (r *Recognizer) SendAudio(frame frames.AudioFrame) error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return errors.New("not started")
	}
	if r.emitted {
		r.mu.Unlock()
		return nil
	}
	r.emitted = true
	out := r.out
	r.mu.Unlock()

	baseMeta := func(extra map[string]string) map[string]string {
		meta := map[string]string{
			frames.MetaSessionID: r.cfg.SessionID,
			frames.MetaSource:    "recognizer",
		}
		if r.cfg.TraceID != "" {
			meta[frames.MetaTraceID] = r.cfg.TraceID
		}
		for k, v := range extra {
			meta[k] = v
		}
		return meta
	}

	if r.cfg.EmitInterim {
		interim := r.cfg.InterimTranscript
		if interim == "" {
			interim = r.cfg.Transcript
		}
		out <- frames.NewTextFrame(r.cfg.SessionID, time.Now().UnixNano(), interim,
			baseMeta(map[string]string{frames.MetaIsFinal: "false"}))
	}

	out <- frames.NewTextFrame(r.cfg.SessionID, time.Now().UnixNano(), r.cfg.Transcript,
		baseMeta(map[string]string{frames.MetaIsFinal: "true"}))

	out <- frames.NewControlFrame(r.cfg.SessionID, time.Now().UnixNano(), frames.ControlSegmentFinal,
		baseMeta(map[string]string{frames.MetaReason: "speech_final"}))

	return nil
}

func (r *Recognizer) Results() <-chan frames.Frame { return r.out }

var _ recognize.Recognizer = (*Recognizer)(nil)
