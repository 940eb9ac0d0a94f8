package transcript

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lyolabs/companion/pkg/frames"
	"github.com/lyolabs/companion/pkg/recognize"
)

// scriptedRecognizer emits a fixed frame sequence on the first SendAudio.
type scriptedRecognizer struct {
	mu       sync.Mutex
	script   []frames.Frame
	sendErrs int
	started  bool
	emitted  bool
	out      chan frames.Frame
	sends    int
}

func newScripted(script []frames.Frame) *scriptedRecognizer {
	return &scriptedRecognizer{script: script, out: make(chan frames.Frame, 32)}
}

func (r *scriptedRecognizer) Name() string { return "scripted" }

func (r *scriptedRecognizer) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.out == nil {
		r.out = make(chan frames.Frame, 32)
	}
	r.started = true
	return nil
}

func (r *scriptedRecognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		r.started = false
		close(r.out)
		r.out = nil
	}
	return nil
}

func (r *scriptedRecognizer) SendAudio(f frames.AudioFrame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sends++
	if r.sendErrs > 0 {
		r.sendErrs--
		return errors.New("connection reset")
	}
	if r.emitted {
		return nil
	}
	r.emitted = true
	for _, sf := range r.script {
		r.out <- sf
	}
	return nil
}

func (r *scriptedRecognizer) Results() <-chan frames.Frame { return r.out }

func (r *scriptedRecognizer) sendCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sends
}

func textFrame(text string, isFinal bool) frames.Frame {
	meta := map[string]string{frames.MetaIsFinal: "false"}
	if isFinal {
		meta[frames.MetaIsFinal] = "true"
	}
	return frames.NewTextFrame("s1", time.Now().UnixNano(), text, meta)
}

func segmentFinal() frames.Frame {
	return frames.NewControlFrame("s1", time.Now().UnixNano(), frames.ControlSegmentFinal, nil)
}

func collect(t *testing.T, ch <-chan Event, n int) []Event {
	t.Helper()
	var out []Event
	deadline := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("events closed after %d of %d", len(out), n)
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("timeout waiting for %d events, got %d", n, len(out))
		}
	}
	return out
}

func runStreamer(t *testing.T, rec *scriptedRecognizer) (*Streamer, chan frames.AudioFrame) {
	t.Helper()
	in := make(chan frames.AudioFrame, 8)
	s := NewStreamer(func() recognize.Recognizer { return rec }, in, Config{SessionID: "s1"}, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = s.Stop() })
	return s, in
}

func TestStreamerGrowsUtterance(t *testing.T) {
	rec := newScripted([]frames.Frame{
		textFrame("hey", false),
		textFrame("hey lyo", false),
		textFrame("hey lyo explain", true),
		segmentFinal(),
	})
	s, in := runStreamer(t, rec)

	in <- frames.NewAudioFrame("s1", 1, []byte{0, 1}, 16000, 1, nil)

	events := collect(t, s.Events(), 4)
	if events[0].Text != "hey" || events[1].Text != "hey lyo" {
		t.Fatalf("utterance did not grow: %+v", events[:2])
	}
	if events[2].Kind != EventTranscript || events[2].Text != "hey lyo explain" {
		t.Fatalf("final hypothesis wrong: %+v", events[2])
	}
	if events[3].Kind != EventSegmentFinal || events[3].Text != "hey lyo explain" {
		t.Fatalf("segment final wrong: %+v", events[3])
	}
}

func TestStreamerMonotoneHypothesis(t *testing.T) {
	rec := newScripted([]frames.Frame{
		textFrame("hello world", false),
		textFrame("hello", false), // provider revision shrinks
		textFrame("hello world again", false),
	})
	s, in := runStreamer(t, rec)

	in <- frames.NewAudioFrame("s1", 1, []byte{0, 1}, 16000, 1, nil)

	events := collect(t, s.Events(), 3)
	if events[1].Text != "hello world" {
		t.Fatalf("utterance shrank: %+v", events[1])
	}
	if events[2].Text != "hello world again" {
		t.Fatalf("utterance did not grow: %+v", events[2])
	}
}

func TestStreamerRetriesSend(t *testing.T) {
	rec := newScripted([]frames.Frame{
		textFrame("after retry", true),
		segmentFinal(),
	})
	rec.sendErrs = 1
	s, in := runStreamer(t, rec)

	in <- frames.NewAudioFrame("s1", 1, []byte{0, 1}, 16000, 1, nil)

	events := collect(t, s.Events(), 2)
	if events[1].Kind != EventSegmentFinal || events[1].Text != "after retry" {
		t.Fatalf("expected segment after retry, got %+v", events[1])
	}
	if n := rec.sendCount(); n < 2 {
		t.Fatalf("expected a retried send, got %d sends", n)
	}
}

func TestStreamerFlushesTailOnClose(t *testing.T) {
	rec := newScripted([]frames.Frame{
		textFrame("unfinished thought", false),
	})
	in := make(chan frames.AudioFrame, 8)
	s := NewStreamer(func() recognize.Recognizer { return rec }, in, Config{SessionID: "s1"}, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	in <- frames.NewAudioFrame("s1", 1, []byte{0, 1}, 16000, 1, nil)
	collect(t, s.Events(), 1)
	close(in)

	events := collect(t, s.Events(), 1)
	if events[0].Kind != EventSegmentFinal || events[0].Text != "unfinished thought" {
		t.Fatalf("tail segment not flushed: %+v", events[0])
	}

	if _, ok := <-s.Events(); ok {
		t.Fatalf("events channel not closed")
	}
}
