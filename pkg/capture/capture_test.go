package capture

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lyolabs/companion/pkg/errorsx"
	"github.com/lyolabs/companion/pkg/metrics"
)

type fakeDevice struct {
	openErr error
	cb      func([]byte)
	opened  int
	closed  int
}

func (d *fakeDevice) Open(cfg Config, cb func(pcm []byte)) error {
	if d.openErr != nil {
		return d.openErr
	}
	d.opened++
	d.cb = cb
	return nil
}

func (d *fakeDevice) Close() error {
	d.closed++
	return nil
}

func TestStreamEmitsFrames(t *testing.T) {
	dev := &fakeDevice{}
	s := NewStream(dev, Config{SessionID: "s1"}, metrics.NoopObserver{})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	dev.cb([]byte{0x01, 0x02, 0x03, 0x04})

	select {
	case f := <-s.Frames():
		if len(f.Data()) != 4 {
			t.Fatalf("expected 4 bytes, got %d", len(f.Data()))
		}
		if f.Rate() != 16000 {
			t.Fatalf("expected default sample rate 16000, got %d", f.Rate())
		}
	case <-time.After(time.Second):
		t.Fatalf("no frame emitted")
	}
}

func TestStartIdempotent(t *testing.T) {
	dev := &fakeDevice{}
	s := NewStream(dev, Config{SessionID: "s1"}, nil)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("second start: %v", err)
	}
	if dev.opened != 1 {
		t.Fatalf("device opened %d times, want 1", dev.opened)
	}
}

func TestStartDeviceUnavailable(t *testing.T) {
	dev := &fakeDevice{openErr: errors.New("device busy")}
	s := NewStream(dev, Config{}, nil)

	err := s.Start(context.Background())
	if err == nil {
		t.Fatalf("expected error")
	}
	if !errorsx.HasReason(err, errorsx.ReasonDeviceUnavailable) {
		t.Fatalf("expected device_unavailable reason, got %v", err)
	}
	if s.Status() != StatusStopped {
		t.Fatalf("expected stopped status after failed start")
	}
}

func TestPauseSuppressesFrames(t *testing.T) {
	dev := &fakeDevice{}
	s := NewStream(dev, Config{SessionID: "s1"}, nil)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	s.Pause()
	dev.cb([]byte{0x01, 0x02})

	select {
	case <-s.Frames():
		t.Fatalf("frame emitted while paused")
	case <-time.After(50 * time.Millisecond):
	}

	s.Resume()
	dev.cb([]byte{0x03, 0x04})

	select {
	case <-s.Frames():
	case <-time.After(time.Second):
		t.Fatalf("no frame after resume")
	}
}

func TestStopClosesFrameChannel(t *testing.T) {
	dev := &fakeDevice{}
	s := NewStream(dev, Config{}, nil)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if dev.closed != 1 {
		t.Fatalf("device closed %d times, want 1", dev.closed)
	}

	if _, ok := <-s.Frames(); ok {
		t.Fatalf("frame channel not closed")
	}
}
