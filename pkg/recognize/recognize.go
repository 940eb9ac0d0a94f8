package recognize

import (
	"context"

	"github.com/lyolabs/companion/pkg/frames"
)

// Recognizer defines the contract for any streaming speech-to-text vendor.
type Recognizer interface {
	// Name returns provider name for logging/metrics.
	Name() string
	// Start initializes the recognition connection.
	Start(ctx context.Context) error
	// Close shuts down the recognition connection and closes the Results
	// channel. Consumers range over Results until it closes, so an
	// implementation that leaves it open wedges their teardown. Idempotent.
	Close() error
	// SendAudio sends captured audio frames to the recognition service.
	SendAudio(frame frames.AudioFrame) error
	// Results returns a channel of transcript/control frames. Text frames
	// carry partial or final hypotheses; a ControlSegmentFinal control frame
	// marks the end of a spoken segment.
	Results() <-chan frames.Frame
}

// Config contains vendor-agnostic recognizer configuration.
type Config struct {
	SessionID  string
	TraceID    string
	SampleRate int
	Language   string
}

// Factory builds a fresh Recognizer session. The transcript streamer
// recreates sessions when a provider connection goes bad.
type Factory func() Recognizer
