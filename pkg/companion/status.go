package companion

import "github.com/lyolabs/companion/pkg/channel"

// StatusLevel is the coarse system health level surfaced to the UI layer.
type StatusLevel string

const (
	StatusInitializing StatusLevel = "initializing"
	StatusReady        StatusLevel = "ready"
	StatusDegraded     StatusLevel = "degraded"
	StatusReconnecting StatusLevel = "reconnecting"
	StatusError        StatusLevel = "error"
)

// SystemStatus pairs a level with a machine-readable reason for the
// non-healthy levels.
type SystemStatus struct {
	Level  StatusLevel
	Reason string
}

// ConnectionQuality summarizes recent backend responsiveness.
type ConnectionQuality string

const (
	QualityUnknown      ConnectionQuality = "unknown"
	QualityExcellent    ConnectionQuality = "excellent"
	QualityGood         ConnectionQuality = "good"
	QualityPoor         ConnectionQuality = "poor"
	QualityDisconnected ConnectionQuality = "disconnected"
)

// AvatarState drives the on-screen companion presence.
type AvatarState string

const (
	AvatarIdle      AvatarState = "idle"
	AvatarListening AvatarState = "listening"
	AvatarThinking  AvatarState = "thinking"
	AvatarSpeaking  AvatarState = "speaking"
)

// qualityTracker keeps a sliding window of send/keepalive outcomes.
type qualityTracker struct {
	window  int
	results []bool
}

func newQualityTracker(window int) *qualityTracker {
	if window <= 0 {
		window = 10
	}
	return &qualityTracker{window: window}
}

func (t *qualityTracker) Record(ok bool) {
	t.results = append(t.results, ok)
	if len(t.results) > t.window {
		t.results = t.results[len(t.results)-t.window:]
	}
}

func (t *qualityTracker) Reset() {
	t.results = t.results[:0]
}

// Quality derives the level from the connection state and the recent
// outcome window. Any non-open state reads as disconnected regardless of
// history.
func (t *qualityTracker) Quality(state channel.State) ConnectionQuality {
	if state != channel.StateOpen {
		return QualityDisconnected
	}
	if len(t.results) == 0 {
		return QualityUnknown
	}
	good := 0
	for _, ok := range t.results {
		if ok {
			good++
		}
	}
	ratio := float64(good) / float64(len(t.results))
	switch {
	case ratio >= 0.95:
		return QualityExcellent
	case ratio >= 0.6:
		return QualityGood
	default:
		return QualityPoor
	}
}
