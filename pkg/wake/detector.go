package wake

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/lyolabs/companion/pkg/logging"
)

// DefaultDebounce suppresses repeat activations from overlapping partial
// hypotheses that all contain the wake phrase.
const DefaultDebounce = 2 * time.Second

// DefaultPhrases covers the canonical wake phrase plus the most common
// recognizer misspelling.
var DefaultPhrases = []string{"hey lyo", "hi lio"}

// Activation records a single accepted wake event.
type Activation struct {
	DetectedAt  time.Time
	Phrase      string
	TriggerText string
}

// Detector scans transcript hypotheses for wake phrases. It owns the
// debounce window: callers never need their own suppression logic.
type Detector struct {
	phrases  []string
	debounce time.Duration

	mu   sync.Mutex
	last time.Time

	now    func() time.Time
	logger *slog.Logger
}

func NewDetector(phrases []string, debounce time.Duration) *Detector {
	if len(phrases) == 0 {
		phrases = DefaultPhrases
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	lowered := make([]string, len(phrases))
	for i, p := range phrases {
		lowered[i] = strings.ToLower(strings.TrimSpace(p))
	}
	return &Detector{
		phrases:  lowered,
		debounce: debounce,
		now:      time.Now,
		logger:   logging.NewComponentLogger(slog.Default(), "wake"),
	}
}

// Scan checks one transcript hypothesis. It returns an Activation when a
// wake phrase is present and the debounce window has elapsed since the
// last accepted activation. Matching is case-insensitive substring.
func (d *Detector) Scan(text string) (Activation, bool) {
	lowered := strings.ToLower(text)
	phrase := ""
	for _, p := range d.phrases {
		if strings.Contains(lowered, p) {
			phrase = p
			break
		}
	}
	if phrase == "" {
		return Activation{}, false
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	if !d.last.IsZero() && now.Sub(d.last) < d.debounce {
		d.logger.Debug("activation debounced",
			slog.String("phrase", phrase),
			slog.Duration("since_last", now.Sub(d.last)))
		return Activation{}, false
	}
	d.last = now

	d.logger.Info("wake phrase detected", slog.String("phrase", phrase))
	return Activation{DetectedAt: now, Phrase: phrase, TriggerText: text}, true
}

// Phrases returns the configured wake phrases, lowercased.
func (d *Detector) Phrases() []string {
	out := make([]string, len(d.phrases))
	copy(out, d.phrases)
	return out
}
