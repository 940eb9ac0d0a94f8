package conversation

import "sync"

// DefaultMaxMessages caps log growth; the oldest entries are evicted once
// the cap is reached. The seeded welcome message is never evicted.
const DefaultMaxMessages = 100

// Log is an append-only, bounded conversation history. It is safe for
// concurrent use; Messages returns a snapshot copy.
type Log struct {
	mu      sync.RWMutex
	entries []Message
	max     int
	welcome string
}

// NewLog creates a log seeded with a welcome message. A max of zero means
// DefaultMaxMessages.
func NewLog(welcomeText string, max int) *Log {
	if max <= 0 {
		max = DefaultMaxMessages
	}
	l := &Log{max: max, welcome: welcomeText}
	l.reset()
	return l
}

// Append adds a message to the end of the log, evicting the oldest
// non-welcome entry if the cap is exceeded. Returns the appended message.
func (l *Log) Append(m Message) Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, m)
	if len(l.entries) > l.max {
		// Keep the welcome message at index 0, evict the next oldest.
		copy(l.entries[1:], l.entries[2:])
		l.entries = l.entries[:len(l.entries)-1]
	}
	return m
}

// Clear resets the log to a single fresh welcome message.
func (l *Log) Clear() Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reset()
}

func (l *Log) reset() Message {
	w := NewAssistantMessage(l.welcome, TypeText)
	l.entries = append(l.entries[:0], w)
	return w
}

// Messages returns a copy of the current history in append order.
func (l *Log) Messages() []Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Message, len(l.entries))
	copy(out, l.entries)
	return out
}

// Last returns the newest entry.
func (l *Log) Last() (Message, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.entries) == 0 {
		return Message{}, false
	}
	return l.entries[len(l.entries)-1], true
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
