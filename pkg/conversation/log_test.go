package conversation

import (
	"encoding/json"
	"fmt"
	"testing"
)

func TestLogSeedsWelcome(t *testing.T) {
	l := NewLog("hello there", 10)
	msgs := l.Messages()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 seeded message, got %d", len(msgs))
	}
	if msgs[0].Content != "hello there" || msgs[0].Sender != SenderAssistant {
		t.Fatalf("unexpected welcome message: %+v", msgs[0])
	}
}

func TestLogAppendOrder(t *testing.T) {
	l := NewLog("welcome", 10)
	l.Append(NewUserMessage("first"))
	l.Append(NewUserMessage("second"))

	msgs := l.Messages()
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if msgs[1].Content != "first" || msgs[2].Content != "second" {
		t.Fatalf("append order violated: %+v", msgs)
	}
}

func TestLogEvictsOldestButKeepsWelcome(t *testing.T) {
	l := NewLog("welcome", 5)
	for i := 0; i < 10; i++ {
		l.Append(NewUserMessage(fmt.Sprintf("msg-%d", i)))
	}

	msgs := l.Messages()
	if len(msgs) != 5 {
		t.Fatalf("expected capped length 5, got %d", len(msgs))
	}
	if msgs[0].Content != "welcome" {
		t.Fatalf("welcome message evicted: %+v", msgs[0])
	}
	if msgs[len(msgs)-1].Content != "msg-9" {
		t.Fatalf("newest message missing: %+v", msgs[len(msgs)-1])
	}
}

func TestLogClearResetsToWelcome(t *testing.T) {
	l := NewLog("welcome", 10)
	l.Append(NewUserMessage("something"))

	w := l.Clear()
	if w.Content != "welcome" {
		t.Fatalf("clear returned %q", w.Content)
	}
	if l.Len() != 1 {
		t.Fatalf("expected 1 message after clear, got %d", l.Len())
	}
}

func TestMessageJSONShape(t *testing.T) {
	raw := `{"id":"m-1","content":"hi","sender":"mentor","created_at":"2025-02-01T10:00:00Z","message_type":"explanation"}`

	var m Message
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !m.Valid() {
		t.Fatalf("decoded message invalid: %+v", m)
	}
	if m.Sender != SenderAssistant || m.Type != TypeExplanation {
		t.Fatalf("unexpected fields: %+v", m)
	}

	out, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Message
	if err := json.Unmarshal(out, &back); err != nil {
		t.Fatalf("round trip: %v", err)
	}
	if back != m {
		t.Fatalf("round trip mismatch: %+v vs %+v", back, m)
	}
}
