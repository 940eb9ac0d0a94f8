package channel

import (
	"encoding/json"
	"fmt"

	"github.com/lyolabs/companion/pkg/conversation"
	"github.com/lyolabs/companion/pkg/errorsx"
)

// Outbound payload types understood by the backend.
const (
	TypeActivation  = "activation"
	TypeTranscript  = "transcript"
	TypeUserMessage = "user_message"
	TypePing        = "ping"
)

// Inbound control envelope types.
const (
	ControlConnected = "connected"
	ControlPong      = "pong"
	ControlError     = "error"
)

// Outbound is the JSON envelope for client-to-backend payloads.
type Outbound struct {
	Type    string   `json:"type"`
	Text    string   `json:"text,omitempty"`
	Screen  string   `json:"screen,omitempty"`
	Context []string `json:"context,omitempty"`
}

// NewActivationPayload announces a wake event together with the trigger
// text, current screen, and recent conversation context.
func NewActivationPayload(text, screen string, context []string) Outbound {
	return Outbound{Type: TypeActivation, Text: text, Screen: screen, Context: context}
}

// NewTranscriptPayload carries a live transcript snapshot.
func NewTranscriptPayload(text string) Outbound {
	return Outbound{Type: TypeTranscript, Text: text}
}

// NewUserMessagePayload carries a typed or finalized spoken user message.
func NewUserMessagePayload(text string) Outbound {
	return Outbound{Type: TypeUserMessage, Text: text}
}

// Control is a backend control envelope: session acks, keepalive replies
// and server-side errors.
type Control struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Inbound is a decoded backend payload; exactly one field is set.
type Inbound struct {
	Control *Control
	Message *conversation.Message
}

// DecodeInbound parses one backend payload. Envelopes with a "type" field
// are control messages; everything else must decode into a valid
// conversation message.
func DecodeInbound(data []byte) (Inbound, error) {
	var peek struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &peek); err != nil {
		return Inbound{}, errorsx.Wrap(fmt.Errorf("parse payload: %w", err), errorsx.ReasonDecode)
	}

	if peek.Type != "" {
		var ctl Control
		if err := json.Unmarshal(data, &ctl); err != nil {
			return Inbound{}, errorsx.Wrap(fmt.Errorf("parse control: %w", err), errorsx.ReasonDecode)
		}
		switch ctl.Type {
		case ControlConnected, ControlPong, ControlError:
			return Inbound{Control: &ctl}, nil
		default:
			return Inbound{}, errorsx.Wrap(fmt.Errorf("unknown control type %q", ctl.Type), errorsx.ReasonDecode)
		}
	}

	var msg conversation.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Inbound{}, errorsx.Wrap(fmt.Errorf("parse message: %w", err), errorsx.ReasonDecode)
	}
	if !msg.Valid() {
		return Inbound{}, errorsx.Wrap(fmt.Errorf("message missing required fields"), errorsx.ReasonDecode)
	}
	return Inbound{Message: &msg}, nil
}
