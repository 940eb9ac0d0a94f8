package companion

import (
	"github.com/lyolabs/companion/pkg/conversation"
	"github.com/lyolabs/companion/pkg/wake"
)

// Listener receives coordinator callbacks. Implementations must return
// quickly; slow handlers stall the coordinator loop.
type Listener interface {
	OnActivation(act wake.Activation)
	OnLiveTranscript(text string)
	OnSystemStatusChanged(status SystemStatus)
	OnConnectionQualityChanged(quality ConnectionQuality)
	OnMessageAppended(msg conversation.Message)
	OnAvatarStateChanged(state AvatarState)
}

// NoopListener implements Listener with empty methods. Embed it to
// implement only the callbacks you care about.
type NoopListener struct{}

func (NoopListener) OnActivation(wake.Activation)                 {}
func (NoopListener) OnLiveTranscript(string)                      {}
func (NoopListener) OnSystemStatusChanged(SystemStatus)           {}
func (NoopListener) OnConnectionQualityChanged(ConnectionQuality) {}
func (NoopListener) OnMessageAppended(conversation.Message)       {}
func (NoopListener) OnAvatarStateChanged(AvatarState)             {}

var _ Listener = NoopListener{}
