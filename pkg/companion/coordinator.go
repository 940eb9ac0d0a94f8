package companion

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/lyolabs/companion/pkg/capture"
	"github.com/lyolabs/companion/pkg/channel"
	"github.com/lyolabs/companion/pkg/conversation"
	"github.com/lyolabs/companion/pkg/errorsx"
	"github.com/lyolabs/companion/pkg/logging"
	"github.com/lyolabs/companion/pkg/metrics"
	"github.com/lyolabs/companion/pkg/transcript"
	"github.com/lyolabs/companion/pkg/wake"
)

// CaptureController is the microphone stream surface the coordinator
// drives.
type CaptureController interface {
	Start(ctx context.Context) error
	Stop() error
	Pause()
	Resume()
	Status() capture.Status
}

// TranscriptSource produces the ordered utterance event stream.
type TranscriptSource interface {
	Start(ctx context.Context) error
	Stop() error
	Events() <-chan transcript.Event
}

// BackendChannel is the persistent websocket surface the coordinator
// drives.
type BackendChannel interface {
	Connect(ctx context.Context) error
	Send(out channel.Outbound) error
	Close() error
	Events() <-chan channel.Event
	States() <-chan channel.State
	State() channel.State
}

// Deps carries the explicitly constructed collaborators. Nothing here is
// global; two coordinators in one process never share state.
type Deps struct {
	Config      Config
	Capture     CaptureController
	Transcripts TranscriptSource
	Detector    *wake.Detector
	Channel     BackendChannel
	Log         *conversation.Log
	Listener    Listener
	Observer    metrics.Observer
}

// Coordinator wires capture, recognition, wake detection and the backend
// channel together and owns all derived state. Everything mutable lives
// on the single run goroutine; public operations either delegate to
// internally synchronized collaborators or are marshaled onto the loop.
type Coordinator struct {
	cfg      Config
	cap      CaptureController
	src      TranscriptSource
	det      *wake.Detector
	ch       BackendChannel
	log      *conversation.Log
	listener Listener
	obs      metrics.Observer
	logger   *slog.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	reqCh   chan func()

	// loop-owned state
	status            SystemStatus
	quality           ConnectionQuality
	avatar            AvatarState
	connState         channel.State
	tracker           *qualityTracker
	contextRing       []string
	screen            string
	reconnectFails    int
	pendingActivation bool
	captureOK         bool
}

func New(deps Deps) *Coordinator {
	listener := deps.Listener
	if listener == nil {
		listener = NoopListener{}
	}
	obs := deps.Observer
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	return &Coordinator{
		cfg:       deps.Config,
		cap:       deps.Capture,
		src:       deps.Transcripts,
		det:       deps.Detector,
		ch:        deps.Channel,
		log:       deps.Log,
		listener:  listener,
		obs:       obs,
		logger:    logging.NewComponentLogger(slog.Default(), "coordinator"),
		reqCh:     make(chan func(), 32),
		status:    SystemStatus{Level: StatusInitializing},
		quality:   QualityUnknown,
		avatar:    AvatarIdle,
		connState: channel.StateDisconnected,
		tracker:   newQualityTracker(deps.Config.Health.QualityWindow),
	}
}

// Start connects the backend and spins up the pipeline. A rejected
// credential fails Start; an unavailable microphone does not, since typed
// chat still works without a voice path.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	c.listener.OnSystemStatusChanged(c.status)

	if err := c.ch.Connect(ctx); err != nil {
		c.status = SystemStatus{Level: StatusError, Reason: "auth_rejected"}
		c.listener.OnSystemStatusChanged(c.status)
		return err
	}

	c.captureOK = true
	if err := c.cap.Start(ctx); err != nil {
		c.captureOK = false
		c.logger.Warn("microphone unavailable, voice input disabled",
			slog.String("reason_code", string(errorsx.Reason(err))),
			slog.String("error", err.Error()))
		c.record("capture_unavailable")
	}

	if err := c.src.Start(ctx); err != nil {
		return err
	}

	c.wg.Add(1)
	go c.run(ctx)
	return nil
}

// Stop tears everything down in pipeline order. Idempotent.
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = false
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	_ = c.cap.Stop()
	_ = c.src.Stop()
	_ = c.ch.Close()
	c.wg.Wait()
	return nil
}

// SendUserMessage appends a typed message to the log immediately and then
// attempts delivery. The append never waits on the network; when the
// channel is down the message stays in the log and the error tells the
// caller delivery did not happen.
func (c *Coordinator) SendUserMessage(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return errors.New("empty message")
	}
	msg := conversation.NewUserMessage(text)
	c.log.Append(msg)
	c.listener.OnMessageAppended(msg)

	err := c.ch.Send(channel.NewUserMessagePayload(text))
	c.do(func() {
		c.tracker.Record(err == nil)
		c.refreshQuality()
	})
	return err
}

// ClearConversation resets the log to a fresh welcome message and drops
// accumulated activation context.
func (c *Coordinator) ClearConversation() {
	w := c.log.Clear()
	c.listener.OnMessageAppended(w)
	c.do(func() {
		c.contextRing = c.contextRing[:0]
	})
}

// SetScreen records which screen the user is on; it is attached to
// activation payloads so responses can be contextual.
func (c *Coordinator) SetScreen(name string) {
	c.do(func() {
		c.screen = name
	})
}

// PauseListening suppresses microphone input without releasing the device.
func (c *Coordinator) PauseListening() { c.cap.Pause() }

// ResumeListening re-enables microphone input after PauseListening.
func (c *Coordinator) ResumeListening() { c.cap.Resume() }

// Messages returns a snapshot of the conversation history.
func (c *Coordinator) Messages() []conversation.Message { return c.log.Messages() }

func (c *Coordinator) do(fn func()) {
	select {
	case c.reqCh <- fn:
	default:
		c.logger.Warn("coordinator request dropped, loop stalled")
	}
}

func (c *Coordinator) run(ctx context.Context) {
	defer c.wg.Done()

	grace := time.Duration(c.cfg.Health.GracePeriodMS) * time.Millisecond
	if grace <= 0 {
		grace = 3 * time.Second
	}
	graceTimer := time.NewTimer(grace)
	if !graceTimer.Stop() {
		<-graceTimer.C
	}
	defer graceTimer.Stop()

	tevents := c.src.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-c.reqCh:
			req()
		case ev, ok := <-tevents:
			if !ok {
				tevents = nil
				continue
			}
			c.onTranscript(ev)
		case s := <-c.ch.States():
			c.onConnState(s, graceTimer, grace)
		case ev := <-c.ch.Events():
			c.onChannel(ev)
		case <-graceTimer.C:
			c.onGraceExpired()
		}
	}
}

func (c *Coordinator) onTranscript(ev transcript.Event) {
	switch ev.Kind {
	case transcript.EventTranscript:
		c.listener.OnLiveTranscript(ev.Text)
		if act, ok := c.det.Scan(ev.Text); ok {
			c.onActivation(act)
			return
		}
		if c.connState == channel.StateOpen {
			c.sendTracked(channel.NewTranscriptPayload(ev.Text))
		}
	case transcript.EventSegmentFinal:
		c.pushContext(ev.Text)
		if !c.pendingActivation {
			return
		}
		c.pendingActivation = false
		msg := conversation.NewUserMessage(ev.Text)
		c.log.Append(msg)
		c.listener.OnMessageAppended(msg)
		c.setAvatar(AvatarThinking)
		c.sendTracked(channel.NewUserMessagePayload(ev.Text))
	}
}

func (c *Coordinator) onActivation(act wake.Activation) {
	c.record("activation")
	c.listener.OnActivation(act)
	c.setAvatar(AvatarListening)
	c.pendingActivation = true
	c.sendTracked(channel.NewActivationPayload(act.TriggerText, c.screen, c.snapshotContext()))
}

func (c *Coordinator) onConnState(s channel.State, graceTimer *time.Timer, grace time.Duration) {
	prev := c.connState
	c.connState = s
	switch s {
	case channel.StateOpen:
		stopTimer(graceTimer)
		c.reconnectFails = 0
		c.tracker.Reset()
		c.refreshQuality()
		if c.captureOK {
			c.setStatus(StatusReady, "")
		} else {
			c.setStatus(StatusDegraded, "device_unavailable")
		}
	case channel.StateConnecting, channel.StateReconnecting:
		c.refreshQuality()
		if prev == channel.StateOpen {
			stopTimer(graceTimer)
			graceTimer.Reset(grace)
		}
		// Every connecting->reconnecting transition is one failed
		// redial; enough of them in a row means the backend is not
		// coming back soon.
		if s == channel.StateReconnecting && prev == channel.StateConnecting {
			c.reconnectFails++
			if c.reconnectFails >= c.degradeAfter() && c.status.Level != StatusError {
				c.setStatus(StatusDegraded, "reconnect_failed")
			}
		}
	case channel.StateDisconnected:
		stopTimer(graceTimer)
		c.refreshQuality()
		if c.status.Level != StatusError && prev != channel.StateClosing {
			c.setStatus(StatusError, "connection_failed")
		}
	}
}

func (c *Coordinator) onChannel(ev channel.Event) {
	switch ev.Kind {
	case channel.EventMessage:
		m := *ev.Inbound.Message
		c.log.Append(m)
		c.listener.OnMessageAppended(m)
		c.setAvatar(AvatarSpeaking)
		c.tracker.Record(true)
		c.refreshQuality()
	case channel.EventControl:
		ctl := ev.Inbound.Control
		switch ctl.Type {
		case channel.ControlConnected:
			if ctl.SessionID != "" {
				c.logger.Info("backend session established", slog.String("backend_session_id", ctl.SessionID))
			}
			c.tracker.Record(true)
			c.refreshQuality()
		case channel.ControlPong:
			c.tracker.Record(true)
			c.refreshQuality()
		case channel.ControlError:
			if ctl.Reason == "auth_rejected" {
				c.setStatus(StatusError, "auth_rejected")
			} else {
				c.record("backend_error")
			}
		}
	case channel.EventDecodeError:
		c.record("decode_error")
	}
}

func (c *Coordinator) onGraceExpired() {
	if c.connState == channel.StateOpen {
		return
	}
	// A degraded verdict from repeated redial failures outranks the
	// first-drop reconnecting status.
	if c.status.Level == StatusDegraded && c.status.Reason == "reconnect_failed" {
		return
	}
	c.setStatus(StatusReconnecting, "connection_lost")
}

func (c *Coordinator) degradeAfter() int {
	if c.cfg.Health.DegradeAfter > 0 {
		return c.cfg.Health.DegradeAfter
	}
	return 3
}

func (c *Coordinator) sendTracked(out channel.Outbound) {
	err := c.ch.Send(out)
	if err != nil {
		if errorsx.HasReason(err, errorsx.ReasonNotConnected) {
			c.record("send_skipped_offline")
			return
		}
		c.tracker.Record(false)
	} else {
		c.tracker.Record(true)
	}
	c.refreshQuality()
}

func (c *Coordinator) pushContext(text string) {
	size := c.cfg.Conversation.ContextSize
	if size <= 0 {
		size = 10
	}
	c.contextRing = append(c.contextRing, text)
	if len(c.contextRing) > size {
		c.contextRing = c.contextRing[len(c.contextRing)-size:]
	}
}

func (c *Coordinator) snapshotContext() []string {
	if len(c.contextRing) == 0 {
		return nil
	}
	out := make([]string, len(c.contextRing))
	copy(out, c.contextRing)
	return out
}

func (c *Coordinator) setStatus(level StatusLevel, reason string) {
	next := SystemStatus{Level: level, Reason: reason}
	if c.status == next {
		return
	}
	c.status = next
	c.logger.Info("system status changed",
		slog.String("level", string(level)),
		slog.String("reason", reason))
	c.listener.OnSystemStatusChanged(next)
}

func (c *Coordinator) refreshQuality() {
	q := c.tracker.Quality(c.connState)
	if q == c.quality {
		return
	}
	c.quality = q
	c.listener.OnConnectionQualityChanged(q)
}

func (c *Coordinator) setAvatar(state AvatarState) {
	if c.avatar == state {
		return
	}
	c.avatar = state
	c.listener.OnAvatarStateChanged(state)
}

func (c *Coordinator) record(name string) {
	c.obs.RecordEvent(metrics.MetricsEvent{
		Name:  name,
		Time:  time.Now(),
		Value: 1,
		Tags:  map[string]string{"user_id": c.cfg.Backend.UserID},
	})
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}
