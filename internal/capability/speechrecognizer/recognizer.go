package speechrecognizer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/embervoice/avs-client/internal/capability"
	"github.com/embervoice/avs-client/internal/device"
	"github.com/embervoice/avs-client/internal/dispatch"
	"github.com/embervoice/avs-client/internal/multipart"
	"github.com/embervoice/avs-client/internal/protocol"
)

const namespace = "SpeechRecognizer"

const (
	stateIdle         = "IDLE"
	stateListening    = "LISTENING"
	stateAwaitingStop = "AWAITING_STOP"
)

const (
	profileCloseTalk = "CLOSE_TALK"
	profileNearField = "NEAR_FIELD"
)

const captureFormat = "AUDIO_L16_RATE_16000_CHANNELS_1"

// defaultExpectSpeechTimeout bounds the follow-up window when the directive
// carries no timeout of its own.
const defaultExpectSpeechTimeout = 5 * time.Second

const idlePollInterval = 5 * time.Millisecond

// ListenFunc opens a capture source when the service asks the device to
// keep listening. A nil source with a nil error means the user said nothing.
type ListenFunc func(ctx context.Context) (device.CaptureSource, error)

type recognizePayload struct {
	Profile string `json:"profile"`
	Format  string `json:"format"`
}

type expectSpeechPayload struct {
	TimeoutInMilliseconds int64  `json:"timeoutInMilliseconds"`
	Initiator             string `json:"initiator,omitempty"`
}

// Recognizer streams captured user speech to the service as Recognize
// events and reacts to the capture directives the service sends back.
type Recognizer struct {
	logger   *zap.Logger
	sender   capability.EventSender
	wakeword string
	listen   ListenFunc

	mu     sync.Mutex
	state  string
	source device.CaptureSource
}

// New executes the new function.
func New(sender capability.EventSender, wakeword string, logger *zap.Logger) *Recognizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if wakeword == "" {
		wakeword = "ALEXA"
	}
	return &Recognizer{
		logger:   logger.Named("speech_recognizer"),
		sender:   sender,
		wakeword: wakeword,
		state:    stateIdle,
	}
}

// SetListenFunc installs the callback used to reopen the microphone for
// ExpectSpeech directives.
func (r *Recognizer) SetListenFunc(listen ListenFunc) {
	r.listen = listen
}

// Routes returns the dispatch bindings for the SpeechRecognizer directives.
func (r *Recognizer) Routes() map[string]dispatch.Route {
	return map[string]dispatch.Route{
		"StopCapture":  {Handle: r.handleStopCapture},
		"ExpectSpeech": {Handle: r.handleExpectSpeech},
	}
}

// Recognize streams the capture source to the service and blocks until the
// upload completes. The source is consumed to end of stream unless a
// StopCapture directive closes it first.
func (r *Recognizer) Recognize(ctx context.Context, source device.CaptureSource) error {
	r.mu.Lock()
	if r.state != stateIdle {
		state := r.state
		r.mu.Unlock()
		return &capability.StateError{Capability: namespace, State: state, Op: "recognize"}
	}
	r.state = stateListening
	r.source = source
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.state = stateIdle
		r.source = nil
		r.mu.Unlock()
	}()

	profile := profileNearField
	if _, bounded := source.(interface{ Size() int64 }); bounded {
		profile = profileCloseTalk
	}

	event := protocol.NewEvent(namespace, "Recognize", recognizePayload{
		Profile: profile,
		Format:  captureFormat,
	}).WithDialogRequest()
	event.Audio = source

	r.logger.Info("recognize started",
		zap.String("profile", profile),
		zap.String("dialog_request_id", event.Header.DialogRequestID),
	)
	if err := r.sender.SendEvent(ctx, event); err != nil {
		return fmt.Errorf("stream recognize event: %w", err)
	}
	r.logger.Debug("recognize finished")
	return nil
}

// handleStopCapture closes the active capture source so the in-flight
// Recognize upload terminates. Between the close and the upload draining the
// recognizer reports AWAITING_STOP. A stray StopCapture with no capture
// running is ignored.
func (r *Recognizer) handleStopCapture(_ context.Context, _ *protocol.Directive, _ *multipart.Part) error {
	r.mu.Lock()
	source := r.source
	r.source = nil
	if source != nil {
		r.state = stateAwaitingStop
	}
	r.mu.Unlock()
	if source == nil {
		r.logger.Debug("stopCapture with no active capture")
		return nil
	}
	r.logger.Info("capture stopped by service", zap.String("state", stateAwaitingStop))
	return source.Close()
}

func (r *Recognizer) handleExpectSpeech(ctx context.Context, directive *protocol.Directive, _ *multipart.Part) error {
	var p expectSpeechPayload
	if err := json.Unmarshal(directive.Payload, &p); err != nil {
		return fmt.Errorf("decode expectSpeech payload: %w", err)
	}
	if r.listen == nil {
		r.logger.Warn("expectSpeech without a listen callback")
		r.notifyTimedOut(ctx)
		return nil
	}

	window := time.Duration(p.TimeoutInMilliseconds) * time.Millisecond
	if window <= 0 {
		window = defaultExpectSpeechTimeout
	}

	// The directive is dispatched while the Recognize upload that produced
	// it is still draining its response tail, so the recognizer is not idle
	// yet. The follow-up turn waits for it within the directive's window
	// and must not block the dispatch loop.
	go func() {
		if !r.awaitIdle(ctx, window) {
			r.logger.Warn("expectSpeech window expired before the previous turn finished",
				zap.Duration("window", window),
			)
			r.notifyTimedOut(ctx)
			return
		}
		source, err := r.listen(ctx)
		if err != nil || source == nil {
			if err != nil {
				r.logger.Warn("listen callback failed", zap.Error(err))
			}
			r.notifyTimedOut(ctx)
			return
		}
		if err := r.Recognize(ctx, source); err != nil {
			r.logger.Warn("follow-up recognize failed", zap.Error(err))
		}
	}()
	return nil
}

// awaitIdle polls until the recognizer returns to idle, the window closes,
// or the context ends.
func (r *Recognizer) awaitIdle(ctx context.Context, window time.Duration) bool {
	deadline := time.Now().Add(window)
	for {
		r.mu.Lock()
		idle := r.state == stateIdle
		r.mu.Unlock()
		if idle {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(idlePollInterval):
		}
	}
}

func (r *Recognizer) notifyTimedOut(ctx context.Context) {
	event := protocol.NewEvent(namespace, "ExpectSpeechTimedOut", struct{}{})
	if err := r.sender.SendEvent(ctx, event); err != nil {
		r.logger.Warn("failed to send event", zap.String("name", "ExpectSpeechTimedOut"), zap.Error(err))
	}
}

type recognizerState struct {
	Wakeword string `json:"wakeword"`
}

// ContextState executes the contextState method.
func (r *Recognizer) ContextState() protocol.CapabilityState {
	return protocol.CapabilityState{
		Header:  protocol.Header{Namespace: namespace, Name: "RecognizerState"},
		Payload: recognizerState{Wakeword: r.wakeword},
	}
}
