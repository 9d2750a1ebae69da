package speechsynthesizer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/embervoice/avs-client/internal/capability"
	"github.com/embervoice/avs-client/internal/device"
	"github.com/embervoice/avs-client/internal/dispatch"
	"github.com/embervoice/avs-client/internal/multipart"
	"github.com/embervoice/avs-client/internal/protocol"
)

const namespace = "SpeechSynthesizer"

const (
	activityPlaying  = "PLAYING"
	activityFinished = "FINISHED"
)

const defaultPollInterval = 50 * time.Millisecond

type speakPayload struct {
	URL    string `json:"url"`
	Token  string `json:"token"`
	Format string `json:"format"`
}

type utterance struct {
	token string
	file  string
}

// Synthesizer plays response speech delivered as Speak directives and
// reports lifecycle events around each utterance. Directive handling only
// enqueues; the Run loop plays utterances in order so a long utterance
// never stalls directive dispatch.
type Synthesizer struct {
	logger       *zap.Logger
	sender       capability.EventSender
	player       device.Player
	pollInterval time.Duration
	wake         chan struct{}

	mu        sync.Mutex
	queue     []utterance
	token     string
	activity  string
	startedAt time.Time
	handle    device.Handle
}

// New executes the new function.
func New(player device.Player, sender capability.EventSender, logger *zap.Logger) *Synthesizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synthesizer{
		logger:       logger.Named("speech_synthesizer"),
		sender:       sender,
		player:       player,
		pollInterval: defaultPollInterval,
		wake:         make(chan struct{}, 1),
		activity:     activityFinished,
	}
}

// Route returns the dispatch binding for the Speak directive.
func (s *Synthesizer) Route() dispatch.Route {
	return dispatch.Route{
		Handle:        s.handleSpeak,
		AttachmentRef: AttachmentRef,
	}
}

// AttachmentRef extracts the audio content id referenced by a Speak payload.
func AttachmentRef(payload json.RawMessage) (string, bool) {
	var p speakPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return "", false
	}
	return protocol.ContentID(p.URL)
}

// handleSpeak spools the utterance and enqueues it for the Run loop.
func (s *Synthesizer) handleSpeak(_ context.Context, directive *protocol.Directive, attachment *multipart.Part) error {
	if attachment == nil {
		return errors.New("speak directive without audio attachment")
	}
	var p speakPayload
	if err := json.Unmarshal(directive.Payload, &p); err != nil {
		return fmt.Errorf("decode speak payload: %w", err)
	}

	file, err := os.CreateTemp("", "speech-*.mp3")
	if err != nil {
		return fmt.Errorf("spool speech audio: %w", err)
	}
	name := file.Name()
	if _, err := file.Write(attachment.Body); err != nil {
		file.Close()
		os.Remove(name)
		return fmt.Errorf("spool speech audio: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(name)
		return fmt.Errorf("spool speech audio: %w", err)
	}

	s.mu.Lock()
	s.queue = append(s.queue, utterance{token: p.Token, file: name})
	s.mu.Unlock()

	s.logger.Debug("speech queued",
		zap.String("token", p.Token),
		zap.Int("size", len(attachment.Body)),
	)
	s.signal()
	return nil
}

// Run plays queued utterances in order until the context ends.
func (s *Synthesizer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.Interrupt()
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			next := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			s.play(ctx, next)
		}
	}
}

func (s *Synthesizer) play(ctx context.Context, u utterance) {
	handle, err := s.player.PlayOnce(u.file)
	if err != nil {
		os.Remove(u.file)
		s.logger.Error("failed to start speech playback",
			zap.String("token", u.token),
			zap.Error(err),
		)
		return
	}

	s.mu.Lock()
	s.token = u.token
	s.activity = activityPlaying
	s.startedAt = time.Now()
	s.handle = handle
	s.mu.Unlock()

	s.logger.Debug("speech started", zap.String("token", u.token))
	s.notify(ctx, "SpeechStarted", u.token)

	s.wait(ctx, handle)
	os.Remove(u.file)

	s.mu.Lock()
	s.activity = activityFinished
	s.handle = nil
	s.mu.Unlock()

	s.logger.Debug("speech finished", zap.String("token", u.token))
	s.notify(ctx, "SpeechFinished", u.token)
}

func (s *Synthesizer) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Synthesizer) wait(ctx context.Context, handle device.Handle) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := s.player.Stop(handle); err != nil {
				s.logger.Warn("failed to stop speech playback", zap.Error(err))
			}
			return
		case <-ticker.C:
			if s.player.Ended(handle) {
				return
			}
		}
	}
}

// Interrupt stops the utterance in progress and drops anything queued
// behind it. Used when the user barges in with a new request.
func (s *Synthesizer) Interrupt() {
	s.mu.Lock()
	handle := s.handle
	dropped := s.queue
	s.queue = nil
	s.mu.Unlock()

	for _, u := range dropped {
		os.Remove(u.file)
	}
	if handle == nil {
		return
	}
	if err := s.player.Stop(handle); err != nil {
		s.logger.Warn("failed to interrupt speech", zap.Error(err))
	}
}

func (s *Synthesizer) notify(ctx context.Context, name string, token string) {
	event := protocol.NewEvent(namespace, name, struct {
		Token string `json:"token"`
	}{Token: token})
	if err := s.sender.SendEvent(ctx, event); err != nil {
		s.logger.Warn("failed to send event",
			zap.String("name", name),
			zap.Error(err),
		)
	}
}

type speechState struct {
	Token                string `json:"token"`
	OffsetInMilliseconds int64  `json:"offsetInMilliseconds"`
	PlayerActivity       string `json:"playerActivity"`
}

// ContextState executes the contextState method.
func (s *Synthesizer) ContextState() protocol.CapabilityState {
	s.mu.Lock()
	state := speechState{
		Token:          s.token,
		PlayerActivity: s.activity,
	}
	if s.activity == activityPlaying {
		state.OffsetInMilliseconds = time.Since(s.startedAt).Milliseconds()
	}
	s.mu.Unlock()
	return protocol.CapabilityState{
		Header:  protocol.Header{Namespace: namespace, Name: "SpeechState"},
		Payload: state,
	}
}
