package audioplayer

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

const namespace = "AudioPlayer"

// Player activities reported in PlaybackState.
const (
	activityIdle     = "IDLE"
	activityPlaying  = "PLAYING"
	activityStopped  = "STOPPED"
	activityPaused   = "PAUSED"
	activityFinished = "FINISHED"
)

// Play behaviors.
const (
	behaviorReplaceAll      = "REPLACE_ALL"
	behaviorEnqueue         = "ENQUEUE"
	behaviorReplaceEnqueued = "REPLACE_ENQUEUED"
)

// ClearQueue behaviors.
const (
	clearEnqueued = "CLEAR_ENQUEUED"
	clearAll      = "CLEAR_ALL"
)

const defaultPollInterval = 100 * time.Millisecond

type playStream struct {
	URL                  string `json:"url"`
	StreamFormat         string `json:"streamFormat"`
	OffsetInMilliseconds int64  `json:"offsetInMilliseconds"`
	Token                string `json:"token"`
}

type playAudioItem struct {
	AudioItemID string     `json:"audioItemId"`
	Stream      playStream `json:"stream"`
}

type playPayload struct {
	PlayBehavior string        `json:"playBehavior"`
	AudioItem    playAudioItem `json:"audioItem"`
}

type clearQueuePayload struct {
	ClearBehavior string `json:"clearBehavior"`
}

type item struct {
	token  string
	source string
	temp   bool
	offset int64
}

// Player manages long-form audio playback: a queue of streams driven by
// Play, Stop and ClearQueue directives, with playback lifecycle reported
// back as AudioPlayer events.
type Player struct {
	logger       *zap.Logger
	sender       capability.EventSender
	dev          device.Player
	pollInterval time.Duration
	wake         chan struct{}

	mu        sync.Mutex
	queue     []item
	current   *item
	handle    device.Handle
	activity  string
	startedAt time.Time
}

// New executes the new function.
func New(dev device.Player, sender capability.EventSender, logger *zap.Logger) *Player {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Player{
		logger:       logger.Named("audio_player"),
		sender:       sender,
		dev:          dev,
		pollInterval: defaultPollInterval,
		wake:         make(chan struct{}, 1),
		activity:     activityIdle,
	}
}

// Routes returns the dispatch bindings for the AudioPlayer directives.
func (p *Player) Routes() map[string]dispatch.Route {
	return map[string]dispatch.Route{
		"Play":       {Handle: p.handlePlay, AttachmentRef: AttachmentRef},
		"Stop":       {Handle: p.handleStop},
		"ClearQueue": {Handle: p.handleClearQueue},
	}
}

// AttachmentRef extracts the audio content id referenced by a Play payload.
// Remote stream URLs resolve to no attachment.
func AttachmentRef(payload json.RawMessage) (string, bool) {
	var pl playPayload
	if err := json.Unmarshal(payload, &pl); err != nil {
		return "", false
	}
	return protocol.ContentID(pl.AudioItem.Stream.URL)
}

// Run drives playback until the context ends. Queue changes from directive
// handlers wake the loop immediately; device completion is polled.
func (p *Player) Run(ctx context.Context) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.mu.Lock()
			p.stopLocked()
			p.mu.Unlock()
			return
		case <-p.wake:
		case <-ticker.C:
		}
		p.step(ctx)
	}
}

func (p *Player) step(ctx context.Context) {
	p.mu.Lock()

	if p.current != nil && p.activity == activityPlaying && p.dev.Ended(p.handle) {
		finished := *p.current
		p.releaseCurrentLocked()
		p.activity = activityFinished
		p.mu.Unlock()
		p.logger.Debug("playback finished", zap.String("token", finished.token))
		p.notify(ctx, "PlaybackFinished", finished.token, finished.offset)
		p.mu.Lock()
	}

	if p.current == nil && len(p.queue) > 0 {
		next := p.queue[0]
		p.queue = p.queue[1:]
		handle, err := p.dev.PlayOnce(next.source)
		if err != nil {
			p.mu.Unlock()
			p.logger.Warn("failed to start playback",
				zap.String("token", next.token),
				zap.Error(err),
			)
			if next.temp {
				os.Remove(next.source)
			}
			return
		}
		p.current = &next
		p.handle = handle
		p.activity = activityPlaying
		p.startedAt = time.Now()
		p.mu.Unlock()
		p.logger.Info("playback started", zap.String("token", next.token))
		p.notify(ctx, "PlaybackStarted", next.token, next.offset)
		// The service may deliver the next Play directive any time after
		// this; reporting readiness early keeps the queue fed.
		p.notify(ctx, "PlaybackNearlyFinished", next.token, next.offset)
		return
	}

	p.mu.Unlock()
}

func (p *Player) handlePlay(ctx context.Context, directive *protocol.Directive, attachment *multipart.Part) error {
	var pl playPayload
	if err := json.Unmarshal(directive.Payload, &pl); err != nil {
		return fmt.Errorf("decode play payload: %w", err)
	}

	next := item{
		token:  pl.AudioItem.Stream.Token,
		offset: pl.AudioItem.Stream.OffsetInMilliseconds,
	}
	if _, isAttachment := protocol.ContentID(pl.AudioItem.Stream.URL); isAttachment {
		if attachment == nil {
			return errors.New("play directive references an attachment that is not present")
		}
		source, err := spool(attachment.Body)
		if err != nil {
			return err
		}
		next.source = source
		next.temp = true
	} else {
		if pl.AudioItem.Stream.URL == "" {
			return errors.New("play directive without a stream url")
		}
		next.source = pl.AudioItem.Stream.URL
	}

	p.mu.Lock()
	var stopped *item
	switch pl.PlayBehavior {
	case behaviorEnqueue:
		p.queue = append(p.queue, next)
	case behaviorReplaceEnqueued:
		p.dropQueueLocked()
		p.queue = []item{next}
	case behaviorReplaceAll, "":
		stopped = p.stopLocked()
		p.dropQueueLocked()
		p.queue = []item{next}
	default:
		p.mu.Unlock()
		if next.temp {
			os.Remove(next.source)
		}
		return fmt.Errorf("unknown play behavior %q", pl.PlayBehavior)
	}
	p.mu.Unlock()

	if stopped != nil {
		p.notify(ctx, "PlaybackStopped", stopped.token, stopped.offset)
	}
	p.signal()
	return nil
}

func (p *Player) handleStop(ctx context.Context, _ *protocol.Directive, _ *multipart.Part) error {
	p.mu.Lock()
	stopped := p.stopLocked()
	p.mu.Unlock()
	if stopped != nil {
		p.notify(ctx, "PlaybackStopped", stopped.token, stopped.offset)
	}
	return nil
}

func (p *Player) handleClearQueue(ctx context.Context, directive *protocol.Directive, _ *multipart.Part) error {
	var pl clearQueuePayload
	if err := json.Unmarshal(directive.Payload, &pl); err != nil {
		return fmt.Errorf("decode clearQueue payload: %w", err)
	}

	p.mu.Lock()
	var stopped *item
	switch pl.ClearBehavior {
	case clearEnqueued:
		p.dropQueueLocked()
	case clearAll, "":
		p.dropQueueLocked()
		stopped = p.stopLocked()
	default:
		p.mu.Unlock()
		return fmt.Errorf("unknown clear behavior %q", pl.ClearBehavior)
	}
	p.mu.Unlock()

	if stopped != nil {
		p.notify(ctx, "PlaybackStopped", stopped.token, stopped.offset)
	}
	event := protocol.NewEvent(namespace, "PlaybackQueueCleared", struct{}{})
	if err := p.sender.SendEvent(ctx, event); err != nil {
		p.logger.Warn("failed to send event", zap.String("name", "PlaybackQueueCleared"), zap.Error(err))
	}
	return nil
}

// Pause suspends the current stream, keeping it current for Resume.
func (p *Player) Pause(ctx context.Context) error {
	p.mu.Lock()
	if p.current == nil || p.activity != activityPlaying {
		state := p.activity
		p.mu.Unlock()
		return &capability.StateError{Capability: namespace, State: state, Op: "pause"}
	}
	if err := p.dev.Pause(p.handle); err != nil {
		p.mu.Unlock()
		return err
	}
	p.activity = activityPaused
	token, offset := p.current.token, p.offsetLocked()
	p.mu.Unlock()
	p.notify(ctx, "PlaybackPaused", token, offset)
	return nil
}

// Resume continues a paused stream.
func (p *Player) Resume(ctx context.Context) error {
	p.mu.Lock()
	if p.current == nil || p.activity != activityPaused {
		state := p.activity
		p.mu.Unlock()
		return &capability.StateError{Capability: namespace, State: state, Op: "resume"}
	}
	if err := p.dev.Resume(p.handle); err != nil {
		p.mu.Unlock()
		return err
	}
	p.activity = activityPlaying
	token, offset := p.current.token, p.offsetLocked()
	p.mu.Unlock()
	p.notify(ctx, "PlaybackResumed", token, offset)
	return nil
}

// stopLocked halts current playback and returns the interrupted item.
func (p *Player) stopLocked() *item {
	if p.current == nil {
		return nil
	}
	stopped := *p.current
	stopped.offset = p.offsetLocked()
	if err := p.dev.Stop(p.handle); err != nil {
		p.logger.Warn("failed to stop playback", zap.Error(err))
	}
	p.releaseCurrentLocked()
	p.activity = activityStopped
	return &stopped
}

func (p *Player) releaseCurrentLocked() {
	if p.current != nil && p.current.temp {
		os.Remove(p.current.source)
	}
	p.current = nil
	p.handle = nil
}

func (p *Player) dropQueueLocked() {
	for _, it := range p.queue {
		if it.temp {
			os.Remove(it.source)
		}
	}
	p.queue = nil
}

func (p *Player) offsetLocked() int64 {
	if p.current == nil {
		return 0
	}
	return p.current.offset + time.Since(p.startedAt).Milliseconds()
}

func (p *Player) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

type playbackEvent struct {
	Token                string `json:"token"`
	OffsetInMilliseconds int64  `json:"offsetInMilliseconds"`
}

func (p *Player) notify(ctx context.Context, name string, token string, offset int64) {
	event := protocol.NewEvent(namespace, name, playbackEvent{
		Token:                token,
		OffsetInMilliseconds: offset,
	})
	if err := p.sender.SendEvent(ctx, event); err != nil {
		p.logger.Warn("failed to send event", zap.String("name", name), zap.Error(err))
	}
}

type playbackState struct {
	Token                string `json:"token"`
	OffsetInMilliseconds int64  `json:"offsetInMilliseconds"`
	PlayerActivity       string `json:"playerActivity"`
}

// ContextState executes the contextState method.
func (p *Player) ContextState() protocol.CapabilityState {
	p.mu.Lock()
	state := playbackState{PlayerActivity: p.activity}
	if p.current != nil {
		state.Token = p.current.token
		state.OffsetInMilliseconds = p.offsetLocked()
	}
	p.mu.Unlock()
	return protocol.CapabilityState{
		Header:  protocol.Header{Namespace: namespace, Name: "PlaybackState"},
		Payload: state,
	}
}

func spool(body []byte) (string, error) {
	file, err := os.CreateTemp("", "stream-*.mp3")
	if err != nil {
		return "", fmt.Errorf("spool stream audio: %w", err)
	}
	if _, err := file.Write(body); err != nil {
		file.Close()
		os.Remove(file.Name())
		return "", fmt.Errorf("spool stream audio: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(file.Name())
		return "", fmt.Errorf("spool stream audio: %w", err)
	}
	return file.Name(), nil
}
