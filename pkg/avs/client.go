package avs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/embervoice/avs-client/internal/auth"
	"github.com/embervoice/avs-client/internal/capability"
	"github.com/embervoice/avs-client/internal/capability/alerts"
	"github.com/embervoice/avs-client/internal/capability/audioplayer"
	"github.com/embervoice/avs-client/internal/capability/speechrecognizer"
	"github.com/embervoice/avs-client/internal/capability/speechsynthesizer"
	"github.com/embervoice/avs-client/internal/config"
	"github.com/embervoice/avs-client/internal/connection"
	"github.com/embervoice/avs-client/internal/device"
	"github.com/embervoice/avs-client/internal/dispatch"
	"github.com/embervoice/avs-client/internal/monitor"
	"github.com/embervoice/avs-client/internal/multipart"
	"github.com/embervoice/avs-client/internal/protocol"
	"github.com/embervoice/avs-client/internal/session/fsm"
	"github.com/embervoice/avs-client/internal/storage"
)

const inactivityReportInterval = time.Hour

// eventSenderProxy breaks the construction cycle between the dispatcher and
// the connection manager.
type eventSenderProxy struct {
	sender capability.EventSender
}

func (p *eventSenderProxy) SendEvent(ctx context.Context, event *protocol.Event) error {
	if p.sender == nil {
		return errors.New("avs: client not connected")
	}
	return p.sender.SendEvent(ctx, event)
}

// dialogTracker derives dialog state transitions from the event stream on
// its way to the connection manager.
type dialogTracker struct {
	next   capability.EventSender
	dialog *fsm.Machine
}

func (t *dialogTracker) SendEvent(ctx context.Context, event *protocol.Event) error {
	switch event.Header.Key() {
	case "SpeechRecognizer.Recognize":
		t.dialog.OnListenStart()
		err := t.next.SendEvent(ctx, event)
		// Response directives were dispatched inline; only settle back to
		// idle when no speech took over the turn.
		if t.dialog.State() == fsm.StateListening {
			t.dialog.Force(fsm.StateIdle)
		}
		return err
	case "SpeechSynthesizer.SpeechStarted":
		t.dialog.OnSpeechStart()
	case "SpeechSynthesizer.SpeechFinished":
		defer t.dialog.OnSpeechStop()
	case "Alerts.AlertStarted":
		t.dialog.OnAlertStart()
	case "Alerts.AlertStopped":
		t.dialog.OnAlertStop()
	}
	return t.next.SendEvent(ctx, event)
}

// Client represents a client.
type Client struct {
	cfg    config.Config
	logger *zap.Logger

	tokens      *auth.Manager
	conn        *connection.Manager
	dispatcher  *dispatch.Dispatcher
	contexts    *capability.ContextBuilder
	recognizer  *speechrecognizer.Recognizer
	synthesizer *speechsynthesizer.Synthesizer
	player      *audioplayer.Player
	alerts      *alerts.Scheduler
	speaker     *capability.Speaker
	dialog      *fsm.Machine
	monitor     *monitor.Server

	mu           sync.Mutex
	lastActivity time.Time
}

// New executes the new function.
func New(cfg config.Config, dev device.Player, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	initial := auth.Token{RefreshToken: cfg.Auth.RefreshToken}
	if stored, err := auth.LoadTokenFile(cfg.Auth.TokenFile); err == nil {
		initial = stored
		logger.Info("loaded persisted credentials", zap.String("path", cfg.Auth.TokenFile))
	}
	if initial.RefreshToken == "" {
		return nil, errors.New("avs: no refresh token available; set auth.refresh_token or provision the token file")
	}
	tokens := auth.NewManager(cfg.Auth.Config, initial, auth.FilePersister(cfg.Auth.TokenFile), nil, logger)

	proxy := &eventSenderProxy{}
	dispatcher := dispatch.New(proxy, logger)
	conn := connection.NewManager(cfg.Connection, tokens, dispatcher, nil, logger)
	proxy.sender = conn

	catalog, err := alerts.LoadCatalog(cfg.Device.SoundCatalog)
	if err != nil {
		return nil, fmt.Errorf("avs: %w", err)
	}
	var alertStore *storage.AlertStore
	if cfg.Device.AlertFile != "" {
		alertStore = storage.NewAlertStore(cfg.Device.AlertFile)
	}

	dialog := fsm.New()
	dialog.SetMode(cfg.Device.ListenMode)
	sender := &dialogTracker{next: conn, dialog: dialog}

	c := &Client{
		cfg:          cfg,
		logger:       logger,
		tokens:       tokens,
		conn:         conn,
		dispatcher:   dispatcher,
		contexts:     capability.NewContextBuilder(),
		recognizer:   speechrecognizer.New(sender, cfg.Device.Wakeword, logger),
		synthesizer:  speechsynthesizer.New(dev, sender, logger),
		player:       audioplayer.New(dev, sender, logger),
		alerts:       alerts.New(dev, catalog, alertStore, sender, logger),
		speaker:      capability.NewSpeaker(cfg.Device.Volume),
		dialog:       dialog,
		lastActivity: time.Now(),
	}

	c.contexts.Register(c.player)
	c.contexts.Register(c.alerts)
	c.contexts.Register(c.speaker)
	c.contexts.Register(c.synthesizer)
	c.contexts.Register(c.recognizer)
	conn.SetContextProvider(c.contexts.Snapshot)
	conn.SetOnConnect(func(ctx context.Context) {
		if err := c.SynchronizeState(ctx); err != nil {
			logger.Warn("state synchronization failed", zap.Error(err))
		}
	})

	c.registerRoutes()

	if cfg.Monitor.Enabled {
		c.monitor = monitor.NewServer(cfg.Monitor.Addr, c.contexts, logger)
		conn.SetObserver(c.monitor.Hub())
		hub := c.monitor.Hub()
		dialog.SetOnChange(func(state fsm.State) {
			hub.Publish("dialog_state", map[string]any{"state": string(state)})
		})
	}

	return c, nil
}

// DialogState returns the current dialog state.
func (c *Client) DialogState() fsm.State {
	return c.dialog.State()
}

func (c *Client) registerRoutes() {
	c.dispatcher.Register("SpeechSynthesizer", "Speak", c.synthesizer.Route())
	for name, route := range c.recognizer.Routes() {
		c.dispatcher.Register("SpeechRecognizer", name, route)
	}
	for name, route := range c.player.Routes() {
		c.dispatcher.Register("AudioPlayer", name, route)
	}
	for name, route := range c.alerts.Routes() {
		c.dispatcher.Register("Alerts", name, route)
	}
	c.dispatcher.Register("Speaker", "SetVolume", dispatch.Route{Handle: c.handleSetVolume})
	c.dispatcher.Register("Speaker", "AdjustVolume", dispatch.Route{Handle: c.handleAdjustVolume})
	c.dispatcher.Register("Speaker", "SetMute", dispatch.Route{Handle: c.handleSetMute})
}

// Run drives the session until the context ends or authentication fails
// beyond recovery.
func (c *Client) Run(ctx context.Context) error {
	if err := c.alerts.Restore(); err != nil {
		c.logger.Warn("alert restore failed", zap.Error(err))
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	start := func(f func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f(runCtx)
		}()
	}

	if c.monitor != nil {
		start(func(ctx context.Context) {
			if err := c.monitor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				c.logger.Error("monitor stopped", zap.Error(err))
			}
		})
	}
	start(c.player.Run)
	start(c.synthesizer.Run)
	start(c.conn.RunPing)
	start(c.runInactivityReport)

	err := c.conn.Run(runCtx)
	cancel()
	wg.Wait()
	c.alerts.StopAll()
	return err
}

// Recognize captures one user utterance: any response speech in progress is
// interrupted, then the source is streamed until end of stream or a
// StopCapture directive.
func (c *Client) Recognize(ctx context.Context, source device.CaptureSource) error {
	c.synthesizer.Interrupt()
	c.touchActivity()
	return c.recognizer.Recognize(ctx, source)
}

// SetListenFunc installs the microphone callback used for follow-up turns.
func (c *Client) SetListenFunc(listen speechrecognizer.ListenFunc) {
	c.recognizer.SetListenFunc(func(ctx context.Context) (device.CaptureSource, error) {
		c.touchActivity()
		return listen(ctx)
	})
}

// SynchronizeState reports the full capability context to the service.
func (c *Client) SynchronizeState(ctx context.Context) error {
	return c.conn.SendEvent(ctx, protocol.NewEvent("System", "SynchronizeState", struct{}{}))
}

// StopAlert silences a ringing alert from a local control.
func (c *Client) StopAlert(ctx context.Context, token string) error {
	return c.alerts.Stop(ctx, token)
}

// PausePlayback suspends long-form audio from a local control.
func (c *Client) PausePlayback(ctx context.Context) error {
	return c.player.Pause(ctx)
}

// ResumePlayback continues paused long-form audio.
func (c *Client) ResumePlayback(ctx context.Context) error {
	return c.player.Resume(ctx)
}

func (c *Client) touchActivity() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *Client) runInactivityReport(ctx context.Context) {
	ticker := time.NewTicker(inactivityReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			inactive := time.Since(c.lastActivity)
			c.mu.Unlock()
			event := protocol.NewEvent("System", "UserInactivityReport", struct {
				InactiveTimeInSeconds int64 `json:"inactiveTimeInSeconds"`
			}{InactiveTimeInSeconds: int64(inactive.Seconds())})
			if err := c.conn.SendEvent(ctx, event); err != nil {
				c.logger.Warn("inactivity report failed", zap.Error(err))
			}
		}
	}
}

type setVolumePayload struct {
	Volume int `json:"volume"`
}

type setMutePayload struct {
	Mute bool `json:"mute"`
}

func (c *Client) handleSetVolume(ctx context.Context, directive *protocol.Directive, _ *multipart.Part) error {
	var p setVolumePayload
	if err := json.Unmarshal(directive.Payload, &p); err != nil {
		return fmt.Errorf("decode setVolume payload: %w", err)
	}
	c.speaker.SetVolume(p.Volume)
	return c.notifyVolume(ctx, "VolumeChanged")
}

func (c *Client) handleAdjustVolume(ctx context.Context, directive *protocol.Directive, _ *multipart.Part) error {
	var p setVolumePayload
	if err := json.Unmarshal(directive.Payload, &p); err != nil {
		return fmt.Errorf("decode adjustVolume payload: %w", err)
	}
	c.speaker.Adjust(p.Volume)
	return c.notifyVolume(ctx, "VolumeChanged")
}

func (c *Client) handleSetMute(ctx context.Context, directive *protocol.Directive, _ *multipart.Part) error {
	var p setMutePayload
	if err := json.Unmarshal(directive.Payload, &p); err != nil {
		return fmt.Errorf("decode setMute payload: %w", err)
	}
	c.speaker.SetMuted(p.Mute)
	return c.notifyVolume(ctx, "MuteChanged")
}

func (c *Client) notifyVolume(ctx context.Context, name string) error {
	volume, muted := c.speaker.Get()
	return c.conn.SendEvent(ctx, protocol.NewEvent("Speaker", name, struct {
		Volume int  `json:"volume"`
		Muted  bool `json:"muted"`
	}{Volume: volume, Muted: muted}))
}
