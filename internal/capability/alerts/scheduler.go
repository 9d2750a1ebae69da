package alerts

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
	"github.com/embervoice/avs-client/internal/storage"
)

const namespace = "Alerts"

// scheduledTime uses a numeric zone offset without a colon.
const timeLayout = "2006-01-02T15:04:05-0700"

type setAlertPayload struct {
	Token         string `json:"token"`
	Type          string `json:"type"`
	ScheduledTime string `json:"scheduledTime"`
}

type deleteAlertPayload struct {
	Token string `json:"token"`
}

// Alert represents an alert.
type Alert struct {
	Token         string
	Type          string
	ScheduledTime time.Time
}

type scheduled struct {
	alert  Alert
	timer  *time.Timer
	handle device.Handle
}

// Scheduler keeps the device-local alert store: SetAlert and DeleteAlert
// directives maintain it, timers fire looping alert sounds, and every
// transition is reported back as an Alerts event.
type Scheduler struct {
	logger  *zap.Logger
	sender  capability.EventSender
	dev     device.Player
	catalog *Catalog
	store   *storage.AlertStore

	mu     sync.Mutex
	alerts map[string]*scheduled
}

// New builds a scheduler. The store may be nil, in which case alerts do not
// survive a restart.
func New(dev device.Player, catalog *Catalog, store *storage.AlertStore, sender capability.EventSender, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		logger:  logger.Named("alerts"),
		sender:  sender,
		dev:     dev,
		catalog: catalog,
		store:   store,
		alerts:  make(map[string]*scheduled),
	}
}

// Restore reschedules alerts persisted by a previous run. Alerts whose time
// already passed fire immediately.
func (s *Scheduler) Restore() error {
	if s.store == nil {
		return nil
	}
	records, err := s.store.Load()
	if err != nil {
		return fmt.Errorf("restore alerts: %w", err)
	}
	for _, record := range records {
		when, err := parseScheduledTime(record.ScheduledTime)
		if err != nil {
			s.logger.Warn("dropping persisted alert with bad time",
				zap.String("token", record.Token),
				zap.Error(err),
			)
			continue
		}
		s.schedule(Alert{Token: record.Token, Type: record.Type, ScheduledTime: when})
	}
	if len(records) > 0 {
		s.logger.Info("alerts restored", zap.Int("count", len(records)))
	}
	return nil
}

// Routes returns the dispatch bindings for the Alerts directives.
func (s *Scheduler) Routes() map[string]dispatch.Route {
	return map[string]dispatch.Route{
		"SetAlert":    {Handle: s.handleSetAlert},
		"DeleteAlert": {Handle: s.handleDeleteAlert},
	}
}

func (s *Scheduler) handleSetAlert(ctx context.Context, directive *protocol.Directive, _ *multipart.Part) error {
	var p setAlertPayload
	if err := json.Unmarshal(directive.Payload, &p); err != nil {
		return fmt.Errorf("decode setAlert payload: %w", err)
	}

	when, err := parseScheduledTime(p.ScheduledTime)
	if err != nil {
		s.logger.Warn("rejecting alert with bad scheduled time",
			zap.String("token", p.Token),
			zap.String("scheduled_time", p.ScheduledTime),
			zap.Error(err),
		)
		s.notify(ctx, "SetAlertFailed", p.Token)
		return nil
	}

	s.schedule(Alert{Token: p.Token, Type: p.Type, ScheduledTime: when})
	s.persist()

	s.logger.Info("alert scheduled",
		zap.String("token", p.Token),
		zap.String("type", p.Type),
		zap.Time("scheduled_time", when),
	)
	s.notify(ctx, "SetAlertSucceeded", p.Token)
	return nil
}

func (s *Scheduler) handleDeleteAlert(ctx context.Context, directive *protocol.Directive, _ *multipart.Part) error {
	var p deleteAlertPayload
	if err := json.Unmarshal(directive.Payload, &p); err != nil {
		return fmt.Errorf("decode deleteAlert payload: %w", err)
	}

	s.mu.Lock()
	entry, ok := s.alerts[p.Token]
	if ok {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		if entry.handle != nil {
			if err := s.dev.Stop(entry.handle); err != nil {
				s.logger.Warn("failed to stop ringing alert", zap.Error(err))
			}
		}
		delete(s.alerts, p.Token)
	}
	s.mu.Unlock()

	if !ok {
		s.logger.Warn("deleteAlert for unknown token", zap.String("token", p.Token))
		s.notify(ctx, "DeleteAlertFailed", p.Token)
		return nil
	}
	s.persist()
	s.logger.Info("alert deleted", zap.String("token", p.Token))
	s.notify(ctx, "DeleteAlertSucceeded", p.Token)
	return nil
}

// fire starts the alert sound. Runs on the timer goroutine.
func (s *Scheduler) fire(token string) {
	s.mu.Lock()
	entry, ok := s.alerts[token]
	if !ok {
		s.mu.Unlock()
		return
	}
	sound := s.catalog.Sound(entry.alert.Type)
	handle, err := s.dev.PlayInfinite(sound)
	if err != nil {
		s.mu.Unlock()
		s.logger.Error("failed to ring alert",
			zap.String("token", token),
			zap.String("sound", sound),
			zap.Error(err),
		)
		return
	}
	entry.handle = handle
	s.mu.Unlock()

	s.logger.Info("alert ringing", zap.String("token", token), zap.String("type", entry.alert.Type))
	s.notify(context.Background(), "AlertStarted", token)
}

// Stop silences a ringing alert and removes it from the store. Wired to the
// device's local stop control.
func (s *Scheduler) Stop(ctx context.Context, token string) error {
	s.mu.Lock()
	entry, ok := s.alerts[token]
	if !ok || entry.handle == nil {
		s.mu.Unlock()
		return fmt.Errorf("alert %q is not ringing", token)
	}
	if err := s.dev.Stop(entry.handle); err != nil {
		s.mu.Unlock()
		return err
	}
	delete(s.alerts, token)
	s.mu.Unlock()

	s.persist()
	s.notify(ctx, "AlertStopped", token)
	return nil
}

// schedule arms the timer for one alert, replacing any previous schedule
// with the same token.
func (s *Scheduler) schedule(alert Alert) {
	s.mu.Lock()
	if existing, ok := s.alerts[alert.Token]; ok && existing.timer != nil {
		existing.timer.Stop()
	}
	entry := &scheduled{alert: alert}
	entry.timer = time.AfterFunc(time.Until(alert.ScheduledTime), func() {
		s.fire(alert.Token)
	})
	s.alerts[alert.Token] = entry
	s.mu.Unlock()
}

// persist mirrors the current schedule to disk. Failures are logged, not
// surfaced: the in-memory schedule stays authoritative.
func (s *Scheduler) persist() {
	if s.store == nil {
		return
	}
	s.mu.Lock()
	records := make([]storage.StoredAlert, 0, len(s.alerts))
	for _, entry := range s.alerts {
		records = append(records, storage.StoredAlert{
			Token:         entry.alert.Token,
			Type:          entry.alert.Type,
			ScheduledTime: entry.alert.ScheduledTime.Format(timeLayout),
		})
	}
	s.mu.Unlock()
	if err := s.store.Save(records); err != nil {
		s.logger.Warn("failed to persist alerts", zap.Error(err))
	}
}

// StopAll silences every ringing alert. Used on shutdown.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	for token, entry := range s.alerts {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		if entry.handle != nil {
			if err := s.dev.Stop(entry.handle); err != nil {
				s.logger.Warn("failed to stop alert", zap.String("token", token), zap.Error(err))
			}
		}
	}
	s.alerts = make(map[string]*scheduled)
	s.mu.Unlock()
}

func (s *Scheduler) notify(ctx context.Context, name string, token string) {
	event := protocol.NewEvent(namespace, name, struct {
		Token string `json:"token"`
	}{Token: token})
	if err := s.sender.SendEvent(ctx, event); err != nil {
		s.logger.Warn("failed to send event", zap.String("name", name), zap.Error(err))
	}
}

type alertEntry struct {
	Token         string `json:"token"`
	Type          string `json:"type"`
	ScheduledTime string `json:"scheduledTime"`
}

type alertsState struct {
	AllAlerts    []alertEntry `json:"allAlerts"`
	ActiveAlerts []alertEntry `json:"activeAlerts"`
}

// ContextState executes the contextState method.
func (s *Scheduler) ContextState() protocol.CapabilityState {
	state := alertsState{
		AllAlerts:    []alertEntry{},
		ActiveAlerts: []alertEntry{},
	}
	s.mu.Lock()
	for _, entry := range s.alerts {
		e := alertEntry{
			Token:         entry.alert.Token,
			Type:          entry.alert.Type,
			ScheduledTime: entry.alert.ScheduledTime.Format(timeLayout),
		}
		state.AllAlerts = append(state.AllAlerts, e)
		if entry.handle != nil {
			state.ActiveAlerts = append(state.ActiveAlerts, e)
		}
	}
	s.mu.Unlock()
	return protocol.CapabilityState{
		Header:  protocol.Header{Namespace: namespace, Name: "AlertsState"},
		Payload: state,
	}
}

func parseScheduledTime(value string) (time.Time, error) {
	if when, err := time.Parse(timeLayout, value); err == nil {
		return when, nil
	}
	return time.Parse(time.RFC3339, value)
}
