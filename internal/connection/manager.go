package connection

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"mime"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"github.com/embervoice/avs-client/internal/auth"
	"github.com/embervoice/avs-client/internal/dispatch"
	"github.com/embervoice/avs-client/internal/multipart"
	"github.com/embervoice/avs-client/internal/protocol"
)

// Config represents a config.
type Config struct {
	Endpoint     string        `mapstructure:"endpoint"`
	APIVersion   string        `mapstructure:"api_version"`
	PingInterval time.Duration `mapstructure:"ping_interval"`
	BackoffBase  time.Duration `mapstructure:"backoff_base"`
	BackoffMax   time.Duration `mapstructure:"backoff_max"`
}

func (c *Config) applyDefaults() {
	if c.APIVersion == "" {
		c.APIVersion = "v20160207"
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 5 * time.Minute
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = time.Minute
	}
}

// Observer receives connection activity for the debug monitor. May be nil.
type Observer interface {
	Publish(kind string, payload any)
}

// Manager owns the full-duplex session with the service: the long-lived
// downchannel carrying unsolicited directives, event uploads multiplexed
// over the same connection, and the periodic ping that keeps it alive.
type Manager struct {
	cfg        Config
	tokens     *auth.Manager
	dispatcher *dispatch.Dispatcher
	client     *http.Client
	logger     *zap.Logger

	contextProvider func() []protocol.CapabilityState
	onConnect       func(ctx context.Context)
	observer        Observer
}

// NewManager executes the newManager function.
func NewManager(cfg Config, tokens *auth.Manager, dispatcher *dispatch.Dispatcher, client *http.Client, logger *zap.Logger) *Manager {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	if client == nil {
		client = &http.Client{
			Transport: &http2.Transport{
				DialTLSContext: func(ctx context.Context, network, addr string, cfg *tls.Config) (net.Conn, error) {
					dialer := &tls.Dialer{Config: cfg}
					return dialer.DialContext(ctx, network, addr)
				},
			},
		}
	}
	return &Manager{
		cfg:        cfg,
		tokens:     tokens,
		dispatcher: dispatcher,
		client:     client,
		logger:     logger.Named("connection"),
	}
}

// SetContextProvider installs the capability state snapshot attached to
// outgoing events that carry no explicit context.
func (m *Manager) SetContextProvider(provider func() []protocol.CapabilityState) {
	m.contextProvider = provider
}

// SetOnConnect installs a hook invoked each time the downchannel is
// established. Used to synchronize state after (re)connects.
func (m *Manager) SetOnConnect(hook func(ctx context.Context)) {
	m.onConnect = hook
}

// SetObserver installs the activity observer.
func (m *Manager) SetObserver(observer Observer) {
	m.observer = observer
}

func (m *Manager) directivesURL() string {
	return m.cfg.Endpoint + "/" + m.cfg.APIVersion + "/directives"
}

func (m *Manager) eventsURL() string {
	return m.cfg.Endpoint + "/" + m.cfg.APIVersion + "/events"
}

func (m *Manager) pingURL() string {
	return m.cfg.Endpoint + "/ping"
}

// Run keeps the downchannel open until the context ends or authentication
// fails beyond recovery. Transport failures reconnect with capped
// exponential backoff; a connection that was established resets the backoff.
func (m *Manager) Run(ctx context.Context) error {
	backoff := m.cfg.BackoffBase
	for {
		connected, err := m.runDownchannel(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, auth.ErrAuthFailed) {
			m.logger.Error("session unrecoverable without new credentials", zap.Error(err))
			return err
		}
		if connected {
			backoff = m.cfg.BackoffBase
		}
		delay := backoff + time.Duration(rand.Int63n(int64(backoff)/2+1))
		m.logger.Warn("downchannel lost, reconnecting",
			zap.Error(err),
			zap.Duration("delay", delay),
		)
		m.publish("disconnected", map[string]any{"error": fmt.Sprint(err)})
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		if backoff *= 2; backoff > m.cfg.BackoffMax {
			backoff = m.cfg.BackoffMax
		}
	}
}

// runDownchannel opens the directives stream and decodes it until it
// breaks. The stream is one endless multipart message, so end of stream is
// always a transport failure. Returns whether the channel was established.
func (m *Manager) runDownchannel(ctx context.Context) (bool, error) {
	token, err := m.tokens.Valid(ctx)
	if err != nil {
		return false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.directivesURL(), nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)

	resp, err := m.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("open downchannel: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		io.Copy(io.Discard, resp.Body)
		m.logger.Warn("downchannel rejected, refreshing token", zap.Int("status", resp.StatusCode))
		if _, err := m.tokens.Refresh(ctx); err != nil {
			return false, err
		}
		return false, fmt.Errorf("downchannel rejected with status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return false, fmt.Errorf("downchannel returned status %d", resp.StatusCode)
	}

	boundary, err := messageBoundary(resp.Header.Get("Content-Type"))
	if err != nil {
		return true, err
	}

	m.logger.Info("downchannel established")
	m.publish("connected", nil)
	if m.onConnect != nil {
		go m.onConnect(ctx)
	}

	decoder := multipart.NewDecoder(resp.Body, boundary)
	msg := m.dispatcher.NewMessage()
	defer msg.Close(ctx)
	for {
		part, err := decoder.Next()
		if err != nil {
			var partErr *multipart.PartError
			if errors.As(err, &partErr) {
				m.logger.Warn("skipping malformed downchannel part", zap.Error(partErr))
				continue
			}
			if errors.Is(err, io.EOF) {
				return true, errors.New("downchannel closed by service")
			}
			return true, err
		}
		m.publish("directive_part", map[string]any{"content_type": part.ContentType()})
		msg.AddPart(ctx, part)
	}
}

// SendEvent uploads one event as a streaming multipart request and feeds
// the synchronous response through the dispatcher. A rejected token is
// refreshed and the upload retried once, unless the event carries a live
// audio stream that cannot be replayed.
func (m *Manager) SendEvent(ctx context.Context, event *protocol.Event) error {
	if event.Context == nil && m.contextProvider != nil {
		event.Context = m.contextProvider()
	}
	if event.Audio != nil {
		defer event.Audio.Close()
	}

	retried := false
	for {
		err := m.postEvent(ctx, event)
		if err == nil {
			return nil
		}
		var statusErr *statusError
		if errors.As(err, &statusErr) && statusErr.authRejected() && !retried && event.Audio == nil {
			retried = true
			m.logger.Warn("event rejected, refreshing token", zap.Int("status", statusErr.status))
			if _, refreshErr := m.tokens.Refresh(ctx); refreshErr != nil {
				return refreshErr
			}
			continue
		}
		return err
	}
}

type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("event rejected with status %d: %s", e.status, e.body)
}

func (e *statusError) authRejected() bool {
	return e.status == http.StatusUnauthorized || e.status == http.StatusForbidden
}

func (m *Manager) postEvent(ctx context.Context, event *protocol.Event) error {
	token, err := m.tokens.Valid(ctx)
	if err != nil {
		return err
	}
	metadata, err := event.Marshal()
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		err := mw.WritePart(multipart.JSONPartHeader("metadata"), metadata)
		if err == nil && event.Audio != nil {
			err = mw.WriteStream(multipart.AudioPartHeader("audio"), event.Audio)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.eventsURL(), pr)
	if err != nil {
		pr.Close()
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	req.Header.Set("Content-Type", mw.ContentType())

	m.logger.Debug("sending event",
		zap.String("key", event.Header.Key()),
		zap.String("message_id", event.Header.MessageID),
		zap.Bool("has_audio", event.Audio != nil),
	)
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("send event %s: %w", event.Header.Key(), err)
	}
	defer resp.Body.Close()

	m.publish("event_sent", map[string]any{
		"key":    event.Header.Key(),
		"status": resp.StatusCode,
	})

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return nil
	case resp.StatusCode == http.StatusOK:
		return m.consumeResponse(ctx, resp)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &statusError{status: resp.StatusCode, body: string(body)}
	}
}

// consumeResponse decodes the directives returned synchronously for an
// event. Unlike the downchannel, this message has a closing boundary.
func (m *Manager) consumeResponse(ctx context.Context, resp *http.Response) error {
	boundary, err := messageBoundary(resp.Header.Get("Content-Type"))
	if err != nil {
		return err
	}
	decoder := multipart.NewDecoder(resp.Body, boundary)
	msg := m.dispatcher.NewMessage()
	defer msg.Close(ctx)
	for {
		part, err := decoder.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			var partErr *multipart.PartError
			if errors.As(err, &partErr) {
				m.logger.Warn("skipping malformed response part", zap.Error(partErr))
				continue
			}
			return fmt.Errorf("decode event response: %w", err)
		}
		msg.AddPart(ctx, part)
	}
}

// RunPing issues a keepalive request on the shared connection at the
// configured interval until the context ends.
func (m *Manager) RunPing(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.ping(ctx); err != nil {
				m.logger.Warn("ping failed", zap.Error(err))
			}
		}
	}
}

func (m *Manager) ping(ctx context.Context) error {
	token, err := m.tokens.Valid(ctx)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.pingURL(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ping returned status %d", resp.StatusCode)
	}
	return nil
}

func (m *Manager) publish(kind string, payload any) {
	if m.observer != nil {
		m.observer.Publish(kind, payload)
	}
}

func messageBoundary(contentType string) (string, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", fmt.Errorf("parse response content type: %w", err)
	}
	boundary, ok := params["boundary"]
	if !ok || boundary == "" {
		return "", fmt.Errorf("response content type %q carries no boundary", mediaType)
	}
	return boundary, nil
}
