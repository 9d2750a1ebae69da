package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrAuthFailed marks credential refresh exhaustion. The session cannot
// recover until fresh credentials are supplied out of band.
var ErrAuthFailed = errors.New("auth: token refresh failed")

// State describes the manager's refresh lifecycle.
type State string

const (
	StateValid      State = "valid"
	StateRefreshing State = "refreshing"
	StateFailed     State = "failed"
)

// Token holds the OAuth2 credential pair together with its expiry instant.
type Token struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// PersistFunc receives the credential pair after every successful refresh.
type PersistFunc func(Token) error

// Config represents a config.
type Config struct {
	Endpoint      string        `mapstructure:"endpoint"`
	ClientID      string        `mapstructure:"client_id"`
	ClientSecret  string        `mapstructure:"client_secret"`
	RefreshBuffer time.Duration `mapstructure:"refresh_buffer"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	RetryBase     time.Duration `mapstructure:"retry_base"`
}

// Manager owns the OAuth2 token and serializes refreshes: at most one
// exchange is in flight, and every concurrent caller observes its outcome.
type Manager struct {
	cfg     Config
	client  *http.Client
	logger  *zap.Logger
	persist PersistFunc

	mu        sync.Mutex
	token     Token
	failed    bool
	refreshCh chan struct{} // non-nil while a refresh is in flight
}

// NewManager executes the newManager function.
func NewManager(cfg Config, initial Token, persist PersistFunc, client *http.Client, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.RefreshBuffer <= 0 {
		cfg.RefreshBuffer = 60 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	return &Manager{
		cfg:     cfg,
		client:  client,
		logger:  logger,
		persist: persist,
		token:   initial,
	}
}

// State returns the current refresh lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.failed:
		return StateFailed
	case m.refreshCh != nil:
		return StateRefreshing
	default:
		return StateValid
	}
}

// Valid returns a token that is safe to use, refreshing first when the
// current one is within the refresh buffer of expiry.
func (m *Manager) Valid(ctx context.Context) (Token, error) {
	for {
		m.mu.Lock()
		if m.failed {
			m.mu.Unlock()
			return Token{}, ErrAuthFailed
		}
		if m.token.AccessToken != "" && time.Until(m.token.ExpiresAt) > m.cfg.RefreshBuffer {
			token := m.token
			m.mu.Unlock()
			return token, nil
		}
		if m.refreshCh != nil {
			wait := m.refreshCh
			m.mu.Unlock()
			select {
			case <-wait:
			case <-ctx.Done():
				return Token{}, ctx.Err()
			}
			continue
		}
		m.refreshCh = make(chan struct{})
		m.mu.Unlock()
		return m.doRefresh(ctx)
	}
}

// Refresh forces a credential exchange. Callers arriving while one is in
// flight wait for that exchange's result instead of starting another.
func (m *Manager) Refresh(ctx context.Context) (Token, error) {
	for {
		m.mu.Lock()
		if m.failed {
			m.mu.Unlock()
			return Token{}, ErrAuthFailed
		}
		if m.refreshCh != nil {
			wait := m.refreshCh
			m.mu.Unlock()
			select {
			case <-wait:
			case <-ctx.Done():
				return Token{}, ctx.Err()
			}
			m.mu.Lock()
			failed := m.failed
			token := m.token
			m.mu.Unlock()
			if failed {
				return Token{}, ErrAuthFailed
			}
			return token, nil
		}
		m.refreshCh = make(chan struct{})
		m.mu.Unlock()
		return m.doRefresh(ctx)
	}
}

// SetCredentials supplies fresh credentials out of band, clearing a failed
// state.
func (m *Manager) SetCredentials(token Token) {
	m.mu.Lock()
	m.token = token
	m.failed = false
	m.mu.Unlock()
}

func (m *Manager) doRefresh(ctx context.Context) (Token, error) {
	refreshed, err := m.exchange(ctx)

	m.mu.Lock()
	if err != nil {
		m.failed = true
	} else {
		m.token = refreshed
	}
	close(m.refreshCh)
	m.refreshCh = nil
	token := m.token
	m.mu.Unlock()

	if err != nil {
		m.logger.Error("token refresh exhausted", zap.Error(err))
		return Token{}, err
	}

	m.logger.Info("token refreshed", zap.Time("expires_at", token.ExpiresAt))
	if m.persist != nil {
		if perr := m.persist(token); perr != nil {
			// The in-memory token stays authoritative.
			m.logger.Warn("token persistence failed", zap.Error(perr))
		}
	}
	return token, nil
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// exchange performs the refresh grant with bounded retries on transport
// failure. A rejected grant is not retried.
func (m *Manager) exchange(ctx context.Context) (Token, error) {
	m.mu.Lock()
	refreshToken := m.token.RefreshToken
	m.mu.Unlock()

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {m.cfg.ClientID},
		"client_secret": {m.cfg.ClientSecret},
	}

	delay := m.cfg.RetryBase
	var lastErr error
	for attempt := 1; attempt <= m.cfg.MaxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.Endpoint, strings.NewReader(form.Encode()))
		if err != nil {
			return Token{}, fmt.Errorf("%w: %v", ErrAuthFailed, err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := m.client.Do(req)
		if err != nil {
			lastErr = err
			m.logger.Warn("token exchange transport failure",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", m.cfg.MaxAttempts),
				zap.Error(err),
			)
			if attempt == m.cfg.MaxAttempts {
				break
			}
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return Token{}, fmt.Errorf("%w: %v", ErrAuthFailed, ctx.Err())
			}
			delay *= 2
			continue
		}

		body, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return Token{}, fmt.Errorf("%w: auth endpoint returned %d: %s", ErrAuthFailed, resp.StatusCode, strings.TrimSpace(string(body)))
		}

		var payload tokenResponse
		if err := json.Unmarshal(body, &payload); err != nil {
			return Token{}, fmt.Errorf("%w: decode token response: %v", ErrAuthFailed, err)
		}
		expiresIn := payload.ExpiresIn
		if expiresIn <= 0 {
			expiresIn = 3600
		}
		next := Token{
			AccessToken:  payload.AccessToken,
			RefreshToken: payload.RefreshToken,
			ExpiresAt:    time.Now().Add(time.Duration(expiresIn) * time.Second),
		}
		if next.RefreshToken == "" {
			next.RefreshToken = refreshToken
		}
		return next, nil
	}
	return Token{}, fmt.Errorf("%w: %d attempts: %v", ErrAuthFailed, m.cfg.MaxAttempts, lastErr)
}
