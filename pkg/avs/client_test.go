package avs

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime"
	mp "mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/embervoice/avs-client/internal/auth"
	"github.com/embervoice/avs-client/internal/config"
	"github.com/embervoice/avs-client/internal/connection"
	"github.com/embervoice/avs-client/internal/device"
	"github.com/embervoice/avs-client/internal/protocol"
)

type fakeHandle struct{}

type fakePlayer struct {
	mu     sync.Mutex
	played [][]byte
}

func (p *fakePlayer) Exists() bool { return true }

func (p *fakePlayer) PlayOnce(file string) (device.Handle, error) {
	content, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.played = append(p.played, content)
	p.mu.Unlock()
	return &fakeHandle{}, nil
}

func (p *fakePlayer) PlayInfinite(file string) (device.Handle, error) {
	return p.PlayOnce(file)
}

func (p *fakePlayer) Stop(device.Handle) error   { return nil }
func (p *fakePlayer) Pause(device.Handle) error  { return nil }
func (p *fakePlayer) Resume(device.Handle) error { return nil }
func (p *fakePlayer) Ended(device.Handle) bool   { return true }

type eventRecord struct {
	header  protocol.Header
	context []json.RawMessage
	audio   []byte
}

type fakeService struct {
	t  *testing.T
	mu sync.Mutex

	events   []eventRecord
	respond  map[string]string // "Namespace.Name" -> multipart response body
	boundary string
}

func newFakeService(t *testing.T) *fakeService {
	return &fakeService{t: t, respond: make(map[string]string), boundary: "svc-boundary"}
}

func (s *fakeService) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"access_token":"tok","refresh_token":"refresh","expires_in":3600}`)
	})
	mux.HandleFunc("/v20160207/events", func(w http.ResponseWriter, r *http.Request) {
		_, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if err != nil {
			s.t.Errorf("parse event content type: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		reader := mp.NewReader(r.Body, params["boundary"])
		part, err := reader.NextPart()
		if err != nil {
			s.t.Errorf("read metadata part: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var envelope struct {
			Context []json.RawMessage `json:"context"`
			Event   struct {
				Header protocol.Header `json:"header"`
			} `json:"event"`
		}
		if err := json.NewDecoder(part).Decode(&envelope); err != nil {
			s.t.Errorf("decode event metadata: %v", err)
		}
		record := eventRecord{header: envelope.Event.Header, context: envelope.Context}
		for {
			next, err := reader.NextPart()
			if err != nil {
				break
			}
			body, _ := io.ReadAll(next)
			record.audio = body
		}
		s.mu.Lock()
		s.events = append(s.events, record)
		s.mu.Unlock()

		if body, ok := s.respond[envelope.Event.Header.Key()]; ok {
			w.Header().Set("Content-Type", "multipart/related; boundary="+s.boundary)
			w.WriteHeader(http.StatusOK)
			io.WriteString(w, body)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

func (s *fakeService) recorded() []eventRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]eventRecord(nil), s.events...)
}

func (s *fakeService) waitForEvent(t *testing.T, key string) eventRecord {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		for _, record := range s.recorded() {
			if record.header.Key() == key {
				return record
			}
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %v event", key)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func speakResponse(boundary string) string {
	return "--" + boundary + "\r\n" +
		"Content-Type: application/json; charset=UTF-8\r\n\r\n" +
		`{"directive":{"header":{"namespace":"SpeechSynthesizer","name":"Speak","messageId":"srv-1"},` +
		`"payload":{"url":"cid:speech-1","token":"speak-tok","format":"AUDIO_MPEG"}}}` + "\r\n" +
		"--" + boundary + "\r\n" +
		"Content-Type: application/octet-stream\r\n" +
		"Content-ID: <speech-1>\r\n\r\n" +
		"mp3-bytes\r\n" +
		"--" + boundary + "--\r\n"
}

func testConfig(t *testing.T, endpoint string) config.Config {
	t.Helper()
	dir := t.TempDir()
	catalogPath := filepath.Join(dir, "sounds.yaml")
	catalog := "sounds:\n  ALARM: /sounds/alarm.mp3\n  TIMER: /sounds/timer.mp3\n  default: /sounds/default.mp3\n"
	if err := os.WriteFile(catalogPath, []byte(catalog), 0o644); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	return config.Config{
		Connection: connection.Config{Endpoint: endpoint},
		Auth: config.AuthConfig{
			Config: auth.Config{
				Endpoint:     endpoint + "/token",
				ClientID:     "client-1",
				ClientSecret: "secret-1",
			},
			RefreshToken: "refresh-1",
			TokenFile:    filepath.Join(dir, "tokens.json"),
		},
		Device: config.DeviceConfig{
			Wakeword:     "ALEXA",
			Volume:       60,
			SoundCatalog: catalogPath,
		},
	}
}

type boundedSource struct {
	*bytes.Reader
}

func (s *boundedSource) Close() error { return nil }

func TestNewRequiresRefreshToken(t *testing.T) {
	cfg := testConfig(t, "https://example.invalid")
	cfg.Auth.RefreshToken = ""
	if _, err := New(cfg, &fakePlayer{}, nil); err == nil {
		t.Fatal("expected error without a refresh token")
	}
}

func TestRecognizePlaysSynchronousSpeakResponse(t *testing.T) {
	service := newFakeService(t)
	service.respond["SpeechRecognizer.Recognize"] = speakResponse(service.boundary)
	server := httptest.NewServer(service.handler())
	defer server.Close()

	dev := &fakePlayer{}
	client, err := New(testConfig(t, server.URL), dev, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.synthesizer.Run(ctx)

	source := &boundedSource{Reader: bytes.NewReader([]byte("pcm-frames"))}
	if err := client.Recognize(context.Background(), source); err != nil {
		t.Fatalf("recognize: %v", err)
	}

	recognize := service.waitForEvent(t, "SpeechRecognizer.Recognize")
	if string(recognize.audio) != "pcm-frames" {
		t.Fatalf("uploaded audio=%q, want %q", recognize.audio, "pcm-frames")
	}
	if recognize.header.DialogRequestID == "" {
		t.Fatalf("recognize event missing dialogRequestId")
	}

	service.waitForEvent(t, "SpeechSynthesizer.SpeechStarted")
	service.waitForEvent(t, "SpeechSynthesizer.SpeechFinished")

	dev.mu.Lock()
	defer dev.mu.Unlock()
	if len(dev.played) != 1 || string(dev.played[0]) != "mp3-bytes" {
		t.Fatalf("played=%q, want the speak attachment", dev.played)
	}
}

func TestSynchronizeStateCarriesFullContext(t *testing.T) {
	service := newFakeService(t)
	server := httptest.NewServer(service.handler())
	defer server.Close()

	client, err := New(testConfig(t, server.URL), &fakePlayer{}, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if err := client.SynchronizeState(context.Background()); err != nil {
		t.Fatalf("synchronize state: %v", err)
	}

	record := service.waitForEvent(t, "System.SynchronizeState")
	if len(record.context) != 5 {
		t.Fatalf("context states=%v, want 5", len(record.context))
	}

	namespaces := map[string]bool{}
	for _, raw := range record.context {
		var state struct {
			Header protocol.Header `json:"header"`
		}
		if err := json.Unmarshal(raw, &state); err != nil {
			t.Fatalf("decode context state: %v", err)
		}
		namespaces[state.Header.Namespace] = true
	}
	for _, want := range []string{"AudioPlayer", "Alerts", "Speaker", "SpeechSynthesizer", "SpeechRecognizer"} {
		if !namespaces[want] {
			t.Fatalf("context missing %v state", want)
		}
	}
}

func TestVolumeDirectivesUpdateSpeaker(t *testing.T) {
	service := newFakeService(t)
	server := httptest.NewServer(service.handler())
	defer server.Close()

	client, err := New(testConfig(t, server.URL), &fakePlayer{}, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	directive, err := protocol.ParseDirective([]byte(
		`{"directive":{"header":{"namespace":"Speaker","name":"SetVolume","messageId":"m1"},` +
			`"payload":{"volume":25}}}`))
	if err != nil {
		t.Fatalf("parse directive: %v", err)
	}
	if err := client.handleSetVolume(context.Background(), directive, nil); err != nil {
		t.Fatalf("setVolume: %v", err)
	}

	if volume, _ := client.speaker.Get(); volume != 25 {
		t.Fatalf("volume=%v, want 25", volume)
	}
	service.waitForEvent(t, "Speaker.VolumeChanged")
}
