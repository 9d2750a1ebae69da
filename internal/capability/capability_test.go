package capability

import (
	"testing"

	"github.com/embervoice/avs-client/internal/protocol"
)

type staticSource struct {
	state protocol.CapabilityState
}

func (s *staticSource) ContextState() protocol.CapabilityState {
	return s.state
}

func TestSnapshotPreservesRegistrationOrder(t *testing.T) {
	b := NewContextBuilder()
	b.Register(&staticSource{state: protocol.CapabilityState{
		Header: protocol.Header{Namespace: "SpeechSynthesizer", Name: "SpeechState"},
	}})
	b.Register(&staticSource{state: protocol.CapabilityState{
		Header: protocol.Header{Namespace: "AudioPlayer", Name: "PlaybackState"},
	}})

	states := b.Snapshot()
	if len(states) != 2 {
		t.Fatalf("states=%v, want 2", len(states))
	}
	if states[0].Header.Namespace != "SpeechSynthesizer" || states[1].Header.Namespace != "AudioPlayer" {
		t.Fatalf("order=%v,%v, want registration order", states[0].Header.Namespace, states[1].Header.Namespace)
	}
}

func TestSnapshotEmptyBuilder(t *testing.T) {
	states := NewContextBuilder().Snapshot()
	if len(states) != 0 {
		t.Fatalf("states=%v, want empty", states)
	}
}

func TestSpeakerClampsVolume(t *testing.T) {
	s := NewSpeaker(150)
	state := s.ContextState().Payload.(volumeState)
	if state.Volume != 100 {
		t.Fatalf("volume=%v, want clamped to 100", state.Volume)
	}

	s.SetVolume(-5)
	state = s.ContextState().Payload.(volumeState)
	if state.Volume != 0 {
		t.Fatalf("volume=%v, want clamped to 0", state.Volume)
	}
}

func TestSpeakerStateKey(t *testing.T) {
	s := NewSpeaker(40)
	s.SetMuted(true)
	state := s.ContextState()
	if state.Header.Key() != "Speaker.VolumeState" {
		t.Fatalf("key=%v, want Speaker.VolumeState", state.Header.Key())
	}
	if !state.Payload.(volumeState).Muted {
		t.Fatalf("muted=false, want true")
	}
}

func TestStateErrorMessage(t *testing.T) {
	err := &StateError{Capability: "SpeechRecognizer", State: "LISTENING", Op: "recognize"}
	want := "SpeechRecognizer: cannot recognize while LISTENING"
	if err.Error() != want {
		t.Fatalf("error=%q, want %q", err.Error(), want)
	}
}
