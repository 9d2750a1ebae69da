package capability

import (
	"sync"

	"github.com/embervoice/avs-client/internal/protocol"
)

// Speaker tracks the device volume state reported in event context.
type Speaker struct {
	mu     sync.Mutex
	volume int
	muted  bool
}

// NewSpeaker executes the newSpeaker function.
func NewSpeaker(volume int) *Speaker {
	if volume < 0 {
		volume = 0
	}
	if volume > 100 {
		volume = 100
	}
	return &Speaker{volume: volume}
}

// SetVolume executes the setVolume method.
func (s *Speaker) SetVolume(volume int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if volume < 0 {
		volume = 0
	}
	if volume > 100 {
		volume = 100
	}
	s.volume = volume
}

// Adjust shifts the volume by delta and returns the clamped result.
func (s *Speaker) Adjust(delta int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	volume := s.volume + delta
	if volume < 0 {
		volume = 0
	}
	if volume > 100 {
		volume = 100
	}
	s.volume = volume
	return volume
}

// Get returns the current volume and mute flag.
func (s *Speaker) Get() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.volume, s.muted
}

// SetMuted executes the setMuted method.
func (s *Speaker) SetMuted(muted bool) {
	s.mu.Lock()
	s.muted = muted
	s.mu.Unlock()
}

type volumeState struct {
	Volume int  `json:"volume"`
	Muted  bool `json:"muted"`
}

// ContextState executes the contextState method.
func (s *Speaker) ContextState() protocol.CapabilityState {
	s.mu.Lock()
	state := volumeState{Volume: s.volume, Muted: s.muted}
	s.mu.Unlock()
	return protocol.CapabilityState{
		Header:  protocol.Header{Namespace: "Speaker", Name: "VolumeState"},
		Payload: state,
	}
}
