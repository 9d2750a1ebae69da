package fsm

import (
	"fmt"
	"strings"
	"sync"
)

// State describes the high-level dialog state of the device session.
type State string

const (
	StateIdle      State = "idle"
	StateListening State = "listening"
	StateThinking  State = "thinking"
	StateSpeaking  State = "speaking"
	StateAlerting  State = "alerting"
)

// Mode affects the transition policy after the device finishes speaking.
type Mode string

const (
	ModePushToTalk Mode = "push_to_talk"
	ModeHandsFree  Mode = "hands_free"
)

// Machine is a lightweight deterministic dialog state machine.
type Machine struct {
	mu       sync.RWMutex
	state    State
	mode     Mode
	onChange func(State)
}

// New creates a state machine with default idle/push-to-talk values.
func New() *Machine {
	return &Machine{
		state: StateIdle,
		mode:  ModePushToTalk,
	}
}

// SetOnChange installs a callback invoked after every transition. Must be
// set before the machine is shared.
func (m *Machine) SetOnChange(onChange func(State)) {
	m.onChange = onChange
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Mode returns the current interaction mode.
func (m *Machine) Mode() Mode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mode
}

// SetMode updates the interaction mode.
func (m *Machine) SetMode(mode string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch strings.TrimSpace(strings.ToLower(mode)) {
	case string(ModeHandsFree):
		m.mode = ModeHandsFree
	default:
		m.mode = ModePushToTalk
	}
}

// OnListenStart marks the microphone open.
func (m *Machine) OnListenStart() {
	m.transition(StateListening)
}

// OnListenStop marks the utterance uploaded and the response pending.
func (m *Machine) OnListenStop() {
	m.transition(StateThinking)
}

// OnSpeechStart marks response speech playing.
func (m *Machine) OnSpeechStart() {
	m.transition(StateSpeaking)
}

// OnSpeechStop exits the speaking state according to mode policy.
func (m *Machine) OnSpeechStop() {
	m.mu.Lock()
	switch m.mode {
	case ModeHandsFree:
		m.state = StateListening
	default:
		m.state = StateIdle
	}
	state := m.state
	onChange := m.onChange
	m.mu.Unlock()
	if onChange != nil {
		onChange(state)
	}
}

// OnAlertStart marks an alert ringing.
func (m *Machine) OnAlertStart() {
	m.transition(StateAlerting)
}

// OnAlertStop returns to idle after the alert is silenced.
func (m *Machine) OnAlertStop() {
	m.transition(StateIdle)
}

// Force sets state unconditionally.
func (m *Machine) Force(state State) error {
	switch state {
	case StateIdle, StateListening, StateThinking, StateSpeaking, StateAlerting:
		m.transition(state)
		return nil
	default:
		return fmt.Errorf("invalid state: %s", state)
	}
}

func (m *Machine) transition(state State) {
	m.mu.Lock()
	m.state = state
	onChange := m.onChange
	m.mu.Unlock()
	if onChange != nil {
		onChange(state)
	}
}
