package fsm

import "testing"

func TestDialogTurnTransitions(t *testing.T) {
	m := New()
	if m.State() != StateIdle {
		t.Fatalf("state=%v, want %v", m.State(), StateIdle)
	}

	m.OnListenStart()
	if m.State() != StateListening {
		t.Fatalf("state=%v, want %v", m.State(), StateListening)
	}
	m.OnListenStop()
	if m.State() != StateThinking {
		t.Fatalf("state=%v, want %v", m.State(), StateThinking)
	}
	m.OnSpeechStart()
	if m.State() != StateSpeaking {
		t.Fatalf("state=%v, want %v", m.State(), StateSpeaking)
	}
	m.OnSpeechStop()
	if m.State() != StateIdle {
		t.Fatalf("state=%v, want %v after speaking in push-to-talk", m.State(), StateIdle)
	}
}

func TestHandsFreeReturnsToListening(t *testing.T) {
	m := New()
	m.SetMode("hands_free")
	m.OnSpeechStart()
	m.OnSpeechStop()
	if m.State() != StateListening {
		t.Fatalf("state=%v, want %v in hands-free mode", m.State(), StateListening)
	}
}

func TestSetModeNormalizesInput(t *testing.T) {
	m := New()
	m.SetMode(" Hands_Free ")
	if m.Mode() != ModeHandsFree {
		t.Fatalf("mode=%v, want %v", m.Mode(), ModeHandsFree)
	}
	m.SetMode("bogus")
	if m.Mode() != ModePushToTalk {
		t.Fatalf("mode=%v, want fallback %v", m.Mode(), ModePushToTalk)
	}
}

func TestAlertTransitions(t *testing.T) {
	m := New()
	m.OnAlertStart()
	if m.State() != StateAlerting {
		t.Fatalf("state=%v, want %v", m.State(), StateAlerting)
	}
	m.OnAlertStop()
	if m.State() != StateIdle {
		t.Fatalf("state=%v, want %v", m.State(), StateIdle)
	}
}

func TestForceRejectsUnknownState(t *testing.T) {
	m := New()
	if err := m.Force(State("bogus")); err == nil {
		t.Fatal("expected error for unknown state")
	}
	if err := m.Force(StateThinking); err != nil {
		t.Fatalf("force: %v", err)
	}
	if m.State() != StateThinking {
		t.Fatalf("state=%v, want %v", m.State(), StateThinking)
	}
}

func TestOnChangeCallback(t *testing.T) {
	m := New()
	var seen []State
	m.SetOnChange(func(s State) { seen = append(seen, s) })

	m.OnListenStart()
	m.OnListenStop()
	m.OnSpeechStart()
	m.OnSpeechStop()

	want := []State{StateListening, StateThinking, StateSpeaking, StateIdle}
	if len(seen) != len(want) {
		t.Fatalf("transitions=%v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("transitions=%v, want %v", seen, want)
		}
	}
}
