package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
)

// Header identifies a directive or event within its capability namespace.
type Header struct {
	Namespace       string `json:"namespace"`
	Name            string `json:"name"`
	MessageID       string `json:"messageId,omitempty"`
	DialogRequestID string `json:"dialogRequestId,omitempty"`
}

// Key returns the dispatch key in "Namespace.Name" form.
func (h Header) Key() string {
	return h.Namespace + "." + h.Name
}

// Directive represents a directive.
type Directive struct {
	Header  Header
	Payload json.RawMessage
}

type directiveBody struct {
	Header  Header          `json:"header"`
	Payload json.RawMessage `json:"payload"`
}

type directiveEnvelope struct {
	Directive *directiveBody `json:"directive"`
}

// ParseDirective decodes a directive envelope from a JSON metadata part.
func ParseDirective(data []byte) (*Directive, error) {
	var envelope directiveEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("decode directive envelope: %w", err)
	}
	if envelope.Directive == nil {
		return nil, errors.New("missing directive key in payload")
	}
	if envelope.Directive.Header.Namespace == "" || envelope.Directive.Header.Name == "" {
		return nil, errors.New("directive header missing namespace or name")
	}
	return &Directive{
		Header:  envelope.Directive.Header,
		Payload: envelope.Directive.Payload,
	}, nil
}

// IsDirective reports whether a decoded JSON part body carries a directive envelope.
func IsDirective(data []byte) bool {
	var envelope directiveEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return false
	}
	return envelope.Directive != nil
}

// Event represents an event.
type Event struct {
	Header  Header
	Payload any
	Context []CapabilityState

	// Audio, when non-nil, is streamed as a binary part after the JSON
	// metadata part until Read returns io.EOF.
	Audio io.ReadCloser
}

// NewEvent executes the newEvent function.
func NewEvent(namespace string, name string, payload any) *Event {
	return &Event{
		Header: Header{
			Namespace: namespace,
			Name:      name,
			MessageID: uuid.NewString(),
		},
		Payload: payload,
	}
}

// WithDialogRequest assigns a fresh dialogRequestId and returns the event.
func (e *Event) WithDialogRequest() *Event {
	e.Header.DialogRequestID = uuid.NewString()
	return e
}

type eventBody struct {
	Header  Header `json:"header"`
	Payload any    `json:"payload"`
}

type eventEnvelope struct {
	Context []CapabilityState `json:"context,omitempty"`
	Event   eventBody         `json:"event"`
}

// Marshal encodes the event envelope, including any attached context.
func (e *Event) Marshal() ([]byte, error) {
	payload := e.Payload
	if payload == nil {
		payload = struct{}{}
	}
	return json.Marshal(eventEnvelope{
		Context: e.Context,
		Event: eventBody{
			Header:  e.Header,
			Payload: payload,
		},
	})
}

// CapabilityState is one capability's snapshot inside an event context.
type CapabilityState struct {
	Header  Header `json:"header"`
	Payload any    `json:"payload"`
}

// ContentID extracts the content id from a "cid:" URL reference.
func ContentID(url string) (string, bool) {
	const scheme = "cid:"
	if !strings.HasPrefix(url, scheme) {
		return "", false
	}
	id := url[len(scheme):]
	if id == "" {
		return "", false
	}
	return id, true
}
