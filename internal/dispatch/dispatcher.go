package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/embervoice/avs-client/internal/multipart"
	"github.com/embervoice/avs-client/internal/protocol"
)

// HandlerFunc processes one directive. The attachment is the resolved
// sibling part when the route declares an attachment reference, nil
// otherwise.
type HandlerFunc func(ctx context.Context, directive *protocol.Directive, attachment *multipart.Part) error

// Route binds a directive key to its handler. AttachmentRef, when set,
// extracts the content id a directive payload references so the dispatcher
// can resolve the sibling binary part before invoking the handler.
type Route struct {
	Handle        HandlerFunc
	AttachmentRef func(payload json.RawMessage) (string, bool)
}

// EventSender reports dispatch failures back to the service.
type EventSender interface {
	SendEvent(ctx context.Context, event *protocol.Event) error
}

// DirectiveError reports a directive that could not be dispatched. It is
// surfaced as a System.ExceptionEncountered event, never as a crash.
type DirectiveError struct {
	Key string
	Err error
}

// Error executes the error method.
func (e *DirectiveError) Error() string {
	return fmt.Sprintf("dispatch %s: %v", e.Key, e.Err)
}

// Unwrap executes the unwrap method.
func (e *DirectiveError) Unwrap() error {
	return e.Err
}

// Dispatcher routes decoded directives to capability handlers by their
// namespace and name. The routing table is fixed at startup; an unmatched
// key is a normal outcome that drops the directive with a log line.
type Dispatcher struct {
	logger *zap.Logger
	sender EventSender
	routes map[string]Route
}

// New executes the new function.
func New(sender EventSender, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		logger: logger,
		sender: sender,
		routes: make(map[string]Route),
	}
}

// Register binds a handler for the given namespace and name. Must be called
// before dispatching begins.
func (d *Dispatcher) Register(namespace string, name string, route Route) {
	d.routes[namespace+"."+name] = route
}

// maxPendingAttachments caps the unclaimed binary parts one message retains.
// The downchannel decodes as a single endless message, so parts the service
// never references back must not accumulate for the life of the connection.
const maxPendingAttachments = 16

// Message tracks one decoded multipart message so directives can be matched
// with attachment parts from the same message. A retained attachment is
// released as soon as a directive consumes it.
type Message struct {
	d           *Dispatcher
	attachments map[string]*multipart.Part
	order       []string
	waiting     []waitingDirective
}

type waitingDirective struct {
	directive *protocol.Directive
	route     Route
	contentID string
}

// NewMessage starts dispatch of one multipart message.
func (d *Dispatcher) NewMessage() *Message {
	return &Message{
		d:           d,
		attachments: make(map[string]*multipart.Part),
	}
}

// AddPart feeds the next decoded part of the message. Directive parts are
// dispatched as soon as their attachment (if any) is available; binary
// parts are retained for cross-reference by content id.
func (m *Message) AddPart(ctx context.Context, part *multipart.Part) {
	if part.IsJSON() && protocol.IsDirective(part.Body) {
		m.addDirective(ctx, part.Body)
		return
	}

	id := part.ContentID()
	if id == "" {
		m.d.logger.Debug("ignoring part without content id",
			zap.String("content_type", part.ContentType()),
			zap.Int("size", len(part.Body)),
		)
		return
	}

	consumed := false
	remaining := m.waiting[:0]
	for _, w := range m.waiting {
		if w.contentID == id {
			m.d.invoke(ctx, w.directive, w.route, part)
			consumed = true
			continue
		}
		remaining = append(remaining, w)
	}
	m.waiting = remaining
	if consumed {
		return
	}

	m.attachments[id] = part
	m.order = append(m.order, id)
	for len(m.attachments) > maxPendingAttachments {
		oldest := m.order[0]
		m.order = m.order[1:]
		if _, present := m.attachments[oldest]; present {
			delete(m.attachments, oldest)
			m.d.logger.Warn("evicting unclaimed attachment", zap.String("content_id", oldest))
		}
	}
}

// release drops a retained attachment once a directive has consumed it.
func (m *Message) release(id string) {
	delete(m.attachments, id)
	for i, existing := range m.order {
		if existing == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// Close finishes the message. Directives still waiting for an attachment
// are reported as directive errors.
func (m *Message) Close(ctx context.Context) {
	for _, w := range m.waiting {
		m.d.reportDirectiveError(ctx, &DirectiveError{
			Key: w.directive.Header.Key(),
			Err: fmt.Errorf("referenced attachment %q not present in message", w.contentID),
		})
	}
	m.waiting = nil
}

func (m *Message) addDirective(ctx context.Context, body []byte) {
	directive, err := protocol.ParseDirective(body)
	if err != nil {
		m.d.logger.Warn("dropping unparseable directive part", zap.Error(err))
		return
	}

	key := directive.Header.Key()
	route, ok := m.d.routes[key]
	if !ok {
		m.d.logger.Warn("no handler for directive",
			zap.String("key", key),
			zap.String("message_id", directive.Header.MessageID),
		)
		return
	}

	if route.AttachmentRef != nil {
		if contentID, referenced := route.AttachmentRef(directive.Payload); referenced {
			if part, present := m.attachments[contentID]; present {
				m.release(contentID)
				m.d.invoke(ctx, directive, route, part)
				return
			}
			m.waiting = append(m.waiting, waitingDirective{
				directive: directive,
				route:     route,
				contentID: contentID,
			})
			return
		}
	}
	m.d.invoke(ctx, directive, route, nil)
}

func (d *Dispatcher) invoke(ctx context.Context, directive *protocol.Directive, route Route, attachment *multipart.Part) {
	key := directive.Header.Key()
	d.logger.Debug("dispatching directive",
		zap.String("key", key),
		zap.String("message_id", directive.Header.MessageID),
		zap.String("dialog_request_id", directive.Header.DialogRequestID),
		zap.Bool("has_attachment", attachment != nil),
	)
	if err := route.Handle(ctx, directive, attachment); err != nil {
		d.reportDirectiveError(ctx, &DirectiveError{Key: key, Err: err})
	}
}

// reportDirectiveError logs the failure and notifies the service. The
// dispatch loop always continues.
func (d *Dispatcher) reportDirectiveError(ctx context.Context, derr *DirectiveError) {
	d.logger.Warn("directive failed", zap.String("key", derr.Key), zap.Error(derr.Err))
	if d.sender == nil {
		return
	}
	event := protocol.NewExceptionEncountered(derr.Key, protocol.ErrorTypeInternalError, derr.Err.Error())
	if err := d.sender.SendEvent(ctx, event); err != nil {
		d.logger.Warn("failed to report exception", zap.Error(err))
	}
}
