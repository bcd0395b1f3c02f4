// Package relay fans session events out to every connected real-time client.
// It keeps no subscriber state and offers no delivery guarantee.
package relay

import (
	"time"

	"go.uber.org/zap"
)

// Kind classifies a relay event.
type Kind string

const (
	KindNewMessage Kind = "new-message"
	KindStatus     Kind = "status-message"
	KindError      Kind = "error-message"
)

// Wire event names understood by the chat client.
const (
	EventNewMessage = "newMessage"
	EventMessage    = "message"
)

// EventName maps a kind to the name broadcast on the wire. Status and error
// notices share one channel and differ by Notice.IsError.
func (k Kind) EventName() string {
	if k == KindNewMessage {
		return EventNewMessage
	}
	return EventMessage
}

// Status notices sent when the listener changes state.
const (
	NoticeStarted = "Listening started"
	NoticeStopped = "Listening stopped"
)

// Event is one broadcast.
type Event struct {
	Kind      Kind
	Payload   interface{}
	EmittedAt time.Time
}

// Message is the new-message payload.
type Message struct {
	ID         string    `json:"id"`
	Username   string    `json:"username"`
	Text       string    `json:"text"`
	Timestamp  time.Time `json:"timestamp"`
	OriginTime string    `json:"originTime,omitempty"`
	IsUnread   bool      `json:"isUnread"`
}

// Notice is the payload of status and error events.
type Notice struct {
	Username  string    `json:"username"`
	Message   string    `json:"message"`
	IsError   bool      `json:"isError"`
	Timestamp time.Time `json:"timestamp"`
}

// Broadcaster is the transport primitive: deliver payload under event to
// every connected client.
type Broadcaster interface {
	Broadcast(event string, payload interface{}) error
}

// clientCounter is implemented by transports that know their audience.
type clientCounter interface {
	ClientCount() int
}

// Relay publishes events through a Broadcaster.
type Relay struct {
	transport Broadcaster
	logger    *zap.Logger
	now       func() time.Time
}

// New returns a relay over transport.
func New(transport Broadcaster, logger *zap.Logger) *Relay {
	return &Relay{
		transport: transport,
		logger:    logger.Named("relay"),
		now:       time.Now,
	}
}

// Publish broadcasts ev. It never fails; transport errors are logged.
func (r *Relay) Publish(ev Event) {
	if ev.EmittedAt.IsZero() {
		ev.EmittedAt = r.now()
	}
	if n, ok := ev.Payload.(Notice); ok && n.Timestamp.IsZero() {
		n.Timestamp = ev.EmittedAt
		ev.Payload = n
	}

	name := ev.Kind.EventName()
	if c, ok := r.transport.(clientCounter); ok && c.ClientCount() == 0 {
		r.logger.Debug("No clients connected; event not observed.",
			zap.String("kind", string(ev.Kind)),
			zap.String("event", name))
	}

	if err := r.transport.Broadcast(name, ev.Payload); err != nil {
		r.logger.Warn("Broadcast failed.",
			zap.String("kind", string(ev.Kind)),
			zap.String("event", name),
			zap.Error(err))
	}
}

// Notify publishes a status notice, or an error notice when isError is set.
func (r *Relay) Notify(username, text string, isError bool) {
	kind := KindStatus
	if isError {
		kind = KindError
	}
	r.Publish(Event{
		Kind:    kind,
		Payload: Notice{Username: username, Message: text, IsError: isError},
	})
}
