package channel

import (
	"errors"
	"time"
)

// Broadcast addresses every participant currently joined, except the sender.
const Broadcast = "*"

var (
	// ErrReceiveTimeout reports that no message arrived before the deadline.
	// It is recoverable; callers decide whether to wait again.
	ErrReceiveTimeout = errors.New("channel: receive timed out")
	// ErrClosed is returned once the bus is closed and the mailbox is drained.
	ErrClosed = errors.New("channel: bus closed")
	// ErrUnknownParticipant is returned when receiving for an ID that never joined.
	ErrUnknownParticipant = errors.New("channel: unknown participant")
	// ErrBacklogFull is returned when a recipient that has not joined yet has
	// too many pending messages.
	ErrBacklogFull = errors.New("channel: backlog full")
)

// Message is an immutable envelope exchanged between participants.
type Message struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Topic     string    `json:"topic"`
	Payload   any       `json:"payload,omitempty"`
	Sequence  uint64    `json:"sequence"`
	SentAt    time.Time `json:"sent_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	Broadcast bool      `json:"broadcast,omitempty"`
}

// Expired reports whether the message outlived its TTL at now.
func (m Message) Expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && now.After(m.ExpiresAt)
}

// Receipt acknowledges that a send was accepted for delivery.
type Receipt struct {
	MessageID  string    `json:"message_id"`
	AcceptedAt time.Time `json:"accepted_at"`
	// Sequences maps each recipient to the per-pair sequence assigned to it.
	Sequences map[string]uint64 `json:"sequences"`
	// Pending lists recipients that have not joined yet and hold the message in backlog.
	Pending []string `json:"pending,omitempty"`
}

// Recipients returns the number of recipients the message was queued for.
func (r Receipt) Recipients() int {
	return len(r.Sequences)
}

// SendOption customizes a single send.
type SendOption func(*sendOptions)

type sendOptions struct {
	ttl time.Duration
}

// WithTTL drops the message if it is still undelivered after ttl.
func WithTTL(ttl time.Duration) SendOption {
	return func(o *sendOptions) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// Stats summarizes bus activity.
type Stats struct {
	Participants int            `json:"participants"`
	Queued       map[string]int `json:"queued"`
	Backlog      int            `json:"backlog"`
	Sent         uint64         `json:"sent"`
	Delivered    uint64         `json:"delivered"`
	Duplicates   uint64         `json:"duplicates"`
	Expired      uint64         `json:"expired"`
	History      int            `json:"history"`
}

// Logger records diagnostics. It matches logging.Logger's Printf.
type Logger interface {
	Printf(format string, args ...any)
}
