package channel

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultBacklogLimit = 256
	defaultDedupeWindow = 1024
	defaultHistoryLimit = 1000
)

// Option customizes Bus construction.
type Option func(*Bus)

// Bus delivers messages between named participants. Each participant owns an
// unbounded mailbox, so a send that returns a receipt is never dropped unless
// it carries a TTL that elapses first.
type Bus struct {
	mu           sync.Mutex
	mailboxes    map[string]*mailbox
	backlog      map[string][]Message
	sequences    map[pair]uint64
	history      []Message
	closed       bool
	backlogLimit int
	dedupeWindow int
	historyLimit int
	logger       Logger
	clock        func() time.Time
	newID        func() string

	sent       uint64
	delivered  uint64
	duplicates uint64
	expired    uint64
}

type pair struct {
	from string
	to   string
}

// WithLogger injects a logger for backlog and expiry diagnostics.
func WithLogger(logger Logger) Option {
	return func(b *Bus) {
		b.logger = logger
	}
}

// WithBacklogLimit caps pending messages per recipient that has not joined.
func WithBacklogLimit(limit int) Option {
	return func(b *Bus) {
		if limit > 0 {
			b.backlogLimit = limit
		}
	}
}

// WithDedupeWindow controls how many delivered IDs each mailbox remembers.
func WithDedupeWindow(size int) Option {
	return func(b *Bus) {
		if size > 0 {
			b.dedupeWindow = size
		}
	}
}

// WithHistoryLimit bounds the message history ring.
func WithHistoryLimit(limit int) Option {
	return func(b *Bus) {
		if limit > 0 {
			b.historyLimit = limit
		}
	}
}

// WithClock injects a deterministic clock.
func WithClock(clock func() time.Time) Option {
	return func(b *Bus) {
		if clock != nil {
			b.clock = clock
		}
	}
}

// WithIDGenerator overrides message ID generation.
func WithIDGenerator(gen func() string) Option {
	return func(b *Bus) {
		if gen != nil {
			b.newID = gen
		}
	}
}

// NewBus constructs an empty bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		mailboxes:    map[string]*mailbox{},
		backlog:      map[string][]Message{},
		sequences:    map[pair]uint64{},
		backlogLimit: defaultBacklogLimit,
		dedupeWindow: defaultDedupeWindow,
		historyLimit: defaultHistoryLimit,
		clock:        func() time.Time { return time.Now().UTC() },
		newID:        uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Join registers a participant and hands it any backlog addressed to it.
// Joining twice is a no-op.
func (b *Bus) Join(participant string) error {
	id := normalizeParticipant(participant)
	if id == "" || id == Broadcast {
		return fmt.Errorf("channel: invalid participant id %q", participant)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if _, ok := b.mailboxes[id]; ok {
		return nil
	}
	box := newMailbox(b.dedupeWindow)
	if pending := b.backlog[id]; len(pending) > 0 {
		box.queue = append(box.queue, pending...)
		delete(b.backlog, id)
		box.signal()
	}
	b.mailboxes[id] = box
	return nil
}

// Leave unregisters a participant. Undelivered messages are discarded.
func (b *Bus) Leave(participant string) {
	id := normalizeParticipant(participant)
	b.mu.Lock()
	defer b.mu.Unlock()
	if box, ok := b.mailboxes[id]; ok {
		delete(b.mailboxes, id)
		box.close()
	}
}

// Participants returns joined participant IDs in sorted order.
func (b *Bus) Participants() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.mailboxes))
	for id := range b.mailboxes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Send queues payload for a single recipient, or for every other participant
// when to is Broadcast. Messages from one sender to one recipient are
// delivered in send order.
func (b *Bus) Send(ctx context.Context, from, to, topic string, payload any, opts ...SendOption) (Receipt, error) {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return Receipt{}, err
		}
	}
	sender := normalizeParticipant(from)
	recipient := normalizeParticipant(to)
	topic = strings.TrimSpace(topic)
	if sender == "" {
		return Receipt{}, fmt.Errorf("channel: sender is required")
	}
	if recipient == "" {
		return Receipt{}, fmt.Errorf("channel: recipient is required")
	}
	if topic == "" {
		return Receipt{}, fmt.Errorf("channel: topic is required")
	}
	options := sendOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	now := b.clock()
	msg := Message{
		ID:        b.newID(),
		From:      sender,
		To:        recipient,
		Topic:     topic,
		Payload:   payload,
		SentAt:    now,
		Broadcast: recipient == Broadcast,
	}
	if options.ttl > 0 {
		msg.ExpiresAt = now.Add(options.ttl)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return Receipt{}, ErrClosed
	}
	receipt := Receipt{MessageID: msg.ID, AcceptedAt: now, Sequences: map[string]uint64{}}
	if msg.Broadcast {
		for id, box := range b.mailboxes {
			if id == sender {
				continue
			}
			receipt.Sequences[id] = b.enqueue(box, msg, id)
		}
	} else if box, ok := b.mailboxes[recipient]; ok {
		receipt.Sequences[recipient] = b.enqueue(box, msg, recipient)
	} else {
		queue := b.backlog[recipient]
		if len(queue) >= b.backlogLimit {
			b.logf("channel: backlog full for %s (limit %d), rejecting %s", recipient, b.backlogLimit, topic)
			return Receipt{}, fmt.Errorf("%w: %s", ErrBacklogFull, recipient)
		}
		msg.Sequence = b.nextSequence(sender, recipient)
		b.backlog[recipient] = append(queue, msg)
		receipt.Sequences[recipient] = msg.Sequence
		receipt.Pending = []string{recipient}
	}
	b.sent++
	b.record(msg)
	return receipt, nil
}

// Broadcast is Send addressed to every other joined participant.
func (b *Bus) Broadcast(ctx context.Context, from, topic string, payload any, opts ...SendOption) (Receipt, error) {
	return b.Send(ctx, from, Broadcast, topic, payload, opts...)
}

// Redeliver queues an already-sent message again. Mailboxes drop IDs they have
// delivered before, so redelivery is safe for at-least-once retries.
func (b *Bus) Redeliver(msg Message) error {
	recipient := normalizeParticipant(msg.To)
	if msg.ID == "" || recipient == "" || recipient == Broadcast {
		return fmt.Errorf("channel: redeliver requires a sent point-to-point message")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	box, ok := b.mailboxes[recipient]
	if !ok {
		b.backlog[recipient] = append(b.backlog[recipient], msg)
		return nil
	}
	box.queue = append(box.queue, msg)
	box.signal()
	return nil
}

// Receive blocks until a message for participant arrives, timeout elapses or
// ctx is done. A non-positive timeout polls without blocking.
func (b *Bus) Receive(ctx context.Context, participant string, timeout time.Duration) (Message, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	id := normalizeParticipant(participant)
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	for {
		if err := ctx.Err(); err != nil {
			return Message{}, err
		}
		msg, notify, err := b.take(id)
		if err != nil || msg.ID != "" {
			return msg, err
		}
		if timer == nil {
			return Message{}, ErrReceiveTimeout
		}
		select {
		case <-notify:
		case <-timer:
			return Message{}, ErrReceiveTimeout
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}
}

// take pops the next deliverable message. An empty message with a nil error
// means the caller should wait on notify.
func (b *Bus) take(id string) (Message, <-chan struct{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	box, ok := b.mailboxes[id]
	if !ok {
		if b.closed {
			return Message{}, nil, ErrClosed
		}
		return Message{}, nil, fmt.Errorf("%w: %s", ErrUnknownParticipant, id)
	}
	now := b.clock()
	for len(box.queue) > 0 {
		msg := box.queue[0]
		box.queue = box.queue[1:]
		if box.seenBefore(msg.ID) {
			b.duplicates++
			continue
		}
		if msg.Expired(now) {
			b.expired++
			b.logf("channel: %s expired before delivery to %s", msg.Topic, id)
			continue
		}
		b.delivered++
		return msg, nil, nil
	}
	if b.closed || box.closed {
		return Message{}, nil, ErrClosed
	}
	return Message{}, box.notify, nil
}

// Stats reports delivery counters and queue depths.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	stats := Stats{
		Participants: len(b.mailboxes),
		Queued:       make(map[string]int, len(b.mailboxes)),
		Sent:         b.sent,
		Delivered:    b.delivered,
		Duplicates:   b.duplicates,
		Expired:      b.expired,
		History:      len(b.history),
	}
	for id, box := range b.mailboxes {
		stats.Queued[id] = len(box.queue)
	}
	for _, queue := range b.backlog {
		stats.Backlog += len(queue)
	}
	return stats
}

// History returns up to limit of the most recent sends, oldest first.
func (b *Bus) History(limit int) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	if limit <= 0 || limit > len(b.history) {
		limit = len(b.history)
	}
	out := make([]Message, limit)
	copy(out, b.history[len(b.history)-limit:])
	return out
}

// Close stops accepting sends. Receivers drain their mailboxes and then get ErrClosed.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, box := range b.mailboxes {
		box.signal()
	}
}

func (b *Bus) enqueue(box *mailbox, msg Message, recipient string) uint64 {
	msg.Sequence = b.nextSequence(msg.From, recipient)
	box.queue = append(box.queue, msg)
	box.signal()
	return msg.Sequence
}

func (b *Bus) nextSequence(from, to string) uint64 {
	key := pair{from: from, to: to}
	b.sequences[key]++
	return b.sequences[key]
}

func (b *Bus) record(msg Message) {
	b.history = append(b.history, msg)
	if over := len(b.history) - b.historyLimit; over > 0 {
		b.history = append([]Message(nil), b.history[over:]...)
	}
}

func (b *Bus) logf(format string, args ...any) {
	if b.logger != nil {
		b.logger.Printf(format, args...)
	}
}

func normalizeParticipant(id string) string {
	return strings.TrimSpace(strings.ToLower(id))
}

type mailbox struct {
	queue     []Message
	notify    chan struct{}
	seen      map[string]struct{}
	seenOrder []string
	window    int
	closed    bool
}

func newMailbox(window int) *mailbox {
	return &mailbox{
		notify: make(chan struct{}, 1),
		seen:   map[string]struct{}{},
		window: window,
	}
}

// signal wakes one waiting receiver without blocking the sender.
func (m *mailbox) signal() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *mailbox) close() {
	m.closed = true
	m.signal()
}

func (m *mailbox) seenBefore(id string) bool {
	if _, ok := m.seen[id]; ok {
		return true
	}
	m.seen[id] = struct{}{}
	m.seenOrder = append(m.seenOrder, id)
	if len(m.seenOrder) > m.window {
		oldest := m.seenOrder[0]
		m.seenOrder = m.seenOrder[1:]
		delete(m.seen, oldest)
	}
	return false
}
