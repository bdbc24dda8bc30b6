package negotiator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kingrea/lattice-compliance/internal/channel"
	"github.com/kingrea/lattice-compliance/internal/domain"
)

// Coordinator is the participant ID the negotiator joins the bus with.
const Coordinator = "coordinator"

// Bus topics used by the protocol.
const (
	TopicRound    = "consensus.round"
	TopicRevision = "consensus.revision"
	TopicAbstain  = "consensus.abstain"
)

// Settings bound a negotiation.
type Settings struct {
	MaxRounds           int
	RoundTimeout        time.Duration
	Tolerance           float64
	AcceptanceThreshold float64
}

// DefaultSettings returns three rounds of five seconds with a 0.25 verdict
// tolerance and a 0.8 acceptance threshold.
func DefaultSettings() Settings {
	return Settings{
		MaxRounds:           3,
		RoundTimeout:        5 * time.Second,
		Tolerance:           0.25,
		AcceptanceThreshold: 0.8,
	}
}

// Normalized fills zero values from DefaultSettings.
func (s Settings) Normalized() Settings {
	def := DefaultSettings()
	if s.MaxRounds <= 0 {
		s.MaxRounds = def.MaxRounds
	}
	if s.RoundTimeout <= 0 {
		s.RoundTimeout = def.RoundTimeout
	}
	if s.Tolerance < 0 {
		s.Tolerance = def.Tolerance
	}
	if s.AcceptanceThreshold <= 0 || s.AcceptanceThreshold > 1 {
		s.AcceptanceThreshold = def.AcceptanceThreshold
	}
	return s
}

// RoundRequest is the payload the coordinator sends each participant.
type RoundRequest struct {
	Conflict domain.ConflictRecord `json:"conflict"`
	Round    int                   `json:"round"`
}

// Reply is a participant's answer to one round.
type Reply struct {
	Round      int            `json:"round"`
	ConflictID string         `json:"conflict_id"`
	Producer   string         `json:"producer"`
	Finding    domain.Finding `json:"finding"`
	Abstain    bool           `json:"abstain,omitempty"`
}

// RoundSummary reports what happened in one round.
type RoundSummary struct {
	ConflictID string
	Subject    string
	Round      int
	Revised    []string
	Abstained  []string
	Converged  bool
}

// Logger is the narrow logging surface the negotiator needs.
type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// Option customizes a Negotiator.
type Option func(*Negotiator)

// WithLogger routes protocol logs to logger.
func WithLogger(logger Logger) Option {
	return func(n *Negotiator) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// WithRoundObserver registers fn to be called after every round.
func WithRoundObserver(fn func(RoundSummary)) Option {
	return func(n *Negotiator) {
		n.observe = fn
	}
}

// Negotiator coordinates bounded consensus rounds over a bus.
type Negotiator struct {
	bus      *channel.Bus
	settings Settings
	logger   Logger
	observe  func(RoundSummary)
}

// New joins the coordinator to bus and returns a negotiator.
func New(bus *channel.Bus, settings Settings, opts ...Option) (*Negotiator, error) {
	if bus == nil {
		return nil, fmt.Errorf("negotiator: bus is required")
	}
	n := &Negotiator{
		bus:      bus,
		settings: settings.Normalized(),
		logger:   nopLogger{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(n)
		}
	}
	if err := bus.Join(Coordinator); err != nil {
		return nil, fmt.Errorf("negotiator: join bus: %w", err)
	}
	return n, nil
}

// Settings returns the normalized settings in use.
func (n *Negotiator) Settings() Settings {
	return n.settings
}

// Negotiate runs rounds for conflict until its findings converge, are
// accepted, or the round limit is reached. At least one round always runs.
// A resolved result, including one accepted while verdicts still differ,
// carries the highest-confidence finding. An unresolved result carries the
// same pick marked Disputed. Invalid revisions count as abstentions.
// Errors are returned only for cancellation or a closed bus.
func (n *Negotiator) Negotiate(ctx context.Context, conflict domain.ConflictRecord) (domain.ConsensusResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	producers := conflict.Producers()
	if len(producers) == 0 {
		return domain.ConsensusResult{}, fmt.Errorf("negotiator: conflict %s has no participants", conflict.ID)
	}
	current := make(map[string]domain.Finding, len(producers))
	for _, f := range conflict.Findings {
		if _, ok := current[f.Producer]; !ok {
			current[f.Producer] = f.Clone()
		}
	}
	ordered := func() []domain.Finding {
		out := make([]domain.Finding, 0, len(producers))
		for _, p := range producers {
			out = append(out, current[p].Clone())
		}
		return out
	}

	var revisions []domain.Finding
	revisedBy := make(map[string]bool, len(producers))
	for round := 1; round <= n.settings.MaxRounds; round++ {
		record := conflict.Clone()
		record.Findings = ordered()
		record.Rounds = round - 1
		for _, producer := range producers {
			req := RoundRequest{Conflict: record, Round: round}
			if _, err := n.bus.Send(ctx, Coordinator, producer, TopicRound, req); err != nil {
				return domain.ConsensusResult{}, fmt.Errorf("negotiator: round %d to %s: %w", round, producer, err)
			}
		}
		replies, err := n.collect(ctx, conflict.ID, round, producers)
		if err != nil {
			return domain.ConsensusResult{}, err
		}
		summary := RoundSummary{ConflictID: conflict.ID, Subject: conflict.Subject, Round: round}
		for _, producer := range producers {
			reply, ok := replies[producer]
			if !ok || reply.Abstain {
				summary.Abstained = append(summary.Abstained, producer)
				continue
			}
			revised := reply.Finding.Clone()
			revised.Producer = producer
			revised.Subject = conflict.Subject
			revised.Revision = round
			revised, err := revised.Normalized()
			if err != nil {
				n.logger.Printf("negotiator: %s round %d: treating invalid revision from %s as abstention: %v", conflict.ID, round, producer, err)
				summary.Abstained = append(summary.Abstained, producer)
				continue
			}
			current[producer] = revised
			revisedBy[producer] = true
			revisions = append(revisions, revised.Clone())
			summary.Revised = append(summary.Revised, producer)
		}
		findings := ordered()
		var latest []domain.Finding
		for _, f := range findings {
			if revisedBy[f.Producer] && f.Scored() {
				latest = append(latest, f)
			}
		}
		summary.Converged = n.settled(conflict.Kind, findings, latest)
		n.logger.Printf("negotiator: %s round %d revised=%v abstained=%v converged=%t", conflict.ID, round, summary.Revised, summary.Abstained, summary.Converged)
		if n.observe != nil {
			n.observe(summary)
		}
		if summary.Converged {
			return n.result(conflict, findings, revisions, round, true), nil
		}
	}
	return n.result(conflict, ordered(), revisions, n.settings.MaxRounds, false), nil
}

// collect waits up to the round timeout for one reply per producer. Replies
// for another conflict or round are dropped.
func (n *Negotiator) collect(ctx context.Context, conflictID string, round int, producers []string) (map[string]Reply, error) {
	pending := make(map[string]struct{}, len(producers))
	for _, p := range producers {
		pending[p] = struct{}{}
	}
	replies := make(map[string]Reply, len(producers))
	deadline := time.Now().Add(n.settings.RoundTimeout)
	for len(pending) > 0 {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		msg, err := n.bus.Receive(ctx, Coordinator, remaining)
		if errors.Is(err, channel.ErrReceiveTimeout) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("negotiator: round %d: %w", round, err)
		}
		if msg.Topic != TopicRevision && msg.Topic != TopicAbstain {
			continue
		}
		reply, ok := msg.Payload.(Reply)
		if !ok || reply.ConflictID != conflictID || reply.Round != round {
			n.logger.Printf("negotiator: dropping stale reply from %s on %s", msg.From, msg.Topic)
			continue
		}
		producer := reply.Producer
		if producer == "" {
			producer = msg.From
		}
		if _, waiting := pending[producer]; !waiting {
			continue
		}
		if msg.Topic == TopicAbstain {
			reply.Abstain = true
		}
		delete(pending, producer)
		replies[producer] = reply
	}
	return replies, nil
}

// settled applies the termination rules, whichever holds first:
//   - a disagreement whose verdicts now converge within tolerance;
//   - any conflict where every scored revision so far holds a confidence
//     at or above the acceptance threshold.
//
// Low-confidence conflicts start out converged, so only acceptance ends
// them early.
func (n *Negotiator) settled(kind domain.ConflictKind, findings, revised []domain.Finding) bool {
	if kind != domain.ConflictLowConfidence && Converged(findings, n.settings.Tolerance) {
		return true
	}
	return len(revised) > 0 && MinConfidence(revised) >= n.settings.AcceptanceThreshold
}

func (n *Negotiator) result(conflict domain.ConflictRecord, findings, revisions []domain.Finding, rounds int, resolved bool) domain.ConsensusResult {
	record := conflict.Clone()
	record.Findings = findings
	record.Resolved = resolved
	record.Rounds = rounds
	best, _ := domain.HighestConfidence(scored(findings))
	if !resolved {
		best.Disputed = true
	}
	return domain.ConsensusResult{
		Conflict:  record,
		Resolved:  resolved,
		Finding:   best,
		Rounds:    rounds,
		Revisions: revisions,
	}
}

func scored(findings []domain.Finding) []domain.Finding {
	out := make([]domain.Finding, 0, len(findings))
	for _, f := range findings {
		if f.Scored() {
			out = append(out, f)
		}
	}
	if len(out) == 0 {
		return findings
	}
	return out
}
