package negotiator

import (
	"context"
	"errors"
	"time"

	"github.com/kingrea/lattice-compliance/internal/channel"
	"github.com/kingrea/lattice-compliance/internal/contextstore"
	"github.com/kingrea/lattice-compliance/internal/domain"
	"github.com/kingrea/lattice-compliance/internal/runner"
)

// ReviseFunc produces a revised finding for a round. Returning false abstains.
type ReviseFunc func(ctx context.Context, req runner.RevisionRequest) (domain.Finding, bool, error)

// Responder answers consensus rounds on behalf of one producer.
type Responder struct {
	Bus      *channel.Bus
	Producer string
	// Revise may be nil, in which case every round is abstained.
	Revise ReviseFunc
	// View supplies the context snapshot handed to Revise.
	View   func() contextstore.View
	Logger Logger
	// Poll bounds each blocking receive. Defaults to 250ms.
	Poll time.Duration
}

// Run joins the bus and answers round requests until ctx is done or the bus
// closes. Revise errors are logged and treated as abstentions.
func (r Responder) Run(ctx context.Context) error {
	if r.Bus == nil {
		return errors.New("negotiator: responder bus is required")
	}
	if err := r.Bus.Join(r.Producer); err != nil {
		return err
	}
	logger := r.Logger
	if logger == nil {
		logger = nopLogger{}
	}
	poll := r.Poll
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}
	for {
		msg, err := r.Bus.Receive(ctx, r.Producer, poll)
		switch {
		case errors.Is(err, channel.ErrReceiveTimeout):
			continue
		case errors.Is(err, channel.ErrClosed), errors.Is(err, channel.ErrUnknownParticipant):
			return nil
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if msg.Topic != TopicRound {
			continue
		}
		req, ok := msg.Payload.(RoundRequest)
		if !ok {
			continue
		}
		reply := r.answer(ctx, req, logger)
		topic := TopicRevision
		if reply.Abstain {
			topic = TopicAbstain
		}
		if _, err := r.Bus.Send(ctx, r.Producer, msg.From, topic, reply); err != nil {
			if ctx.Err() != nil || errors.Is(err, channel.ErrClosed) {
				return nil
			}
			logger.Printf("negotiator: %s reply to round %d: %v", r.Producer, req.Round, err)
		}
	}
}

func (r Responder) answer(ctx context.Context, req RoundRequest, logger Logger) Reply {
	reply := Reply{Round: req.Round, ConflictID: req.Conflict.ID, Producer: r.Producer, Abstain: true}
	var prior domain.Finding
	for _, f := range req.Conflict.Findings {
		if f.Producer == r.Producer {
			prior = f
			break
		}
	}
	reply.Finding = prior
	if r.Revise == nil {
		return reply
	}
	view := contextstore.NewView()
	if r.View != nil {
		view = r.View()
	}
	revised, ok, err := r.Revise(ctx, runner.RevisionRequest{
		Conflict: req.Conflict,
		Prior:    prior,
		Round:    req.Round,
		View:     view,
	})
	if err != nil {
		logger.Printf("negotiator: %s revise round %d: %v", r.Producer, req.Round, err)
		return reply
	}
	if !ok {
		return reply
	}
	reply.Finding = revised
	reply.Abstain = false
	return reply
}
