// Package engine implements the per-entity processor, the broker-facing
// dispatcher and ingress, and the facade that wires them together.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mnemogo/mnemogo/internal/aggregate"
	"github.com/mnemogo/mnemogo/internal/journal"
	"github.com/mnemogo/mnemogo/internal/observability"
)

const replayBuffer = 100

// processCmdMsg asks the processor to validate, derive, journal, and apply
// a command, replying with the resulting error (nil on success).
type processCmdMsg[S any, E aggregate.Event[S]] struct {
	ctx   aggregate.Context
	cmd   aggregate.Command[S, E]
	reply chan error
}

// getStateMsg asks the processor for its current folded state.
type getStateMsg[S any] struct {
	reply chan stateReply[S]
}

type stateReply[S any] struct {
	state S
	err   error
}

// Processor serializes all commands for a single entity through one
// goroutine and one channel mailbox, which is this module's Go-native
// replacement for an actor: the channel gives the single-writer guarantee
// an actor mailbox would, without pulling in an actor framework. E is
// constrained to aggregate.Event[S] so apply and effects are driven
// directly off the event value the journal hands back.
type Processor[S any, E aggregate.Event[S]] struct {
	entityID string
	journal  journal.Adapter[E]
	logger   *slog.Logger

	mailbox chan any
	closed  chan struct{}

	state S
	seqNr int64
}

// NewProcessor constructs a processor for entityID. It does not hydrate
// state or start its goroutine; call Start for that.
func NewProcessor[S any, E aggregate.Event[S]](entityID string, j journal.Adapter[E], logger *slog.Logger) *Processor[S, E] {
	return &Processor[S, E]{
		entityID: entityID,
		journal:  j,
		logger:   logger,
		mailbox:  make(chan any, 64),
		closed:   make(chan struct{}),
	}
}

// Start hydrates the processor's state from the journal (cold-path
// recovery) and launches its serial mailbox loop. The zero value of S is
// the starting fold seed for an entity with no journaled events.
func (p *Processor[S, E]) Start(ctx aggregate.Context) error {
	if err := p.hydrate(ctx); err != nil {
		return err
	}
	go p.loop()
	return nil
}

// hydrate replays the journal from sequence 0 through the highest known
// sequence number, folding every event into state, buffered by a fixed
// margin in case concurrent writers have advanced the highest sequence
// number since it was read.
func (p *Processor[S, E]) hydrate(ctx aggregate.Context) error {
	highest, found, err := p.journal.Highest(ctx, p.entityID)
	if err != nil {
		return fmt.Errorf("op=processor.hydrate: %w", err)
	}
	if !found {
		return nil
	}
	p.logger.Debug("hydrating entity from journal",
		slog.String("entity_id", p.entityID),
		slog.Int64("highest_seq_nr", highest))

	recs, errc := p.journal.Replay(ctx, p.entityID, 0, highest+replayBuffer, int(highest)+replayBuffer)
	var state S
	var seqNr int64
	for rec := range recs {
		state, err = rec.Message.Apply(state)
		if err != nil {
			return fmt.Errorf("op=processor.hydrate.apply: %w", aggregate.ErrApply)
		}
		seqNr = rec.SeqNr()
	}
	if err := <-errc; err != nil {
		return fmt.Errorf("op=processor.hydrate.replay: %w", err)
	}

	p.state = state
	p.seqNr = seqNr
	p.logger.Debug("hydrated entity",
		slog.String("entity_id", p.entityID),
		slog.Int64("seq_nr", seqNr))
	return nil
}

// loop is the single goroutine that owns state and seqNr. Every command
// runs the critical section in order: validate, derive events, assign
// sequence numbers, atomically journal them, fold-apply from the current
// state, run effects, then commit the new state and sequence number. The
// loop exits (signaling closed, never closing mailbox itself) once a
// command's post-write apply fails, since a concurrent Submit racing a
// close of the mailbox it sends on would panic rather than fail cleanly.
func (p *Processor[S, E]) loop() {
	defer close(p.closed)
	for msg := range p.mailbox {
		switch m := msg.(type) {
		case processCmdMsg[S, E]:
			err := p.handleCommand(m.ctx, m.cmd)
			m.reply <- err
			if errors.Is(err, aggregate.ErrApply) {
				return
			}
		case getStateMsg[S]:
			m.reply <- stateReply[S]{state: p.state}
		}
	}
}

func (p *Processor[S, E]) handleCommand(ctx aggregate.Context, cmd aggregate.Command[S, E]) error {
	if ctx == nil {
		ctx = context.Background()
	}

	// A request id in ctx means the dispatcher also placed a
	// request-scoped logger there; prefer it so this command's logs carry
	// the submission's correlation id.
	lg := p.logger
	if observability.RequestIDFromContext(ctx) != "" {
		lg = observability.LoggerFromContext(ctx)
	}

	if err := cmd.Validate(p.state); err != nil {
		return fmt.Errorf("op=processor.validate: %w", aggregate.ErrValidation)
	}

	events, err := cmd.DeriveEvents(p.state)
	if err != nil {
		return fmt.Errorf("op=processor.derive: %w", aggregate.ErrInvalidCommand)
	}

	batch := make([]aggregate.Record[E], 0, events.Len())
	seq := p.seqNr
	for _, ev := range events.Slice() {
		seq++
		batch = append(batch, aggregate.NewEventRecord(p.entityID, seq, ev))
	}

	if err := p.journal.Write(ctx, batch); err != nil {
		return fmt.Errorf("op=processor.write: %w", err)
	}
	observability.EventsJournaledTotal.WithLabelValues(fmt.Sprintf("%T", batch[0].Message)).Add(float64(len(batch)))

	before := p.state
	state := p.state
	for _, rec := range batch {
		state, err = rec.Message.Apply(state)
		if err != nil {
			// The events are already durable; this entity's apply path is
			// now considered broken and further commands are rejected
			// until the process restarts and cold-path recovery replays
			// the same deterministic fold.
			lg.Error("apply failed after journal write",
				slog.String("entity_id", p.entityID),
				slog.Int64("seq_nr", rec.SeqNr()),
				slog.Any("error", err))
			return fmt.Errorf("op=processor.apply: %w", aggregate.ErrApply)
		}
	}

	for _, ev := range events.Slice() {
		ev.Effects(before, state)
	}

	p.state = state
	p.seqNr = seq

	return nil
}

// Submit enqueues a command for processing and blocks until it has been
// validated, journaled, and applied (or rejected).
func (p *Processor[S, E]) Submit(ctx aggregate.Context, cmd aggregate.Command[S, E]) error {
	reply := make(chan error, 1)
	select {
	case p.mailbox <- processCmdMsg[S, E]{ctx: ctx, cmd: cmd, reply: reply}:
		observability.MailboxDepth.WithLabelValues(p.entityID).Set(float64(len(p.mailbox)))
	case <-p.closed:
		return fmt.Errorf("op=processor.submit: %w", aggregate.ErrMailbox)
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-p.closed:
		return fmt.Errorf("op=processor.submit: %w", aggregate.ErrMailbox)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetState returns the processor's current folded state.
func (p *Processor[S, E]) GetState(ctx aggregate.Context) (S, error) {
	var zero S
	reply := make(chan stateReply[S], 1)
	select {
	case p.mailbox <- getStateMsg[S]{reply: reply}:
	case <-p.closed:
		return zero, fmt.Errorf("op=processor.get_state: %w", aggregate.ErrMailbox)
	case <-ctx.Done():
		return zero, ctx.Err()
	}
	select {
	case r := <-reply:
		return r.state, r.err
	case <-p.closed:
		return zero, fmt.Errorf("op=processor.get_state: %w", aggregate.ErrMailbox)
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
