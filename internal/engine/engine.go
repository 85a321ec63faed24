package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mnemogo/mnemogo/internal/aggregate"
	"github.com/mnemogo/mnemogo/internal/journal"
)

// Config parameterizes an Engine instance; see internal/config for the
// env-var-driven Config loaded at process start.
type Config struct {
	Brokers           []string
	ConsumerGroup     string
	CommandTopic      string
	ChunkSize         int
	ChunkBackpressure time.Duration
	BatchBackpressure time.Duration
}

// Engine is the facade a host process wires up: Submit accepts a command
// through the ingress/dispatcher pipeline, GetState reads an entity's
// current folded state directly from its processor.
type Engine[S any, E aggregate.Event[S]] struct {
	ingress    *Ingress[S, E]
	dispatcher *Dispatcher[S, E]
	cancel     context.CancelFunc
	done       chan struct{}
}

// Start wires an Engine over the given journal and command decoder and
// launches its dispatcher loop as a supervised goroutine: a panic inside
// the loop is recovered, logged, and the loop is restarted rather than
// taking the whole process down.
func Start[S any, E aggregate.Event[S]](ctx context.Context, cfg Config, j journal.Adapter[E], decode Decoder[S, E], logger *slog.Logger) (*Engine[S, E], error) {
	ig, err := NewIngress[S, E](cfg.Brokers, cfg.CommandTopic, cfg.BatchBackpressure, logger)
	if err != nil {
		return nil, fmt.Errorf("op=engine.start: %w", err)
	}

	disp, err := NewDispatcher[S, E](cfg.Brokers, cfg.ConsumerGroup, cfg.CommandTopic, cfg.ChunkSize, cfg.ChunkBackpressure, j, decode, logger)
	if err != nil {
		_ = ig.Close()
		return nil, fmt.Errorf("op=engine.start: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	e := &Engine[S, E]{ingress: ig, dispatcher: disp, cancel: cancel, done: make(chan struct{})}

	go e.supervise(runCtx, logger)

	return e, nil
}

func (e *Engine[S, E]) supervise(ctx context.Context, logger *slog.Logger) {
	defer close(e.done)
	for {
		if ctx.Err() != nil {
			return
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("dispatcher loop panicked, restarting", slog.Any("panic", r))
				}
			}()
			if err := e.dispatcher.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("dispatcher loop exited, restarting", slog.Any("error", err))
			}
		}()
	}
}

// Submit accepts a command into the ingress pipeline.
func (e *Engine[S, E]) Submit(ctx aggregate.Context, cmd aggregate.Command[S, E]) error {
	return e.ingress.Submit(ctx, cmd)
}

// GetState reads an entity's folded state, hydrating its processor from
// the journal on first access if it is not already running in-process. An
// entity id with no live processor and no journaled events is reported as
// not found rather than returning a zero-value state.
func (e *Engine[S, E]) GetState(ctx aggregate.Context, entityID string) (S, error) {
	p, err := e.dispatcher.processorForState(ctx, entityID)
	if err != nil {
		var zero S
		return zero, fmt.Errorf("op=engine.get_state: %w", err)
	}
	return p.GetState(ctx)
}

// Close stops the dispatcher loop and ingress producer and waits for the
// supervisor goroutine to exit.
func (e *Engine[S, E]) Close() error {
	e.cancel()
	<-e.done
	return e.ingress.Close()
}
