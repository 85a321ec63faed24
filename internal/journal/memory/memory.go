// Package memory provides an in-process journal adapter backed by a single
// mutex-guarded map. It is suitable for tests and single-process
// deployments; it holds no data once the process exits.
package memory

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/mnemogo/mnemogo/internal/aggregate"
	"github.com/mnemogo/mnemogo/internal/observability"
)

// Adapter is a journal.Adapter backed by an in-memory composite-key map.
// Keys are entity-id bytes followed by an 8-byte big-endian sequence
// number, which keeps a given entity's records contiguous and sorted when
// keys are compared lexicographically, so a byte-range scan selects one
// entity's records in sequence order.
type Adapter[Evt any] struct {
	mu      sync.Mutex
	storage map[string][]byte
	logger  *slog.Logger
}

// New constructs an empty memory adapter logging through logger.
func New[Evt any](logger *slog.Logger) *Adapter[Evt] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter[Evt]{storage: make(map[string][]byte), logger: logger}
}

// opLogger prefers the request-scoped logger the dispatcher placed in ctx,
// so journal logs carry the request_id of the command that triggered them.
func (a *Adapter[Evt]) opLogger(ctx aggregate.Context) *slog.Logger {
	if observability.RequestIDFromContext(ctx) != "" {
		return observability.LoggerFromContext(ctx)
	}
	return a.logger
}

func mkKey(entityID string, seqNr int64) string {
	var buf bytes.Buffer
	buf.WriteString(entityID)
	var seqBytes [8]byte
	binary.BigEndian.PutUint64(seqBytes[:], uint64(seqNr))
	buf.Write(seqBytes[:])
	return buf.String()
}

func seqFromKey(key string, entityIDLen int) int64 {
	tail := key[entityIDLen:]
	return int64(binary.BigEndian.Uint64([]byte(tail)))
}

// Highest implements journal.Adapter.
func (a *Adapter[Evt]) Highest(ctx aggregate.Context, entityID string) (int64, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	prefix := entityID
	var highest int64
	found := false
	for k := range a.storage {
		if len(k) != len(prefix)+8 || k[:len(prefix)] != prefix {
			continue
		}
		seq := seqFromKey(k, len(prefix))
		if !found || seq > highest {
			highest = seq
			found = true
		}
	}

	a.opLogger(ctx).Debug("journal highest",
		slog.String("entity_id", entityID),
		slog.Int64("seq_nr", highest),
		slog.Bool("found", found))
	return highest, found, nil
}

// Write implements journal.Adapter, holding the lock across the whole batch
// so a reader never observes a partial write.
func (a *Adapter[Evt]) Write(ctx aggregate.Context, batch []aggregate.Record[Evt]) error {
	if len(batch) == 0 {
		return fmt.Errorf("op=memory.Write: %w", aggregate.ErrInvalidCommand)
	}

	lg := a.opLogger(ctx)
	lg.Debug("journal write begin",
		slog.String("entity_id", batch[0].EntityID()),
		slog.Int("batch_size", len(batch)),
		slog.Int64("first_seq_nr", batch[0].SeqNr()),
		slog.Int64("last_seq_nr", batch[len(batch)-1].SeqNr()))

	encoded := make([]struct {
		key string
		val []byte
	}, len(batch))
	for i, rec := range batch {
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
			lg.Error("journal write encode failed",
				slog.String("entity_id", rec.EntityID()),
				slog.Int64("seq_nr", rec.SeqNr()),
				slog.Any("error", err))
			return fmt.Errorf("op=memory.Write: %w", aggregate.ErrStorage)
		}
		encoded[i].key = mkKey(rec.EntityID(), rec.SeqNr())
		encoded[i].val = buf.Bytes()
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range encoded {
		a.storage[e.key] = e.val
	}

	lg.Debug("journal write committed",
		slog.String("entity_id", batch[0].EntityID()),
		slog.Int64("last_seq_nr", batch[len(batch)-1].SeqNr()))
	return nil
}

// Replay implements journal.Adapter.
func (a *Adapter[Evt]) Replay(ctx aggregate.Context, entityID string, from, to int64, max int) (<-chan aggregate.Record[Evt], <-chan error) {
	out := make(chan aggregate.Record[Evt])
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)

		lg := a.opLogger(ctx)
		lg.Debug("journal replay begin",
			slog.String("entity_id", entityID),
			slog.Int64("from", from),
			slog.Int64("to", to),
			slog.Int("max", max))

		toKey := mkKey(entityID, to)

		a.mu.Lock()
		type kv struct {
			key string
			val []byte
		}
		matches := make([]kv, 0)
		for k, v := range a.storage {
			if len(k) != len(entityID)+8 {
				continue
			}
			if k[:len(entityID)] != entityID {
				continue
			}
			seq := seqFromKey(k, len(entityID))
			if seq > from && k <= toKey {
				matches = append(matches, kv{key: k, val: v})
			}
		}
		a.mu.Unlock()

		sort.Slice(matches, func(i, j int) bool { return matches[i].key < matches[j].key })

		if max > 0 && len(matches) > max {
			matches = matches[:max]
		}

		for _, m := range matches {
			var rec aggregate.Record[Evt]
			if err := gob.NewDecoder(bytes.NewReader(m.val)).Decode(&rec); err != nil {
				lg.Error("journal replay decode failed",
					slog.String("entity_id", entityID),
					slog.Any("error", err))
				select {
				case errc <- fmt.Errorf("op=memory.Replay: %w", aggregate.ErrDecoding):
				case <-ctx.Done():
				}
				return
			}
			select {
			case out <- rec:
			case <-ctx.Done():
				return
			}
		}

		lg.Debug("journal replay complete",
			slog.String("entity_id", entityID),
			slog.Int("count", len(matches)))
	}()

	return out, errc
}
