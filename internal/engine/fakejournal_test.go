package engine_test

import (
	"sync"
	"sync/atomic"

	"github.com/mnemogo/mnemogo/internal/aggregate"
	"github.com/mnemogo/mnemogo/internal/journal/memory"
)

// failingJournal wraps an in-memory journal.Adapter and can be told to
// fail the next N writes, for exercising the invariant that a storage
// failure must not advance state or seqNr, and that the write must be
// retryable without breaking sequence contiguity.
type failingJournal[Evt any] struct {
	inner     *memory.Adapter[Evt]
	failNext  int32
	writeCall int32

	mu sync.Mutex
}

func newFailingJournal[Evt any]() *failingJournal[Evt] {
	return &failingJournal[Evt]{inner: memory.New[Evt](discardLogger())}
}

func (f *failingJournal[Evt]) failNextWrite(n int32) {
	atomic.StoreInt32(&f.failNext, n)
}

func (f *failingJournal[Evt]) Highest(ctx aggregate.Context, entityID string) (int64, bool, error) {
	return f.inner.Highest(ctx, entityID)
}

func (f *failingJournal[Evt]) Write(ctx aggregate.Context, batch []aggregate.Record[Evt]) error {
	atomic.AddInt32(&f.writeCall, 1)
	if atomic.LoadInt32(&f.failNext) > 0 {
		atomic.AddInt32(&f.failNext, -1)
		return aggregate.ErrStorage
	}
	return f.inner.Write(ctx, batch)
}

func (f *failingJournal[Evt]) Replay(ctx aggregate.Context, entityID string, from, to int64, max int) (<-chan aggregate.Record[Evt], <-chan error) {
	return f.inner.Replay(ctx, entityID, from, to, max)
}
