package worker

import (
	"sync"

	"github.com/dgraph-io/ristretto"
)

// journal keeps recent outcomes addressable by worker id. Each outcome costs
// 1, so the journal holds roughly size entries.
type journal struct {
	mu     sync.RWMutex
	c      *ristretto.Cache
	closed bool
}

func newJournal(size int64) *journal {
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: size * 10,
		MaxCost:     size,
		BufferItems: 64,
		// Costs are entry counts, not bytes.
		IgnoreInternalCost: true,
	})
	if err != nil {
		panic(err)
	}
	return &journal{c: c}
}

func (j *journal) record(out Outcome) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return
	}
	j.c.Set(out.ID, out, 1)
	j.c.Wait()
}

func (j *journal) lookup(id string) (Outcome, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return Outcome{}, false
	}
	v, ok := j.c.Get(id)
	if !ok {
		return Outcome{}, false
	}
	out, ok := v.(Outcome)
	return out, ok
}

func (j *journal) close() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return
	}
	j.closed = true
	j.c.Close()
}
