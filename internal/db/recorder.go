package db

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/velocity.pilot/internal/pilot"
)

// DefaultRecorderBuffer is the number of pending writes a Recorder holds
// before it starts dropping ticks.
const DefaultRecorderBuffer = 256

// Recorder persists pilot sessions and ticks from a background goroutine so
// the control loop never waits on sqlite. When the queue is full, ticks are
// dropped and counted; session start and end events always queue. Events
// that arrive after Close are discarded.
type Recorder struct {
	db      *DB
	queue   chan func() error
	dropped atomic.Uint64
	late    atomic.Uint64
	wg      sync.WaitGroup

	mu     sync.RWMutex // guards closed and sends on queue
	closed bool
}

var _ pilot.SessionObserver = (*Recorder)(nil)

// NewRecorder starts a Recorder writing to db. buffer <= 0 uses
// DefaultRecorderBuffer.
func NewRecorder(db *DB, buffer int) *Recorder {
	if buffer <= 0 {
		buffer = DefaultRecorderBuffer
	}
	r := &Recorder{db: db, queue: make(chan func() error, buffer)}
	r.wg.Add(1)
	go r.run()
	return r
}

func (r *Recorder) run() {
	defer r.wg.Done()
	for write := range r.queue {
		if err := write(); err != nil {
			logf("recorder: %v", err)
		}
	}
}

// enqueue hands write to the writer goroutine. With block unset a full queue
// drops the write and reports false.
func (r *Recorder) enqueue(write func() error, block bool) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		if n := r.late.Add(1); n == 1 {
			logf("recorder: closed, discarding late writes")
		}
		return true
	}
	if block {
		r.queue <- write
		return true
	}
	select {
	case r.queue <- write:
		return true
	default:
		return false
	}
}

// ObserveTick queues rec for writing, dropping it if the queue is full.
func (r *Recorder) ObserveTick(rec pilot.TickRecord) {
	if r.enqueue(func() error { return r.db.RecordTick(rec) }, false) {
		return
	}
	if n := r.dropped.Add(1); n == 1 || n%100 == 0 {
		logf("recorder: queue full, %d tick(s) dropped", n)
	}
}

// SessionStarted queues the session row.
func (r *Recorder) SessionStarted(id string, at time.Time) {
	r.enqueue(func() error { return r.db.StartSession(id, at) }, true)
}

// SessionEnded queues the session end stamp.
func (r *Recorder) SessionEnded(id string, at time.Time) {
	r.enqueue(func() error { return r.db.EndSession(id, at) }, true)
}

// Dropped returns how many ticks were discarded because the queue was full.
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

// Late returns how many events arrived after Close and were discarded.
func (r *Recorder) Late() uint64 { return r.late.Load() }

// Close flushes queued writes and stops the writer. The DB stays open.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()
	r.wg.Wait()
}
