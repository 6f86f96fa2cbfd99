package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/lockstep/internal/core"
	"github.com/roach88/lockstep/internal/master"
	"github.com/roach88/lockstep/internal/queue"
	"github.com/roach88/lockstep/internal/scheduler"
)

// Recorder persists a participant's incidents, invocations and cycles
// without blocking the reporting goroutine.
//
// It implements core.IncidentSink, scheduler.Observer and
// master.CycleObserver.
type Recorder struct {
	store       *Store
	participant string
	logger      *slog.Logger

	q    *queue.Queue[write]
	done chan struct{}
	once sync.Once

	mu      sync.Mutex
	written int
	failed  int
}

type write func(ctx context.Context) error

var (
	_ core.IncidentSink    = (*Recorder)(nil)
	_ scheduler.Observer   = (*Recorder)(nil)
	_ master.CycleObserver = (*Recorder)(nil)
)

// NewRecorder starts the writer goroutine. Close drains and stops it.
func NewRecorder(s *Store, participant string, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		store:       s,
		participant: participant,
		logger:      logger.With("component", "store", "participant", participant),
		q:           queue.New[write](),
		done:        make(chan struct{}),
	}
	go r.loop()
	return r
}

func (r *Recorder) Report(code core.IncidentCode, severity core.Severity, message string, simTime core.SimTime) {
	rec := IncidentRecord{
		Participant: r.participant,
		Code:        code,
		Severity:    severity,
		Message:     message,
		SimTime:     simTime,
		At:          time.Now(),
	}
	r.q.Enqueue(func(ctx context.Context) error { return r.store.WriteIncident(ctx, rec) })
}

func (r *Recorder) JobInvoked(inv scheduler.Invocation) {
	r.q.Enqueue(func(ctx context.Context) error { return r.store.WriteInvocation(ctx, r.participant, inv) })
}

func (r *Recorder) MasterCycle(rec master.CycleRecord) {
	r.q.Enqueue(func(ctx context.Context) error { return r.store.WriteCycle(ctx, r.participant, rec) })
}

// Stats returns how many records were written and how many writes failed.
func (r *Recorder) Stats() (written, failed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.written, r.failed
}

// Close stops accepting records, writes what is queued and returns.
// Records reported after Close are dropped.
func (r *Recorder) Close() {
	r.once.Do(func() {
		r.q.Close()
		<-r.done
	})
}

func (r *Recorder) loop() {
	defer close(r.done)
	ctx := context.Background()
	for {
		_, open := <-r.q.Wait()
		for w, ok := r.q.TryDequeue(); ok; w, ok = r.q.TryDequeue() {
			err := w(ctx)
			r.mu.Lock()
			if err != nil {
				r.failed++
			} else {
				r.written++
			}
			r.mu.Unlock()
			if err != nil {
				r.logger.Error("store write failed", "error", err)
			}
		}
		if !open {
			return
		}
	}
}
