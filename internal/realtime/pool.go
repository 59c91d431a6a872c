package realtime

import (
	"context"
	"hash/fnv"
	"log/slog"
	"strconv"
	"sync"

	"github.com/funneld-io/funneld/internal/config"
	"github.com/funneld-io/funneld/internal/event"
)

// Pool defaults, overridable via environment.
const (
	defaultWorkers    = 8
	defaultQueueDepth = 256
	workersEnvVar     = "REALTIME_WORKERS"
	queueDepthEnvVar  = "REALTIME_QUEUE_DEPTH"
)

// Pool is a hash-bucketed worker pool. Events for the same
// (tenant, workspace, anonymous_id) always land on the same worker, which
// gives per-user serialization without a global lock.
type Pool struct {
	tracker *Tracker
	queues  []chan *event.Event
	wg      sync.WaitGroup
	logger  *slog.Logger

	mu     sync.Mutex
	closed bool
}

// NewPool starts the worker goroutines. Call Close to drain and stop them.
func NewPool(tracker *Tracker, logger *slog.Logger) *Pool {
	workers := config.GetEnvInt(workersEnvVar, defaultWorkers)
	if workers < 1 {
		workers = 1
	}

	depth := config.GetEnvInt(queueDepthEnvVar, defaultQueueDepth)
	if depth < 1 {
		depth = 1
	}

	p := &Pool{
		tracker: tracker,
		queues:  make([]chan *event.Event, workers),
		logger:  logger,
	}

	for i := range p.queues {
		p.queues[i] = make(chan *event.Event, depth)
		p.wg.Add(1)

		go p.run(i)
	}

	logger.Info("Started realtime worker pool",
		slog.Int("workers", workers),
		slog.Int("queue_depth", depth),
	)

	return p
}

// Dispatch routes an event to its user's worker. Blocks when that worker's
// queue is full, applying backpressure to the consumer. Returns false after
// Close.
//
// The lock is held across the send so a concurrent Close can never close a
// queue with a send in flight; Close waits for the lock and the workers keep
// draining in the meantime.
func (p *Pool) Dispatch(ev *event.Event) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return false
	}

	p.queues[p.bucket(ev)] <- ev

	return true
}

// bucket hashes the per-user ordering key onto a worker index.
func (p *Pool) bucket(ev *event.Event) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(strconv.FormatInt(ev.TenantID, 10)))
	_, _ = h.Write([]byte{':'})
	_, _ = h.Write([]byte(strconv.FormatInt(ev.WorkspaceID, 10)))
	_, _ = h.Write([]byte{':'})
	_, _ = h.Write([]byte(ev.AnonymousID))

	return int(h.Sum32() % uint32(len(p.queues)))
}

func (p *Pool) run(worker int) {
	defer p.wg.Done()

	for ev := range p.queues[worker] {
		p.tracker.Process(context.Background(), ev)
	}
}

// Close stops accepting events, drains the queues, and waits for workers.
// Safe to call more than once.
func (p *Pool) Close() {
	p.mu.Lock()

	if p.closed {
		p.mu.Unlock()

		return
	}

	p.closed = true
	p.mu.Unlock()

	for _, q := range p.queues {
		close(q)
	}

	p.wg.Wait()
	p.logger.Info("Realtime worker pool stopped")
}
