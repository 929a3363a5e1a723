// Package scheduler implements the Priority Scheduler (spec.md §4.6):
// three bounded FIFO queues (High/Normal/Low), a fixed worker pool, and
// a try-High-then-Normal-then-Low dequeue loop with a soft anti-
// starvation rule for Low.
//
// Grounded on other_examples/.../dag_scheduler.go's channel-based ready-
// queue-plus-semaphore worker pool shape, adapted here from one ready
// channel to three priority-class buffered channels, and from a
// semaphore-bounded goroutine-per-task model to a fixed pool of workers
// that each loop pulling from the three channels directly.
package scheduler

import (
	"context"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aimesh/aimesh"
)

// DefaultQueueCapacity is the bounded FIFO depth per priority class.
const DefaultQueueCapacity = 10000

// Item is one unit of scheduled work.
type Item struct {
	Message    *aimesh.Message
	EnqueuedAt time.Time
	Handle     interface{} // opaque budget reservation handle, for deadline-drop refund
}

// Handler executes one dequeued item. Deadline checking happens before
// Handler is invoked; Handler itself is never interrupted mid-flight.
type Handler func(ctx context.Context, item Item)

// DeadlineRefunder is invoked when an item is dropped at dequeue time
// because its deadline has already elapsed, so the caller can refund the
// associated budget reservation.
type DeadlineRefunder func(item Item)

// Scheduler runs a fixed worker pool over three bounded priority queues.
type Scheduler struct {
	high, normal, low chan Item
	workers           int
	handler           Handler
	refund            DeadlineRefunder
	logger            *zap.SugaredLogger
	clock             func() time.Time

	dequeueCount uint64
	mu           sync.Mutex

	shutdown chan struct{}
	wg       sync.WaitGroup
}

// Config configures queue capacity and worker pool size.
type Config struct {
	QueueCapacity int
	Workers       int
}

// New creates a Scheduler. A zero Config uses DefaultQueueCapacity and
// runtime.NumCPU()*2 workers, matching the teacher's MaxParallelTasks
// semaphore-sizing idiom.
func New(cfg Config, handler Handler, refund DeadlineRefunder, logger *zap.SugaredLogger) *Scheduler {
	cap := cfg.QueueCapacity
	if cap <= 0 {
		cap = DefaultQueueCapacity
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU() * 2
	}

	return &Scheduler{
		high:     make(chan Item, cap),
		normal:   make(chan Item, cap),
		low:      make(chan Item, cap),
		workers:  workers,
		handler:  handler,
		refund:   refund,
		logger:   logger,
		clock:    time.Now,
		shutdown: make(chan struct{}),
	}
}

// Enqueue admits item into the queue matching its message's priority
// class, returning QueueFull if that queue is saturated.
func (s *Scheduler) Enqueue(item Item) error {
	var q chan Item
	switch aimesh.ClassOf(item.Message.Priority) {
	case aimesh.ClassHigh:
		q = s.high
	case aimesh.ClassNormal:
		q = s.normal
	default:
		q = s.low
	}

	select {
	case q <- item:
		return nil
	default:
		return aimesh.New(aimesh.CodeQueueFull, "priority queue at capacity")
	}
}

// Start launches the worker pool. Call Stop to shut it down.
func (s *Scheduler) Start() {
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.workerLoop()
	}
}

// Stop signals the workers to shut down and waits for them to exit. A
// worker keeps dequeuing and dispatching items already in the queues and
// exits only once all three queues are empty; Stop has no time bound and
// aborts no item.
func (s *Scheduler) Stop() {
	close(s.shutdown)
	s.wg.Wait()
}

func (s *Scheduler) workerLoop() {
	defer s.wg.Done()
	for {
		item, ok := s.dequeue()
		if !ok {
			return
		}

		if item.Message.HasDeadline() && item.Message.DeadlinePassed(s.clock()) {
			if s.logger != nil {
				s.logger.Warnw("scheduler: dropping item past deadline at dequeue",
					"message_id", item.Message.MessageID)
			}
			if s.refund != nil {
				s.refund(item)
			}
			continue
		}

		s.handler(context.Background(), item)
	}
}

// dequeue implements the try-High->Normal->Low->block loop with the
// every-10th-dequeue soft preference for Low when it is non-empty.
func (s *Scheduler) dequeue() (Item, bool) {
	s.mu.Lock()
	s.dequeueCount++
	preferLow := s.dequeueCount%10 == 0
	s.mu.Unlock()

	if preferLow {
		select {
		case item := <-s.low:
			return item, true
		default:
		}
	}

	select {
	case item := <-s.high:
		return item, true
	default:
	}
	select {
	case item := <-s.normal:
		return item, true
	default:
	}
	select {
	case item := <-s.low:
		return item, true
	default:
	}

	select {
	case item := <-s.high:
		return item, true
	case item := <-s.normal:
		return item, true
	case item := <-s.low:
		return item, true
	case <-s.shutdown:
		return Item{}, false
	}
}

// Depths returns the current length of each priority queue, for
// observability/admin surfaces.
func (s *Scheduler) Depths() (high, normal, low int) {
	return len(s.high), len(s.normal), len(s.low)
}
