// Package pool implements the Ghost Session Pool (spec §4.2): a warm pool
// of isolated browser sessions bounded by [minSize, maxSize], with
// exclusive leases, FIFO+priority queueing for overflow, and automatic
// replenishment of lost slots.
//
// The manager runs as a single actor goroutine — every mutation to slot
// or queue state happens inside its run loop, reached only via channels,
// so no cross-component locking is needed.
package pool

import (
	"container/heap"
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ghostrun/ghostbrowser/internal/config"
	"github.com/ghostrun/ghostbrowser/internal/model"
	"github.com/ghostrun/ghostbrowser/internal/sessionclient"
	"github.com/ghostrun/ghostbrowser/internal/statusbus"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// SlotState is a pool slot's position in the §4.2 state machine.
type SlotState string

const (
	SlotCold      SlotState = "cold"
	SlotWarming   SlotState = "warming"
	SlotAvailable SlotState = "available"
	SlotInUse     SlotState = "inUse"
)

// Lease grants exclusive access to one warm session.
type Lease struct {
	SlotID           string
	ContextID        string
	Client           sessionclient.Client
	AssignmentWaitMs int64
	WasQueued        bool
}

// Factory creates a fresh SessionClient for a newly warming slot.
type Factory func(ctx context.Context) (sessionclient.Client, error)

// Snapshot is the pool's observability surface (spec §4.8's snapshot()).
type Snapshot struct {
	Available  int
	InUse      int
	Warming    int
	QueueDepth int
}

type slot struct {
	id             string
	contextID      string
	state          SlotState
	client         sessionclient.Client
	assignedTaskID string
}

type acquireRequest struct {
	taskID   string
	priority model.Priority
	seq      int64
	queuedAt time.Time
	resultCh chan acquireResult
}

type acquireResult struct {
	lease *Lease
	err   error
}

// waitQueue orders requests foreground-before-background, FIFO within a
// priority tier — the priority-heap shape is grounded in the pack's
// `kdlbs-kandev` task queue (container/heap over a priority+arrival-order
// Less), adapted here to a two-tier foreground/background priority.
type waitQueue []*acquireRequest

func (q waitQueue) Len() int { return len(q) }
func (q waitQueue) Less(i, j int) bool {
	pi, pj := rank(q[i].priority), rank(q[j].priority)
	if pi != pj {
		return pi < pj
	}
	return q[i].seq < q[j].seq
}
func (q waitQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *waitQueue) Push(x interface{}) { *q = append(*q, x.(*acquireRequest)) }
func (q *waitQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

func rank(p model.Priority) int {
	if p == model.PriorityForeground {
		return 0
	}
	return 1
}

type releaseCmd struct {
	slotID  string
	destroy bool
}

type cancelCmd struct {
	taskID string
}

type warmResult struct {
	slotID string
	client sessionclient.Client
	err    error
}

// Manager owns the warm pool's slots and wait queue.
type Manager struct {
	cfg     config.PoolConfig
	factory Factory
	bus     *statusbus.Bus
	log     *zap.Logger

	acquireCh  chan *acquireRequest
	releaseCh  chan releaseCmd
	cancelCh   chan cancelCmd
	warmedCh   chan warmResult
	snapshotCh chan chan Snapshot
	shutdownCh chan chan struct{}

	seq int64

	// warmGroup supervises every in-flight replenishment/warm-up
	// goroutine spawnSlot starts, so Shutdown can wait for them to exit
	// instead of leaving them to block on a channel nobody reads anymore.
	warmGroup errgroup.Group
}

// New builds a Manager. Start must be called before Acquire.
func New(cfg config.PoolConfig, factory Factory, bus *statusbus.Bus, log *zap.Logger) *Manager {
	return &Manager{
		cfg:        cfg,
		factory:    factory,
		bus:        bus,
		log:        log.Named("pool"),
		acquireCh:  make(chan *acquireRequest, 64),
		releaseCh:  make(chan releaseCmd, 64),
		cancelCh:   make(chan cancelCmd, 64),
		warmedCh:   make(chan warmResult, 16),
		snapshotCh: make(chan chan Snapshot),
		shutdownCh: make(chan chan struct{}),
	}
}

// Start launches the actor goroutine, which immediately begins warming
// MinSize slots.
func (m *Manager) Start(ctx context.Context) {
	go m.run(ctx)
}

// Acquire implements spec §4.2's acquire contract: a synchronous grant if
// a slot is already available, otherwise cooperative suspension until one
// is assigned or ctx is cancelled.
func (m *Manager) Acquire(ctx context.Context, taskID string, priority model.Priority) (*Lease, error) {
	req := &acquireRequest{
		taskID:   taskID,
		priority: priority,
		seq:      atomic.AddInt64(&m.seq, 1),
		queuedAt: time.Now(),
		resultCh: make(chan acquireResult, 1),
	}
	select {
	case m.acquireCh <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-req.resultCh:
		return res.lease, res.err
	case <-ctx.Done():
		select {
		case m.cancelCh <- cancelCmd{taskID: taskID}:
		default:
		}
		return nil, ctx.Err()
	}
}

// Release returns a lease to the pool. destroy=true tears the slot down
// (crash or explicit destroy) rather than returning it to available.
func (m *Manager) Release(lease *Lease, destroy bool) {
	m.releaseCh <- releaseCmd{slotID: lease.SlotID, destroy: destroy}
}

// Snapshot returns the pool's current slot/queue counts.
func (m *Manager) Snapshot(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	select {
	case m.snapshotCh <- reply:
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
	select {
	case s := <-reply:
		return s, nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// Shutdown drains queued requests with an error and closes every slot.
func (m *Manager) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case m.shutdownCh <- done:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the pool's single actor loop: every state mutation happens here,
// so slot and queue maps need no mutex.
func (m *Manager) run(ctx context.Context) {
	slots := make(map[string]*slot)
	queue := &waitQueue{}
	heap.Init(queue)
	nextSlotID := 0
	shuttingDown := false

	// spawnSlot starts a fresh warming slot. When contextID is non-empty
	// (a destroyed or crashed slot is being replenished), the new slot
	// reuses it so the topology a caller tracks by contextId (e.g. a UI
	// tab) stays stable across the replacement; an empty contextID mints
	// a new one from the new slot's own id.
	spawnSlot := func(contextID string) {
		nextSlotID++
		id := fmt.Sprintf("slot-%d", nextSlotID)
		if contextID == "" {
			contextID = id
		}
		slots[id] = &slot{id: id, contextID: contextID, state: SlotWarming}
		m.warmGroup.Go(func() error {
			client, err := m.factory(ctx)
			select {
			case m.warmedCh <- warmResult{slotID: id, client: client, err: err}:
			case <-ctx.Done():
			}
			return nil
		})
	}

	warmToMin := func() {
		if shuttingDown {
			return
		}
		for len(slots) < m.cfg.MinSize {
			spawnSlot("")
		}
	}

	firstAvailable := func() *slot {
		for _, s := range slots {
			if s.state == SlotAvailable {
				return s
			}
		}
		return nil
	}

	counts := func() (available, inUse, warming int) {
		for _, s := range slots {
			switch s.state {
			case SlotAvailable:
				available++
			case SlotInUse:
				inUse++
			case SlotWarming:
				warming++
			}
		}
		return
	}

	dispatch := func(s *slot, req *acquireRequest, waitMs int64, wasQueued bool) {
		s.state = SlotInUse
		s.assignedTaskID = req.taskID
		req.resultCh <- acquireResult{lease: &Lease{
			SlotID: s.id, ContextID: s.contextID, Client: s.client,
			AssignmentWaitMs: waitMs, WasQueued: wasQueued,
		}}
		avail, inUse, _ := counts()
		m.publishQueue(req.taskID, model.QueueDispatched, req.priority, queue.Len(), avail, inUse, waitMs, wasQueued)
	}

	warmToMin()

	for {
		select {
		case <-ctx.Done():
			return

		case wr := <-m.warmedCh:
			s, ok := slots[wr.slotID]
			if !ok {
				continue
			}
			if wr.err != nil {
				m.log.Warn("slot warm-up failed", zap.String("slot", wr.slotID), zap.Error(wr.err))
				contextID := s.contextID
				delete(slots, wr.slotID)
				if !shuttingDown {
					spawnSlot(contextID)
				}
				continue
			}
			s.client = wr.client
			if queue.Len() > 0 {
				req := heap.Pop(queue).(*acquireRequest)
				waitMs := time.Since(req.queuedAt).Milliseconds()
				dispatch(s, req, waitMs, true)
				continue
			}
			s.state = SlotAvailable

		case req := <-m.acquireCh:
			if s := firstAvailable(); s != nil {
				dispatch(s, req, 0, false)
				continue
			}
			heap.Push(queue, req)
			avail, inUse, _ := counts()
			m.publishQueue(req.taskID, model.QueueEnqueued, req.priority, queue.Len(), avail, inUse, 0, true)
			if len(slots) < m.cfg.MaxSize {
				spawnSlot("")
			}

		case cmd := <-m.cancelCh:
			for i, req := range *queue {
				if req.taskID == cmd.taskID {
					heap.Remove(queue, i)
					avail, inUse, _ := counts()
					m.publishQueue(req.taskID, model.QueueReleased, req.priority, queue.Len(), avail, inUse, 0, true)
					break
				}
			}

		case cmd := <-m.releaseCh:
			s, ok := slots[cmd.slotID]
			if !ok {
				continue
			}
			releasedTaskID := s.assignedTaskID
			s.assignedTaskID = ""
			if cmd.destroy {
				contextID := s.contextID
				if s.client != nil {
					_ = s.client.Close(context.Background())
				}
				delete(slots, s.id)
				m.publishQueue(releasedTaskID, model.QueueReleased, "", queue.Len(), 0, 0, 0, false)
				if !shuttingDown {
					spawnSlot(contextID)
				}
				continue
			}
			if queue.Len() > 0 {
				req := heap.Pop(queue).(*acquireRequest)
				waitMs := time.Since(req.queuedAt).Milliseconds()
				dispatch(s, req, waitMs, true)
				continue
			}
			s.state = SlotAvailable
			m.publishQueue(releasedTaskID, model.QueueReleased, "", queue.Len(), 0, 0, 0, false)

		case reply := <-m.snapshotCh:
			avail, inUse, warming := counts()
			reply <- Snapshot{Available: avail, InUse: inUse, Warming: warming, QueueDepth: queue.Len()}

		case done := <-m.shutdownCh:
			shuttingDown = true
			for queue.Len() > 0 {
				req := heap.Pop(queue).(*acquireRequest)
				req.resultCh <- acquireResult{err: fmt.Errorf("pool shutting down")}
			}
			for _, s := range slots {
				if s.client != nil {
					_ = s.client.Close(context.Background())
				}
			}
			// warmedCh is buffered well past any realistic MinSize, so
			// every outstanding spawnSlot goroutine can deliver its
			// result (or observe ctx.Done) and return without this Wait
			// blocking on a channel nobody drains anymore.
			_ = m.warmGroup.Wait()
			close(done)
			return
		}
	}
}

func (m *Manager) publishQueue(taskID string, event model.QueueEventName, priority model.Priority, queueDepth, avail, inUse int, waitMs int64, wasQueued bool) {
	if m.bus == nil || taskID == "" {
		return
	}
	m.bus.Publish(model.StatusEvent{
		TaskID: taskID,
		Kind:   model.StatusQueue,
		Queue: &model.QueuePayload{
			Event:      event,
			Priority:   priority,
			QueueDepth: queueDepth,
			Available:  avail,
			InUse:      inUse,
			WaitMs:     waitMs,
			WasQueued:  wasQueued,
		},
	})
}
