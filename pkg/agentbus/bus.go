// Package agentbus implements the Agent Bus facade (C9): the top-level
// entry point wiring the registry, router, message processor, and
// deliberation router into register/send/broadcast/start/stop.
//
// It is deliberately its own package rather than living in pkg/bus
// alongside the wire data model: pkg/processor already imports pkg/bus
// for Message/ValidationResult, so a facade that also needs
// pkg/processor cannot live in pkg/bus without an import cycle.
//
// A fixed pool of goroutines drains a shared queue, started/stopped
// explicitly, with a priority-lane structure so that dequeue order
// respects message priority globally while preserving FIFO order within
// a single conversation_id.
package agentbus

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/constitutional-labs/agentbus/pkg/bus"
	"github.com/constitutional-labs/agentbus/pkg/deliberation"
	"github.com/constitutional-labs/agentbus/pkg/processor"
	"github.com/constitutional-labs/agentbus/pkg/registry"
	"github.com/constitutional-labs/agentbus/pkg/router"
	"github.com/constitutional-labs/agentbus/pkg/strategy"
	"github.com/constitutional-labs/agentbus/pkg/telemetry"
)

// Config carries the facade's tunables.
type Config struct {
	WorkerCount      int
	QueueCapacity    int           // 0 means unbounded
	SendTimeout      time.Duration // how long Send blocks for a queue slot before QUEUE_FULL
	ShutdownDeadline time.Duration
}

// DefaultConfig is the baseline (one worker, 30s shutdown).
func DefaultConfig() Config {
	return Config{
		WorkerCount:      1,
		QueueCapacity:    1024,
		SendTimeout:      5 * time.Second,
		ShutdownDeadline: 30 * time.Second,
	}
}

// SendRequest is the argument bundle for Send, matching the public
// contract's parameter list.
type SendRequest struct {
	FromAgent       string
	ToAgent         string
	ConversationID  string // defaults to a fresh id if empty
	Content         map[string]any
	Type            bus.MessageType
	Priority        bus.Priority
	TenantID        string
	Headers         map[string]string
	SecurityContext map[string]string
	Routing         *bus.RoutingContext
	ExpiresAt       *time.Time
}

// BroadcastRequest is the argument bundle for Broadcast.
type BroadcastRequest struct {
	FromAgent      string
	ConversationID string
	Content        map[string]any
	Type           bus.MessageType
	Priority       bus.Priority
	TenantID       string
	Exclude        map[string]struct{}
}

// AgentBus is the facade: register_agent/unregister_agent/send/broadcast/
// start/stop/get_agent/list_agents.
type AgentBus struct {
	reg    registry.Registry
	router *router.Router
	proc   *processor.Processor
	delib  *deliberation.Router
	cfg    Config
	clock  func() time.Time

	handlersMu sync.RWMutex
	handlers   map[bus.MessageType][]strategy.Handler

	mu       sync.Mutex
	cond     *sync.Cond
	lanes    map[string][]*job
	laneHeap laneHeap
	seq      uint64
	stopped  bool
	started  bool

	tokens  chan struct{}
	workers sync.WaitGroup

	busyWorkers int64
	telemetry   *telemetry.Telemetry
}

// New builds an AgentBus. proc and delib are expected to already be wired
// to each other (proc holds delib as its deliberation collaborator); New
// completes the remaining half of the wiring by binding delib's resume
// callback back into proc.
func New(reg registry.Registry, rt *router.Router, proc *processor.Processor, delib *deliberation.Router, cfg Config) *AgentBus {
	b := &AgentBus{
		reg:      reg,
		router:   rt,
		proc:     proc,
		delib:    delib,
		cfg:      cfg,
		clock:    time.Now,
		handlers: make(map[bus.MessageType][]strategy.Handler),
		lanes:    make(map[string][]*job),
	}
	b.cond = sync.NewCond(&b.mu)
	if cfg.QueueCapacity > 0 {
		b.tokens = make(chan struct{}, cfg.QueueCapacity)
	}
	if delib != nil {
		delib.SetResume(b.resumeDeliberation)
	}
	return b
}

// WithClock overrides the facade's clock for deterministic tests.
func (b *AgentBus) WithClock(clock func() time.Time) *AgentBus {
	b.clock = clock
	return b
}

// WithTelemetry attaches tracing/metrics to the queue's enqueue/dequeue
// path and the worker-utilization gauge.
func (b *AgentBus) WithTelemetry(t *telemetry.Telemetry) *AgentBus {
	b.telemetry = t
	return b
}

// RegisterHandler appends a handler for a message type, in the order
// handlers accumulate — handler dispatch honors registration order.
func (b *AgentBus) RegisterHandler(t bus.MessageType, h strategy.Handler) {
	b.handlersMu.Lock()
	defer b.handlersMu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
}

func (b *AgentBus) handlersForType(t bus.MessageType) []strategy.Handler {
	b.handlersMu.RLock()
	defer b.handlersMu.RUnlock()
	return append([]strategy.Handler(nil), b.handlers[t]...)
}

// RegisterAgent adds an agent to the registry.
func (b *AgentBus) RegisterAgent(agentID string, capabilities []string, metadata map[string]string) (bool, error) {
	return b.reg.Register(agentID, capabilities, metadata)
}

// UnregisterAgent removes an agent from the registry.
func (b *AgentBus) UnregisterAgent(agentID string) (bool, error) {
	return b.reg.Unregister(agentID)
}

// GetAgent returns an agent's registry record.
func (b *AgentBus) GetAgent(agentID string) (registry.Record, bool, error) {
	return b.reg.Get(agentID)
}

// ListAgents returns every registered agent's record.
func (b *AgentBus) ListAgents() ([]registry.Record, error) {
	return b.reg.ListAgents()
}

// Send constructs a Message from req, routes it, admits it to the ingress
// queue (blocking up to cfg.SendTimeout if at capacity), and blocks until
// the message reaches a terminal (or suspended-pending-deliberation)
// status, returning the processed Message.
func (b *AgentBus) Send(ctx context.Context, req SendRequest) (*bus.Message, error) {
	m := b.buildMessage(req)

	if req.ToAgent != "" || req.Routing != nil {
		target, ok := b.router.Route(m)
		if !ok {
			m.Status = bus.StatusFailed
			m.Touch(b.clock())
			return m, bus.NewError(bus.ErrNoRoute, "no registered agent matches the message's routing")
		}
		m.ToAgent = target
	}

	if err := b.acquireSlot(ctx); err != nil {
		m.Status = bus.StatusFailed
		m.Touch(b.clock())
		return m, err
	}

	j := b.enqueue(m)
	select {
	case res := <-j.done:
		return m, res.err
	case <-ctx.Done():
		return m, ctx.Err()
	}
}

// Broadcast resolves every registered agent (minus req.Exclude) and sends
// an independent copy of the message to each, returning every resulting
// Message. A per-target send failure does not abort the remaining sends.
func (b *AgentBus) Broadcast(ctx context.Context, req BroadcastRequest) ([]*bus.Message, error) {
	targets, err := b.router.Broadcast(req.Exclude)
	if err != nil {
		return nil, err
	}

	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = newID()
	}

	out := make([]*bus.Message, 0, len(targets))
	for _, target := range targets {
		m, _ := b.Send(ctx, SendRequest{
			FromAgent:      req.FromAgent,
			ToAgent:        target,
			ConversationID: conversationID,
			Content:        req.Content,
			Type:           req.Type,
			Priority:       req.Priority,
			TenantID:       req.TenantID,
		})
		out = append(out, m)
	}
	return out, nil
}

func (b *AgentBus) buildMessage(req SendRequest) *bus.Message {
	now := b.clock()
	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = newID()
	}
	return &bus.Message{
		MessageID:          newID(),
		ConversationID:     conversationID,
		FromAgent:          req.FromAgent,
		ToAgent:            req.ToAgent,
		TenantID:           req.TenantID,
		Type:               req.Type,
		Content:            req.Content,
		Headers:            req.Headers,
		Priority:           req.Priority,
		Status:             bus.StatusPending,
		CreatedAt:          now,
		UpdatedAt:          now,
		ExpiresAt:          req.ExpiresAt,
		ConstitutionalHash: bus.ConstitutionalHash,
		SecurityContext:    req.SecurityContext,
		Routing:            req.Routing,
	}
}

func newID() string { return uuid.New().String() }

// resumeDeliberation is the Deliberation Router's ResumeFunc: it continues
// a parked message through the processor's post-gate pipeline.
func (b *AgentBus) resumeDeliberation(m *bus.Message, approved bool, reviewerMetadata map[string]any) {
	handlers := b.handlersForType(m.Type)
	_, _ = b.proc.Resume(context.Background(), m, approved, reviewerMetadata, handlers)
}

// acquireSlot blocks until the ingress queue has capacity, cfg.SendTimeout
// elapses (returning QUEUE_FULL), or ctx is done.
func (b *AgentBus) acquireSlot(ctx context.Context) error {
	if b.tokens == nil {
		return nil
	}

	var timeoutCh <-chan time.Time
	if b.cfg.SendTimeout > 0 {
		timer := time.NewTimer(b.cfg.SendTimeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case b.tokens <- struct{}{}:
		return nil
	case <-timeoutCh:
		return bus.NewError(bus.ErrQueueFull, "ingress queue at capacity")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *AgentBus) releaseSlot() {
	if b.tokens == nil {
		return
	}
	<-b.tokens
}

// Start spawns the configured number of background workers draining the
// priority queue. Calling Start on an already-started bus is a no-op.
func (b *AgentBus) Start() {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.stopped = false
	workers := b.cfg.WorkerCount
	if workers <= 0 {
		workers = 1
	}
	b.mu.Unlock()

	for i := 0; i < workers; i++ {
		b.workers.Add(1)
		go b.workerLoop()
	}
}

// Stop signals every worker to drain the remaining queue and exit,
// waiting up to deadline (falling back to cfg.ShutdownDeadline if
// deadline <= 0).
func (b *AgentBus) Stop(deadline time.Duration) {
	if deadline <= 0 {
		deadline = b.cfg.ShutdownDeadline
	}

	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	b.started = false
	b.cond.Broadcast()
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(deadline):
	}
}

// QueueDepth reports the number of jobs currently waiting to be dequeued
// (not counting the one, if any, each worker is actively running).
func (b *AgentBus) QueueDepth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, lane := range b.lanes {
		n += len(lane)
	}
	return n
}

type job struct {
	msg  *bus.Message
	seq  uint64
	done chan jobResult
}

type jobResult struct {
	result bus.ValidationResult
	err    error
}

// laneRef is a heap entry representing the head of one conversation's
// FIFO lane: its priority and enqueue sequence number. The heap always
// holds at most one entry per non-empty lane, so popping it and then
// popping the lane's own head message are the same operation viewed from
// two granularities.
type laneRef struct {
	conversationID string
	priority       bus.Priority
	seq            uint64
	index          int
}

type laneHeap []*laneRef

func (h laneHeap) Len() int { return len(h) }
func (h laneHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h laneHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *laneHeap) Push(x any) {
	e := x.(*laneRef)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *laneHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// enqueue appends m to its conversation's lane, pushing a new heap entry
// only when the lane transitions from empty to non-empty — the heap
// always tracks exactly the current head of each lane.
func (b *AgentBus) enqueue(m *bus.Message) *job {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	j := &job{msg: m, seq: b.seq, done: make(chan jobResult, 1)}

	lane, exists := b.lanes[m.ConversationID]
	b.lanes[m.ConversationID] = append(lane, j)
	if !exists {
		heap.Push(&b.laneHeap, &laneRef{conversationID: m.ConversationID, priority: m.Priority, seq: j.seq})
	}
	b.cond.Signal()

	if b.telemetry != nil {
		b.telemetry.RecordQueueDepth(context.Background(), 1)
	}
	return j
}

// dequeue blocks until a job is available or the bus has been stopped
// with an empty queue, in which case it returns (nil, false).
func (b *AgentBus) dequeue() (*job, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for len(b.laneHeap) == 0 {
		if b.stopped {
			return nil, false
		}
		b.cond.Wait()
	}

	top := heap.Pop(&b.laneHeap).(*laneRef)
	lane := b.lanes[top.conversationID]
	j := lane[0]
	lane = lane[1:]
	if len(lane) == 0 {
		delete(b.lanes, top.conversationID)
	} else {
		b.lanes[top.conversationID] = lane
		heap.Push(&b.laneHeap, &laneRef{conversationID: top.conversationID, priority: lane[0].msg.Priority, seq: lane[0].seq})
	}

	if b.telemetry != nil {
		b.telemetry.RecordQueueDepth(context.Background(), -1)
	}
	return j, true
}

func (b *AgentBus) workerLoop() {
	defer b.workers.Done()
	for {
		j, ok := b.dequeue()
		if !ok {
			return
		}
		b.runJob(j)
	}
}

func (b *AgentBus) runJob(j *job) {
	defer b.releaseSlot()

	if b.telemetry != nil {
		busy := atomic.AddInt64(&b.busyWorkers, 1)
		defer atomic.AddInt64(&b.busyWorkers, -1)
		workers := b.cfg.WorkerCount
		if workers <= 0 {
			workers = 1
		}
		b.telemetry.RecordWorkerUtilization(context.Background(), float64(busy)/float64(workers))
	}

	handlers := b.handlersForType(j.msg.Type)
	result, err := b.proc.Process(context.Background(), j.msg, handlers)
	j.done <- jobResult{result: result, err: err}
}
