// Package deliberation implements the Deliberation Router (C8): it parks a
// message off the hot path pending human/governance review and resumes it
// on the bus once a result arrives or a deadline expires.
package deliberation

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/constitutional-labs/agentbus/pkg/bus"
)

// State is the lifecycle state of a single deliberation.
type State string

const (
	Pending  State = "PENDING"
	Resolved State = "RESOLVED"
	Expired  State = "EXPIRED"
	Canceled State = "CANCELED"
)

// DefaultDeadline is the conservative default wall-clock deadline for a
// deliberation to receive a result before it is auto-denied.
const DefaultDeadline = 24 * time.Hour

// Entry is the correlation-table row tracking one in-flight deliberation.
type Entry struct {
	DeliberationID string
	Message        *bus.Message
	ConversationID string

	CreatedAt time.Time
	ExpiresAt time.Time
	State     State

	ReviewerMetadata map[string]any
	Approved         bool
}

// ResumeFunc resumes the suspended message on the bus with a final
// status, forwarding to the processor's pipeline continuation.
type ResumeFunc func(m *bus.Message, approved bool, reviewerMetadata map[string]any)

// Router is the Deliberation Router: a bounded correlation table from
// deliberation_id to the parked message, with deadline enforcement.
type Router struct {
	mu       sync.Mutex
	entries  map[string]*Entry
	capacity int
	clock    func() time.Time
	resume   ResumeFunc
}

// New builds a Router with a bounded correlation table (capacity <= 0
// means unbounded) and the callback used to resume a message once
// resolved.
func New(capacity int, resume ResumeFunc) *Router {
	return &Router{
		entries:  make(map[string]*Entry),
		capacity: capacity,
		clock:    time.Now,
		resume:   resume,
	}
}

// WithClock overrides the router's clock for deterministic tests.
func (r *Router) WithClock(clock func() time.Time) *Router {
	r.clock = clock
	return r
}

// SetResume binds the resume callback after construction, for callers that
// need the router to exist before the collaborator driving resume (e.g. the
// message processor) is itself fully wired.
func (r *Router) SetResume(resume ResumeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resume = resume
}

// Submit enqueues a message for deliberation, returning its deliberation
// id. It returns DELIBERATION_FULL if the bounded table is at capacity.
func (r *Router) Submit(m *bus.Message, deadline time.Duration) (string, error) {
	if deadline <= 0 {
		deadline = DefaultDeadline
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.capacity > 0 && len(r.entries) >= r.capacity {
		return "", bus.NewError(bus.ErrDeliberationFull, "deliberation queue at capacity")
	}

	now := r.clock()
	id := uuid.New().String()
	r.entries[id] = &Entry{
		DeliberationID: id,
		Message:        m,
		ConversationID: m.ConversationID,
		CreatedAt:      now,
		ExpiresAt:      now.Add(deadline),
		State:          Pending,
	}
	return id, nil
}

// PostResult resumes the suspended message with the reviewer's verdict,
// bypassing constitutional/role re-validation per the conservative
// default, but the caller remains responsible for emitting the full audit
// record (including reviewer_metadata) before returning.
func (r *Router) PostResult(deliberationID string, approved bool, reviewerMetadata map[string]any) error {
	r.mu.Lock()
	entry, ok := r.entries[deliberationID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("deliberation: unknown id %s", deliberationID)
	}
	if entry.State != Pending {
		r.mu.Unlock()
		return fmt.Errorf("deliberation: %s already resolved as %s", deliberationID, entry.State)
	}
	entry.State = Resolved
	entry.Approved = approved
	entry.ReviewerMetadata = reviewerMetadata
	delete(r.entries, deliberationID)
	r.mu.Unlock()

	if r.resume != nil {
		r.resume(entry.Message, approved, reviewerMetadata)
	}
	return nil
}

// Sweep scans for entries past their deadline, auto-resolves them with
// decision=DENY and reason DELIBERATION_TIMEOUT, and returns how many were
// swept. Callers should invoke this periodically (e.g. from a background
// worker alongside the bus's main loop).
func (r *Router) Sweep() int {
	now := r.clock()

	r.mu.Lock()
	var timedOut []*Entry
	for id, entry := range r.entries {
		if entry.State == Pending && now.After(entry.ExpiresAt) {
			entry.State = Expired
			timedOut = append(timedOut, entry)
			delete(r.entries, id)
		}
	}
	r.mu.Unlock()

	for _, entry := range timedOut {
		if r.resume != nil {
			r.resume(entry.Message, false, map[string]any{"reason": string(bus.ErrDeliberationTimeout)})
		}
	}
	return len(timedOut)
}

// Get returns the correlation-table entry for a deliberation id.
func (r *Router) Get(deliberationID string) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[deliberationID]
	return e, ok
}

// Len reports the number of in-flight deliberations.
func (r *Router) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
