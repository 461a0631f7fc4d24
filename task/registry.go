// vidnet/task/registry.go
package task

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"

	"vidnet/cache"
)

var (
	ErrNotFound = errors.New("task not found")
	ErrTerminal = errors.New("task is in a terminal state")
)

// Patch is a partial update to a task. Nil fields are left untouched, so
// concurrent updates to distinct fields never overwrite each other.
type Patch struct {
	Status   *Status
	Progress *int
	Result   *Result
	Failure  *Failure
}

// Registry owns all task state. Snapshots are mirrored into the cache store
// so status stays queryable for a grace period after the worker is done with
// the task, and survives a restart within the TTL.
type Registry struct {
	store *cache.Store
	ttl   time.Duration

	mu      sync.Mutex
	tasks   map[string]*Task
	cancels map[string]context.CancelFunc
	now     func() time.Time

	// Held across the mu release so snapshots reach the cache in the same
	// order the mutations were applied, without doing store I/O under mu.
	persistMu sync.Mutex
}

func NewRegistry(store *cache.Store, ttl time.Duration) *Registry {
	return &Registry{
		store:   store,
		ttl:     ttl,
		tasks:   make(map[string]*Task),
		cancels: make(map[string]context.CancelFunc),
		now:     time.Now,
	}
}

// Create allocates a fresh pending task. It never blocks.
func (r *Registry) Create(kind Kind, req Request) *Task {
	now := r.now()
	t := &Task{
		ID:        shortuuid.New(),
		Kind:      kind,
		Request:   req,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	r.mu.Lock()
	r.tasks[t.ID] = t
	snapshot := t.clone()
	r.persistMu.Lock()
	r.mu.Unlock()

	r.persist(snapshot)
	r.persistMu.Unlock()
	return snapshot
}

// Get returns a snapshot of the task. Tasks evicted from memory (e.g. after
// a restart) are read back from the cache while their TTL lasts.
func (r *Registry) Get(ctx context.Context, id string) (*Task, error) {
	r.mu.Lock()
	t, ok := r.tasks[id]
	if ok {
		snapshot := t.clone()
		r.mu.Unlock()
		return snapshot, nil
	}
	r.mu.Unlock()

	raw, ok := r.store.Get(ctx, cache.Key(cache.TaskPrefix, id))
	if !ok {
		return nil, ErrNotFound
	}
	var cached Task
	if err := json.Unmarshal(raw, &cached); err != nil {
		log.Printf("Discarding corrupt cached task %s: %v", id, err)
		return nil, ErrNotFound
	}
	return &cached, nil
}

// Update atomically merges patch into the task. Updates to terminal tasks
// are rejected, status transitions must move forward, and progress never
// decreases.
func (r *Registry) Update(id string, patch Patch) (*Task, error) {
	r.mu.Lock()
	t, ok := r.tasks[id]
	if !ok {
		r.mu.Unlock()
		return nil, ErrNotFound
	}
	if t.Status.Terminal() {
		r.mu.Unlock()
		return nil, ErrTerminal
	}
	if patch.Status != nil && !t.Status.canTransition(*patch.Status) {
		r.mu.Unlock()
		return nil, ErrTerminal
	}

	if patch.Status != nil {
		t.Status = *patch.Status
	}
	if patch.Progress != nil && *patch.Progress > t.Progress {
		t.Progress = *patch.Progress
	}
	if patch.Result != nil {
		t.Result = patch.Result
	}
	if patch.Failure != nil {
		t.Failure = patch.Failure
	}
	t.UpdatedAt = r.now()
	snapshot := t.clone()
	r.persistMu.Lock()
	r.mu.Unlock()

	r.persist(snapshot)
	r.persistMu.Unlock()
	return snapshot, nil
}

// Cancel transitions an active task to cancelled and signals its worker if
// one is running. Cancelling a terminal task is an idempotent no-op.
func (r *Registry) Cancel(id string) (*Task, error) {
	r.mu.Lock()
	t, ok := r.tasks[id]
	if !ok {
		r.mu.Unlock()
		return nil, ErrNotFound
	}
	if t.Status.Terminal() {
		snapshot := t.clone()
		r.mu.Unlock()
		return snapshot, nil
	}

	t.Status = StatusCancelled
	t.UpdatedAt = r.now()
	cancel := r.cancels[id]
	delete(r.cancels, id)
	snapshot := t.clone()
	r.persistMu.Lock()
	r.mu.Unlock()

	if cancel != nil {
		cancel()
		log.Printf("Cancellation signal sent to running task %s", id)
	}
	r.persist(snapshot)
	r.persistMu.Unlock()
	return snapshot, nil
}

// setCancelFunc stores the handle a Cancel call uses to abort the running
// job. Returns false if the task already reached a terminal state, in which
// case the worker should not start.
func (r *Registry) setCancelFunc(id string, cancel context.CancelFunc) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok || t.Status.Terminal() {
		return false
	}
	r.cancels[id] = cancel
	return true
}

func (r *Registry) clearCancelFunc(id string) {
	r.mu.Lock()
	delete(r.cancels, id)
	r.mu.Unlock()
}

// PruneTerminal drops terminal tasks older than age from memory. Their
// snapshots remain readable from the cache until the TTL runs out.
func (r *Registry) PruneTerminal(age time.Duration) int {
	cutoff := r.now().Add(-age)
	r.mu.Lock()
	defer r.mu.Unlock()
	pruned := 0
	for id, t := range r.tasks {
		if t.Status.Terminal() && t.UpdatedAt.Before(cutoff) {
			delete(r.tasks, id)
			delete(r.cancels, id)
			pruned++
		}
	}
	return pruned
}

func (r *Registry) persist(t *Task) {
	data, err := json.Marshal(t)
	if err != nil {
		log.Printf("Failed to serialize task %s: %v", t.ID, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r.store.Set(ctx, cache.Key(cache.TaskPrefix, t.ID), data, r.ttl)
}
