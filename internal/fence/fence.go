package fence

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"time"

	"github.com/stacklok/docsync/internal/coord"
	"github.com/stacklok/docsync/internal/queue"
)

var (
	// ErrInvalidFenceValue is returned when a fence key holds something other than an integer
	ErrInvalidFenceValue = errors.New("fence value is not an integer")
	// ErrNoFence is returned when reading the progress of a fence that does not exist
	ErrNoFence = errors.New("fence does not exist")
)

// Dispatcher sends a task message to the work queue
type Dispatcher interface {
	Enqueue(ctx context.Context, task queue.Task) error
}

// Source enumerates the work units of one entity.
// ok is false when the entity no longer exists and nothing can be generated.
type Source interface {
	Tasks(ctx context.Context) (tasks iter.Seq2[queue.Task, error], ok bool, err error)
}

// Progress is a point in time view of a committed fence
type Progress struct {
	Initial   int64
	Remaining int64
}

// Done reports whether every generated task has completed
func (p Progress) Done() bool { return p.Remaining == 0 }

// Controller owns the fence and taskset keys of one entity instance
type Controller struct {
	store coord.Store
	kind  Kind
	id    int64
	now   func() time.Time
}

// New returns the controller for an entity. For shared kinds the id only
// tags generated task ids.
func New(store coord.Store, kind Kind, id int64) *Controller {
	return &Controller{store: store, kind: kind, id: id, now: time.Now}
}

// Kind returns the fence kind
func (c *Controller) Kind() Kind { return c.kind }

// ID returns the entity id
func (c *Controller) ID() int64 { return c.id }

// FenceKey returns the key holding the generated task count
func (c *Controller) FenceKey() string { return c.kind.FenceKey(c.id) }

// TasksetKey returns the key of the outstanding task id set
func (c *Controller) TasksetKey() string { return c.kind.TasksetKey(c.id) }

// Exists reports whether the fence is present
func (c *Controller) Exists(ctx context.Context) (bool, error) {
	return c.store.Exists(ctx, c.FenceKey())
}

// ResetTaskset deletes any taskset left behind by an interrupted generation
func (c *Controller) ResetTaskset(ctx context.Context) error {
	return c.store.Delete(ctx, c.TasksetKey())
}

// Commit writes the generated task count to the fence key. This must happen
// after GenerateTasks returned; it is what makes the fence authoritative.
func (c *Controller) Commit(ctx context.Context, count int64) error {
	if err := c.store.Set(ctx, c.FenceKey(), strconv.FormatInt(count, 10)); err != nil {
		return fmt.Errorf("failed to commit fence %s: %w", c.FenceKey(), err)
	}
	return nil
}

// Progress reads the committed count and the remaining taskset size
func (c *Controller) Progress(ctx context.Context) (Progress, error) {
	raw, ok, err := c.store.Get(ctx, c.FenceKey())
	if err != nil {
		return Progress{}, err
	}
	if !ok {
		return Progress{}, ErrNoFence
	}
	initial, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return Progress{}, fmt.Errorf("%w: %s=%q", ErrInvalidFenceValue, c.FenceKey(), raw)
	}
	remaining, err := c.store.SetSize(ctx, c.TasksetKey())
	if err != nil {
		return Progress{}, err
	}
	return Progress{Initial: initial, Remaining: remaining}, nil
}

// Clear deletes the taskset and the fence. Clearing twice is harmless.
func (c *Controller) Clear(ctx context.Context) error {
	return c.store.Delete(ctx, c.TasksetKey(), c.FenceKey())
}

// GenerateTasks adds one taskset entry per work unit of src and dispatches the
// unit, in that order, so a completed task can never be missing from the set.
// The lock is reacquired every quarter of its timeout. ok is false when the
// entity vanished. The caller must have checked that the fence does not exist
// and must Commit the returned count afterwards.
func (c *Controller) GenerateTasks(
	ctx context.Context,
	src Source,
	dispatcher Dispatcher,
	lock coord.Lock,
) (int64, bool, error) {
	tasks, ok, err := src.Tasks(ctx)
	if err != nil {
		return 0, false, err
	}
	if !ok {
		return 0, false, nil
	}

	reacquireEvery := lock.Timeout() / 4
	lastLock := c.now()

	var count int64
	for task, err := range tasks {
		if err != nil {
			return count, true, fmt.Errorf("failed to enumerate %s %d: %w", c.kind, c.id, err)
		}

		if now := c.now(); now.Sub(lastLock) >= reacquireEvery {
			if err := lock.Reacquire(ctx); err != nil {
				return count, true, fmt.Errorf("failed to keep lock %s: %w", lock.Name(), err)
			}
			lastLock = now
		}

		task.ID = c.kind.NewTaskID(c.id)
		task.Taskset = c.TasksetKey()

		if err := c.store.SetAdd(ctx, c.TasksetKey(), task.ID); err != nil {
			return count, true, err
		}
		if err := dispatcher.Enqueue(ctx, task); err != nil {
			return count, true, fmt.Errorf("failed to dispatch %s: %w", task.ID, err)
		}
		count++
	}
	return count, true, nil
}

// Status describes one fence found in the store
type Status struct {
	Kind      string `json:"kind"`
	EntityID  *int64 `json:"entity_id,omitempty"`
	FenceKey  string `json:"fence_key"`
	Initial   int64  `json:"initial"`
	Remaining int64  `json:"remaining"`
}

// List returns every fence currently present in the store. Fences with
// unreadable keys or values are skipped.
func List(ctx context.Context, store coord.Store) ([]Status, error) {
	var out []Status

	shared := New(store, ConnectorSync, 0)
	if p, err := shared.Progress(ctx); err == nil {
		out = append(out, Status{Kind: ConnectorSync.String(), FenceKey: shared.FenceKey(), Initial: p.Initial, Remaining: p.Remaining})
	} else if !errors.Is(err, ErrNoFence) && !errors.Is(err, ErrInvalidFenceValue) {
		return nil, err
	}

	for _, kind := range Kinds {
		if kind.Shared() {
			continue
		}
		for key, err := range store.ScanKeys(ctx, kind.ScanPrefix()) {
			if err != nil {
				return nil, err
			}
			id, err := kind.ParseFenceKey(key)
			if err != nil {
				continue
			}
			p, err := New(store, kind, id).Progress(ctx)
			if err != nil {
				if errors.Is(err, ErrNoFence) || errors.Is(err, ErrInvalidFenceValue) {
					continue
				}
				return nil, err
			}
			out = append(out, Status{Kind: kind.String(), EntityID: &id, FenceKey: key, Initial: p.Initial, Remaining: p.Remaining})
		}
	}
	return out, nil
}
