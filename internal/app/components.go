package app

import (
	"github.com/stacklok/docsync/internal/coord"
	"github.com/stacklok/docsync/internal/index"
	"github.com/stacklok/docsync/internal/queue"
	"github.com/stacklok/docsync/internal/store"
	"github.com/stacklok/docsync/internal/sync"
	"github.com/stacklok/docsync/internal/worker"
)

// AppComponents groups all application components. Components of roles the
// app does not run are nil.
//
//nolint:revive // This name is fine
type AppComponents struct {
	// Store is the relational state
	Store store.Store

	// Coord holds fences, tasksets and loop locks
	Coord coord.Store

	// Queue carries tasks from the beat and the generators to the workers
	Queue *queue.RedisQueue

	// Index is the search index the worker tasks update
	Index index.DocumentIndex

	// Scheduler and Monitor run as periodic tasks on the workers
	Scheduler *sync.Scheduler
	Monitor   *sync.Monitor

	// Pool executes tasks (worker role)
	Pool *worker.Pool

	// Beat sends the periodic tasks (beat role)
	Beat *sync.Beat
}
