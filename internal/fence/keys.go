// Package fence implements the fence/taskset protocol used to fan out per-entity
// sync work and to detect, exactly once, when all of it has completed.
//
// A fence is a pair of coordination keys for one entity instance:
//
//   - the fence key holds the number of tasks generated. Its presence means an
//     operation is pending or in flight for the entity.
//   - the taskset key names a set of outstanding task ids. Workers remove their
//     id on completion.
//
// The fence key is written only after every task id has been added to the
// taskset and dispatched, so a fence with a value and an empty taskset is done.
package fence

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

const (
	fenceSuffix   = "_fence"
	tasksetSuffix = "_taskset"
	keySeparator  = ":"
	taskSeparator = "_"
)

var (
	// ErrInvalidKey is returned when a key does not follow the fence key format of a kind
	ErrInvalidKey = errors.New("invalid fence key")
	// ErrInvalidTaskID is returned when a task id does not follow the <prefix>_<id>_<uuid> format
	ErrInvalidTaskID = errors.New("invalid task id")
)

// Kind identifies a family of fences sharing a key prefix
type Kind struct {
	prefix string
	// shared kinds use one fence and one taskset for every entity instance
	shared bool
}

var (
	// ConnectorSync tracks stale documents across all connector credential pairs
	ConnectorSync = Kind{prefix: "connectorsync", shared: true}
	// DocumentSet tracks propagation of a document set change
	DocumentSet = Kind{prefix: "documentset"}
	// UserGroup tracks propagation of a user group change
	UserGroup = Kind{prefix: "usergroup"}
	// ConnectorDeletion tracks removal of a connector credential pair's documents
	ConnectorDeletion = Kind{prefix: "connectordeletion"}
)

// Kinds lists every known kind
var Kinds = []Kind{ConnectorSync, DocumentSet, UserGroup, ConnectorDeletion}

// KindFromPrefix returns the kind with the given prefix
func KindFromPrefix(prefix string) (Kind, bool) {
	for _, k := range Kinds {
		if k.prefix == prefix {
			return k, true
		}
	}
	return Kind{}, false
}

// String returns the kind prefix
func (k Kind) String() string { return k.prefix }

// Shared reports whether all entities of the kind share one fence
func (k Kind) Shared() bool { return k.shared }

// FencePrefix is the prefix of every fence key of the kind, suitable for scanning
func (k Kind) FencePrefix() string { return k.prefix + fenceSuffix }

// ScanPrefix is the prefix matching every per-entity fence key of the kind
func (k Kind) ScanPrefix() string { return k.FencePrefix() + keySeparator }

// FenceKey returns the fence key for an entity id. Shared kinds ignore the id.
func (k Kind) FenceKey(id int64) string {
	if k.shared {
		return k.FencePrefix()
	}
	return k.FencePrefix() + keySeparator + strconv.FormatInt(id, 10)
}

// TasksetKey returns the taskset key for an entity id. Shared kinds ignore the id.
func (k Kind) TasksetKey(id int64) string {
	if k.shared {
		return k.prefix + tasksetSuffix
	}
	return k.prefix + tasksetSuffix + keySeparator + strconv.FormatInt(id, 10)
}

// ParseFenceKey extracts the entity id from a fence key: the kind's fence prefix,
// a colon, then a base 10 integer.
func (k Kind) ParseFenceKey(key string) (int64, error) {
	if k.shared {
		return 0, fmt.Errorf("%w: %s fences carry no entity id", ErrInvalidKey, k.prefix)
	}
	rest, ok := strings.CutPrefix(key, k.FencePrefix()+keySeparator)
	if !ok {
		return 0, fmt.Errorf("%w: %q does not start with %s%s", ErrInvalidKey, key, k.FencePrefix(), keySeparator)
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %w", ErrInvalidKey, key, err)
	}
	return id, nil
}

// NewTaskID builds a unique task id that records which entity generated it
func (k Kind) NewTaskID(id int64) string {
	return k.prefix + taskSeparator + strconv.FormatInt(id, 10) + taskSeparator + uuid.NewString()
}

// ParseTaskID returns the kind and entity id encoded in a task id
func ParseTaskID(taskID string) (Kind, int64, error) {
	parts := strings.SplitN(taskID, taskSeparator, 3)
	if len(parts) != 3 {
		return Kind{}, 0, fmt.Errorf("%w: %q", ErrInvalidTaskID, taskID)
	}
	kind, ok := KindFromPrefix(parts[0])
	if !ok {
		return Kind{}, 0, fmt.Errorf("%w: unknown prefix in %q", ErrInvalidTaskID, taskID)
	}
	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return Kind{}, 0, fmt.Errorf("%w: %q: %w", ErrInvalidTaskID, taskID, err)
	}
	return kind, id, nil
}
