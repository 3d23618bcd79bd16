package engine

import (
	"sync"

	"github.com/google/uuid"
)

// LifecycleState distinguishes a live instance from one DELETE_INSTANCE has
// tombstoned; tombstones are retained (not removed from the store) so a
// repeated DELETE_INSTANCE on the same ID remains idempotent.
type LifecycleState string

const (
	LifecycleActive  LifecycleState = "active"
	LifecycleDeleted LifecycleState = "deleted"
)

// Instance is one running state-machine instance. Mutation always happens
// under mu, held for the duration of a single APPLY_EVENT/DELETE_INSTANCE
// so concurrent callers serialize on a given instance without blocking
// unrelated instances.
type Instance struct {
	mu sync.Mutex

	ID         string
	Machine    string
	Version    int
	State      string
	Ctx        map[string]any
	Lifecycle  LifecycleState
	LastEvent  string
	WALOffset  uint64
	CreatedAt  int64
	UpdatedAt  int64
}

// NewInstanceID mints a new instance identifier the way CREATE_INSTANCE
// does when the caller doesn't supply one.
func NewInstanceID() string {
	return uuid.NewString()
}

// shallowMerge applies payload keys on top of a copy of ctx: one level
// deep, payload values replace ctx values of the same key outright (no
// recursive merge of nested objects), matching spec.md's ctx-merge rule.
func shallowMerge(ctx map[string]any, payload map[string]any) map[string]any {
	merged := make(map[string]any, len(ctx)+len(payload))
	for k, v := range ctx {
		merged[k] = v
	}
	for k, v := range payload {
		merged[k] = v
	}
	return merged
}
