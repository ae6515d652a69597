package approval

import (
	"context"
	"sync"
)

// Callbacks is the only coupling point between the engine and a business
// module. Both methods run inside the decision's unit of work: returning an
// error rolls the decision back. A decision that committed but was never
// acknowledged may be retried, so implementations must be idempotent.
type Callbacks interface {
	// OnChainApproved fires once, when the final level is approved.
	OnChainApproved(ctx context.Context, ref ChainRef, final *ApprovalRequest) error

	// OnChainRejected fires when any level is rejected.
	OnChainRejected(ctx context.Context, ref ChainRef, rejected *ApprovalRequest) error
}

// LevelObserver is implemented by modules that mirror intermediate levels
// (payroll moves to PENDING_CEO after the finance level).
type LevelObserver interface {
	OnLevelApproved(ctx context.Context, ref ChainRef, approved, next *ApprovalRequest) error
}

// CancelObserver is implemented by modules that react to a requester
// withdrawing a pending chain.
type CancelObserver interface {
	OnChainCancelled(ctx context.Context, ref ChainRef, cancelled *ApprovalRequest) error
}

// CallbackRegistry maps request types to their owning module.
type CallbackRegistry struct {
	mu sync.RWMutex
	cb map[RequestType]Callbacks
}

func NewCallbackRegistry() *CallbackRegistry {
	return &CallbackRegistry{cb: make(map[RequestType]Callbacks)}
}

func (r *CallbackRegistry) Register(t RequestType, cb Callbacks) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cb[t] = cb
}

// Lookup returns nil when no module registered for the type.
func (r *CallbackRegistry) Lookup(t RequestType) Callbacks {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cb[t]
}

// CallbackFuncs adapts plain functions. Nil fields are no-ops.
type CallbackFuncs struct {
	Approved  func(ctx context.Context, ref ChainRef, final *ApprovalRequest) error
	Rejected  func(ctx context.Context, ref ChainRef, rejected *ApprovalRequest) error
	Cancelled func(ctx context.Context, ref ChainRef, cancelled *ApprovalRequest) error
}

func (f CallbackFuncs) OnChainApproved(ctx context.Context, ref ChainRef, final *ApprovalRequest) error {
	if f.Approved == nil {
		return nil
	}
	return f.Approved(ctx, ref, final)
}

func (f CallbackFuncs) OnChainRejected(ctx context.Context, ref ChainRef, rejected *ApprovalRequest) error {
	if f.Rejected == nil {
		return nil
	}
	return f.Rejected(ctx, ref, rejected)
}

func (f CallbackFuncs) OnChainCancelled(ctx context.Context, ref ChainRef, cancelled *ApprovalRequest) error {
	if f.Cancelled == nil {
		return nil
	}
	return f.Cancelled(ctx, ref, cancelled)
}
