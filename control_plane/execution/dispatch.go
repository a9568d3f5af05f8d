package execution

import (
	"context"
	"sync"

	"github.com/itskum47/FleetRoll/control_plane/store"
)

// DispatchRequest is the obligation to deliver an update to one device after
// its ExecutionDeviceStatus row has been committed. The device reports back
// through Engine.RecordDeviceUpdateResult.
type DispatchRequest struct {
	ExecutionID      string                 `json:"execution_id"`
	ExecutionBatchID string                 `json:"execution_batch_id"`
	DeviceID         string                 `json:"device_id"`
	Address          string                 `json:"-"`
	UpdateID         string                 `json:"update_id"`
	UpdateName       string                 `json:"update_name"`
	UpdateVersion    string                 `json:"update_version"`
	Packages         []*store.UpdatePackage `json:"packages"`
}

// Dispatcher hands requests to the transport. Implementations must not block
// on device I/O; delivery failures never feed back into the state machine.
type Dispatcher interface {
	Dispatch(ctx context.Context, reqs []DispatchRequest)
}

type noopDispatcher struct{}

func (noopDispatcher) Dispatch(context.Context, []DispatchRequest) {}

// Locker serializes batch advancement per execution.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// LocalLocker is an in-process keyed mutex. A key's slot lives only while
// someone holds or waits for it.
type LocalLocker struct {
	mu    sync.Mutex
	slots map[string]*lockSlot
}

type lockSlot struct {
	ch   chan struct{}
	refs int
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{slots: make(map[string]*lockSlot)}
}

func (l *LocalLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	slot, ok := l.slots[key]
	if !ok {
		slot = &lockSlot{ch: make(chan struct{}, 1)}
		l.slots[key] = slot
	}
	slot.refs++
	l.mu.Unlock()

	select {
	case slot.ch <- struct{}{}:
		return func() {
			<-slot.ch
			l.release(key, slot)
		}, nil
	case <-ctx.Done():
		l.release(key, slot)
		return nil, ctx.Err()
	}
}

func (l *LocalLocker) release(key string, slot *lockSlot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot.refs--
	if slot.refs == 0 {
		delete(l.slots, key)
	}
}
