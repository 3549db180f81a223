package engine

import (
	"time"

	"github.com/tsubasa1008/ble-medical-receiver/pkg/connection"
	"github.com/tsubasa1008/ble-medical-receiver/pkg/model"
)

// DeviceRegistry is a read-only view over the engine's slot table: a
// lookup and enumeration surface for callers (CLI status command,
// future UI) that must never be able to mutate connection state
// directly (supplemented feature, spec §3's "relation, never
// ownership" framing applied to an external consumer).
type DeviceRegistry struct {
	engine *Engine
}

// SlotSnapshot is a point-in-time, copy-safe view of one slot.
type SlotSnapshot struct {
	Handle             model.DeviceHandle
	Status             model.ConnectionStatus
	LastFrameAt        time.Time
	SubscriptionCount  int
}

// Lookup returns the current snapshot for handle, or false if the
// engine has never seen it.
func (r *DeviceRegistry) Lookup(handle model.DeviceHandle) (SlotSnapshot, bool) {
	if r.engine.connector == nil {
		return SlotSnapshot{}, false
	}
	slot := r.engine.connector.Slot(handle)
	if slot == nil {
		return SlotSnapshot{}, false
	}
	return r.snapshot(slot), true
}

// List returns a snapshot of every known slot.
func (r *DeviceRegistry) List() []SlotSnapshot {
	if r.engine.connector == nil {
		return nil
	}
	slots := r.engine.connector.Slots()
	out := make([]SlotSnapshot, 0, len(slots))
	for _, s := range slots {
		out = append(out, r.snapshot(s))
	}
	return out
}

func (r *DeviceRegistry) snapshot(s *connection.Slot) SlotSnapshot {
	count := 0
	if r.engine.subs != nil {
		count = r.engine.subs.Count(s.Handle)
	}
	return SlotSnapshot{
		Handle:            s.Handle,
		Status:            s.Status(),
		LastFrameAt:       s.LastFrameAt(),
		SubscriptionCount: count,
	}
}
