// Package health implements the HealthProbe that detects dead
// connections on hosts whose disconnect events are slow or unreliable
// (spec §4.3), and the opt-in smart-auto-disconnect timer.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/tsubasa1008/ble-medical-receiver/pkg/connection"
	"github.com/tsubasa1008/ble-medical-receiver/pkg/logger"
	"github.com/tsubasa1008/ble-medical-receiver/pkg/model"
)

const (
	sweepInterval = 10 * time.Second
	probeDeadline = 2 * time.Second
	smartCooldown = 5 * time.Second
)

// smartWindow and smartFirstLeg are vars rather than consts so tests
// can shrink them instead of sleeping through the real 25s/30s window.
var (
	smartWindow   = 30 * time.Second
	smartFirstLeg = 25 * time.Second
)

// SlotSource is what the probe needs from the connector and the
// subscription manager: enumerate slots, count their subscriptions,
// and trigger a disconnect+reconnect cycle when one is found unhealthy.
type SlotSource interface {
	Slots() []*connection.Slot
	SubscriptionCount(handle model.DeviceHandle) int
	Disconnect(ctx context.Context, handle model.DeviceHandle) error
	Connect(ctx context.Context, handle model.DeviceHandle) error
}

// Probe runs the §4.3 sweep and the smart-auto-disconnect policy.
type Probe struct {
	source  SlotSource
	log     *logger.Logger
	silence time.Duration
	smart   bool

	mu      sync.Mutex
	timers  map[uint64]*smartTimer
}

type smartTimer struct {
	cancel context.CancelFunc
	frames chan struct{}
}

// New builds a Probe. silenceThreshold is §6's idle_probe_threshold_ms;
// smartDisconnect enables the opt-in policy, off by default.
func New(source SlotSource, silenceThreshold time.Duration, smartDisconnect bool, log *logger.Logger) *Probe {
	if log == nil {
		log = logger.Global()
	}
	if silenceThreshold <= 0 {
		silenceThreshold = 30 * time.Second
	}
	return &Probe{
		source:  source,
		log:     log,
		silence: silenceThreshold,
		smart:   smartDisconnect,
		timers:  make(map[uint64]*smartTimer),
	}
}

// Run sweeps every sweepInterval until ctx is cancelled.
func (p *Probe) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

func (p *Probe) sweep(ctx context.Context) {
	now := time.Now()
	for _, slot := range p.source.Slots() {
		if slot.Status() != model.StatusConnected {
			continue
		}
		if p.source.SubscriptionCount(slot.Handle) < 1 {
			continue
		}
		if now.Sub(slot.LastFrameAt()) <= p.silence {
			continue
		}
		p.probe(ctx, slot)
	}
}

// probe fetches the service catalogue with a 2s deadline; any
// non-success result (including timeout) marks the slot unhealthy and
// triggers disconnect+reconnect.
func (p *Probe) probe(ctx context.Context, slot *connection.Slot) {
	session := slot.Session()
	if session == nil {
		return
	}

	deadline, cancel := context.WithTimeout(ctx, probeDeadline)
	defer cancel()

	_, status, err := session.Services(deadline)
	if err == nil && status == model.Success {
		return
	}

	p.log.Warn("health probe failed, reconnecting", "handle", slot.Handle, "status", status, "error", err)
	_ = p.source.Disconnect(ctx, slot.Handle)
	_ = p.source.Connect(ctx, slot.Handle)
}

// OnMeasurement is called whenever a valid measurement is delivered,
// implementing the §4.3 smart-auto-disconnect window. It is a no-op
// when the policy is disabled. A frame arriving while a window is
// already running signals that window rather than starting a new one,
// so a continuously-active device still gets force-disconnected after
// one extension instead of being rearmed forever.
func (p *Probe) OnMeasurement(handle model.DeviceHandle) {
	if !p.smart {
		return
	}

	p.mu.Lock()
	if existing, ok := p.timers[handle.Address]; ok {
		p.mu.Unlock()
		select {
		case existing.frames <- struct{}{}:
		default:
		}
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	timer := &smartTimer{cancel: cancel, frames: make(chan struct{}, 1)}
	p.timers[handle.Address] = timer
	p.mu.Unlock()

	go p.runSmartWindow(ctx, handle, timer.frames)
}

// runSmartWindow implements "schedule a passive 30s window; if no new
// frame arrives in the first 25s, disconnect and cool down 5s; if
// frames continue, extend by 30s, then force disconnect" — a single
// extension, never a rearm. The first leg waits for either silence
// (disconnect) or a frame (move into the one-time extension); the
// extension leg lasts a full smartWindow, whatever frames arrive
// during it, and then force-disconnects.
func (p *Probe) runSmartWindow(ctx context.Context, handle model.DeviceHandle, frames <-chan struct{}) {
	select {
	case <-time.After(smartFirstLeg):
		p.forceDisconnect(handle)
		return
	case <-frames:
	case <-ctx.Done():
		return
	}

	select {
	case <-time.After(smartWindow):
	case <-ctx.Done():
		return
	}
	p.forceDisconnect(handle)
}

func (p *Probe) forceDisconnect(handle model.DeviceHandle) {
	ctx, cancel := context.WithTimeout(context.Background(), probeDeadline)
	defer cancel()

	if err := p.source.Disconnect(ctx, handle); err != nil {
		p.log.Warn("smart auto-disconnect failed", "handle", handle, "error", err)
	}

	time.Sleep(smartCooldown)

	p.mu.Lock()
	if timer, ok := p.timers[handle.Address]; ok {
		timer.cancel()
		delete(p.timers, handle.Address)
	}
	p.mu.Unlock()
}

// CancelAll cancels every pending smart-disconnect timer; called from
// engine shutdown so no fire-and-forget timer outlives the engine.
func (p *Probe) CancelAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for addr, t := range p.timers {
		t.cancel()
		delete(p.timers, addr)
	}
}
