// Package connection owns the per-device connection state machine and
// the reconnection policy (spec §4.2).
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tsubasa1008/ble-medical-receiver/pkg/logger"
	"github.com/tsubasa1008/ble-medical-receiver/pkg/metrics"
	"github.com/tsubasa1008/ble-medical-receiver/pkg/model"
	"github.com/tsubasa1008/ble-medical-receiver/pkg/transport"
)

// Errors returned by Connector methods.
var (
	ErrUnknownHandle  = errors.New("unknown device handle")
	ErrConnectTimeout = errors.New("connect timed out")
	ErrFailedState    = errors.New("slot is in Failed state")
)

// Slot is the §3 ConnectionSlot entity: exactly one per handle, state
// transitions only through the automaton in §4.2.
type Slot struct {
	Handle model.DeviceHandle

	mu                sync.RWMutex
	status            model.ConnectionStatus
	retryCount        int
	lastConnectedAt   time.Time
	lastDisconnectedAt time.Time
	lastAttemptAt     time.Time
	lastFrameAt       time.Time
	session           transport.DeviceSession
	services          []transport.Service

	ctx    context.Context
	cancel context.CancelFunc
}

// Status returns the slot's current state. It takes only the slot's
// read lock, so observers never wait behind each other, only briefly
// behind a mutation in progress.
func (s *Slot) Status() model.ConnectionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Services returns the cached service catalogue stored on the slot
// while Connected.
func (s *Slot) Services() []transport.Service {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.services
}

// Session returns the open device session, or nil when not Connected.
func (s *Slot) Session() transport.DeviceSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session
}

// LastFrameAt returns when a value-changed frame was last observed on
// this slot's subscriptions (updated only by the subscription manager
// per §3's LivenessRecord).
func (s *Slot) LastFrameAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastFrameAt
}

// TouchFrame records the arrival of a value-changed frame.
func (s *Slot) TouchFrame(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastFrameAt = at
}

func (s *Slot) setStatus(status model.ConnectionStatus) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// Config carries the subset of the recognized-options struct the
// Connector consumes (spec §6).
type Config struct {
	ConnectTimeout     time.Duration
	ReconnectBackoff   []time.Duration
	ConcurrentConnects int
}

// DefaultConfig matches the §6 defaults.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:     30 * time.Second,
		ReconnectBackoff:   []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second},
		ConcurrentConnects: 5,
	}
}

// ResubscribeFunc is invoked after a successful (re)connect so the
// subscription manager can re-enable notifications on the fresh
// service catalogue.
type ResubscribeFunc func(ctx context.Context, handle model.DeviceHandle)

// StatusFunc reports a status transition upstream to the EventSink
// adapter.
type StatusFunc func(handle model.DeviceHandle, status model.ConnectionStatus, err error)

// Connector owns the slot table and enforces the §4.2 state machine,
// the bounded connect semaphore, and the reconnection backoff policy.
type Connector struct {
	transport transport.Transport
	cfg       Config
	log       *logger.Logger

	sem chan struct{}

	mu    sync.RWMutex
	slots map[uint64]*Slot

	onStatus      StatusFunc
	onResubscribe ResubscribeFunc
}

// New builds a Connector.
func New(t transport.Transport, cfg Config, log *logger.Logger, onStatus StatusFunc, onResubscribe ResubscribeFunc) *Connector {
	if log == nil {
		log = logger.Global()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if len(cfg.ReconnectBackoff) == 0 {
		cfg.ReconnectBackoff = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}
	}
	if cfg.ConcurrentConnects <= 0 {
		cfg.ConcurrentConnects = 5
	}
	return &Connector{
		transport:     t,
		cfg:           cfg,
		log:           log,
		sem:           make(chan struct{}, cfg.ConcurrentConnects),
		slots:         make(map[uint64]*Slot),
		onStatus:      onStatus,
		onResubscribe: onResubscribe,
	}
}

// slotFor returns the slot for handle, creating it in Disconnected
// state on first discovery (§3's Lifecycle rule).
func (c *Connector) slotFor(handle model.DeviceHandle) *Slot {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.slots[handle.Address]; ok {
		return s
	}
	s := &Slot{Handle: handle, status: model.StatusDisconnected}
	c.slots[handle.Address] = s
	return s
}

// Slot returns the slot for handle, or nil if it does not exist yet.
func (c *Connector) Slot(handle model.DeviceHandle) *Slot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.slots[handle.Address]
}

// Slots returns a snapshot of every known slot, for the health probe's
// sweep and for status/inspection commands.
func (c *Connector) Slots() []*Slot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Slot, 0, len(c.slots))
	for _, s := range c.slots {
		out = append(out, s)
	}
	return out
}

// ConnectedCount returns the number of slots currently Connected, for
// the connected_slots gauge.
func (c *Connector) ConnectedCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, s := range c.slots {
		if s.Status() == model.StatusConnected {
			n++
		}
	}
	return n
}

// ConnectingCount returns the number of slots currently Connecting,
// which per §8 must never exceed the concurrent-connect semaphore
// limit.
func (c *Connector) ConnectingCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, s := range c.slots {
		if s.Status() == model.StatusConnecting {
			n++
		}
	}
	return n
}

// Connect establishes a connection for handle. Idempotent: a slot
// already Connected returns success immediately.
func (c *Connector) Connect(ctx context.Context, handle model.DeviceHandle) error {
	slot := c.slotFor(handle)

	slot.mu.Lock()
	if slot.status == model.StatusConnected {
		slot.mu.Unlock()
		return nil
	}
	if slot.ctx == nil || slot.ctx.Err() != nil {
		slot.ctx, slot.cancel = context.WithCancel(context.Background())
	}
	slot.mu.Unlock()

	return c.connectLocked(ctx, slot)
}

// connectLocked runs the actual connect attempt, bounded by the
// global concurrent-connect semaphore and the §4.2 30s timeout.
func (c *Connector) connectLocked(ctx context.Context, slot *Slot) error {
	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-c.sem }()

	slot.setStatus(model.StatusConnecting)
	c.report(slot.Handle, model.StatusConnecting, nil)

	slot.mu.Lock()
	slot.lastAttemptAt = time.Now()
	slot.mu.Unlock()

	connectCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	session, services, err := c.dial(connectCtx, slot.Handle)
	if err != nil {
		metrics.IncConnectAttempt(metrics.OutcomeFailure)
		slot.setStatus(model.StatusFailed)
		c.report(slot.Handle, model.StatusFailed, err)
		return err
	}

	metrics.IncConnectAttempt(metrics.OutcomeSuccess)

	slot.mu.Lock()
	slot.session = session
	slot.services = services
	slot.status = model.StatusConnected
	slot.retryCount = 0
	slot.lastConnectedAt = time.Now()
	slot.mu.Unlock()

	c.report(slot.Handle, model.StatusConnected, nil)
	c.watchConnectionLoss(slot, session)

	if c.onResubscribe != nil {
		c.onResubscribe(slot.ctx, slot.Handle)
	}

	return nil
}

// dial opens the session and performs GATT service discovery, honoring
// ctx's deadline. A context deadline exceeded is reported as
// ErrConnectTimeout to match §4.2's "exceeding the timeout
// transitions to Failed" wording.
func (c *Connector) dial(ctx context.Context, handle model.DeviceHandle) (transport.DeviceSession, []transport.Service, error) {
	session, err := c.transport.OpenDevice(ctx, handle)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, nil, ErrConnectTimeout
		}
		return nil, nil, fmt.Errorf("open device: %w", err)
	}

	services, status, err := session.Services(ctx)
	if err != nil || status != model.Success {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, nil, ErrConnectTimeout
		}
		if err == nil {
			err = fmt.Errorf("service discovery status %s", status)
		}
		return nil, nil, fmt.Errorf("service discovery: %w", err)
	}

	return session, services, nil
}

// watchConnectionLoss starts the goroutine that listens for unsolicited
// connection-status pushes from the transport and triggers
// reconnection on loss, bound to the slot's cancellation token.
func (c *Connector) watchConnectionLoss(slot *Slot, session transport.DeviceSession) {
	slot.mu.RLock()
	ctx := slot.ctx
	slot.mu.RUnlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				c.log.Error("panic in connection-loss watcher", "handle", slot.Handle, "error", r)
			}
		}()
		changes := session.ConnectionStatusChanges()
		for {
			select {
			case status, ok := <-changes:
				if !ok {
					return
				}
				if status == model.StatusDisconnected || status == model.StatusReconnecting {
					c.handleLoss(slot)
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// handleLoss runs the reconnection policy: §4.2's strict {1,2,4}s
// backoff schedule, exhaustion transitions to Failed.
func (c *Connector) handleLoss(slot *Slot) {
	slot.mu.Lock()
	if slot.status != model.StatusConnected {
		slot.mu.Unlock()
		return
	}
	slot.status = model.StatusReconnecting
	slot.lastDisconnectedAt = time.Now()
	ctx := slot.ctx
	slot.mu.Unlock()

	c.report(slot.Handle, model.StatusReconnecting, nil)

	for attempt, backoff := range c.cfg.ReconnectBackoff {
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}

		slot.mu.Lock()
		slot.retryCount = attempt + 1
		slot.mu.Unlock()

		err := c.connectLocked(ctx, slot)
		if err == nil {
			metrics.IncReconnect(metrics.OutcomeSuccess)
			return
		}
		c.log.Warn("reconnect attempt failed", "handle", slot.Handle, "attempt", attempt+1, "error", err)
	}

	metrics.IncReconnect(metrics.OutcomeFailure)
	slot.setStatus(model.StatusFailed)
	c.report(slot.Handle, model.StatusFailed, errors.New("reconnection exhausted"))
}

// Disconnect runs the §4.2 aggressive disconnect contract: best-effort
// cleanup that completes even if individual steps error, and always
// lands the slot in Disconnected.
func (c *Connector) Disconnect(ctx context.Context, handle model.DeviceHandle) error {
	slot := c.Slot(handle)
	if slot == nil {
		return ErrUnknownHandle
	}

	slot.mu.Lock()
	session := slot.session
	services := slot.services
	// Leave Connected before tearing down, so the Disconnected push a
	// session may emit from its own Disconnect is not taken as a lost
	// link by watchConnectionLoss.
	slot.status = model.StatusDisconnected
	slot.mu.Unlock()

	if session != nil {
		clearAllCCCDs(ctx, services, c.log)

	refetch:
		for i := 0; i < 3; i++ {
			_, _, _ = session.Services(ctx)
			select {
			case <-time.After(200 * time.Millisecond):
			case <-ctx.Done():
				break refetch
			}
		}

		if err := session.Disconnect(ctx); err != nil {
			c.log.Warn("disconnect error (ignored, best-effort)", "handle", handle, "error", err)
		}
	}

	slot.mu.Lock()
	slot.session = nil
	slot.services = nil
	slot.status = model.StatusDisconnected
	slot.lastDisconnectedAt = time.Now()
	slot.mu.Unlock()

	c.report(handle, model.StatusDisconnected, nil)
	return nil
}

// clearAllCCCDs writes DescriptorNone to every notify/indicate-capable
// characteristic, ignoring errors (§4.2 step (a)).
func clearAllCCCDs(ctx context.Context, services []transport.Service, log *logger.Logger) {
	for _, svc := range services {
		chars, status, err := svc.Characteristics(ctx)
		if err != nil || status != model.Success {
			continue
		}
		for _, ch := range chars {
			if !ch.SupportsNotify() && !ch.SupportsIndicate() {
				continue
			}
			if _, err := ch.WriteCCCD(ctx, model.DescriptorNone); err != nil {
				log.Debug("clear CCCD failed (ignored)", "characteristic", ch.UUID(), "error", err)
			}
		}
	}
}

// Reset transitions a Failed slot back to Disconnected, allowing a
// future Connect call to retry from scratch.
func (c *Connector) Reset(handle model.DeviceHandle) error {
	slot := c.Slot(handle)
	if slot == nil {
		return ErrUnknownHandle
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	if slot.status != model.StatusFailed {
		return nil
	}
	slot.status = model.StatusDisconnected
	slot.retryCount = 0
	return nil
}

// Forget tears the slot down (disconnect contract) and removes it from
// the table entirely; the slot must be recreated by discovery if the
// device is seen again.
func (c *Connector) Forget(ctx context.Context, handle model.DeviceHandle) {
	_ = c.Disconnect(ctx, handle)

	c.mu.Lock()
	if s, ok := c.slots[handle.Address]; ok {
		if s.cancel != nil {
			s.cancel()
		}
		delete(c.slots, handle.Address)
	}
	c.mu.Unlock()
}

// Shutdown cancels every slot's token and disconnects every slot with
// a 2s deadline, per §5's global-shutdown rule.
func (c *Connector) Shutdown(ctx context.Context) {
	c.mu.RLock()
	handles := make([]model.DeviceHandle, 0, len(c.slots))
	cancels := make([]context.CancelFunc, 0, len(c.slots))
	for _, s := range c.slots {
		handles = append(handles, s.Handle)
		s.mu.RLock()
		if s.cancel != nil {
			cancels = append(cancels, s.cancel)
		}
		s.mu.RUnlock()
	}
	c.mu.RUnlock()

	for _, cancel := range cancels {
		cancel()
	}

	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func(h model.DeviceHandle) {
			defer wg.Done()
			deadline, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			_ = c.Disconnect(deadline, h)
		}(h)
	}
	wg.Wait()
}

func (c *Connector) report(handle model.DeviceHandle, status model.ConnectionStatus, err error) {
	if c.onStatus != nil {
		c.onStatus(handle, status, err)
	}
}
